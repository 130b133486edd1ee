// Package pgstore persists the entitlement cache in Postgres, keyed by
// account, for server-side embedders that already run pgx.
package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-rails/subkit/entitlement"
)

// Cache is a Postgres-backed entitlement.CacheStore scoped to one account.
// Expected schema:
//
//	CREATE TABLE subkit.entitlement_cache (
//	    account_id TEXT PRIMARY KEY,
//	    active     BOOLEAN NOT NULL,
//	    expiry     TEXT NOT NULL DEFAULT '',
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Cache struct {
	pg        *pgxpool.Pool
	schema    string
	accountID string
}

// NewCache creates a cache for the given account. An empty schema defaults
// to "subkit".
func NewCache(pg *pgxpool.Pool, schema, accountID string) *Cache {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "subkit"
	}
	return &Cache{pg: pg, schema: s, accountID: accountID}
}

func (c *Cache) table() string { return c.schema + ".entitlement_cache" }

func (c *Cache) Load(ctx context.Context) (entitlement.CachedEntitlement, bool, error) {
	if c.pg == nil {
		return entitlement.CachedEntitlement{}, false, nil
	}
	var v entitlement.CachedEntitlement
	err := c.pg.QueryRow(ctx,
		`SELECT active, expiry FROM `+c.table()+` WHERE account_id=$1`,
		c.accountID,
	).Scan(&v.Active, &v.Expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlement.CachedEntitlement{}, false, nil
	}
	if err != nil {
		return entitlement.CachedEntitlement{}, false, err
	}
	return v, true, nil
}

func (c *Cache) Save(ctx context.Context, v entitlement.CachedEntitlement) error {
	if c.pg == nil {
		return nil
	}
	_, err := c.pg.Exec(ctx,
		`INSERT INTO `+c.table()+` (account_id, active, expiry, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (account_id)
		 DO UPDATE SET active=$2, expiry=$3, updated_at=NOW()`,
		c.accountID, v.Active, v.Expiry)
	return err
}

func (c *Cache) Clear(ctx context.Context) error {
	if c.pg == nil {
		return nil
	}
	_, err := c.pg.Exec(ctx,
		`DELETE FROM `+c.table()+` WHERE account_id=$1`, c.accountID)
	return err
}
