// Package filestore persists the entitlement cache in a single file, the
// backend an on-device embedder uses. Entries are sealed with a MAC derived
// from an install-local secret, so an edited or copied-in cache file reads
// as a miss instead of granting access.
package filestore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/open-rails/subkit/entitlement"
)

// Cache is a file-backed entitlement.CacheStore.
type Cache struct {
	path   string
	macKey []byte
}

type sealedEntry struct {
	Payload entitlement.CachedEntitlement `json:"payload"`
	MAC     []byte                        `json:"mac"`
}

// NewCache creates a cache at path. secret is an install-local value (for
// example from the platform keystore); the MAC key is derived from it, so
// files are only readable by the install that wrote them.
func NewCache(path string, secret []byte) (*Cache, error) {
	if path == "" {
		return nil, errors.New("filestore: path is empty")
	}
	if len(secret) == 0 {
		return nil, errors.New("filestore: secret is empty")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("subkit entitlement cache mac"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return &Cache{path: path, macKey: key}, nil
}

func (c *Cache) seal(v entitlement.CachedEntitlement) (sealedEntry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sealedEntry{}, err
	}
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(b)
	return sealedEntry{Payload: v, MAC: mac.Sum(nil)}, nil
}

func (c *Cache) verify(e sealedEntry) bool {
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(b)
	return hmac.Equal(mac.Sum(nil), e.MAC)
}

func (c *Cache) Load(ctx context.Context) (entitlement.CachedEntitlement, bool, error) {
	_ = ctx
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return entitlement.CachedEntitlement{}, false, nil
	}
	if err != nil {
		return entitlement.CachedEntitlement{}, false, err
	}
	var e sealedEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entitlement.CachedEntitlement{}, false, nil
	}
	if !c.verify(e) {
		// Forged or foreign cache data fails closed.
		return entitlement.CachedEntitlement{}, false, nil
	}
	return e.Payload, true, nil
}

func (c *Cache) Save(ctx context.Context, v entitlement.CachedEntitlement) error {
	_ = ctx
	e, err := c.seal(v)
	if err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *Cache) Clear(ctx context.Context) error {
	_ = ctx
	err := os.Remove(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
