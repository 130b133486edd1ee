// Package entitlement defines the domain types shared by the reconciliation
// engine and its authority adapters: reports asserted by an authority, the
// published session state, and the persisted last-known-good cache entry.
package entitlement

import (
	"context"
	"time"
)

// Source identifies which authority produced a report.
type Source string

const (
	// SourceApple is the on-device payment authority (store receipts).
	SourceApple Source = "apple"
	// SourceServer is the remote authorization server.
	SourceServer Source = "server"
	// SourceCache is the last-known-good local cache, only used at startup.
	SourceCache Source = "cache"
)

// Report is a point-in-time assertion by a single authority. Reports are
// transient: the engine consumes them immediately and retains only the
// merged result.
type Report struct {
	Source Source
	Active bool
	Expiry *time.Time
	AsOf   time.Time
}

// Expired reports whether the report carries an expiry in the past at t.
// A report with no expiry never expires.
func (r Report) Expired(t time.Time) bool {
	return r.Expiry != nil && !r.Expiry.After(t)
}

// Identity is the account half of the session state.
type Identity struct {
	AccountID string
	SignedIn  bool
}

// ErrorKind classifies the last transient failure recorded on the session.
type ErrorKind string

const (
	ErrorNone    ErrorKind = ""
	ErrorNetwork ErrorKind = "network"
	ErrorStorage ErrorKind = "storage"
	ErrorVerify  ErrorKind = "verification"
)

// SessionState is the aggregate the engine publishes. It is passed by value;
// observers never share memory with the engine's copy.
//
// Entitled==true implies either a live authority granted it during this
// process run, or Pending==true and the grant came from the cache and is
// awaiting confirmation.
type SessionState struct {
	Identity Identity
	Entitled bool
	Expiry   *time.Time

	// Pending marks a provisional cache-sourced grant that no live
	// authority has confirmed yet.
	Pending bool
	// PendingSignIn is set while a sign-in flow is mid-flight.
	PendingSignIn bool

	LastError ErrorKind
}

// CachedEntitlement is the persisted last-known-good value. Expiry uses
// RFC 3339 text so the two scalar entries survive any key/value backend.
type CachedEntitlement struct {
	Active bool   `json:"active"`
	Expiry string `json:"expiry,omitempty"`
}

// Report converts the cached value into a cache-sourced report. A malformed
// expiry string yields an inactive report: forged or corrupt cache data must
// never grant access.
func (c CachedEntitlement) Report(now time.Time) Report {
	rep := Report{Source: SourceCache, Active: c.Active, AsOf: now}
	if c.Expiry == "" {
		return rep
	}
	t, err := time.Parse(time.RFC3339, c.Expiry)
	if err != nil {
		rep.Active = false
		return rep
	}
	rep.Expiry = &t
	return rep
}

// NewCached builds the persisted form of a granted report.
func NewCached(active bool, expiry *time.Time) CachedEntitlement {
	c := CachedEntitlement{Active: active}
	if expiry != nil {
		c.Expiry = expiry.UTC().Format(time.RFC3339)
	}
	return c
}

// CacheStore persists the last-known entitlement across process restarts.
// Implementations live under storage/; all must treat a missing entry as
// (zero value, false, nil).
type CacheStore interface {
	Load(ctx context.Context) (CachedEntitlement, bool, error)
	Save(ctx context.Context, v CachedEntitlement) error
	Clear(ctx context.Context) error
}
