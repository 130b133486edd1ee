// Package payment defines the contract of the on-device payment authority:
// the platform store's receipt stream and point-in-time entitlement query.
// Implementations wrap the platform SDK; testkit ships a scripted one.
package payment

import (
	"context"
	"time"

	"github.com/open-rails/subkit/entitlement"
)

// Entitlement is one store entitlement as the platform reports it. Verified
// reflects the platform's cryptographic receipt check; the engine treats an
// unverified entitlement as absent.
type Entitlement struct {
	ProductID string
	ExpiresAt *time.Time
	Verified  bool
}

// Authority is the consumed interface over the platform store.
type Authority interface {
	// CurrentEntitlements evaluates the active entitlements at call time.
	// It is a snapshot, not a cache.
	CurrentEntitlements(ctx context.Context) ([]Entitlement, error)

	// Updates returns a live feed of entitlement changes for the process
	// lifetime. The channel closes when ctx is cancelled.
	Updates(ctx context.Context) (<-chan Entitlement, error)

	// Purchase starts the platform purchase flow for the given product and
	// returns the resulting entitlement. Finalize must be called once the
	// engine has committed the grant, so the platform can close out the
	// transaction.
	Purchase(ctx context.Context, productID string) (Entitlement, error)
	Finalize(ctx context.Context, productID string) error
}

// Match reports whether the entitlement is for the given product.
func (e Entitlement) Match(productID string) bool {
	return e.ProductID == productID
}

// Report converts a verified store entitlement into an Apple-sourced report.
// Unverified evidence fails closed: the report is inactive regardless of
// what the receipt claims.
func (e Entitlement) Report(now time.Time) entitlement.Report {
	rep := entitlement.Report{Source: entitlement.SourceApple, AsOf: now}
	if !e.Verified {
		return rep
	}
	rep.Active = true
	rep.Expiry = e.ExpiresAt
	return rep
}

// Absent is the report the engine merges when the store answers with no
// matching entitlement at all.
func Absent(now time.Time) entitlement.Report {
	return entitlement.Report{Source: entitlement.SourceApple, AsOf: now}
}
