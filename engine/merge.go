package engine

import (
	"time"

	"github.com/open-rails/subkit/entitlement"
)

// effects are the side effects a merge commits along with its state change.
// The apply loop executes persist/clear in order; recheckApple re-enters the
// loop as a follow-up report rather than recursing under the serialization
// point.
type effects struct {
	persist      bool
	clear        bool
	recheckApple bool
}

// merge folds one authority report into the session state. Grants are
// immediate from any source; revocations are deferred and conditional.
//
//   - Any active, unexpired report grants entitlement. Live grants are
//     persisted to the cache; a cache-sourced grant is provisional (Pending)
//     until a live authority confirms or revokes it.
//   - An Apple revocation only sticks while signed out. A signed-in user may
//     hold a server grant Apple has no visibility into.
//   - A server revocation tentatively revokes and clears the cache, then
//     asks for an Apple point-in-time re-check: the server may simply not
//     know about a legitimate device purchase. If Apple also comes back
//     empty, the revocation stands.
func merge(st entitlement.SessionState, rep entitlement.Report, now time.Time) (entitlement.SessionState, effects) {
	var fx effects

	if rep.Source != entitlement.SourceCache {
		// First live answer ends the provisional window.
		st.Pending = false
	}

	if rep.Active && !rep.Expired(now) {
		st.Entitled = true
		st.Expiry = rep.Expiry
		if rep.Source == entitlement.SourceCache {
			st.Pending = true
		} else {
			fx.persist = true
		}
		return st, fx
	}

	switch rep.Source {
	case entitlement.SourceCache:
		// An inactive cache entry asserts nothing.

	case entitlement.SourceApple:
		if !st.Identity.SignedIn {
			st.Entitled = false
			st.Expiry = nil
			fx.clear = true
		}

	case entitlement.SourceServer:
		st.Entitled = false
		st.Expiry = nil
		fx.clear = true
		fx.recheckApple = true
	}
	return st, fx
}

// statesEqual compares two session states by value, treating expiry
// pointers as equal when they point at the same instant.
func statesEqual(a, b entitlement.SessionState) bool {
	if a.Identity != b.Identity ||
		a.Entitled != b.Entitled ||
		a.Pending != b.Pending ||
		a.PendingSignIn != b.PendingSignIn ||
		a.LastError != b.LastError {
		return false
	}
	switch {
	case a.Expiry == nil && b.Expiry == nil:
		return true
	case a.Expiry == nil || b.Expiry == nil:
		return false
	default:
		return a.Expiry.Equal(*b.Expiry)
	}
}
