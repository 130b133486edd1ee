// Package remote talks to the authorization server that can grant
// entitlement independently of any store purchase (promotional codes,
// friend access). It defines the consumed Authority interface plus the
// JSON/HTTPS client the engine uses in production.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entitlement is the server's answer to any of the status-bearing calls.
type Entitlement struct {
	Active bool
	Expiry *time.Time
}

// Authority is the consumed interface over the authorization server.
type Authority interface {
	// Authenticate exchanges a platform identity token for the server's
	// view of the account, creating the account if needed.
	Authenticate(ctx context.Context, identityToken, accountID string) (Entitlement, error)

	// QueryStatus returns the server's current view for an account.
	QueryStatus(ctx context.Context, accountID string) (Entitlement, error)

	// ReportPurchase tells the server about a completed store purchase.
	// Best effort: the local grant already stands when this is called.
	ReportPurchase(ctx context.Context, accountID string, expiry *time.Time) error

	// Redeem exchanges a promotional code for entitlement. Invalid codes
	// return a *RedeemError; transport failures return a *NetworkError.
	Redeem(ctx context.Context, accountID, code string) (Entitlement, error)
}

// NetworkError marks timeouts and connectivity failures. The engine records
// it as the session's last error and otherwise leaves state untouched.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RedeemError is a definitive rejection of a promotional code. Message is
// the server's user-facing text, surfaced verbatim.
type RedeemError struct {
	Message string
}

func (e *RedeemError) Error() string {
	if e.Message == "" {
		return "remote: invalid code"
	}
	return "remote: " + e.Message
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsInvalidCode reports whether err is a definitive code rejection.
func IsInvalidCode(err error) bool {
	var re *RedeemError
	return errors.As(err, &re)
}
