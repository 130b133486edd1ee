// Package credential abstracts secure persistence of the account identifier.
// The real implementation is the platform keystore supplied by the embedding
// app; this package defines the contract and ships an in-memory stand-in.
package credential

import (
	"context"
	"errors"
)

// ErrStorage wraps keystore read/write failures. Callers treat a failed load
// as "no stored identity" and log the cause.
var ErrStorage = errors.New("credential: storage failure")

// Store persists one opaque account id. Save overwrites any prior value,
// Delete on a missing item is not an error, and Load returns ok=false when
// nothing is stored.
type Store interface {
	Save(ctx context.Context, accountID string) error
	Load(ctx context.Context) (accountID string, ok bool, err error)
	Delete(ctx context.Context) error
}
