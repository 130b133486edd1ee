package credential

import (
	"crypto/rand"

	"github.com/mr-tron/base58"
)

// NewAnonymousID mints an opaque install identifier for use before any
// sign-in has happened. Base58 keeps it short and free of characters that
// break URLs or get mistranscribed.
func NewAnonymousID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}
