package idtoken

import "context"

// Apple's Sign in with Apple endpoints.
// See: https://developer.apple.com/documentation/sign_in_with_apple/generate_and_validate_tokens
const (
	AppleIssuer  = "https://appleid.apple.com"
	AppleJWKSURL = "https://appleid.apple.com/auth/keys"
)

// NewAppleVerifier builds a verifier for Sign in with Apple identity tokens,
// fetching Apple's current signing keys. clientID is the app's bundle id
// (the token audience).
func NewAppleVerifier(ctx context.Context, clientID string) (*Verifier, error) {
	set, err := FetchKeySet(ctx, AppleJWKSURL)
	if err != nil {
		return nil, err
	}
	return NewVerifier(AppleIssuer, clientID, WithKeySet(set)), nil
}
