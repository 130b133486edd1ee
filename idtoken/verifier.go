// Package idtoken extracts a stable account identifier from the platform
// identity token presented at sign-in. When a JWKS is configured the token
// is verified against issuer, audience, and keys; without one, claims are
// read unverified — acceptable only because the authorization server
// re-validates the token on its side.
package idtoken

import (
	"context"
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims is the minimal identity we need from the token.
type Claims struct {
	Subject string
	Email   string
}

// Verifier validates identity tokens against issuer, audience, and keys.
type Verifier struct {
	issuer   string
	clientID string
	keySet   jwk.Set
}

// VerifierOpt configures a Verifier.
type VerifierOpt func(*Verifier)

// WithKeySet supplies a static key set instead of fetching the JWKS URL.
func WithKeySet(set jwk.Set) VerifierOpt {
	return func(v *Verifier) {
		v.keySet = set
	}
}

// NewVerifier builds a verifier for the given issuer and client id.
func NewVerifier(issuer, clientID string, opts ...VerifierOpt) *Verifier {
	v := &Verifier{issuer: issuer, clientID: clientID}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// FetchKeySet loads the JWKS from the given URL for use with WithKeySet.
func FetchKeySet(ctx context.Context, jwksURL string) (jwk.Set, error) {
	if jwksURL == "" {
		return nil, errors.New("idtoken: missing jwks url")
	}
	return jwk.Fetch(ctx, jwksURL)
}

// Verify validates the token and extracts claims.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	if v == nil || v.keySet == nil {
		return Claims{}, errors.New("idtoken: missing key set")
	}
	token, err := jwt.ParseString(
		rawToken,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.clientID),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return Claims{}, err
	}
	claims := Claims{Subject: token.Subject()}
	if raw, ok := token.Get("email"); ok {
		if email, ok := raw.(string); ok {
			claims.Email = email
		}
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("idtoken: token has no subject")
	}
	return claims, nil
}

// Subject reads the subject claim without signature verification. Used as a
// fallback to derive an account id when no verifier is configured; the
// server still validates the token before trusting it.
func Subject(rawToken string) (string, error) {
	var claims gojwt.RegisteredClaims
	parser := gojwt.NewParser()
	if _, _, err := parser.ParseUnverified(rawToken, &claims); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("idtoken: token has no subject")
	}
	return claims.Subject, nil
}
