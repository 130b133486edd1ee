// Package testkit provides deterministic doubles for testing applications
// that embed subkit: an identity-token issuer with a live JWKS endpoint, a
// fake authorization server speaking the engine's wire protocol, and a
// scripted payment authority.
package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Issuer mints signed identity tokens and serves the matching JWKS at
// /.well-known/jwks.json, so idtoken.Verifier validates them without a real
// identity provider.
type Issuer struct {
	server   *httptest.Server
	key      *rsa.PrivateKey
	kid      string
	audience string
}

// NewIssuer creates an issuer with a fresh RSA key pair.
// Call Close when done.
func NewIssuer(audience string) *Issuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("testkit: rsa keygen: " + err.Error())
	}
	iss := &Issuer{key: key, kid: "test-key-1", audience: audience}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	return iss
}

// URL returns the issuer base URL.
func (i *Issuer) URL() string { return i.server.URL }

// JWKSURL returns the address of the served key set.
func (i *Issuer) JWKSURL() string { return i.server.URL + "/.well-known/jwks.json" }

// Audience returns the configured audience claim.
func (i *Issuer) Audience() string { return i.audience }

// Close shuts down the JWKS server.
func (i *Issuer) Close() { i.server.Close() }

// Token signs an identity token for the given subject.
func (i *Issuer) Token(subject, email string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"iss":   i.URL(),
		"aud":   i.audience,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	signed, err := tok.SignedString(i.key)
	if err != nil {
		panic("testkit: sign token: " + err.Error())
	}
	return signed
}

// ExpiredToken signs a token whose exp is already in the past.
func (i *Issuer) ExpiredToken(subject, email string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"email": email,
		"iss":   i.URL(),
		"aud":   i.audience,
		"iat":   now.Add(-2 * time.Hour).Unix(),
		"exp":   now.Add(-time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	signed, err := tok.SignedString(i.key)
	if err != nil {
		panic("testkit: sign token: " + err.Error())
	}
	return signed
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	pub, err := jwk.FromRaw(i.key.Public())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = pub.Set(jwk.KeyIDKey, i.kid)
	_ = pub.Set(jwk.AlgorithmKey, "RS256")
	_ = pub.Set(jwk.KeyUsageKey, "sig")
	set := jwk.NewSet()
	_ = set.AddKey(pub)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}
