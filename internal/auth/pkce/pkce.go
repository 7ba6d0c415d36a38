// Package pkce implements the PKCE (Proof Key for Code Exchange) primitives
// used by the OAuth authorization flows. It generates cryptographically random
// code verifiers with their SHA256 code challenges, as specified in RFC 7636,
// and random state tokens for CSRF protection.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Codes holds a PKCE code verifier together with its derived code challenge.
type Codes struct {
	// CodeVerifier is the high-entropy secret the client presents at token exchange.
	CodeVerifier string `json:"code_verifier"`
	// CodeChallenge is base64url(SHA256(CodeVerifier)), sent in the authorization request.
	CodeChallenge string `json:"code_challenge"`
}

// GenerateCodes generates a new pair of PKCE codes. It creates a
// cryptographically random code verifier and its corresponding SHA256 code
// challenge. The verifier and challenge always originate together; callers
// must never pair a stored challenge with a freshly generated verifier.
func GenerateCodes() (*Codes, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	return &Codes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: ChallengeFor(codeVerifier),
	}, nil
}

// GenerateState returns a random state token for CSRF protection: 16 random
// bytes, hex encoded. The state identifies an in-flight authorization attempt
// and does not need the entropy budget of the code verifier.
func GenerateState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// ChallengeFor derives the S256 code challenge for a code verifier. Re-hashing
// a stored verifier must always reproduce the challenge issued alongside it.
func ChallengeFor(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// generateCodeVerifier creates a cryptographically secure random string to be
// used as the code verifier. 64 random bytes encode to 86 URL-safe base64
// characters, inside the 43-128 character window RFC 7636 requires.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 64)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
