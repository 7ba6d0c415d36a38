package openai

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// JWTClaims is the payload of an OpenAI ID token. Only the claims the
// dashboard displays are modeled; everything else is ignored on decode.
type JWTClaims struct {
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Name          string   `json:"name"`
	Sub           string   `json:"sub"`
	Iss           string   `json:"iss"`
	Aud           []string `json:"aud"`
	Exp           int      `json:"exp"`
	Iat           int      `json:"iat"`
	AuthInfo      AuthInfo `json:"https://api.openai.com/auth"`
}

// AuthInfo carries the ChatGPT account details nested under OpenAI's custom
// claim namespace.
type AuthInfo struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ChatGPTPlanType  string `json:"chatgpt_plan_type"`
	ChatGPTUserID    string `json:"chatgpt_user_id"`
	UserID           string `json:"user_id"`
}

// ParseJWTToken decodes the claims of a JWT without verifying its signature.
// It returns nil on any malformed input: wrong segment count, invalid base64,
// or invalid JSON. This is metadata extraction for display and dedup only and
// must never be mistaken for validation of the token's authenticity; nothing
// in this package verifies signatures.
func ParseJWTToken(token string) *JWTClaims {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}

	claimsData, err := base64URLDecode(parts[1])
	if err != nil {
		return nil
	}

	var claims JWTClaims
	if err = json.Unmarshal(claimsData, &claims); err != nil {
		return nil
	}
	return &claims
}

// Identity flattens the claims into the metadata the provider store keeps.
// The account ID prefers the ChatGPT account over the bare subject.
func (c *JWTClaims) Identity() IdentityMetadata {
	accountID := c.AuthInfo.ChatGPTAccountID
	if accountID == "" {
		accountID = c.Sub
	}
	return IdentityMetadata{
		AccountID: accountID,
		Email:     c.Email,
		Name:      c.Name,
		PlanType:  c.AuthInfo.ChatGPTPlanType,
	}
}

// base64URLDecode decodes a base64url string, re-adding the padding JWT
// segments omit.
func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}
