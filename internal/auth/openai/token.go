package openai

import (
	"time"
)

// ExpiryBuffer is subtracted from a token's remaining lifetime when deciding
// whether to refresh. A token good for a single in-flight request gets
// refreshed proactively instead of expiring mid-call.
const ExpiryBuffer = 300 * time.Second

// TokenSet is the durable result of any authorization flow: the browser PKCE
// path and the device-code path both collapse into this shape, so persistence
// code has one contract regardless of which flow produced it.
type TokenSet struct {
	// AccessToken authenticates API requests.
	AccessToken string `json:"access_token"`
	// RefreshToken obtains the next access token. May be empty when the server
	// chose not to rotate it; the caller must then keep the previous one.
	RefreshToken string `json:"refresh_token,omitempty"`
	// IDToken is the JWT identity token, used only for metadata extraction.
	IDToken string `json:"id_token,omitempty"`
	// ExpiresIn is the access token lifetime in seconds, verbatim from the
	// server. The absolute expiry instant is derived once at exchange or
	// refresh time with CalculateExpirationDate, never recomputed later.
	ExpiresIn int `json:"expires_in"`
}

// IdentityMetadata is display and dedup information pulled from an unverified
// ID token. It is never a source of trust.
type IdentityMetadata struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	PlanType  string `json:"plan_type,omitempty"`
}

// CalculateExpirationDate converts a relative expires_in into the absolute
// expiry instant, anchored at the moment of exchange or refresh.
func CalculateExpirationDate(expiresIn int) time.Time {
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}

// IsTokenExpired reports whether a token needs refreshing: a zero expiry is
// always treated as expired, and a live one is considered expired once fewer
// than bufferSeconds remain.
func IsTokenExpired(expiresAt time.Time, bufferSeconds int) bool {
	if expiresAt.IsZero() {
		return true
	}
	buffer := time.Duration(bufferSeconds) * time.Second
	return !time.Now().Add(buffer).Before(expiresAt)
}
