// Package openai implements the OAuth authorization and token lifecycle for
// connecting a ChatGPT-style subscription account to a provider record. It
// covers the browser PKCE flow, the headless device-code flow, and refresh
// token rotation against the OpenAI authorization server.
package openai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OAuthError is a protocol-level rejection from the authorization server,
// carrying the RFC 6749 error code from the response body.
type OAuthError struct {
	// Code is the OAuth error code, e.g. "access_denied".
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// StatusCode is the HTTP status the server answered with.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// AuthenticationError represents a terminal authentication failure with a
// user-facing resolution: retry the same flow, switch flows, or re-login.
type AuthenticationError struct {
	// Type identifies the failure class.
	Type string `json:"type"`
	// Message is a human-readable message describing the error.
	Message string `json:"message"`
	// Code is the HTTP status code associated with the error.
	Code int `json:"code"`
	// Cause is the underlying error, when one exists.
	Cause error `json:"-"`
}

// Error returns a string representation of the authentication error.
func (e *AuthenticationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// Common authentication error values. Handlers compare against these with
// errors.Is to pick a response; WithCause keeps the identity while attaching
// the triggering error.
var (
	// ErrInvalidState rejects a callback whose state is unknown, expired, or
	// already consumed. The three cases are deliberately indistinguishable.
	ErrInvalidState = &AuthenticationError{
		Type:    "invalid_state",
		Message: "OAuth state parameter is invalid or expired",
		Code:    http.StatusBadRequest,
	}

	// ErrCodeExchangeFailed wraps a failed authorization code exchange.
	// Authorization codes are single use, so this is never retried.
	ErrCodeExchangeFailed = &AuthenticationError{
		Type:    "code_exchange_failed",
		Message: "Failed to exchange authorization code for tokens",
		Code:    http.StatusBadRequest,
	}

	// ErrDeviceCodeExpired means the device code aged out before the user
	// approved it. The flow must be restarted from the beginning.
	ErrDeviceCodeExpired = &AuthenticationError{
		Type:    "device_code_expired",
		Message: "Device code expired, restart the authentication flow",
		Code:    http.StatusGone,
	}

	// ErrAccessDenied means the user declined the authorization request.
	ErrAccessDenied = &AuthenticationError{
		Type:    "access_denied",
		Message: "Authorization was denied by the user",
		Code:    http.StatusForbidden,
	}

	// ErrPollTimeout means the device poll budget was exhausted without a
	// terminal answer from the server.
	ErrPollTimeout = &AuthenticationError{
		Type:    "poll_timeout",
		Message: "Timed out waiting for device authorization, restart the flow",
		Code:    http.StatusRequestTimeout,
	}

	// ErrFlowUnavailable means the device endpoint answered with a
	// bot-mitigation challenge page instead of JSON. Callers should fail over
	// to the browser PKCE flow rather than retrying.
	ErrFlowUnavailable = &AuthenticationError{
		Type:    "flow_unavailable",
		Message: "Device authorization endpoint is unavailable, use the browser flow instead",
		Code:    http.StatusServiceUnavailable,
	}

	// ErrReauthRequired marks a terminal refresh failure: the stored refresh
	// token is no longer accepted and the account must be connected again.
	ErrReauthRequired = &AuthenticationError{
		Type:    "reauth_required",
		Message: "Stored credentials were rejected, reconnect the account",
		Code:    http.StatusUnauthorized,
	}
)

// WithCause returns a copy of base carrying cause. errors.Is against base
// still matches through Unwrap.
func WithCause(base *AuthenticationError, cause error) *AuthenticationError {
	return &AuthenticationError{
		Type:    base.Type,
		Message: base.Message,
		Code:    base.Code,
		Cause:   cause,
	}
}

// Is lets errors.Is match two AuthenticationErrors by type, so wrapped copies
// produced by WithCause compare equal to their base value.
func (e *AuthenticationError) Is(target error) bool {
	var other *AuthenticationError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// IsOAuthError checks if an error is a protocol rejection from the server.
func IsOAuthError(err error) bool {
	var oauthErr *OAuthError
	return errors.As(err, &oauthErr)
}

// looksLikeHTML reports whether a response body is an HTML document rather
// than JSON. Device-authorization endpoints behind bot mitigation answer
// challenge pages this way; they must be classified as flow-unavailable, not
// as a parse failure.
func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html")
}

// UserFacingMessage maps an error to guidance for the dashboard: whether the
// user should retry the same flow, switch flows, or reconnect.
func UserFacingMessage(err error) string {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		switch authErr.Type {
		case "device_code_expired", "poll_timeout":
			return "Authentication timed out. Please restart the connection flow."
		case "access_denied":
			return "Authentication was cancelled or denied."
		case "flow_unavailable":
			return "Device login is unavailable right now. Use the browser login instead."
		case "reauth_required":
			return "Your connection has expired. Please reconnect the account."
		case "invalid_state":
			return "This login link is no longer valid. Please start again."
		default:
			return "Authentication failed. Please try again."
		}
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		switch oauthErr.Code {
		case "access_denied":
			return "Authentication was cancelled or denied."
		case "invalid_grant":
			return "This authorization is no longer valid. Please start again."
		case "server_error":
			return "Authentication server error. Please try again later."
		default:
			return fmt.Sprintf("Authentication failed: %s", oauthErr.Description)
		}
	}
	return "An unexpected error occurred. Please try again."
}
