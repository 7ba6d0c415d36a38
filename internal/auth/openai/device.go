package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DeviceCodeGrantType is the RFC 8628 grant type for device polling.
	DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// defaultPollInterval applies when the server omits an interval.
	defaultPollInterval = 5

	// maxPollAttempts bounds the blocking poll loop: 60 attempts at the
	// default 5s interval is roughly five minutes of wall clock.
	maxPollAttempts = 60
)

// DeviceAuthorizationSession is the response from the device-authorization
// endpoint. It lives only for the polling window and is never persisted.
type DeviceAuthorizationSession struct {
	// DeviceCode is the opaque code sent only to the token endpoint.
	DeviceCode string `json:"device_code"`
	// UserCode is the short code shown to the human.
	UserCode string `json:"user_code"`
	// VerificationURI is where the user enters the user code.
	VerificationURI string `json:"verification_uri"`
	// VerificationURIComplete embeds the user code for one-click approval.
	VerificationURIComplete string `json:"verification_uri_complete"`
	// ExpiresIn is the lifetime of the device and user codes in seconds.
	ExpiresIn int `json:"expires_in"`
	// Interval is the minimum seconds the client must wait between polls.
	Interval int `json:"interval"`
}

// DevicePollStatus labels the outcome of a single poll.
type DevicePollStatus string

const (
	// DeviceStatusPending means the user has not decided yet; keep polling.
	DeviceStatusPending DevicePollStatus = "pending"
	// DeviceStatusSlowDown means keep polling, but at double the interval.
	DeviceStatusSlowDown DevicePollStatus = "slow_down"
	// DeviceStatusComplete means the user approved and tokens were issued.
	DeviceStatusComplete DevicePollStatus = "complete"
	// DeviceStatusExpired means the device code aged out; restart the flow.
	DeviceStatusExpired DevicePollStatus = "expired"
	// DeviceStatusDenied means the user declined the request.
	DeviceStatusDenied DevicePollStatus = "denied"
	// DeviceStatusUnavailable means the endpoint answered with a
	// bot-mitigation page; switch to the browser flow.
	DeviceStatusUnavailable DevicePollStatus = "unavailable"
	// DeviceStatusError covers every other protocol rejection.
	DeviceStatusError DevicePollStatus = "error"
)

// DevicePollResult is the outcome of one poll against the token endpoint.
type DevicePollResult struct {
	Status DevicePollStatus
	// Tokens is set only when Status is DeviceStatusComplete.
	Tokens *TokenSet
	// Err carries the protocol rejection for terminal failure statuses.
	Err error
}

// RequestDeviceCode starts the device authorization flow and returns the
// session the caller shows to the user. An HTML challenge page in place of a
// JSON response is classified as flow-unavailable so the caller can fail over
// to the browser PKCE flow.
func (a *Authenticator) RequestDeviceCode(ctx context.Context) (*DeviceAuthorizationSession, error) {
	data := url.Values{
		"client_id": {a.clientID},
		"scope":     {a.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.deviceURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create device authorization request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.deviceHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read device authorization response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if looksLikeHTML(resp.Header.Get("Content-Type"), body) {
			return nil, WithCause(ErrFlowUnavailable, fmt.Errorf("device endpoint returned a challenge page with status %d", resp.StatusCode))
		}
		return nil, errorFromResponse(resp.StatusCode, body)
	}

	var session DeviceAuthorizationSession
	if err = json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization response: %w", err)
	}
	if session.DeviceCode == "" {
		return nil, fmt.Errorf("device authorization failed: device_code missing from response")
	}
	if session.Interval <= 0 {
		session.Interval = defaultPollInterval
	}
	return &session, nil
}

// PollForToken blocks until the device flow reaches a terminal outcome or the
// attempt budget runs out. It sleeps the session interval between polls,
// doubling it after a slow_down answer, and checks ctx before each sleep and
// each request so cancellation is bounded by one in-flight request.
func (a *Authenticator) PollForToken(ctx context.Context, session *DeviceAuthorizationSession) (*TokenSet, error) {
	interval := session.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	delay := time.Duration(interval) * time.Second

	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := a.pollOnce(ctx, session)
		if err != nil {
			// Transient transport failure: keep polling, the budget bounds us.
			log.Warnf("device token poll attempt %d/%d failed: %v", attempt+1, maxPollAttempts, err)
			continue
		}

		switch result.Status {
		case DeviceStatusPending:
			delay = time.Duration(interval) * time.Second
		case DeviceStatusSlowDown:
			delay = 2 * time.Duration(interval) * time.Second
		case DeviceStatusComplete:
			return result.Tokens, nil
		case DeviceStatusExpired:
			return nil, WithCause(ErrDeviceCodeExpired, result.Err)
		case DeviceStatusDenied:
			return nil, WithCause(ErrAccessDenied, result.Err)
		case DeviceStatusUnavailable:
			return nil, WithCause(ErrFlowUnavailable, result.Err)
		default:
			return nil, result.Err
		}
	}

	return nil, ErrPollTimeout
}

// VerifyDeviceCode performs exactly one poll and reports the current status
// without looping, for callers that drive their own cadence (a dashboard
// timer) instead of blocking. Terminal rejections are reported through the
// result status, not the error return, so the caller can render them.
func (a *Authenticator) VerifyDeviceCode(ctx context.Context, session *DeviceAuthorizationSession) (*DevicePollResult, error) {
	return a.pollOnce(ctx, session)
}

// pollOnce performs a single device-code grant request and classifies the
// answer.
func (a *Authenticator) pollOnce(ctx context.Context, session *DeviceAuthorizationSession) (*DevicePollResult, error) {
	data := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"client_id":   {a.clientID},
		"device_code": {session.DeviceCode},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create device token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.deviceHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("device token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read device token response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		tokens, errDecode := decodeTokenResponse(body)
		if errDecode != nil {
			return nil, fmt.Errorf("failed to parse device token response: %w", errDecode)
		}
		return &DevicePollResult{Status: DeviceStatusComplete, Tokens: tokens}, nil
	}

	if looksLikeHTML(resp.Header.Get("Content-Type"), body) {
		return &DevicePollResult{
			Status: DeviceStatusUnavailable,
			Err:    fmt.Errorf("token endpoint returned a challenge page with status %d", resp.StatusCode),
		}, nil
	}

	var oauthErr OAuthError
	if errParse := json.Unmarshal(body, &oauthErr); errParse != nil || oauthErr.Code == "" {
		return &DevicePollResult{Status: DeviceStatusError, Err: errorFromResponse(resp.StatusCode, body)}, nil
	}
	oauthErr.StatusCode = resp.StatusCode

	switch oauthErr.Code {
	case "authorization_pending":
		return &DevicePollResult{Status: DeviceStatusPending}, nil
	case "slow_down":
		return &DevicePollResult{Status: DeviceStatusSlowDown}, nil
	case "expired_token":
		return &DevicePollResult{Status: DeviceStatusExpired, Err: &oauthErr}, nil
	case "access_denied":
		return &DevicePollResult{Status: DeviceStatusDenied, Err: &oauthErr}, nil
	default:
		return &DevicePollResult{Status: DeviceStatusError, Err: &oauthErr}, nil
	}
}
