package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rosterhq/roster/internal/auth/pkce"
	"github.com/rosterhq/roster/internal/config"
	"github.com/rosterhq/roster/internal/util"
)

// OAuth configuration defaults for the OpenAI authorization server.
const (
	AuthURL       = "https://auth.openai.com/oauth/authorize"
	TokenURL      = "https://auth.openai.com/oauth/token"
	DeviceAuthURL = "https://auth.openai.com/oauth/device/authorization"
	ClientID      = "app_EMoamEEZ73f0CkXaXp7hrann"
	Scope         = "openid email profile offline_access"
)

// Authenticator drives the OAuth flows against the OpenAI authorization
// server. It holds the HTTP client and endpoint configuration; it never
// touches the pending-authorization store, keeping the cryptographic steps
// decoupled from storage policy.
type Authenticator struct {
	httpClient   *http.Client
	deviceClient *http.Client
	authURL      string
	tokenURL     string
	deviceURL    string
	clientID     string
	clientSecret string
	scope        string
}

// AuthorizationFlow is the result of building an authorization URL. The
// caller is responsible for persisting state and verifier into the
// pending-authorization store before redirecting the user.
type AuthorizationFlow struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	CodeVerifier string `json:"-"`
}

// NewAuthenticator creates an Authenticator from the service configuration,
// applying proxy settings to its HTTP client. Endpoint and client overrides in
// the config take precedence over the package defaults; a configured client
// secret switches the token exchange into confidential-client mode.
func NewAuthenticator(cfg *config.Config) *Authenticator {
	httpClient := util.SetProxy(cfg, &http.Client{})
	a := &Authenticator{
		httpClient:   httpClient,
		deviceClient: &http.Client{Transport: newUTLSRoundTripper(cfg.ProxyURL, httpClient.Transport)},
		authURL:      AuthURL,
		tokenURL:     TokenURL,
		deviceURL:    DeviceAuthURL,
		clientID:     ClientID,
		clientSecret: cfg.OAuth.ClientSecret,
		scope:        Scope,
	}
	if cfg.OAuth.AuthURL != "" {
		a.authURL = cfg.OAuth.AuthURL
	}
	if cfg.OAuth.TokenURL != "" {
		a.tokenURL = cfg.OAuth.TokenURL
	}
	if cfg.OAuth.DeviceAuthURL != "" {
		a.deviceURL = cfg.OAuth.DeviceAuthURL
	}
	if cfg.OAuth.ClientID != "" {
		a.clientID = cfg.OAuth.ClientID
	}
	return a
}

// CreateAuthorizationFlow builds the authorization URL for a browser PKCE
// attempt. A caller-supplied state is honored (empty means generate one), but
// the PKCE pair is always fresh: verifier and challenge must originate
// together, never be recombined across attempts.
func (a *Authenticator) CreateAuthorizationFlow(redirectURI, state string) (*AuthorizationFlow, error) {
	if strings.TrimSpace(redirectURI) == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}

	if state == "" {
		generated, err := pkce.GenerateState()
		if err != nil {
			return nil, err
		}
		state = generated
	}

	codes, err := pkce.GenerateCodes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE codes: %w", err)
	}

	params := url.Values{
		"client_id":                  {a.clientID},
		"response_type":              {"code"},
		"redirect_uri":               {redirectURI},
		"scope":                      {a.scope},
		"state":                      {state},
		"code_challenge":             {codes.CodeChallenge},
		"code_challenge_method":      {"S256"},
		"prompt":                     {"login"},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
	}

	return &AuthorizationFlow{
		URL:          fmt.Sprintf("%s?%s", a.authURL, params.Encode()),
		State:        state,
		CodeVerifier: codes.CodeVerifier,
	}, nil
}

// ExchangeCodeForTokens exchanges an authorization code for a token set. The
// request carries either the configured client secret (confidential mode) or
// the PKCE code verifier, never both and never neither. Any non-2xx response
// is a hard failure carrying the upstream status and body; authorization codes
// are single use, so there is no retry at this layer.
func (a *Authenticator) ExchangeCodeForTokens(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenSet, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {a.clientID},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	switch {
	case a.clientSecret != "":
		data.Set("client_secret", a.clientSecret)
	case codeVerifier != "":
		data.Set("code_verifier", codeVerifier)
	default:
		return nil, fmt.Errorf("either a client secret or a code verifier is required for token exchange")
	}

	body, err := a.postTokenForm(ctx, a.tokenURL, data)
	if err != nil {
		return nil, err
	}

	tokens, err := decodeTokenResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return tokens, nil
}

// RefreshTokens exchanges a refresh token for a new token set. When the
// response omits a rotated refresh token the returned set's RefreshToken is
// empty and the caller must retain the previous one. A failed refresh is
// terminal for that token: callers surface a re-authentication requirement
// instead of retrying indefinitely.
func (a *Authenticator) RefreshTokens(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.clientID},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile email"},
	}

	body, err := a.postTokenForm(ctx, a.tokenURL, data)
	if err != nil {
		return nil, err
	}

	tokens, err := decodeTokenResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	return tokens, nil
}

// postTokenForm performs a form POST against an OAuth endpoint and returns
// the response body on 2xx. Non-2xx responses become an *OAuthError when the
// body carries a protocol error code, otherwise a plain error with the
// upstream status and a body excerpt.
func (a *Authenticator) postTokenForm(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(resp.StatusCode, body)
	}
	return body, nil
}

// errorFromResponse converts a non-2xx token endpoint answer into an error.
func errorFromResponse(statusCode int, body []byte) error {
	var oauthErr OAuthError
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Code != "" {
		oauthErr.StatusCode = statusCode
		return &oauthErr
	}
	excerpt := string(body)
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}
	return fmt.Errorf("token endpoint returned status %d: %s", statusCode, excerpt)
}

// decodeTokenResponse parses a successful token endpoint body.
func decodeTokenResponse(body []byte) (*TokenSet, error) {
	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, err
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("access_token missing from response")
	}
	return &TokenSet{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}
