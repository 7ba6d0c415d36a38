package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rosterhq/roster/internal/auth/pkce"
)

func testAuthenticator(tokenURL, deviceURL string) *Authenticator {
	return &Authenticator{
		httpClient: http.DefaultClient,
		authURL:    AuthURL,
		tokenURL:   tokenURL,
		deviceURL:  deviceURL,
		clientID:   "client-test",
		scope:      Scope,
	}
}

func writeTokenResponse(w http.ResponseWriter, idToken string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "access-1",
		"refresh_token": "refresh-1",
		"id_token":      idToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func TestCreateAuthorizationFlow_URLParameters(t *testing.T) {
	a := testAuthenticator(TokenURL, DeviceAuthURL)

	flow, err := a.CreateAuthorizationFlow("https://app/cb", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationFlow failed: %v", err)
	}
	if flow.State == "" || flow.CodeVerifier == "" {
		t.Fatal("flow missing state or verifier")
	}

	parsed, err := url.Parse(flow.URL)
	if err != nil {
		t.Fatalf("authorization URL unparseable: %v", err)
	}
	q := parsed.Query()

	want := map[string]string{
		"client_id":             "client-test",
		"redirect_uri":          "https://app/cb",
		"response_type":         "code",
		"scope":                 Scope,
		"state":                 flow.State,
		"code_challenge_method": "S256",
	}
	for key, value := range want {
		if got := q.Get(key); got != value {
			t.Errorf("param %s = %q, want %q", key, got, value)
		}
	}
	if got := q.Get("code_challenge"); got != pkce.ChallengeFor(flow.CodeVerifier) {
		t.Errorf("code_challenge %q does not match verifier", got)
	}
}

func TestCreateAuthorizationFlow_SuppliedStateFreshVerifier(t *testing.T) {
	a := testAuthenticator(TokenURL, DeviceAuthURL)

	first, err := a.CreateAuthorizationFlow("https://app/cb", "fixed-state")
	if err != nil {
		t.Fatalf("CreateAuthorizationFlow failed: %v", err)
	}
	second, err := a.CreateAuthorizationFlow("https://app/cb", "fixed-state")
	if err != nil {
		t.Fatalf("CreateAuthorizationFlow failed: %v", err)
	}

	if first.State != "fixed-state" || second.State != "fixed-state" {
		t.Error("supplied state not honored")
	}
	// Verifier and challenge originate together on every call, even with a
	// reused state.
	if first.CodeVerifier == second.CodeVerifier {
		t.Error("verifier was reused across flows")
	}
}

func TestExchangeCodeForTokens_PublicClientBody(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		writeTokenResponse(w, "")
	}))
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	tokens, err := a.ExchangeCodeForTokens(context.Background(), "code-1", "verifier-1", "https://app/cb")
	if err != nil {
		t.Fatalf("ExchangeCodeForTokens failed: %v", err)
	}

	if form.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("code") != "code-1" || form.Get("redirect_uri") != "https://app/cb" {
		t.Errorf("code/redirect_uri not propagated: %v", form)
	}
	if form.Get("code_verifier") != "verifier-1" {
		t.Errorf("code_verifier = %q, want verifier-1", form.Get("code_verifier"))
	}
	if form.Get("client_secret") != "" {
		t.Error("public-client exchange sent a client_secret")
	}

	if tokens.AccessToken != "access-1" || tokens.RefreshToken != "refresh-1" || tokens.ExpiresIn != 3600 {
		t.Errorf("unexpected token set: %+v", tokens)
	}
}

func TestExchangeCodeForTokens_ConfidentialClientBody(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		writeTokenResponse(w, "")
	}))
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	a.clientSecret = "secret-1"

	if _, err := a.ExchangeCodeForTokens(context.Background(), "code-1", "verifier-1", "https://app/cb"); err != nil {
		t.Fatalf("ExchangeCodeForTokens failed: %v", err)
	}

	// Confidential mode wins: secret is sent, verifier is not. Never both.
	if form.Get("client_secret") != "secret-1" {
		t.Errorf("client_secret = %q", form.Get("client_secret"))
	}
	if form.Get("code_verifier") != "" {
		t.Error("confidential exchange also sent code_verifier")
	}
}

func TestExchangeCodeForTokens_NeitherSecretNorVerifier(t *testing.T) {
	a := testAuthenticator(TokenURL, DeviceAuthURL)
	if _, err := a.ExchangeCodeForTokens(context.Background(), "code-1", "", ""); err == nil {
		t.Fatal("exchange with neither secret nor verifier did not fail")
	}
}

func TestExchangeCodeForTokens_UpstreamRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code already consumed"}`))
	}))
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	_, err := a.ExchangeCodeForTokens(context.Background(), "code-1", "verifier-1", "https://app/cb")
	if err == nil {
		t.Fatal("exchange against rejecting server succeeded")
	}

	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("error %v is not an OAuthError", err)
	}
	if oauthErr.Code != "invalid_grant" || oauthErr.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected OAuthError: %+v", oauthErr)
	}
}

func TestRefreshTokens_Body(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		// Server that does not rotate the refresh token.
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-2",
			"expires_in":   1800,
		})
	}))
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	tokens, err := a.RefreshTokens(context.Background(), "refresh-old")
	if err != nil {
		t.Fatalf("RefreshTokens failed: %v", err)
	}

	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "refresh-old" {
		t.Errorf("refresh form incorrect: %v", form)
	}
	if tokens.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q", tokens.AccessToken)
	}
	// Omitted rotation comes back empty; retaining the old token is the
	// caller's job.
	if tokens.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty", tokens.RefreshToken)
	}
}

func TestRefreshTokens_EmptyToken(t *testing.T) {
	a := testAuthenticator(TokenURL, DeviceAuthURL)
	if _, err := a.RefreshTokens(context.Background(), ""); err == nil {
		t.Fatal("refresh with empty token did not fail")
	}
}

func TestEndToEnd_FlowStateAndVerifierSurviveCallback(t *testing.T) {
	var exchangeForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		exchangeForm = r.PostForm
		writeTokenResponse(w, "")
	}))
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)

	flow, err := a.CreateAuthorizationFlow("https://app/cb", "")
	if err != nil {
		t.Fatalf("CreateAuthorizationFlow failed: %v", err)
	}

	// Simulated callback: the stored verifier travels into the exchange with
	// the exact redirect URI the flow was created for.
	if _, err = a.ExchangeCodeForTokens(context.Background(), "fabricated-code", flow.CodeVerifier, "https://app/cb"); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	if got := exchangeForm.Get("code_verifier"); got != flow.CodeVerifier {
		t.Errorf("exchange used verifier %q, want the flow's %q", got, flow.CodeVerifier)
	}
	if got := exchangeForm.Get("redirect_uri"); got != "https://app/cb" {
		t.Errorf("exchange used redirect_uri %q", got)
	}
}

func TestErrorFromResponse_NonJSONBody(t *testing.T) {
	err := errorFromResponse(http.StatusBadGateway, []byte("upstream exploded"))
	if err == nil {
		t.Fatal("nil error")
	}
	if IsOAuthError(err) {
		t.Error("plain text body classified as OAuthError")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error %q does not carry the upstream status", err)
	}
}
