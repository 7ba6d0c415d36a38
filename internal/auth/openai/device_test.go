package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// deviceTokenServer scripts a sequence of token endpoint answers. Each call
// consumes the next response in the script; the last entry repeats.
type deviceTokenServer struct {
	mu       sync.Mutex
	script   []func(w http.ResponseWriter)
	requests []time.Time
}

func (s *deviceTokenServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, time.Now())
		idx := len(s.requests) - 1
		if idx >= len(s.script) {
			idx = len(s.script) - 1
		}
		respond := s.script[idx]
		s.mu.Unlock()
		respond(w)
	}
}

func (s *deviceTokenServer) requestTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.requests))
	copy(out, s.requests)
	return out
}

func respondOAuthError(code string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
}

func respondTokens(w http.ResponseWriter) {
	writeTokenResponse(w, "")
}

func testSession(interval int) *DeviceAuthorizationSession {
	return &DeviceAuthorizationSession{
		DeviceCode: "device-1",
		UserCode:   "ABCD-1234",
		Interval:   interval,
		ExpiresIn:  900,
	}
}

func TestRequestDeviceCode_DefaultInterval(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("client_id") != "client-test" {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":               "device-1",
			"user_code":                 "ABCD-1234",
			"verification_uri":          "https://example.com/activate",
			"verification_uri_complete": "https://example.com/activate?user_code=ABCD-1234",
			"expires_in":                900,
		})
	}))
	defer server.Close()

	a := testAuthenticator(TokenURL, server.URL)
	session, err := a.RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("RequestDeviceCode failed: %v", err)
	}
	if session.Interval != defaultPollInterval {
		t.Errorf("Interval = %d, want default %d when omitted", session.Interval, defaultPollInterval)
	}
	if session.UserCode != "ABCD-1234" {
		t.Errorf("UserCode = %q", session.UserCode)
	}
}

func TestRequestDeviceCode_ChallengePageIsFlowUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Verify you are human</body></html>"))
	}))
	defer server.Close()

	a := testAuthenticator(TokenURL, server.URL)
	_, err := a.RequestDeviceCode(context.Background())
	if !errors.Is(err, ErrFlowUnavailable) {
		t.Fatalf("err = %v, want ErrFlowUnavailable", err)
	}
}

func TestPollForToken_PendingThenSuccess(t *testing.T) {
	script := &deviceTokenServer{script: []func(http.ResponseWriter){
		respondOAuthError("authorization_pending"),
		respondOAuthError("authorization_pending"),
		respondTokens,
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	tokens, err := a.PollForToken(context.Background(), testSession(1))
	if err != nil {
		t.Fatalf("PollForToken failed: %v", err)
	}
	if tokens.AccessToken != "access-1" {
		t.Errorf("AccessToken = %q", tokens.AccessToken)
	}

	times := script.requestTimes()
	if len(times) != 3 {
		t.Fatalf("made %d requests, want exactly 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < time.Second {
			t.Errorf("requests %d and %d only %v apart, want >= interval", i-1, i, gap)
		}
	}
}

func TestPollForToken_SlowDownDoublesInterval(t *testing.T) {
	script := &deviceTokenServer{script: []func(http.ResponseWriter){
		respondOAuthError("slow_down"),
		respondTokens,
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	if _, err := a.PollForToken(context.Background(), testSession(1)); err != nil {
		t.Fatalf("PollForToken failed: %v", err)
	}

	times := script.requestTimes()
	if len(times) != 2 {
		t.Fatalf("made %d requests, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 2*time.Second {
		t.Errorf("gap after slow_down was %v, want >= 2x interval", gap)
	}
}

func TestPollForToken_ExpiredTerminatesImmediately(t *testing.T) {
	script := &deviceTokenServer{script: []func(http.ResponseWriter){
		respondOAuthError("expired_token"),
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	_, err := a.PollForToken(context.Background(), testSession(1))
	if !errors.Is(err, ErrDeviceCodeExpired) {
		t.Fatalf("err = %v, want ErrDeviceCodeExpired", err)
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Error("expired_token error also matches ErrAccessDenied")
	}
	if n := len(script.requestTimes()); n != 1 {
		t.Errorf("made %d requests after terminal expired_token, want 1", n)
	}
}

func TestPollForToken_DeniedDistinctFromExpired(t *testing.T) {
	script := &deviceTokenServer{script: []func(http.ResponseWriter){
		respondOAuthError("access_denied"),
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	_, err := a.PollForToken(context.Background(), testSession(1))
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if errors.Is(err, ErrDeviceCodeExpired) {
		t.Error("access_denied error also matches ErrDeviceCodeExpired")
	}
}

func TestPollForToken_ContextCancellation(t *testing.T) {
	script := &deviceTokenServer{script: []func(http.ResponseWriter){
		respondOAuthError("authorization_pending"),
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	start := time.Now()
	_, err := a.PollForToken(ctx, testSession(5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Cancellation lands during the first sleep, well before the 5s interval.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestVerifyDeviceCode_OneShotStatuses(t *testing.T) {
	cases := []struct {
		name    string
		respond func(http.ResponseWriter)
		want    DevicePollStatus
	}{
		{"pending", respondOAuthError("authorization_pending"), DeviceStatusPending},
		{"slow down", respondOAuthError("slow_down"), DeviceStatusSlowDown},
		{"complete", respondTokens, DeviceStatusComplete},
		{"expired", respondOAuthError("expired_token"), DeviceStatusExpired},
		{"denied", respondOAuthError("access_denied"), DeviceStatusDenied},
		{"other error", respondOAuthError("invalid_client"), DeviceStatusError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tc.respond(w)
			}))
			defer server.Close()

			a := testAuthenticator(server.URL, DeviceAuthURL)
			result, err := a.VerifyDeviceCode(context.Background(), testSession(1))
			if err != nil {
				t.Fatalf("VerifyDeviceCode failed: %v", err)
			}
			if result.Status != tc.want {
				t.Errorf("Status = %q, want %q", result.Status, tc.want)
			}
			if tc.want == DeviceStatusComplete && (result.Tokens == nil || result.Tokens.AccessToken == "") {
				t.Error("complete result missing tokens")
			}
			// One-shot poll makes exactly one request by construction; the
			// handler above would race the test teardown otherwise.
		})
	}
}

func TestVerifyDeviceCode_ChallengePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("<html><body>Checking your browser</body></html>"))
	}))
	defer server.Close()

	a := testAuthenticator(server.URL, DeviceAuthURL)
	result, err := a.VerifyDeviceCode(context.Background(), testSession(1))
	if err != nil {
		t.Fatalf("VerifyDeviceCode failed: %v", err)
	}
	if result.Status != DeviceStatusUnavailable {
		t.Errorf("Status = %q, want %q", result.Status, DeviceStatusUnavailable)
	}
}
