package openai

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func makeIDToken(t *testing.T, payload map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	body := base64.RawURLEncoding.EncodeToString(data)
	return header + "." + body + ".signature"
}

func TestParseJWTToken_ExtractsIdentity(t *testing.T) {
	token := makeIDToken(t, map[string]any{
		"email": "ops@example.com",
		"name":  "Ops Human",
		"sub":   "user-123",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-789",
			"chatgpt_plan_type":  "pro",
		},
	})

	claims := ParseJWTToken(token)
	if claims == nil {
		t.Fatal("ParseJWTToken returned nil for a well-formed token")
	}

	identity := claims.Identity()
	if identity.AccountID != "acct-789" {
		t.Errorf("AccountID = %q, want acct-789", identity.AccountID)
	}
	if identity.Email != "ops@example.com" {
		t.Errorf("Email = %q", identity.Email)
	}
	if identity.Name != "Ops Human" {
		t.Errorf("Name = %q", identity.Name)
	}
	if identity.PlanType != "pro" {
		t.Errorf("PlanType = %q", identity.PlanType)
	}
}

func TestParseJWTToken_FallsBackToSubject(t *testing.T) {
	token := makeIDToken(t, map[string]any{
		"email": "ops@example.com",
		"sub":   "user-123",
	})

	claims := ParseJWTToken(token)
	if claims == nil {
		t.Fatal("ParseJWTToken returned nil")
	}
	if got := claims.Identity().AccountID; got != "user-123" {
		t.Errorf("AccountID = %q, want subject fallback user-123", got)
	}
}

func TestParseJWTToken_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"wrong segment count", "not.a-jwt"},
		{"single segment", "justonesegment"},
		{"four segments", "a.b.c.d"},
		{"invalid base64 payload", "header.!!!not-base64!!!.sig"},
		{"invalid json payload", "header." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".sig"},
		{"empty string", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if claims := ParseJWTToken(tc.token); claims != nil {
				t.Errorf("ParseJWTToken(%q) = %+v, want nil", tc.token, claims)
			}
		})
	}
}

func TestParseJWTToken_PaddedSegments(t *testing.T) {
	// Payload whose base64url form needs re-padding before decoding.
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"email":"a@b.c"}`))
	claims := ParseJWTToken("h." + payload + ".s")
	if claims == nil {
		t.Fatal("ParseJWTToken returned nil for padded payload")
	}
	if claims.Email != "a@b.c" {
		t.Errorf("Email = %q", claims.Email)
	}
}
