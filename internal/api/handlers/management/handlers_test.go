package management

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/rosterhq/roster/internal/agent"
	"github.com/rosterhq/roster/internal/store"
)

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, body any) io.Reader {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func containsString(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

type crudEnv struct {
	*testEnv
	tokens *fakeTokens
	runner *fakeRunner
}

func newCRUDEnv(t *testing.T) *crudEnv {
	t.Helper()
	env := newTestEnv(t)
	tokens := &fakeTokens{token: "tok"}
	runner := &fakeRunner{result: &agent.RunResult{RunID: "run-1", Output: "done"}}
	env.handler.tokens = tokens
	env.handler.runner = runner

	r := env.router
	r.GET("/providers", env.handler.GetProviders)
	r.POST("/providers", env.handler.PostProvider)
	r.GET("/providers/:id", env.handler.GetProvider)
	r.PUT("/providers/:id", env.handler.PutProvider)
	r.DELETE("/providers/:id", env.handler.DeleteProvider)
	r.POST("/providers/:id/refresh", env.handler.PostProviderRefresh)
	r.GET("/agents", env.handler.GetAgents)
	r.POST("/agents", env.handler.PostAgent)
	r.PUT("/agents/:id", env.handler.PutAgent)
	r.DELETE("/agents/:id", env.handler.DeleteAgent)
	r.POST("/agents/:id/run", env.handler.PostAgentRun)
	r.GET("/runs", env.handler.GetAgentRuns)
	r.POST("/memory/search", env.handler.PostMemorySearch)
	r.POST("/memory/documents", env.handler.PostDocument)
	r.POST("/memory/events", env.handler.PostEvent)
	r.POST("/memory/tasks", env.handler.PostTask)
	return &crudEnv{testEnv: env, tokens: tokens, runner: runner}
}

func TestPostProvider_APIKeyOnly(t *testing.T) {
	env := newCRUDEnv(t)

	w := env.post(t, "/providers", map[string]any{"name": "direct", "api_key": "sk-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if kind := gjson.Get(w.Body.String(), "provider.kind").String(); kind != store.ProviderKindAPIKey {
		t.Fatalf("kind = %q", kind)
	}

	w = env.post(t, "/providers", map[string]any{"name": "oauthy", "kind": "oauth", "api_key": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oauth create status = %d, want 400", w.Code)
	}

	w = env.post(t, "/providers", map[string]any{"name": "nokey"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing key status = %d, want 400", w.Code)
	}
}

func TestProviderListing_NeverExposesTokens(t *testing.T) {
	env := newCRUDEnv(t)
	_ = env.store.CreateProvider(context.Background(), &store.Provider{
		Name: "openai", Kind: store.ProviderKindOAuth,
		AccessToken: "secret-at", RefreshToken: "secret-rt",
	})

	req, _ := http.NewRequest(http.MethodGet, "/providers", nil)
	w := serve(env.router, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, secret := range []string{"secret-at", "secret-rt"} {
		if containsString(body, secret) {
			t.Fatalf("token material leaked into listing: %s", body)
		}
	}
}

func TestPostProviderRefresh(t *testing.T) {
	env := newCRUDEnv(t)
	_ = env.store.CreateProvider(context.Background(), &store.Provider{
		ID: "p1", Name: "openai", Kind: store.ProviderKindOAuth,
	})

	w := env.post(t, "/providers/p1/refresh", map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if env.tokens.calls != 1 {
		t.Fatalf("token manager calls = %d, want 1", env.tokens.calls)
	}

	w = env.post(t, "/providers/missing/refresh", map[string]any{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing provider status = %d, want 404", w.Code)
	}
}

func TestPostAgent_Validation(t *testing.T) {
	env := newCRUDEnv(t)

	w := env.post(t, "/agents", map[string]any{"name": "triage"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing model status = %d, want 400", w.Code)
	}

	w = env.post(t, "/agents", map[string]any{"name": "triage", "model": "gpt-4o", "provider_id": "ghost"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown provider status = %d, want 400", w.Code)
	}

	_ = env.store.CreateProvider(context.Background(), &store.Provider{ID: "p1", Name: "openai", Kind: store.ProviderKindOAuth})
	w = env.post(t, "/agents", map[string]any{"name": "triage", "model": "gpt-4o", "provider_id": "p1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !gjson.Get(w.Body.String(), "agent.enabled").Bool() {
		t.Fatal("agents default to enabled")
	}
}

func TestPutAgent_PartialUpdate(t *testing.T) {
	env := newCRUDEnv(t)
	_ = env.store.CreateAgent(context.Background(), &store.Agent{
		ID: "a1", Name: "triage", Model: "gpt-4o", SystemPrompt: "triage stuff", Enabled: true,
	})

	putReq, _ := http.NewRequest(http.MethodPut, "/agents/a1", jsonBody(t, map[string]any{"enabled": false}))
	putReq.Header.Set("Content-Type", "application/json")
	resp := serve(env.router, putReq)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.Code, resp.Body.String())
	}

	a, _ := env.store.GetAgent(context.Background(), "a1")
	if a.Enabled {
		t.Fatal("enabled not updated")
	}
	if a.Model != "gpt-4o" || a.SystemPrompt != "triage stuff" {
		t.Fatal("untouched fields must survive a partial update")
	}
}

func TestPostAgentRun(t *testing.T) {
	env := newCRUDEnv(t)
	_ = env.store.CreateAgent(context.Background(), &store.Agent{
		ID: "a1", Name: "triage", Model: "gpt-4o", ProviderID: "p1", Enabled: true,
	})

	w := env.post(t, "/agents/a1/run", map[string]any{"input": "do the thing"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "result.output").String(); got != "done" {
		t.Fatalf("output = %q", got)
	}
	if !env.events.has("agent.run") {
		t.Fatal("agent.run not published")
	}

	w = env.post(t, "/agents/a1/run", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty input status = %d, want 400", w.Code)
	}
}

func TestMemorySearch_RequiresEmbeddings(t *testing.T) {
	env := newCRUDEnv(t)

	w := env.post(t, "/memory/search", map[string]any{"query": "outage"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without embedding endpoint", w.Code)
	}
}

func TestMemoryWrites(t *testing.T) {
	env := newCRUDEnv(t)

	w := env.post(t, "/memory/documents", map[string]any{"title": "notes", "content": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("document status = %d: %s", w.Code, w.Body.String())
	}
	w = env.post(t, "/memory/documents", map[string]any{"title": "empty"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want 400", w.Code)
	}

	w = env.post(t, "/memory/events", map[string]any{"event_type": "deploy", "actor": "ci"})
	if w.Code != http.StatusCreated {
		t.Fatalf("event status = %d: %s", w.Code, w.Body.String())
	}
	w = env.post(t, "/memory/events", map[string]any{"actor": "ci"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing event_type status = %d, want 400", w.Code)
	}

	w = env.post(t, "/memory/tasks", map[string]any{"title": "rotate certs"})
	if w.Code != http.StatusCreated {
		t.Fatalf("task status = %d: %s", w.Code, w.Body.String())
	}
}
