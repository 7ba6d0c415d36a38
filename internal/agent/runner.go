package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rosterhq/roster/internal/store"
)

// DefaultChatCompletionsURL is the upstream endpoint runs are sent to when
// no override is configured.
const DefaultChatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// recallLimit caps how many memory hits get folded into the prompt.
const recallLimit = 5

// Memory is the slice of the store the runner needs.
type Memory interface {
	GetProvider(ctx context.Context, id string) (*store.Provider, error)
	StoreDocument(ctx context.Context, doc *store.Document, embedding []float32, modelName string) (string, error)
	StoreEvent(ctx context.Context, ev *store.Event) (string, error)
	InsertAgentRun(ctx context.Context, run *store.AgentRun) error
	SearchMemory(ctx context.Context, queryVec []float32, refType string, limit int) ([]*store.MemoryHit, error)
}

// TokenSource yields a usable access token for an OAuth provider, refreshing
// when needed.
type TokenSource interface {
	AccessToken(ctx context.Context, providerID string) (string, error)
}

// RunResult summarizes one completed agent execution.
type RunResult struct {
	RunID            string `json:"run_id"`
	Output           string `json:"output"`
	DocumentID       string `json:"document_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Runner executes roster agents against their bound provider account.
type Runner struct {
	memory     Memory
	tokens     TokenSource
	embed      *EmbeddingClient
	httpClient *http.Client
	chatURL    string
}

// NewRunner wires a runner. embed may be nil when no embedding endpoint is
// configured; recall and document embeddings are skipped in that case.
func NewRunner(memory Memory, tokens TokenSource, embed *EmbeddingClient, httpClient *http.Client) *Runner {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Runner{
		memory:     memory,
		tokens:     tokens,
		embed:      embed,
		httpClient: httpClient,
		chatURL:    DefaultChatCompletionsURL,
	}
}

// SetChatCompletionsURL overrides the upstream endpoint. Used for tests and
// self-hosted gateways.
func (r *Runner) SetChatCompletionsURL(u string) {
	if u != "" {
		r.chatURL = u
	}
}

// Run executes a single agent turn: recall related memory, call the model,
// persist the output as a document plus an audit event, and record the run.
// The run row is written on failure too, with status "failed".
func (r *Runner) Run(ctx context.Context, a *store.Agent, input string) (*RunResult, error) {
	startedAt := time.Now()
	result, runErr := r.execute(ctx, a, input, startedAt)

	run := &store.AgentRun{
		AgentName:   a.Name,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}
	if runErr != nil {
		run.Status = "failed"
		run.Summary = runErr.Error()
	} else {
		run.Status = "completed"
		run.Summary = summarize(result.Output)
		run.Metadata = map[string]any{
			"prompt_tokens":     result.PromptTokens,
			"completion_tokens": result.CompletionTokens,
			"document_id":       result.DocumentID,
		}
	}
	if err := r.memory.InsertAgentRun(ctx, run); err != nil {
		log.Errorf("record agent run for %s: %v", a.Name, err)
	}
	if runErr != nil {
		return nil, runErr
	}
	result.RunID = run.ID
	return result, nil
}

func (r *Runner) execute(ctx context.Context, a *store.Agent, input string, startedAt time.Time) (*RunResult, error) {
	if !a.Enabled {
		return nil, fmt.Errorf("agent %s is disabled", a.Name)
	}
	if a.ProviderID == "" {
		return nil, fmt.Errorf("agent %s has no provider bound", a.Name)
	}
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("empty input")
	}

	credential, err := r.resolveCredential(ctx, a.ProviderID)
	if err != nil {
		return nil, err
	}

	recall := r.recallContext(ctx, input)
	payload, err := r.buildPayload(a, recall, input)
	if err != nil {
		return nil, err
	}
	promptTokens := countPromptTokens(a.Model, payload)

	body, err := r.postChatCompletion(ctx, credential, payload)
	if err != nil {
		return nil, err
	}

	output := gjson.GetBytes(body, "choices.0.message.content").String()
	if output == "" {
		return nil, fmt.Errorf("model returned an empty completion")
	}
	if usage := gjson.GetBytes(body, "usage.prompt_tokens"); usage.Exists() {
		promptTokens = int(usage.Int())
	}
	completionTokens := int(gjson.GetBytes(body, "usage.completion_tokens").Int())

	result := &RunResult{
		Output:           output,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}
	r.persistOutput(ctx, a, input, result, startedAt)
	return result, nil
}

func (r *Runner) resolveCredential(ctx context.Context, providerID string) (string, error) {
	provider, err := r.memory.GetProvider(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("resolve provider: %w", err)
	}
	switch provider.Kind {
	case store.ProviderKindAPIKey:
		if len(provider.APIKeyEncrypted) == 0 {
			return "", fmt.Errorf("provider %s has no API key", provider.Name)
		}
		return string(provider.APIKeyEncrypted), nil
	case store.ProviderKindOAuth:
		return r.tokens.AccessToken(ctx, providerID)
	default:
		return "", fmt.Errorf("provider %s has unsupported kind %q", provider.Name, provider.Kind)
	}
}

// recallContext searches shared memory for material related to the input.
// Any failure degrades to running without recall.
func (r *Runner) recallContext(ctx context.Context, input string) string {
	if !r.embed.Enabled() {
		return ""
	}
	vec, err := r.embed.Embed(ctx, input)
	if err != nil {
		log.Debugf("memory recall skipped: %v", err)
		return ""
	}
	hits, err := r.memory.SearchMemory(ctx, vec, "", recallLimit)
	if err != nil {
		log.Debugf("memory recall skipped: %v", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context from shared memory:\n")
	for _, hit := range hits {
		title, _ := hit.Content["title"].(string)
		content, _ := hit.Content["content"].(string)
		if content == "" {
			if desc, ok := hit.Content["description"].(string); ok {
				content = desc
			}
		}
		if title == "" && content == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("- [%s] %s: %s\n", hit.RefType, title, summarize(content)))
	}
	return b.String()
}

func (r *Runner) buildPayload(a *store.Agent, recall, input string) ([]byte, error) {
	payload := `{}`
	payload, _ = sjson.Set(payload, "model", a.Model)

	system := a.SystemPrompt
	if recall != "" {
		system = strings.TrimRight(system, "\n") + "\n\n" + recall
	}
	if system != "" {
		payload, _ = sjson.Set(payload, "messages.-1", map[string]any{"role": "system", "content": system})
	}
	payload, _ = sjson.Set(payload, "messages.-1", map[string]any{"role": "user", "content": input})
	return []byte(payload), nil
}

func (r *Runner) postChatCompletion(ctx context.Context, credential string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.chatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, excerpt(body))
	}
	return body, nil
}

// persistOutput writes the completion into shared memory. Storage failures
// are logged, not returned: the caller already has the output.
func (r *Runner) persistOutput(ctx context.Context, a *store.Agent, input string, result *RunResult, startedAt time.Time) {
	var embedding []float32
	if r.embed.Enabled() {
		vec, err := r.embed.Embed(ctx, result.Output)
		if err != nil {
			log.Debugf("embed agent output: %v", err)
		} else {
			embedding = vec
		}
	}

	doc := &store.Document{
		DocType: "agent_output",
		Source:  a.Name,
		Title:   fmt.Sprintf("%s run %s", a.Name, startedAt.Format(time.RFC3339)),
		Content: result.Output,
		Metadata: map[string]any{
			"model": a.Model,
			"input": summarize(input),
		},
		Tags: []string{"agent", a.Name},
	}
	docID, err := r.memory.StoreDocument(ctx, doc, embedding, a.Model)
	if err != nil {
		log.Errorf("store agent output for %s: %v", a.Name, err)
		return
	}
	result.DocumentID = docID

	ev := &store.Event{
		EventType:   "agent.run",
		Actor:       a.Name,
		Title:       fmt.Sprintf("%s completed a run", a.Name),
		Description: summarize(result.Output),
		RefIDs:      []string{docID},
	}
	if _, err = r.memory.StoreEvent(ctx, ev); err != nil {
		log.Errorf("store agent event for %s: %v", a.Name, err)
	}
}

// summarize trims text to a single short line for run summaries and events.
func summarize(text string) string {
	const limit = 200
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > limit {
		text = text[:limit] + "..."
	}
	return text
}
