package management

import (
	"context"
	"fmt"
	"sync"

	"github.com/rosterhq/roster/internal/agent"
	"github.com/rosterhq/roster/internal/auth/openai"
	"github.com/rosterhq/roster/internal/store"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu        sync.Mutex
	seq       int
	providers map[string]*store.Provider
	agents    map[string]*store.Agent
	documents []*store.Document
	events    []*store.Event
	tasks     []*store.Task
	runs      []*store.AgentRun
	hits      []*store.MemoryHit
}

func newMemStore() *memStore {
	return &memStore{
		providers: make(map[string]*store.Provider),
		agents:    make(map[string]*store.Agent),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) CreateProvider(_ context.Context, p *store.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = m.nextID("p")
	}
	if p.Status == "" {
		p.Status = store.ProviderStatusActive
	}
	clone := *p
	m.providers[p.ID] = &clone
	return nil
}

func (m *memStore) GetProvider(_ context.Context, id string) (*store.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *memStore) GetProviderByAccountID(_ context.Context, accountID string) (*store.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if p.AccountID == accountID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListProviders(context.Context) ([]*store.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) UpdateProvider(_ context.Context, p *store.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[p.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *p
	m.providers[p.ID] = &clone
	return nil
}

func (m *memStore) UpdateProviderTokens(_ context.Context, id string, upd store.TokenUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return store.ErrNotFound
	}
	p.AccessToken = upd.AccessToken
	p.RefreshToken = upd.RefreshToken
	p.IDToken = upd.IDToken
	p.ExpiresAt = upd.ExpiresAt
	p.Status = store.ProviderStatusActive
	return nil
}

func (m *memStore) UpdateProviderIdentity(_ context.Context, id, accountID, email, name, planType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return store.ErrNotFound
	}
	p.AccountID = accountID
	p.AccountEmail = email
	p.AccountName = name
	p.PlanType = planType
	return nil
}

func (m *memStore) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.providers, id)
	return nil
}

func (m *memStore) CreateAgent(_ context.Context, a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = m.nextID("a")
	}
	clone := *a
	m.agents[a.ID] = &clone
	return nil
}

func (m *memStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *memStore) ListAgents(context.Context) ([]*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		clone := *a
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) UpdateAgent(_ context.Context, a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *a
	m.agents[a.ID] = &clone
	return nil
}

func (m *memStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *memStore) StoreDocument(_ context.Context, doc *store.Document, _ []float32, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = m.nextID("doc")
	}
	m.documents = append(m.documents, doc)
	return doc.ID, nil
}

func (m *memStore) StoreEvent(_ context.Context, ev *store.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = m.nextID("ev")
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *memStore) CreateTask(_ context.Context, task *store.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = m.nextID("task")
	}
	m.tasks = append(m.tasks, task)
	return task.ID, nil
}

func (m *memStore) ListDocuments(_ context.Context, docType string, _ int) ([]*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Document
	for _, d := range m.documents {
		if docType == "" || d.DocType == docType {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) ListEvents(context.Context, int) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Event(nil), m.events...), nil
}

func (m *memStore) ListTasks(_ context.Context, status string, _ int) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) SearchMemory(context.Context, []float32, string, int) ([]*store.MemoryHit, error) {
	return m.hits, nil
}

func (m *memStore) ListAgentRuns(_ context.Context, agentName string, _ int) ([]*store.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AgentRun
	for _, r := range m.runs {
		if agentName == "" || r.AgentName == agentName {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeAuth scripts the OAuth surface.
type fakeAuth struct {
	exchangeErr   error
	tokens        *openai.TokenSet
	deviceSession *openai.DeviceAuthorizationSession
	deviceErr     error
	pollResults   []*openai.DevicePollResult
	pollIndex     int

	lastCode        string
	lastVerifier    string
	lastRedirectURI string
}

func (f *fakeAuth) CreateAuthorizationFlow(redirectURI, stateToken string) (*openai.AuthorizationFlow, error) {
	if stateToken == "" {
		stateToken = "state-abc"
	}
	return &openai.AuthorizationFlow{
		URL:          "https://auth.example.com/authorize?state=" + stateToken,
		State:        stateToken,
		CodeVerifier: "verifier-xyz",
	}, nil
}

func (f *fakeAuth) ExchangeCodeForTokens(_ context.Context, code, verifier, redirectURI string) (*openai.TokenSet, error) {
	f.lastCode = code
	f.lastVerifier = verifier
	f.lastRedirectURI = redirectURI
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if f.tokens != nil {
		return f.tokens, nil
	}
	return &openai.TokenSet{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600}, nil
}

func (f *fakeAuth) RequestDeviceCode(context.Context) (*openai.DeviceAuthorizationSession, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	if f.deviceSession != nil {
		return f.deviceSession, nil
	}
	return &openai.DeviceAuthorizationSession{
		DeviceCode:      "device-code",
		UserCode:        "ABCD-1234",
		VerificationURI: "https://auth.example.com/device",
		ExpiresIn:       600,
		Interval:        5,
	}, nil
}

func (f *fakeAuth) VerifyDeviceCode(context.Context, *openai.DeviceAuthorizationSession) (*openai.DevicePollResult, error) {
	if f.pollIndex >= len(f.pollResults) {
		return &openai.DevicePollResult{Status: openai.DeviceStatusPending}, nil
	}
	result := f.pollResults[f.pollIndex]
	f.pollIndex++
	return result, nil
}

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) AccessToken(context.Context, string) (string, error) {
	f.calls++
	return f.token, f.err
}

type fakeRunner struct {
	result *agent.RunResult
	err    error
}

func (f *fakeRunner) Run(context.Context, *store.Agent, string) (*agent.RunResult, error) {
	return f.result, f.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == eventType {
			return true
		}
	}
	return false
}
