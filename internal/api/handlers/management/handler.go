// Package management implements the dashboard management API: OAuth
// connection flows, provider and agent CRUD, agent runs, and shared memory.
package management

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rosterhq/roster/internal/agent"
	"github.com/rosterhq/roster/internal/auth/openai"
	"github.com/rosterhq/roster/internal/auth/state"
	"github.com/rosterhq/roster/internal/cache"
	"github.com/rosterhq/roster/internal/config"
	"github.com/rosterhq/roster/internal/store"
)

// Store is the persistence surface the handlers depend on. It matches
// *store.Store; tests substitute an in-memory fake.
type Store interface {
	CreateProvider(ctx context.Context, p *store.Provider) error
	GetProvider(ctx context.Context, id string) (*store.Provider, error)
	GetProviderByAccountID(ctx context.Context, accountID string) (*store.Provider, error)
	ListProviders(ctx context.Context) ([]*store.Provider, error)
	UpdateProvider(ctx context.Context, p *store.Provider) error
	UpdateProviderTokens(ctx context.Context, id string, upd store.TokenUpdate) error
	UpdateProviderIdentity(ctx context.Context, id, accountID, email, name, planType string) error
	DeleteProvider(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, a *store.Agent) error
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
	UpdateAgent(ctx context.Context, a *store.Agent) error
	DeleteAgent(ctx context.Context, id string) error

	StoreDocument(ctx context.Context, doc *store.Document, embedding []float32, modelName string) (string, error)
	StoreEvent(ctx context.Context, ev *store.Event) (string, error)
	CreateTask(ctx context.Context, task *store.Task) (string, error)
	ListDocuments(ctx context.Context, docType string, limit int) ([]*store.Document, error)
	ListEvents(ctx context.Context, limit int) ([]*store.Event, error)
	ListTasks(ctx context.Context, status string, limit int) ([]*store.Task, error)
	SearchMemory(ctx context.Context, queryVec []float32, refType string, limit int) ([]*store.MemoryHit, error)
	ListAgentRuns(ctx context.Context, agentName string, limit int) ([]*store.AgentRun, error)
}

// Authenticator is the OAuth surface the handlers drive. It matches
// *openai.Authenticator.
type Authenticator interface {
	CreateAuthorizationFlow(redirectURI, state string) (*openai.AuthorizationFlow, error)
	ExchangeCodeForTokens(ctx context.Context, code, codeVerifier, redirectURI string) (*openai.TokenSet, error)
	RequestDeviceCode(ctx context.Context) (*openai.DeviceAuthorizationSession, error)
	VerifyDeviceCode(ctx context.Context, session *openai.DeviceAuthorizationSession) (*openai.DevicePollResult, error)
}

// TokenSource forces a usable access token for a provider, refreshing when
// necessary. It matches *token.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, providerID string) (string, error)
}

// AgentRunner executes an agent turn. It matches *agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, a *store.Agent, input string) (*agent.RunResult, error)
}

// Publisher pushes dashboard events to websocket subscribers. It matches
// *relay.Hub.
type Publisher interface {
	Publish(eventType string, payload map[string]any)
}

// Handler carries the dependencies shared by all management endpoints.
type Handler struct {
	cfg      *config.Config
	store    Store
	states   *state.Store
	auth     Authenticator
	tokens   TokenSource
	cache    *cache.RosterCache
	runner   AgentRunner
	embed    *agent.EmbeddingClient
	events   Publisher
	sessions *deviceSessionStore
}

// NewHandler wires a management handler. cache, embed, and events may be nil;
// the corresponding features degrade gracefully.
func NewHandler(cfg *config.Config, st Store, states *state.Store, auth Authenticator,
	tokens TokenSource, rc *cache.RosterCache, runner AgentRunner,
	embed *agent.EmbeddingClient, events Publisher) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		states:   states,
		auth:     auth,
		tokens:   tokens,
		cache:    rc,
		runner:   runner,
		embed:    embed,
		events:   events,
		sessions: newDeviceSessionStore(0),
	}
}

func (h *Handler) publish(eventType string, payload map[string]any) {
	if h.events != nil {
		h.events.Publish(eventType, payload)
	}
}

func (h *Handler) invalidateProviders() {
	if h.cache != nil {
		h.cache.InvalidateProviders()
	}
}

func (h *Handler) invalidateAgents() {
	if h.cache != nil {
		h.cache.InvalidateAgents()
	}
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"status": "error", "error": message})
}

// storeError maps store failures onto HTTP statuses.
func storeError(c *gin.Context, err error) {
	if err == store.ErrNotFound {
		respondError(c, http.StatusNotFound, "not found")
		return
	}
	respondError(c, http.StatusInternalServerError, err.Error())
}

func limitParam(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
