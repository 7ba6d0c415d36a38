package management

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rosterhq/roster/internal/auth/openai"
)

const deviceSessionTTL = 15 * time.Minute

// deviceSession tracks one in-flight device authorization for the dashboard.
// The device code stays server-side; the dashboard only ever sees the
// session ID and the user-facing verification details.
type deviceSession struct {
	Session   *openai.DeviceAuthorizationSession
	CreatedAt time.Time
	ExpiresAt time.Time
}

type deviceSessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]deviceSession
}

func newDeviceSessionStore(ttl time.Duration) *deviceSessionStore {
	if ttl <= 0 {
		ttl = deviceSessionTTL
	}
	return &deviceSessionStore{
		ttl:      ttl,
		sessions: make(map[string]deviceSession),
	}
}

func (s *deviceSessionStore) purgeExpiredLocked(now time.Time) {
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

func (s *deviceSessionStore) Register(sess *openai.DeviceAuthorizationSession) string {
	now := time.Now()
	id := uuid.NewString()

	ttl := s.ttl
	if sess.ExpiresIn > 0 {
		ttl = time.Duration(sess.ExpiresIn) * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(now)
	s.sessions[id] = deviceSession{
		Session:   sess,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return id
}

func (s *deviceSessionStore) Get(id string) (*openai.DeviceAuthorizationSession, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(now)
	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return session.Session, true
}

func (s *deviceSessionStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

type devicePollRequest struct {
	SessionID  string `json:"session_id"`
	ProviderID string `json:"provider_id"`
}

// PostDeviceStart begins a device authorization flow. The dashboard shows
// the returned user code and verification URI, then polls.
func (h *Handler) PostDeviceStart(c *gin.Context) {
	session, err := h.auth.RequestDeviceCode(c.Request.Context())
	if err != nil {
		status := http.StatusBadGateway
		if openai.IsOAuthError(err) {
			status = http.StatusBadRequest
		}
		respondError(c, status, openai.UserFacingMessage(err))
		return
	}
	id := h.sessions.Register(session)
	c.JSON(http.StatusOK, gin.H{
		"status":                    "ok",
		"session_id":                id,
		"user_code":                 session.UserCode,
		"verification_uri":          session.VerificationURI,
		"verification_uri_complete": session.VerificationURIComplete,
		"expires_in":                session.ExpiresIn,
		"interval":                  session.Interval,
	})
}

// PostDevicePoll checks a device session once. The dashboard drives the
// polling cadence; this endpoint never blocks waiting for approval. Pending
// and slow_down come back as 200 with the flow status so the dashboard keeps
// going; terminal outcomes remove the session.
func (h *Handler) PostDevicePoll(c *gin.Context) {
	var req devicePollRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		respondError(c, http.StatusBadRequest, "session_id is required")
		return
	}

	session, ok := h.sessions.Get(req.SessionID)
	if !ok {
		respondError(c, http.StatusNotFound, "unknown or expired session")
		return
	}

	result, err := h.auth.VerifyDeviceCode(c.Request.Context(), session)
	if err != nil {
		respondError(c, http.StatusBadGateway, openai.UserFacingMessage(err))
		return
	}

	switch result.Status {
	case openai.DeviceStatusPending, openai.DeviceStatusSlowDown:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "flow": string(result.Status)})
	case openai.DeviceStatusComplete:
		h.sessions.Remove(req.SessionID)
		provider, perr := h.persistTokens(c, result.Tokens, req.ProviderID)
		if perr != nil {
			respondError(c, http.StatusInternalServerError, perr.Error())
			return
		}
		h.invalidateProviders()
		h.publish("auth.completed", map[string]any{
			"provider_id": provider.ID,
			"account":     provider.AccountEmail,
			"flow":        "device",
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok", "flow": "complete", "provider": provider})
	default:
		h.sessions.Remove(req.SessionID)
		message := openai.UserFacingMessage(result.Err)
		c.JSON(http.StatusOK, gin.H{"status": "error", "flow": string(result.Status), "error": message})
	}
}
