package management

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rosterhq/roster/internal/store"
)

type agentRequest struct {
	Name         string         `json:"name"`
	Role         string         `json:"role"`
	SystemPrompt string         `json:"system_prompt"`
	Model        string         `json:"model"`
	ProviderID   string         `json:"provider_id"`
	Enabled      *bool          `json:"enabled"`
	Schedule     string         `json:"schedule"`
	Metadata     map[string]any `json:"metadata"`
}

type agentRunRequest struct {
	Input string `json:"input"`
}

// GetAgents lists the roster, serving from the TTL cache when possible.
func (h *Handler) GetAgents(c *gin.Context) {
	var (
		agents []*store.Agent
		err    error
	)
	if h.cache != nil {
		agents, err = h.cache.Agents(c.Request.Context())
	} else {
		agents, err = h.store.ListAgents(c.Request.Context())
	}
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": agents})
}

// GetAgent returns one roster entry by ID.
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agent": a})
}

// PostAgent creates a roster entry.
func (h *Handler) PostAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(c, http.StatusBadRequest, "name is required")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		respondError(c, http.StatusBadRequest, "model is required")
		return
	}
	if req.ProviderID != "" {
		if _, err := h.store.GetProvider(c.Request.Context(), req.ProviderID); err != nil {
			if err == store.ErrNotFound {
				respondError(c, http.StatusBadRequest, "provider_id does not exist")
				return
			}
			storeError(c, err)
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	a := &store.Agent{
		Name:         strings.TrimSpace(req.Name),
		Role:         req.Role,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		ProviderID:   req.ProviderID,
		Enabled:      enabled,
		Schedule:     req.Schedule,
		Metadata:     req.Metadata,
	}
	if err := h.store.CreateAgent(c.Request.Context(), a); err != nil {
		storeError(c, err)
		return
	}
	h.invalidateAgents()
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "agent": a})
}

// PutAgent updates a roster entry. Only fields present in the body change.
func (h *Handler) PutAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	a, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		a.Name = name
	}
	if req.Role != "" {
		a.Role = req.Role
	}
	if req.SystemPrompt != "" {
		a.SystemPrompt = req.SystemPrompt
	}
	if req.Model != "" {
		a.Model = req.Model
	}
	if req.ProviderID != "" {
		if _, err = h.store.GetProvider(c.Request.Context(), req.ProviderID); err != nil {
			if err == store.ErrNotFound {
				respondError(c, http.StatusBadRequest, "provider_id does not exist")
				return
			}
			storeError(c, err)
			return
		}
		a.ProviderID = req.ProviderID
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if req.Schedule != "" {
		a.Schedule = req.Schedule
	}
	if req.Metadata != nil {
		a.Metadata = req.Metadata
	}
	if err = h.store.UpdateAgent(c.Request.Context(), a); err != nil {
		storeError(c, err)
		return
	}
	h.invalidateAgents()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agent": a})
}

// DeleteAgent removes a roster entry. Run history is kept.
func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.store.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		storeError(c, err)
		return
	}
	h.invalidateAgents()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PostAgentRun executes one agent turn synchronously and returns the output.
// The run is recorded whether it succeeds or fails.
func (h *Handler) PostAgentRun(c *gin.Context) {
	var req agentRunRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Input) == "" {
		respondError(c, http.StatusBadRequest, "input is required")
		return
	}
	a, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	result, err := h.runner.Run(c.Request.Context(), a, req.Input)
	if err != nil {
		h.publish("agent.run", map[string]any{"agent": a.Name, "status": "failed"})
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	h.publish("agent.run", map[string]any{
		"agent":  a.Name,
		"status": "completed",
		"run_id": result.RunID,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result})
}

// GetAgentRuns lists recent runs, optionally filtered by agent name.
func (h *Handler) GetAgentRuns(c *gin.Context) {
	runs, err := h.store.ListAgentRuns(c.Request.Context(), c.Query("agent"), limitParam(c, 50))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "runs": runs})
}
