package management

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/store"
)

type documentRequest struct {
	DocType  string         `json:"doc_type"`
	Source   string         `json:"source"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Tags     []string       `json:"tags"`
}

type eventRequest struct {
	EventType   string         `json:"event_type"`
	Actor       string         `json:"actor"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RefIDs      []string       `json:"ref_ids"`
	Metadata    map[string]any `json:"metadata"`
}

type taskRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Owner       string         `json:"owner"`
	CreatedBy   string         `json:"created_by"`
	DueAt       time.Time      `json:"due_at"`
	Metadata    map[string]any `json:"metadata"`
}

type searchRequest struct {
	Query   string `json:"query"`
	RefType string `json:"ref_type"`
	Limit   int    `json:"limit"`
}

// PostDocument stores a document in shared memory, embedding it when an
// embedding endpoint is configured.
func (h *Handler) PostDocument(c *gin.Context) {
	var req documentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(c, http.StatusBadRequest, "content is required")
		return
	}

	var embedding []float32
	modelName := ""
	if h.embed.Enabled() {
		vec, err := h.embed.Embed(c.Request.Context(), req.Content)
		if err != nil {
			log.Warnf("embed document: %v", err)
		} else {
			embedding = vec
			modelName = h.cfg.Embedding.Model
		}
	}

	doc := &store.Document{
		DocType:  req.DocType,
		Source:   req.Source,
		Title:    req.Title,
		Content:  req.Content,
		Metadata: req.Metadata,
		Tags:     req.Tags,
	}
	id, err := h.store.StoreDocument(c.Request.Context(), doc, embedding, modelName)
	if err != nil {
		storeError(c, err)
		return
	}
	h.publish("memory.document", map[string]any{"id": id, "title": doc.Title})
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "id": id})
}

// GetDocuments lists documents, optionally filtered by doc_type.
func (h *Handler) GetDocuments(c *gin.Context) {
	docs, err := h.store.ListDocuments(c.Request.Context(), c.Query("doc_type"), limitParam(c, 50))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "documents": docs})
}

// PostEvent appends an audit event.
func (h *Handler) PostEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		respondError(c, http.StatusBadRequest, "event_type is required")
		return
	}
	ev := &store.Event{
		EventType:   req.EventType,
		Actor:       req.Actor,
		Title:       req.Title,
		Description: req.Description,
		RefIDs:      req.RefIDs,
		Metadata:    req.Metadata,
	}
	id, err := h.store.StoreEvent(c.Request.Context(), ev)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "id": id})
}

// GetEvents lists recent events, newest first.
func (h *Handler) GetEvents(c *gin.Context) {
	events, err := h.store.ListEvents(c.Request.Context(), limitParam(c, 50))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events": events})
}

// PostTask creates a task.
func (h *Handler) PostTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(c, http.StatusBadRequest, "title is required")
		return
	}
	task := &store.Task{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		Owner:       req.Owner,
		CreatedBy:   req.CreatedBy,
		DueAt:       req.DueAt,
		Metadata:    req.Metadata,
	}
	id, err := h.store.CreateTask(c.Request.Context(), task)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "id": id})
}

// GetTasks lists tasks, optionally filtered by status.
func (h *Handler) GetTasks(c *gin.Context) {
	tasks, err := h.store.ListTasks(c.Request.Context(), c.Query("status"), limitParam(c, 50))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": tasks})
}

// PostMemorySearch runs a semantic search over shared memory. It requires a
// configured embedding endpoint; without one it degrades to an explicit 503
// so the dashboard can fall back to plain listings.
func (h *Handler) PostMemorySearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		respondError(c, http.StatusBadRequest, "query is required")
		return
	}
	if !h.embed.Enabled() {
		respondError(c, http.StatusServiceUnavailable, "semantic search requires an embedding endpoint")
		return
	}
	vec, err := h.embed.Embed(c.Request.Context(), req.Query)
	if err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	hits, err := h.store.SearchMemory(c.Request.Context(), vec, req.RefType, limit)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "hits": hits})
}
