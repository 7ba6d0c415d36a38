package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Document is a stored piece of agent memory.
type Document struct {
	ID        string         `json:"id"`
	DocType   string         `json:"doc_type"`
	Source    string         `json:"source"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is an append-only audit entry written by agents and handlers.
type Event struct {
	ID          string         `json:"id"`
	EventType   string         `json:"event_type"`
	Actor       string         `json:"actor"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RefIDs      []string       `json:"ref_ids,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Task is a work item an agent created or was assigned.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Owner       string         `json:"owner,omitempty"`
	CreatedBy   string         `json:"created_by"`
	DueAt       time.Time      `json:"due_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MemoryHit is one semantic search result: the reference plus its cosine
// similarity score and the hydrated content row.
type MemoryHit struct {
	RefType string         `json:"ref_type"`
	RefID   string         `json:"ref_id"`
	Score   float64        `json:"score"`
	Content map[string]any `json:"content,omitempty"`
}

// StoreDocument inserts a document and upserts its embedding in one
// transaction. Returns the document ID.
func (s *Store) StoreDocument(ctx context.Context, doc *Document, embedding []float32, modelName string) (string, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmptyMap(doc.Metadata))
	if err != nil {
		return "", fmt.Errorf("store: marshal document metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin document tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insertDoc := fmt.Sprintf(`INSERT INTO %s (id, doc_type, source, title, content, metadata, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table("documents"))
	if _, err = tx.ExecContext(ctx, insertDoc,
		doc.ID, doc.DocType, doc.Source, doc.Title, doc.Content, metadata, tagsArray(doc.Tags)); err != nil {
		return "", fmt.Errorf("store: insert document: %w", err)
	}

	if len(embedding) > 0 {
		upsert := fmt.Sprintf(`INSERT INTO %s (ref_type, ref_id, embedding, model_name)
			VALUES ('document', $1, $2::vector, $3)
			ON CONFLICT (ref_type, ref_id) DO UPDATE SET embedding = EXCLUDED.embedding, model_name = EXCLUDED.model_name`,
			s.table("embeddings"))
		if _, err = tx.ExecContext(ctx, upsert, doc.ID, vectorLiteral(embedding), modelName); err != nil {
			return "", fmt.Errorf("store: upsert embedding: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit document tx: %w", err)
	}
	return doc.ID, nil
}

// StoreEvent appends an event row. Returns the event ID.
func (s *Store) StoreEvent(ctx context.Context, ev *Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmptyMap(ev.Metadata))
	if err != nil {
		return "", fmt.Errorf("store: marshal event metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, event_type, actor, title, description, ref_ids, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table("events"))
	if _, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.EventType, ev.Actor, ev.Title, ev.Description, tagsArray(ev.RefIDs), metadata); err != nil {
		return "", fmt.Errorf("store: insert event: %w", err)
	}
	return ev.ID, nil
}

// CreateTask inserts a task row. Returns the task ID.
func (s *Store) CreateTask(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = "pending"
	}
	if task.Priority == 0 {
		task.Priority = 3
	}
	metadata, err := json.Marshal(orEmptyMap(task.Metadata))
	if err != nil {
		return "", fmt.Errorf("store: marshal task metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, title, description, status, priority, owner, created_by, due_at, metadata)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`, s.table("tasks"))
	if _, err = s.db.ExecContext(ctx, query,
		task.ID, task.Title, task.Description, task.Status, task.Priority,
		task.Owner, task.CreatedBy, nullTime(task.DueAt), metadata); err != nil {
		return "", fmt.Errorf("store: insert task: %w", err)
	}
	return task.ID, nil
}

// ListDocuments returns the most recent documents, optionally filtered by type.
func (s *Store) ListDocuments(ctx context.Context, docType string, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, doc_type, source, title, content, metadata, tags, created_at
		FROM %s WHERE ($1 = '' OR doc_type = $1) ORDER BY created_at DESC LIMIT $2`, s.table("documents"))
	rows, err := s.db.QueryContext(ctx, query, docType, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var docs []*Document
	for rows.Next() {
		var (
			doc      Document
			metadata []byte
			tags     string
		)
		if err = rows.Scan(&doc.ID, &doc.DocType, &doc.Source, &doc.Title, &doc.Content, &metadata, &tags, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan document: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &doc.Metadata)
		}
		doc.Tags = parseTextArray(tags)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// ListEvents returns the most recent events.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, event_type, actor, title, description, ref_ids, metadata, created_at
		FROM %s ORDER BY created_at DESC LIMIT $1`, s.table("events"))
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []*Event
	for rows.Next() {
		var (
			ev       Event
			refIDs   string
			metadata []byte
		)
		if err = rows.Scan(&ev.ID, &ev.EventType, &ev.Actor, &ev.Title, &ev.Description, &refIDs, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.RefIDs = parseTextArray(refIDs)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &ev.Metadata)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, title, description, status, priority, owner, created_by, due_at, metadata, created_at
		FROM %s WHERE ($1 = '' OR status = $1) ORDER BY priority, created_at DESC LIMIT $2`, s.table("tasks"))
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tasks []*Task
	for rows.Next() {
		var (
			task     Task
			owner    sql.NullString
			dueAt    sql.NullTime
			metadata []byte
		)
		if err = rows.Scan(&task.ID, &task.Title, &task.Description, &task.Status, &task.Priority,
			&owner, &task.CreatedBy, &dueAt, &metadata, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		task.Owner = owner.String
		if dueAt.Valid {
			task.DueAt = dueAt.Time
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &task.Metadata)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// SearchMemory runs a cosine-similarity search over the embeddings table and
// hydrates each hit with its source row.
func (s *Store) SearchMemory(ctx context.Context, queryVec []float32, refType string, limit int) ([]*MemoryHit, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := vectorLiteral(queryVec)

	query := fmt.Sprintf(`SELECT e.ref_type, e.ref_id, 1 - (e.embedding <=> $1::vector) AS score
		FROM %s e
		WHERE ($2 = '' OR e.ref_type = $2)
		ORDER BY e.embedding <=> $1::vector
		LIMIT $3`, s.table("embeddings"))
	rows, err := s.db.QueryContext(ctx, query, vec, refType, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search memory: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var hits []*MemoryHit
	for rows.Next() {
		var hit MemoryHit
		if err = rows.Scan(&hit.RefType, &hit.RefID, &hit.Score); err != nil {
			return nil, fmt.Errorf("store: scan memory hit: %w", err)
		}
		hits = append(hits, &hit)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, hit := range hits {
		content, errFetch := s.fetchContent(ctx, hit.RefType, hit.RefID)
		if errFetch != nil && !errors.Is(errFetch, ErrNotFound) {
			return nil, errFetch
		}
		hit.Content = content
	}
	return hits, nil
}

// fetchContent loads the source row for a memory reference as a generic map.
func (s *Store) fetchContent(ctx context.Context, refType, refID string) (map[string]any, error) {
	tableMap := map[string]string{
		"document": "documents",
		"event":    "events",
		"task":     "tasks",
	}
	table, ok := tableMap[refType]
	if !ok {
		return nil, ErrNotFound
	}

	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE id = $1`, s.table(table))
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, refID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch %s content: %w", refType, err)
	}

	var content map[string]any
	if err = json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("store: decode %s content: %w", refType, err)
	}
	return content, nil
}

// vectorLiteral renders a float slice as a pgvector literal.
func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// tagsArray renders a string slice as a Postgres text[] literal.
func tagsArray(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	escaped := make([]string, len(tags))
	for i, tag := range tags {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(tag, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

// parseTextArray decodes a simple Postgres text[] literal.
func parseTextArray(raw string) []string {
	raw = strings.TrimPrefix(strings.TrimSuffix(raw, "}"), "{")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.Trim(part, `"`))
	}
	return out
}
