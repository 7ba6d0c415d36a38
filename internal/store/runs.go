package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRun is one audit row for an agent execution.
type AgentRun struct {
	ID          string         `json:"id"`
	AgentName   string         `json:"agent_name"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Status      string         `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// InsertAgentRun records an execution outcome.
func (s *Store) InsertAgentRun(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmptyMap(run.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal run metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, agent_name, started_at, completed_at, status, summary, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table("agent_runs"))
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.AgentName, run.StartedAt, nullTime(run.CompletedAt), run.Status, run.Summary, metadata)
	if err != nil {
		return fmt.Errorf("store: insert agent run: %w", err)
	}
	return nil
}

// ListAgentRuns returns recent runs, optionally filtered by agent name.
func (s *Store) ListAgentRuns(ctx context.Context, agentName string, limit int) ([]*AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id, agent_name, started_at, completed_at, status, summary, metadata
		FROM %s WHERE ($1 = '' OR agent_name = $1) ORDER BY started_at DESC LIMIT $2`, s.table("agent_runs"))
	rows, err := s.db.QueryContext(ctx, query, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list agent runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []*AgentRun
	for rows.Next() {
		var (
			run         AgentRun
			completedAt sql.NullTime
			metadata    []byte
		)
		if err = rows.Scan(&run.ID, &run.AgentName, &run.StartedAt, &completedAt, &run.Status, &run.Summary, &metadata); err != nil {
			return nil, fmt.Errorf("store: scan agent run: %w", err)
		}
		if completedAt.Valid {
			run.CompletedAt = completedAt.Time
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &run.Metadata)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
