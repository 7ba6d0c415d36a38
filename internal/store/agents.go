package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is one roster entry: a named role with a system prompt bound to a
// provider account.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Role         string         `json:"role"`
	SystemPrompt string         `json:"system_prompt"`
	Model        string         `json:"model"`
	ProviderID   string         `json:"provider_id,omitempty"`
	Enabled      bool           `json:"enabled"`
	Schedule     string         `json:"schedule,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

const agentColumns = `id, name, role, system_prompt, model, provider_id, enabled, schedule, metadata, created_at, updated_at`

// CreateAgent inserts a roster entry, assigning an ID when absent.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(orEmptyMap(a.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal agent metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s
		(id, name, role, system_prompt, model, provider_id, enabled, schedule, metadata)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`, s.table("agents"))
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Role, a.SystemPrompt, a.Model, a.ProviderID, a.Enabled, a.Schedule, metadata)
	if err != nil {
		return fmt.Errorf("store: insert agent: %w", err)
	}
	return nil
}

// GetAgentByName fetches a roster entry by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = $1`, agentColumns, s.table("agents"))
	return scanAgent(s.db.QueryRowContext(ctx, query, name))
}

// GetAgent fetches a roster entry by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, agentColumns, s.table("agents"))
	return scanAgent(s.db.QueryRowContext(ctx, query, id))
}

// ListAgents returns the whole roster ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY name`, agentColumns, s.table("agents"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var agents []*Agent
	for rows.Next() {
		a, errScan := scanAgent(rows)
		if errScan != nil {
			return nil, errScan
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites a roster entry.
func (s *Store) UpdateAgent(ctx context.Context, a *Agent) error {
	metadata, err := json.Marshal(orEmptyMap(a.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal agent metadata: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET
		name = $2, role = $3, system_prompt = $4, model = $5, provider_id = NULLIF($6, ''),
		enabled = $7, schedule = $8, metadata = $9, updated_at = NOW()
		WHERE id = $1`, s.table("agents"))
	result, err := s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Role, a.SystemPrompt, a.Model, a.ProviderID, a.Enabled, a.Schedule, metadata)
	if err != nil {
		return fmt.Errorf("store: update agent: %w", err)
	}
	return requireRow(result)
}

// DeleteAgent removes a roster entry.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("agents"))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	return requireRow(result)
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a          Agent
		providerID sql.NullString
		metadata   []byte
	)
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.SystemPrompt, &a.Model, &providerID,
		&a.Enabled, &a.Schedule, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan agent: %w", err)
	}
	a.ProviderID = providerID.String
	if len(metadata) > 0 {
		if errMeta := json.Unmarshal(metadata, &a.Metadata); errMeta != nil {
			return nil, fmt.Errorf("store: decode agent metadata: %w", errMeta)
		}
	}
	return &a, nil
}
