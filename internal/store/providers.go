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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Provider kinds. An api_key provider authenticates with a static key; an
// oauth provider carries a token set maintained by the refresh manager.
const (
	ProviderKindAPIKey = "api_key"
	ProviderKindOAuth  = "oauth"
)

// Provider statuses.
const (
	ProviderStatusActive = "active"
	// ProviderStatusReauthRequired marks a provider whose refresh token was
	// rejected; API calls stop until the account is reconnected.
	ProviderStatusReauthRequired = "reauth_required"
)

// Provider is one configured upstream LLM account.
type Provider struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Kind            string         `json:"kind"`
	APIKeyEncrypted []byte         `json:"-"`
	AccessToken     string         `json:"-"`
	RefreshToken    string         `json:"-"`
	IDToken         string         `json:"-"`
	ExpiresAt       time.Time      `json:"expires_at,omitempty"`
	AccountID       string         `json:"account_id,omitempty"`
	AccountEmail    string         `json:"account_email,omitempty"`
	AccountName     string         `json:"account_name,omitempty"`
	PlanType        string         `json:"plan_type,omitempty"`
	Status          string         `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TokenUpdate carries rotated token material into the store. RefreshToken
// must already account for servers that do not rotate: the caller passes the
// previous token when the response omitted a new one.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

const providerColumns = `id, name, kind, api_key_encrypted, access_token, refresh_token, id_token,
	expires_at, account_id, account_email, account_name, plan_type, status, metadata, created_at, updated_at`

// CreateProvider inserts a provider, assigning an ID when absent.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProviderStatusActive
	}
	metadata, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal provider metadata: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, name, kind, api_key_encrypted, access_token, refresh_token, id_token,
		 expires_at, account_id, account_email, account_name, plan_type, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, s.table("providers"))
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Kind, p.APIKeyEncrypted, p.AccessToken, p.RefreshToken, p.IDToken,
		nullTime(p.ExpiresAt), p.AccountID, p.AccountEmail, p.AccountName, p.PlanType, p.Status, metadata)
	if err != nil {
		return fmt.Errorf("store: insert provider: %w", err)
	}
	return nil
}

// GetProvider fetches one provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, providerColumns, s.table("providers"))
	return scanProvider(s.db.QueryRowContext(ctx, query, id))
}

// GetProviderByAccountID finds the provider already connected to an upstream
// account, for dedup when the same account is authorized twice.
func (s *Store) GetProviderByAccountID(ctx context.Context, accountID string) (*Provider, error) {
	if accountID == "" {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1 ORDER BY created_at LIMIT 1`,
		providerColumns, s.table("providers"))
	return scanProvider(s.db.QueryRowContext(ctx, query, accountID))
}

// ListProviders returns all providers ordered by creation time.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at`, providerColumns, s.table("providers"))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var providers []*Provider
	for rows.Next() {
		p, errScan := scanProvider(rows)
		if errScan != nil {
			return nil, errScan
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider rewrites the mutable configuration fields of a provider.
func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	metadata, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal provider metadata: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET
		name = $2, kind = $3, api_key_encrypted = $4, status = $5, metadata = $6, updated_at = NOW()
		WHERE id = $1`, s.table("providers"))
	result, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Kind, p.APIKeyEncrypted, p.Status, metadata)
	if err != nil {
		return fmt.Errorf("store: update provider: %w", err)
	}
	return requireRow(result)
}

// UpdateProviderTokens persists a rotated token set and restores the provider
// to active status. Used by both flows at connect time and by the refresh
// manager afterwards.
func (s *Store) UpdateProviderTokens(ctx context.Context, id string, upd TokenUpdate) error {
	query := fmt.Sprintf(`UPDATE %s SET
		access_token = $2, refresh_token = $3, id_token = $4, expires_at = $5,
		status = $6, updated_at = NOW()
		WHERE id = $1`, s.table("providers"))
	result, err := s.db.ExecContext(ctx, query,
		id, upd.AccessToken, upd.RefreshToken, upd.IDToken, nullTime(upd.ExpiresAt), ProviderStatusActive)
	if err != nil {
		return fmt.Errorf("store: update provider tokens: %w", err)
	}
	return requireRow(result)
}

// UpdateProviderIdentity records the display metadata extracted from the ID
// token after a successful exchange.
func (s *Store) UpdateProviderIdentity(ctx context.Context, id, accountID, email, name, planType string) error {
	query := fmt.Sprintf(`UPDATE %s SET
		account_id = $2, account_email = $3, account_name = $4, plan_type = $5, updated_at = NOW()
		WHERE id = $1`, s.table("providers"))
	result, err := s.db.ExecContext(ctx, query, id, accountID, email, name, planType)
	if err != nil {
		return fmt.Errorf("store: update provider identity: %w", err)
	}
	return requireRow(result)
}

// SetProviderStatus flips the provider status, e.g. to reauth_required after
// a terminal refresh failure.
func (s *Store) SetProviderStatus(ctx context.Context, id, status string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, s.table("providers"))
	result, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("store: set provider status: %w", err)
	}
	return requireRow(result)
}

// DeleteProvider removes a provider record.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("providers"))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	return requireRow(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var (
		p         Provider
		expiresAt sql.NullTime
		accountID, accountEmail, accountName, planType sql.NullString
		accessToken, refreshToken, idToken             sql.NullString
		metadata                                       []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.APIKeyEncrypted, &accessToken, &refreshToken, &idToken,
		&expiresAt, &accountID, &accountEmail, &accountName, &planType, &p.Status, &metadata,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan provider: %w", err)
	}

	p.AccessToken = accessToken.String
	p.RefreshToken = refreshToken.String
	p.IDToken = idToken.String
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time
	}
	p.AccountID = accountID.String
	p.AccountEmail = accountEmail.String
	p.AccountName = accountName.String
	p.PlanType = planType.String
	if len(metadata) > 0 {
		if errMeta := json.Unmarshal(metadata, &p.Metadata); errMeta != nil {
			return nil, fmt.Errorf("store: decode provider metadata: %w", errMeta)
		}
	}
	return &p, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
