// Package token keeps provider access tokens valid. Callers ask for a token
// and the manager transparently refreshes and persists an expiring one, so no
// request goes out with stale credentials.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/rosterhq/roster/internal/auth/openai"
	"github.com/rosterhq/roster/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ProviderStore is the slice of the provider store the manager needs. The
// Postgres store satisfies it; tests inject a fake.
type ProviderStore interface {
	GetProvider(ctx context.Context, id string) (*store.Provider, error)
	UpdateProviderTokens(ctx context.Context, id string, upd store.TokenUpdate) error
	SetProviderStatus(ctx context.Context, id, status string) error
}

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*openai.TokenSet, error)
}

// Manager hands out valid access tokens, refreshing lazily. Refreshes are
// single-flight per provider: when two callers discover an expiring token at
// the same time only one exchange runs, and both receive its result. Without
// this the second exchange can hit a "refresh token already rotated" rejection
// upstream.
type Manager struct {
	store ProviderStore
	auth  Refresher
	group singleflight.Group
	// bufferSeconds is how long before expiry a token counts as stale.
	bufferSeconds int
}

// NewManager creates a Manager with the default 300s expiry buffer.
func NewManager(providerStore ProviderStore, auth Refresher) *Manager {
	return &Manager{
		store:         providerStore,
		auth:          auth,
		bufferSeconds: int(openai.ExpiryBuffer.Seconds()),
	}
}

// AccessToken returns a valid access token for an OAuth provider, refreshing
// and persisting first when the stored one is near expiry. A terminal refresh
// failure flips the provider to reauth_required and surfaces
// openai.ErrReauthRequired; callers must send the user back through a connect
// flow instead of retrying.
func (m *Manager) AccessToken(ctx context.Context, providerID string) (string, error) {
	provider, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("load provider %s: %w", providerID, err)
	}
	if provider.Kind != store.ProviderKindOAuth {
		return "", fmt.Errorf("provider %s does not use OAuth tokens", providerID)
	}
	if provider.Status == store.ProviderStatusReauthRequired {
		return "", openai.ErrReauthRequired
	}

	if provider.AccessToken != "" && !openai.IsTokenExpired(provider.ExpiresAt, m.bufferSeconds) {
		return provider.AccessToken, nil
	}

	result, err, _ := m.group.Do(providerID, func() (any, error) {
		return m.refresh(ctx, providerID)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// refresh runs inside the single-flight group. It re-reads the provider
// because a concurrent flight may have already rotated the tokens between the
// caller's staleness check and this execution.
func (m *Manager) refresh(ctx context.Context, providerID string) (string, error) {
	provider, err := m.store.GetProvider(ctx, providerID)
	if err != nil {
		return "", fmt.Errorf("load provider %s: %w", providerID, err)
	}
	if provider.AccessToken != "" && !openai.IsTokenExpired(provider.ExpiresAt, m.bufferSeconds) {
		return provider.AccessToken, nil
	}
	if provider.RefreshToken == "" {
		return "", openai.WithCause(openai.ErrReauthRequired, errors.New("no refresh token stored"))
	}

	tokens, err := m.auth.RefreshTokens(ctx, provider.RefreshToken)
	if err != nil {
		if isTerminalRefreshError(err) {
			if errStatus := m.store.SetProviderStatus(ctx, providerID, store.ProviderStatusReauthRequired); errStatus != nil {
				log.Errorf("failed to mark provider %s for re-auth: %v", providerID, errStatus)
			}
			return "", openai.WithCause(openai.ErrReauthRequired, err)
		}
		return "", fmt.Errorf("token refresh for provider %s failed: %w", providerID, err)
	}

	// Some servers do not rotate the refresh token; keep the previous one.
	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = provider.RefreshToken
	}
	idToken := tokens.IDToken
	if idToken == "" {
		idToken = provider.IDToken
	}

	upd := store.TokenUpdate{
		AccessToken:  tokens.AccessToken,
		RefreshToken: refreshToken,
		IDToken:      idToken,
		ExpiresAt:    openai.CalculateExpirationDate(tokens.ExpiresIn),
	}
	if err = m.store.UpdateProviderTokens(ctx, providerID, upd); err != nil {
		return "", fmt.Errorf("persist rotated tokens for provider %s: %w", providerID, err)
	}

	log.Debugf("refreshed access token for provider %s", providerID)
	return tokens.AccessToken, nil
}

// isTerminalRefreshError reports whether a refresh failure means the refresh
// token itself is dead, as opposed to a transient transport problem.
func isTerminalRefreshError(err error) bool {
	var oauthErr *openai.OAuthError
	if errors.As(err, &oauthErr) {
		switch oauthErr.Code {
		case "invalid_grant", "invalid_client", "access_denied":
			return true
		}
		return oauthErr.StatusCode >= 400 && oauthErr.StatusCode < 500
	}
	return false
}
