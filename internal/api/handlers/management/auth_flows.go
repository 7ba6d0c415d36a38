package management

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/auth/openai"
	"github.com/rosterhq/roster/internal/store"
)

type authStartRequest struct {
	// ProviderID reconnects an existing provider instead of creating one.
	ProviderID string `json:"provider_id"`
	// RedirectURI overrides the URI derived from the request origin.
	RedirectURI string `json:"redirect_uri"`
}

type authCallbackRequest struct {
	// RedirectURL is the full callback URL the browser landed on. Code,
	// state, and error are parsed from it when the explicit fields are empty.
	RedirectURL string `json:"redirect_url"`
	Code        string `json:"code"`
	State       string `json:"state"`
	Error       string `json:"error"`
}

// PostAuthStart begins a browser PKCE authorization. The response carries
// the URL to open and the state the dashboard will see again at callback.
func (h *Handler) PostAuthStart(c *gin.Context) {
	var req authStartRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}

	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		redirectURI = callbackURI(c.Request)
	}

	if req.ProviderID != "" {
		if _, err := h.store.GetProvider(c.Request.Context(), req.ProviderID); err != nil {
			storeError(c, err)
			return
		}
	}

	flow, err := h.auth.CreateAuthorizationFlow(redirectURI, "")
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	h.states.Put(flow.State, flow.CodeVerifier, redirectURI, req.ProviderID)

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"url":    flow.URL,
		"state":  flow.State,
	})
}

// PostAuthCallback completes a browser PKCE authorization. The pending state
// is consumed before anything else: a state is good for exactly one attempt,
// successful or not.
func (h *Handler) PostAuthCallback(c *gin.Context) {
	var req authCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}

	stateToken, code, errMsg := callbackParams(&req)
	if stateToken == "" {
		respondError(c, http.StatusBadRequest, "state is required")
		return
	}

	pending := h.states.Consume(stateToken)
	if pending == nil {
		respondError(c, http.StatusBadRequest, openai.UserFacingMessage(openai.ErrInvalidState))
		return
	}
	if errMsg != "" {
		respondError(c, http.StatusBadRequest, "authorization was not granted: "+errMsg)
		return
	}
	if code == "" {
		respondError(c, http.StatusBadRequest, "code is required")
		return
	}

	tokens, err := h.auth.ExchangeCodeForTokens(c.Request.Context(), code, pending.CodeVerifier, pending.RedirectURI)
	if err != nil {
		log.Warnf("code exchange failed: %v", err)
		respondError(c, http.StatusBadGateway, openai.UserFacingMessage(err))
		return
	}

	provider, err := h.persistTokens(c, tokens, pending.ProviderID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	h.invalidateProviders()
	h.publish("auth.completed", map[string]any{
		"provider_id": provider.ID,
		"account":     provider.AccountEmail,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": provider})
}

// persistTokens stores an exchanged token set: either updating the provider
// the flow was started for, matching an existing provider by account ID, or
// creating a new one. Identity comes from the unverified ID token and is
// display-only.
func (h *Handler) persistTokens(c *gin.Context, tokens *openai.TokenSet, providerID string) (*store.Provider, error) {
	ctx := c.Request.Context()
	identity := openai.IdentityMetadata{}
	if claims := openai.ParseJWTToken(tokens.IDToken); claims != nil {
		identity = claims.Identity()
	}

	upd := store.TokenUpdate{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ExpiresAt:    openai.CalculateExpirationDate(tokens.ExpiresIn),
	}

	if providerID == "" && identity.AccountID != "" {
		if existing, err := h.store.GetProviderByAccountID(ctx, identity.AccountID); err == nil {
			providerID = existing.ID
		} else if err != store.ErrNotFound {
			return nil, err
		}
	}

	if providerID != "" {
		if err := h.store.UpdateProviderTokens(ctx, providerID, upd); err != nil {
			return nil, err
		}
		if identity.AccountID != "" {
			if err := h.store.UpdateProviderIdentity(ctx, providerID,
				identity.AccountID, identity.Email, identity.Name, identity.PlanType); err != nil {
				return nil, err
			}
		}
		return h.store.GetProvider(ctx, providerID)
	}

	name := identity.Email
	if name == "" {
		name = "openai"
	}
	provider := &store.Provider{
		Name:         name,
		Kind:         store.ProviderKindOAuth,
		AccessToken:  upd.AccessToken,
		RefreshToken: upd.RefreshToken,
		IDToken:      upd.IDToken,
		ExpiresAt:    upd.ExpiresAt,
		AccountID:    identity.AccountID,
		AccountEmail: identity.Email,
		AccountName:  identity.Name,
		PlanType:     identity.PlanType,
	}
	if err := h.store.CreateProvider(ctx, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

// callbackParams pulls state, code, and error out of the request, preferring
// explicit fields over the redirect URL's query string.
func callbackParams(req *authCallbackRequest) (stateToken, code, errMsg string) {
	stateToken = strings.TrimSpace(req.State)
	code = strings.TrimSpace(req.Code)
	errMsg = strings.TrimSpace(req.Error)

	raw := strings.TrimSpace(req.RedirectURL)
	if raw == "" {
		return stateToken, code, errMsg
	}
	u, err := url.Parse(raw)
	if err != nil {
		return stateToken, code, errMsg
	}
	q := u.Query()
	if stateToken == "" {
		stateToken = strings.TrimSpace(q.Get("state"))
	}
	if code == "" {
		code = strings.TrimSpace(q.Get("code"))
	}
	if errMsg == "" {
		errMsg = strings.TrimSpace(q.Get("error"))
		if errMsg == "" {
			errMsg = strings.TrimSpace(q.Get("error_description"))
		}
	}
	return stateToken, code, errMsg
}

// callbackURI derives the default redirect URI from the request origin, so
// dashboards served from different hosts get a matching callback.
func callbackURI(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/v0/management/auth/openai/callback"
}
