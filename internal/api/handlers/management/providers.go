package management

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rosterhq/roster/internal/store"
)

type providerRequest struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	APIKey   string         `json:"api_key"`
	Metadata map[string]any `json:"metadata"`
}

// GetProviders lists providers, serving from the TTL cache when possible.
// Token material never leaves the store layer; Provider serializes without it.
func (h *Handler) GetProviders(c *gin.Context) {
	var (
		providers []*store.Provider
		err       error
	)
	if h.cache != nil {
		providers, err = h.cache.Providers(c.Request.Context())
	} else {
		providers, err = h.store.ListProviders(c.Request.Context())
	}
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "providers": providers})
}

// GetProvider returns one provider by ID.
func (h *Handler) GetProvider(c *gin.Context) {
	provider, err := h.store.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": provider})
}

// PostProvider creates an API-key provider. OAuth providers are created
// through the authorization flows, never directly.
func (h *Handler) PostProvider(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(c, http.StatusBadRequest, "name is required")
		return
	}
	if req.Kind != "" && req.Kind != store.ProviderKindAPIKey {
		respondError(c, http.StatusBadRequest, "only api_key providers can be created directly")
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		respondError(c, http.StatusBadRequest, "api_key is required")
		return
	}

	provider := &store.Provider{
		Name:            strings.TrimSpace(req.Name),
		Kind:            store.ProviderKindAPIKey,
		APIKeyEncrypted: []byte(req.APIKey),
		Metadata:        req.Metadata,
	}
	if err := h.store.CreateProvider(c.Request.Context(), provider); err != nil {
		storeError(c, err)
		return
	}
	h.invalidateProviders()
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "provider": provider})
}

// PutProvider updates mutable provider fields: name and metadata. Credential
// material is only touched by the auth flows and the refresh manager.
func (h *Handler) PutProvider(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid body")
		return
	}
	provider, err := h.store.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		provider.Name = name
	}
	if req.Metadata != nil {
		provider.Metadata = req.Metadata
	}
	if req.APIKey != "" {
		if provider.Kind != store.ProviderKindAPIKey {
			respondError(c, http.StatusBadRequest, "api_key can only be set on api_key providers")
			return
		}
		provider.APIKeyEncrypted = []byte(req.APIKey)
	}
	if err = h.store.UpdateProvider(c.Request.Context(), provider); err != nil {
		storeError(c, err)
		return
	}
	h.invalidateProviders()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": provider})
}

// DeleteProvider removes a provider. Agents bound to it keep their binding
// and fail at run time until rebound.
func (h *Handler) DeleteProvider(c *gin.Context) {
	if err := h.store.DeleteProvider(c.Request.Context(), c.Param("id")); err != nil {
		storeError(c, err)
		return
	}
	h.invalidateProviders()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PostProviderRefresh forces a token refresh for an OAuth provider. Useful
// for verifying a connection from the dashboard.
func (h *Handler) PostProviderRefresh(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetProvider(c.Request.Context(), id); err != nil {
		storeError(c, err)
		return
	}
	if _, err := h.tokens.AccessToken(c.Request.Context(), id); err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	h.invalidateProviders()
	provider, err := h.store.GetProvider(c.Request.Context(), id)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": provider})
}
