package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/felipepmaragno/channel-gateway/internal/auth"
	"github.com/felipepmaragno/channel-gateway/internal/channelmetrics"
	"github.com/felipepmaragno/channel-gateway/internal/credentials"
	"github.com/felipepmaragno/channel-gateway/internal/crypto"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/felipepmaragno/channel-gateway/internal/quota"
	"github.com/felipepmaragno/channel-gateway/internal/registry"
	"github.com/goccy/go-json"
)

type AdminConfig struct {
	Registry  registry.Registry
	Ledger    quota.Ledger
	Metrics   channelmetrics.Store
	Providers *provider.Registry
	RBAC      *auth.RBACMiddleware

	// Encryptor seals plaintext credentials before they are stored. When
	// nil, credentials are stored as given.
	Encryptor *crypto.Encryptor

	// Optional hooks run after a channel changes.
	Limiter     interface{ Forget(channelID string) }
	Credentials interface{ Invalidate() }

	Logger *slog.Logger
}

type AdminHandler struct {
	cfg    AdminConfig
	logger *slog.Logger
	mux    *http.ServeMux
	root   http.Handler
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &AdminHandler{
		cfg:    cfg,
		logger: cfg.Logger,
		mux:    http.NewServeMux(),
	}

	h.route("GET /admin/channels", auth.PermissionChannelRead, h.listChannels)
	h.route("POST /admin/channels", auth.PermissionChannelWrite, h.createChannel)
	h.route("GET /admin/channels/{id}", auth.PermissionChannelRead, h.getChannel)
	h.route("PUT /admin/channels/{id}", auth.PermissionChannelWrite, h.updateChannel)
	h.route("DELETE /admin/channels/{id}", auth.PermissionChannelDelete, h.deleteChannel)
	h.route("GET /admin/tenants/{id}/quotas", auth.PermissionQuotaRead, h.listQuotas)
	h.route("PUT /admin/tenants/{id}/quotas/{type}", auth.PermissionQuotaWrite, h.setQuota)

	h.root = h.mux
	if cfg.RBAC != nil {
		h.root = cfg.RBAC.RequireAuth(h.mux)
	}
	return h
}

func (h *AdminHandler) route(pattern string, perm auth.Permission, fn http.HandlerFunc) {
	var next http.Handler = fn
	if h.cfg.RBAC != nil {
		next = h.cfg.RBAC.RequirePermission(perm)(next)
	}
	h.mux.Handle(pattern, next)
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *AdminHandler) listChannels(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeAdminError(w, http.StatusBadRequest, "tenant_id query parameter is required")
		return
	}

	channels, err := h.cfg.Registry.ListByTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list channels", "tenant_id", tenantID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []*domain.Channel{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

func (h *AdminHandler) createChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ch := &domain.Channel{
		ID:                   req.ID,
		TenantID:             req.TenantID,
		ProviderID:           req.ProviderID,
		Name:                 req.Name,
		BaseURL:              req.BaseURL,
		Models:               req.Models,
		Status:               req.Status,
		Priority:             req.Priority,
		Weight:               req.Weight,
		MaxRequestsPerMinute: req.MaxRequestsPerMinute,
	}

	if err := h.checkProvider(ch.ProviderID); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	sealed, err := h.seal(req.Credentials)
	if err != nil {
		h.logger.Error("failed to seal credentials", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}
	ch.Credentials = sealed

	if err := h.cfg.Registry.Create(r.Context(), ch); err != nil {
		h.writeRegistryError(w, "create", err)
		return
	}

	h.logger.Info("channel created", "channel", ch)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ch)
}

func (h *AdminHandler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.cfg.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeRegistryError(w, "get", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ch)
}

func (h *AdminHandler) updateChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch, err := h.cfg.Registry.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeRegistryError(w, "get", err)
		return
	}

	var req UpdateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ProviderID != nil {
		if err := h.checkProvider(*req.ProviderID); err != nil {
			writeAdminError(w, http.StatusBadRequest, err.Error())
			return
		}
		ch.ProviderID = *req.ProviderID
	}
	if req.Name != nil {
		ch.Name = *req.Name
	}
	if req.BaseURL != nil {
		ch.BaseURL = *req.BaseURL
	}
	if req.Models != nil {
		ch.Models = req.Models
	}
	if req.Status != nil {
		ch.Status = *req.Status
	}
	if req.Priority != nil {
		ch.Priority = *req.Priority
	}
	if req.Weight != nil {
		ch.Weight = *req.Weight
	}
	if req.MaxRequestsPerMinute != nil {
		ch.MaxRequestsPerMinute = *req.MaxRequestsPerMinute
	}
	if req.Credentials != nil {
		sealed, err := h.seal(*req.Credentials)
		if err != nil {
			h.logger.Error("failed to seal credentials", "channel_id", ch.ID, "error", err)
			writeAdminError(w, http.StatusInternalServerError, "failed to store credentials")
			return
		}
		ch.Credentials = sealed
	}

	if err := h.cfg.Registry.Update(ctx, ch); err != nil {
		h.writeRegistryError(w, "update", err)
		return
	}

	if req.Credentials != nil && h.cfg.Credentials != nil {
		h.cfg.Credentials.Invalidate()
	}
	if req.MaxRequestsPerMinute != nil && h.cfg.Limiter != nil {
		h.cfg.Limiter.Forget(ch.ID)
	}

	h.logger.Info("channel updated", "channel", ch)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ch)
}

func (h *AdminHandler) deleteChannel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.cfg.Registry.Delete(ctx, id); err != nil {
		h.writeRegistryError(w, "delete", err)
		return
	}

	if h.cfg.Metrics != nil {
		if err := h.cfg.Metrics.Delete(ctx, id); err != nil {
			h.logger.Warn("failed to delete channel metrics", "channel_id", id, "error", err)
		}
	}
	if h.cfg.Limiter != nil {
		h.cfg.Limiter.Forget(id)
	}

	h.logger.Info("channel deleted", "channel_id", id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listQuotas(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")

	quotas, err := h.cfg.Ledger.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list quotas", "tenant_id", tenantID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list quotas")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenantID,
		"quotas":    quotas,
	})
}

func (h *AdminHandler) setQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.PathValue("id")
	quotaType := domain.QuotaType(r.PathValue("type"))

	if !quotaType.Valid() {
		writeAdminError(w, http.StatusBadRequest, "unknown quota type")
		return
	}

	var req SetQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.QuotaLimit < 0 {
		writeAdminError(w, http.StatusBadRequest, "quota_limit must be >= 0")
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	if err := h.cfg.Ledger.SetLimit(ctx, tenantID, quotaType, req.QuotaLimit, active); err != nil {
		h.logger.Error("failed to set quota", "tenant_id", tenantID, "quota_type", quotaType, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to set quota")
		return
	}

	q, err := h.cfg.Ledger.Get(ctx, tenantID, quotaType)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to read quota")
		return
	}

	h.logger.Info("quota updated",
		"tenant_id", tenantID,
		"quota_type", quotaType,
		"limit", req.QuotaLimit,
		"active", active,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

func (h *AdminHandler) checkProvider(family string) error {
	if h.cfg.Providers == nil || family == "" {
		return nil
	}
	_, err := h.cfg.Providers.Get(family)
	return err
}

// seal encrypts plaintext credentials. Sealed blobs and secret store
// references are stored as given.
func (h *AdminHandler) seal(blob string) (string, error) {
	if h.cfg.Encryptor == nil || blob == "" || credentials.IsReference(blob) {
		return blob, nil
	}
	return h.cfg.Encryptor.Seal(blob)
}

func (h *AdminHandler) writeRegistryError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrChannelNotFound):
		writeAdminError(w, http.StatusNotFound, "channel not found")
	case errors.Is(err, domain.ErrChannelExists):
		writeAdminError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidChannel):
		writeAdminError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("channel "+op+" failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to "+op+" channel")
	}
}

type CreateChannelRequest struct {
	ID                   string               `json:"id,omitempty"`
	TenantID             string               `json:"tenant_id"`
	ProviderID           string               `json:"provider_id"`
	Name                 string               `json:"name,omitempty"`
	BaseURL              string               `json:"base_url,omitempty"`
	Credentials          string               `json:"credentials,omitempty"`
	Models               []string             `json:"models"`
	Status               domain.ChannelStatus `json:"status,omitempty"`
	Priority             int                  `json:"priority"`
	Weight               int                  `json:"weight"`
	MaxRequestsPerMinute int                  `json:"max_requests_per_minute"`
}

type UpdateChannelRequest struct {
	ProviderID           *string               `json:"provider_id,omitempty"`
	Name                 *string               `json:"name,omitempty"`
	BaseURL              *string               `json:"base_url,omitempty"`
	Credentials          *string               `json:"credentials,omitempty"`
	Models               []string              `json:"models,omitempty"`
	Status               *domain.ChannelStatus `json:"status,omitempty"`
	Priority             *int                  `json:"priority,omitempty"`
	Weight               *int                  `json:"weight,omitempty"`
	MaxRequestsPerMinute *int                  `json:"max_requests_per_minute,omitempty"`
}

type SetQuotaRequest struct {
	QuotaLimit int64 `json:"quota_limit"`
	IsActive   *bool `json:"is_active,omitempty"`
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
