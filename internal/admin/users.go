package admin

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

type createUserRequest struct {
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// ListUsers handles GET /v1/admin/users.
func (h *Handlers) ListUsers(ctx *fasthttp.RequestCtx) {
	users, err := h.Catalog.GetAllUsers(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, users)
}

// CreateUser handles POST /v1/admin/users.
func (h *Handlers) CreateUser(ctx *fasthttp.RequestCtx) {
	var req createUserRequest
	if err := decodeBody(ctx, &req); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	u := &domain.User{Username: req.Username, Email: req.Email, IsActive: true, Groups: req.Groups}
	if err := h.Catalog.CreateUser(ctx, u); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, u)
}

type updateUserRequest struct {
	Email  string   `json:"email"`
	Groups []string `json:"groups"`
}

// UpdateUser handles PUT /v1/admin/users/{id}.
func (h *Handlers) UpdateUser(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	var req updateUserRequest
	if err := decodeBody(ctx, &req); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	u, err := h.Catalog.UpdateUser(ctx, id, req.Email, req.Groups)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, u)
}

// DeactivateUser handles POST /v1/admin/users/{id}/deactivate.
func (h *Handlers) DeactivateUser(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	u, err := h.Catalog.DeactivateUser(ctx, id)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, u)
}

// DeleteUser handles DELETE /v1/admin/users/{id}.
func (h *Handlers) DeleteUser(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := h.Catalog.DeleteUser(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type createAPIKeyRequest struct {
	Name      string     `json:"name,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	PlaintextKey string         `json:"plaintext_key"`
	Key          *domain.APIKey `json:"key"`
}

// CreateAPIKey handles POST /v1/admin/users/{id}/api-keys. The plaintext key
// is returned exactly once, never persisted (§3 ApiKey invariant).
func (h *Handlers) CreateAPIKey(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	var req createAPIKeyRequest
	if len(ctx.PostBody()) > 0 {
		if err := decodeBody(ctx, &req); err != nil {
			apierr.WriteError(ctx, err)
			return
		}
	}
	plaintext, key, err := h.Catalog.CreateAPIKey(ctx, id, req.Name, req.ExpiresAt)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, createAPIKeyResponse{PlaintextKey: plaintext, Key: key})
}

// ListAPIKeys handles GET /v1/admin/users/{id}/api-keys.
func (h *Handlers) ListAPIKeys(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	keys, err := h.Catalog.ListAPIKeysForUser(ctx, id)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, keys)
}

// RevokeAPIKey handles DELETE /v1/admin/users/{id}/api-keys/{key_id}.
func (h *Handlers) RevokeAPIKey(ctx *fasthttp.RequestCtx) {
	keyID, err := pathUintParam(ctx, "key_id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := h.Catalog.RevokeAPIKey(ctx, keyID); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func queryIntDefault(ctx *fasthttp.RequestCtx, name string, def int) int {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return def
	}
	n, err := ctx.QueryArgs().GetUint(name)
	if err != nil {
		return def
	}
	return n
}

// GetUserUsageSummary handles GET /v1/admin/users/{id}/token-usage[?days].
func (h *Handlers) GetUserUsageSummary(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	days := queryIntDefault(ctx, "days", 0)
	summary, err := h.Usage.GetUserUsageSummary(ctx, id, days)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, summary)
}

// GetUserUsageDetails handles GET /v1/admin/users/{id}/token-usage/details[?days&limit].
func (h *Handlers) GetUserUsageDetails(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	days := queryIntDefault(ctx, "days", 0)
	limit := queryIntDefault(ctx, "limit", 0)
	details, err := h.Usage.GetUserUsageDetails(ctx, id, days, limit)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, details)
}
