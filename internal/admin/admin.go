// Package admin implements the Admin Surface (§6.2): CRUD handlers over the
// Model Catalog & Group Access component, gated on the caller's principal
// carrying the well-known "admin" group.
//
// Grounded on teacher internal/proxy/gateway.go's handler shape (parse body,
// call service, write JSON) and internal/proxy/router.go's fasthttp/router
// registration style.
package admin

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/auth"
	"github.com/ygo74/openai-proxy/internal/catalog"
	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/usage"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// PrincipalKey is the fasthttp UserValue key the auth middleware stores the
// resolved auth.Principal under. Shared with internal/audit so both read the
// same value without either importing the ingress package.
const PrincipalKey = "principal"

// Handlers bundles the Admin Surface's dependencies.
type Handlers struct {
	Catalog          *catalog.Service
	Usage            *usage.Ledger
	RefreshProviders []catalog.ProviderConfig
}

// New builds the Admin Surface handlers.
func New(cat *catalog.Service, ledger *usage.Ledger, refreshProviders []catalog.ProviderConfig) *Handlers {
	return &Handlers{Catalog: cat, Usage: ledger, RefreshProviders: refreshProviders}
}

func principalFrom(ctx *fasthttp.RequestCtx) (auth.Principal, bool) {
	p, ok := ctx.UserValue(PrincipalKey).(auth.Principal)
	return p, ok
}

// RequireAdmin wraps next so it only runs for principals in the admin group;
// everyone else gets a 403 (§6.2: "All admin endpoints require the principal
// to be in the admin group; otherwise 403").
func RequireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		p, ok := principalFrom(ctx)
		if !ok || !p.IsAdmin() {
			apierr.WriteError(ctx, apierr.Authorization("admin group membership required"))
			return
		}
		next(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetBody(body)
}

func decodeBody(ctx *fasthttp.RequestCtx, v any) error {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		return apierr.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func pathUintParam(ctx *fasthttp.RequestCtx, name string) (uint, error) {
	raw, _ := ctx.UserValue(name).(string)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apierr.Validation("invalid %s %q", name, raw)
	}
	return uint(n), nil
}

// ── Models ──────────────────────────────────────────────────────────────────

type createModelRequest struct {
	URL           string               `json:"url"`
	DisplayName   string               `json:"display_name"`
	TechnicalName string               `json:"technical_name"`
	Provider      domain.ProviderKind  `json:"provider"`
	APIVersion    string               `json:"api_version,omitempty"`
	Capabilities  domain.Capabilities  `json:"capabilities,omitempty"`
}

// ListModels handles GET /v1/admin/models.
func (h *Handlers) ListModels(ctx *fasthttp.RequestCtx) {
	models, err := h.Catalog.GetAllModels(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, models)
}

// CreateModel handles POST /v1/admin/models.
func (h *Handlers) CreateModel(ctx *fasthttp.RequestCtx) {
	var req createModelRequest
	if err := decodeBody(ctx, &req); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	m := &domain.Model{
		URL:           req.URL,
		DisplayName:   req.DisplayName,
		TechnicalName: req.TechnicalName,
		Provider:      req.Provider,
		APIVersion:    req.APIVersion,
		Capabilities:  req.Capabilities,
	}
	if err := h.Catalog.AddOrUpdateModel(ctx, m); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, m)
}

type updateModelStatusRequest struct {
	Status domain.ModelStatus `json:"status"`
}

// UpdateModelStatus handles PATCH /v1/admin/models/{id}/status.
func (h *Handlers) UpdateModelStatus(ctx *fasthttp.RequestCtx) {
	id, err := pathUintParam(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	var req updateModelStatusRequest
	if err := decodeBody(ctx, &req); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	m, err := h.Catalog.UpdateModelStatus(ctx, id, req.Status)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, m)
}

// DeleteModel handles DELETE /v1/admin/models/{id}.
func (h *Handlers) DeleteModel(ctx *fasthttp.RequestCtx) {
	id, err := pathUintParam(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := h.Catalog.DeleteModel(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// RefreshModels handles POST /v1/admin/models/refresh (§4.5 Catalog refresh).
func (h *Handlers) RefreshModels(ctx *fasthttp.RequestCtx) {
	models, err := h.Catalog.FetchAvailableModels(ctx, h.RefreshProviders)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, models)
}

// AddModelToGroup handles POST /v1/admin/models/{id}/groups/{gid}.
func (h *Handlers) AddModelToGroup(ctx *fasthttp.RequestCtx) {
	modelID, err := pathUintParam(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	groupID, err := pathUintParam(ctx, "gid")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	m, err := h.Catalog.AddModelToGroup(ctx, modelID, groupID)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, m)
}

// RemoveModelFromGroup handles DELETE /v1/admin/models/{id}/groups/{gid}.
func (h *Handlers) RemoveModelFromGroup(ctx *fasthttp.RequestCtx) {
	modelID, err := pathUintParam(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	groupID, err := pathUintParam(ctx, "gid")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := h.Catalog.RemoveModelFromGroup(ctx, modelID, groupID); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
