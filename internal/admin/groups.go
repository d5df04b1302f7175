package admin

import (
	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListGroups handles GET /v1/admin/groups.
func (h *Handlers) ListGroups(ctx *fasthttp.RequestCtx) {
	groups, err := h.Catalog.GetAllGroups(ctx)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, groups)
}

// CreateGroup handles POST /v1/admin/groups.
func (h *Handlers) CreateGroup(ctx *fasthttp.RequestCtx) {
	var req createGroupRequest
	if err := decodeBody(ctx, &req); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	g := &domain.Group{Name: req.Name, Description: req.Description}
	if err := h.Catalog.CreateGroup(ctx, g); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, g)
}

type updateGroupRequest struct {
	Description string `json:"description"`
}

// UpdateGroup handles PUT /v1/admin/groups/{id}.
func (h *Handlers) UpdateGroup(ctx *fasthttp.RequestCtx) {
	id, err := pathUintParam(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	var req updateGroupRequest
	if err := decodeBody(ctx, &req); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	g, err := h.Catalog.UpdateGroup(ctx, id, req.Description)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, g)
}

// DeleteGroup handles DELETE /v1/admin/groups/{id}.
func (h *Handlers) DeleteGroup(ctx *fasthttp.RequestCtx) {
	id, err := pathUintParam(ctx, "id")
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if err := h.Catalog.DeleteGroup(ctx, id); err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
