package admin

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RegisterRoutes wires every §6.2 admin operation onto r, gated by
// RequireAdmin alone. Use this only when the caller's principal is already
// populated on the request context by an earlier middleware.
func (h *Handlers) RegisterRoutes(r *router.Router) {
	h.RegisterRoutesWith(r, func(next fasthttp.RequestHandler) fasthttp.RequestHandler { return next })
}

// RegisterRoutesWith wires every §6.2 admin operation onto r, wrapping each
// handler in authenticate (which must populate the principal UserValue) and
// then RequireAdmin.
func (h *Handlers) RegisterRoutesWith(r *router.Router, authenticate func(fasthttp.RequestHandler) fasthttp.RequestHandler) {
	admin := func(h fasthttp.RequestHandler) fasthttp.RequestHandler { return authenticate(RequireAdmin(h)) }

	r.GET("/v1/admin/models", admin(h.ListModels))
	r.POST("/v1/admin/models", admin(h.CreateModel))
	r.PATCH("/v1/admin/models/{id}/status", admin(h.UpdateModelStatus))
	r.DELETE("/v1/admin/models/{id}", admin(h.DeleteModel))
	r.POST("/v1/admin/models/refresh", admin(h.RefreshModels))
	r.POST("/v1/admin/models/{id}/groups/{gid}", admin(h.AddModelToGroup))
	r.DELETE("/v1/admin/models/{id}/groups/{gid}", admin(h.RemoveModelFromGroup))

	r.GET("/v1/admin/groups", admin(h.ListGroups))
	r.POST("/v1/admin/groups", admin(h.CreateGroup))
	r.PUT("/v1/admin/groups/{id}", admin(h.UpdateGroup))
	r.DELETE("/v1/admin/groups/{id}", admin(h.DeleteGroup))

	r.GET("/v1/admin/users", admin(h.ListUsers))
	r.POST("/v1/admin/users", admin(h.CreateUser))
	r.PUT("/v1/admin/users/{id}", admin(h.UpdateUser))
	r.DELETE("/v1/admin/users/{id}", admin(h.DeleteUser))
	r.POST("/v1/admin/users/{id}/deactivate", admin(h.DeactivateUser))
	r.POST("/v1/admin/users/{id}/api-keys", admin(h.CreateAPIKey))
	r.GET("/v1/admin/users/{id}/api-keys", admin(h.ListAPIKeys))
	r.DELETE("/v1/admin/users/{id}/api-keys/{key_id}", admin(h.RevokeAPIKey))
	r.GET("/v1/admin/users/{id}/token-usage", admin(h.GetUserUsageSummary))
	r.GET("/v1/admin/users/{id}/token-usage/details", admin(h.GetUserUsageDetails))

	r.GET("/v1/debug/auth", admin(h.DebugAuth))
}
