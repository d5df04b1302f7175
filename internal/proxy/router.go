package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/admin"
	"github.com/ygo74/openai-proxy/internal/audit"
	"github.com/ygo74/openai-proxy/internal/auth"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// NewRouter builds the fasthttp/router for the proxy, admin, and health
// surfaces. Routes needing an authenticated caller are wrapped in
// authMiddleware individually so health/metrics stay unauthenticated
// (§4.4, §6.2).
func (g *Gateway) NewRouter(resolver *auth.Resolver, adminHandlers *admin.Handlers, health *HealthChecker, mgmt *ManagementRoutes) *router.Router {
	r := router.New()
	protect := authMiddleware(resolver, g.Metrics)

	r.POST("/v1/chat/completions", protect(g.HandleChatCompletions))
	r.POST("/v1/completions", protect(g.HandleCompletions))
	r.GET("/v1/models", protect(g.HandleModels))
	r.GET("/v1/whoami", protect(g.HandleWhoami))

	r.GET("/v1/health", handleHealth(health))
	r.GET("/v1/health/ready", handleReadiness(health))
	r.GET("/v1/health/live", handleLive)
	r.GET("/v1/health/detailed", handleHealth(health))

	if adminHandlers != nil {
		adminHandlers.RegisterRoutesWith(r, protect)
	}

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return r
}

// Start builds the middleware-wrapped handler and starts the HTTP server on
// addr. recovery/requestID/timing/CORS/security and audit capture apply to
// every route; per-route authentication is applied in NewRouter.
func (g *Gateway) Start(addr string, resolver *auth.Resolver, adminHandlers *admin.Handlers, auditSvc *audit.Service, health *HealthChecker, mgmt *ManagementRoutes) error {
	r := g.NewRouter(resolver, adminHandlers, health, mgmt)

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	}
	if auditSvc != nil {
		mws = append(mws, audit.Middleware(auditSvc))
	}

	handler := applyMiddleware(r.Handler, mws...)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func handleHealth(h *HealthChecker) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if h == nil {
			writeJSON(ctx, fasthttp.StatusOK, map[string]any{"status": "ok"})
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, h.Snapshot())
	}
}

func handleReadiness(h *HealthChecker) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if h == nil || h.ReadinessOK() {
			writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
	}
}

func handleLive(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}
