package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/auth"
	"github.com/ygo74/openai-proxy/internal/cache"
	"github.com/ygo74/openai-proxy/internal/catalog"
	"github.com/ygo74/openai-proxy/internal/logger"
	"github.com/ygo74/openai-proxy/internal/metrics"
	"github.com/ygo74/openai-proxy/internal/orchestrator"
	"github.com/ygo74/openai-proxy/internal/providers"
	"github.com/ygo74/openai-proxy/internal/ratelimit"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// Gateway is the ingress surface wired to the Chat/Completion Orchestrator
// instead of talking to providers directly (§4.6). It keeps the teacher's
// dependency-injected-constructor shape (internal/proxy/gateway.go) but the
// field set reflects the catalog-driven request lifecycle of this spec.
type Gateway struct {
	Orchestrator *orchestrator.Service
	Catalog      *catalog.Service
	Auth         *auth.Resolver
	Log          *slog.Logger

	// ResponseCache is the optional exact-match cache for non-streaming chat
	// completions (§4.1 DOMAIN STACK). Nil disables caching entirely.
	ResponseCache   cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList

	// RateLimiter enforces a per-principal requests-per-minute budget. No
	// workspace-wide limit is applied on this path.
	RateLimiter     *ratelimit.RPMLimiter
	DefaultRPMLimit int

	Metrics *metrics.Registry

	// ReqLog is the optional async per-request log (latency/tokens/cached),
	// distinct from the audit trail. Nil disables it.
	ReqLog *logger.Logger

	corsOrigins []string
}

// NewGateway builds a Gateway over its collaborators.
func NewGateway(o *orchestrator.Service, cat *catalog.Service, resolver *auth.Resolver, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{Orchestrator: o, Catalog: cat, Auth: resolver, Log: log}
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// chatCacheKey derives the exact-match cache key for a non-streaming chat
// request: principal + model + full message transcript, so two principals
// never share a cached answer (§4.1).
func chatCacheKey(principalID string, req *providers.ChatCompletionRequest) string {
	h := sha256.New()
	h.Write([]byte(principalID))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	enc, _ := json.Marshal(req.Messages)
	h.Write(enc)
	return "chat:" + hex.EncodeToString(h.Sum(nil))
}

func principalOf(ctx *fasthttp.RequestCtx) auth.Principal {
	p, _ := ctx.UserValue(PrincipalKey).(auth.Principal)
	return p
}

func catalogPrincipal(p auth.Principal) catalog.Principal {
	return catalog.Principal{Groups: p.Groups}
}

type inboundChatRequest struct {
	Model            string           `json:"model"`
	Messages         []providers.Message `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	N                *int             `json:"n,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
}

// HandleChatCompletions handles POST /v1/chat/completions.
func (g *Gateway) HandleChatCompletions(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	principal := principalOf(ctx)

	var in inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteError(ctx, apierr.Validation("invalid JSON: %v", err))
		return
	}
	if in.Model == "" {
		apierr.WriteError(ctx, apierr.Validation("field 'model' is required"))
		return
	}

	req := &providers.ChatCompletionRequest{
		Model: in.Model, Messages: in.Messages, Temperature: in.Temperature, TopP: in.TopP,
		N: in.N, MaxTokens: in.MaxTokens, Stop: in.Stop, PresencePenalty: in.PresencePenalty,
		FrequencyPenalty: in.FrequencyPenalty, Stream: in.Stream, RequestID: reqID,
	}

	if !g.allowRequest(ctx, principal) {
		return
	}

	if in.Stream {
		g.streamChatCompletion(ctx, req, principal)
		return
	}

	useCache := g.ResponseCache != nil && !g.CacheExclusions.Matches(in.Model)
	var key string
	if useCache {
		key = chatCacheKey(principal.ID, req)
		if cached, ok := g.ResponseCache.Get(ctx, key); ok {
			g.recordCacheResult("hit")
			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(cached)
			g.logRequest(reqID, in.Model, fasthttp.StatusOK, 0, true)
			return
		}
		g.recordCacheResult("miss")
	} else {
		g.recordCacheResult("bypass")
	}

	resp, err := g.Orchestrator.ChatCompletion(ctx, req, principal.Username, catalogPrincipal(principal))
	if err != nil {
		g.recordRequestError(in.Model, err)
		apierr.WriteError(ctx, err)
		return
	}

	if useCache {
		if body, err := json.Marshal(resp); err == nil {
			if err := g.ResponseCache.Set(ctx, key, body, g.cacheTTL()); err != nil && g.Metrics != nil {
				g.Metrics.CacheSetError()
			} else if g.Metrics != nil {
				g.Metrics.CacheSetOK()
			}
		}
	}
	g.logRequest(reqID, resp.Model, fasthttp.StatusOK, resp.LatencyMs, false)
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// logRequest emits a best-effort async log entry. A nil ReqLog disables it.
func (g *Gateway) logRequest(reqID, model string, status int, latencyMs int64, cached bool) {
	if g.ReqLog == nil {
		return
	}
	id, err := uuid.Parse(reqID)
	if err != nil {
		id = uuid.New()
	}
	g.ReqLog.Log(logger.RequestLog{
		ID:        id,
		Model:     model,
		LatencyMs: uint16(latencyMs),
		Status:    uint16(status),
		Cached:    cached,
		CreatedAt: time.Now(),
	})
}

func (g *Gateway) cacheTTL() time.Duration {
	if g.CacheTTL > 0 {
		return g.CacheTTL
	}
	return 5 * time.Minute
}

func (g *Gateway) recordCacheResult(result string) {
	if g.Metrics == nil {
		return
	}
	switch result {
	case "hit":
		g.Metrics.CacheGetHit()
	case "miss":
		g.Metrics.CacheGetMiss()
	case "bypass":
		g.Metrics.CacheGetBypass()
	}
}

// recordRequestError labels a failed orchestrator/catalog call for the
// provider_errors_total counter. Errors outside the apierr taxonomy are
// recorded as "unknown" rather than skipped.
func (g *Gateway) recordRequestError(model string, err error) {
	if g.Metrics == nil || err == nil {
		return
	}
	var apiErr *apierr.Error
	errType := "unknown"
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case apierr.KindAuthorization:
			errType = "access_denied"
		case apierr.KindEntityNotFound:
			errType = "not_found"
		case apierr.KindValidation:
			errType = "validation"
		case apierr.KindConfiguration:
			errType = "configuration"
		case apierr.KindUpstreamTransient:
			errType = "upstream_transient"
		case apierr.KindUpstreamPermanent:
			errType = "upstream_permanent"
		}
	}
	g.Metrics.RecordError(model, errType)
}

// allowRequest enforces the per-principal RPM budget (§4.1 DOMAIN STACK). A
// nil RateLimiter disables rate limiting entirely (e.g. in tests).
func (g *Gateway) allowRequest(ctx *fasthttp.RequestCtx, principal auth.Principal) bool {
	if g.RateLimiter == nil {
		return true
	}
	ok, err := g.RateLimiter.AllowPrincipal(ctx, principal.ID, g.DefaultRPMLimit)
	if err != nil {
		g.Log.WarnContext(ctx, "rate_limit_check_failed", slog.String("error", err.Error()))
		return true
	}
	if !ok {
		if g.Metrics != nil {
			g.Metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(ctx)
		return false
	}
	if g.Metrics != nil {
		g.Metrics.RecordRateLimit("allowed")
	}
	return true
}

func (g *Gateway) streamChatCompletion(ctx *fasthttp.RequestCtx, req *providers.ChatCompletionRequest, principal auth.Principal) {
	ch, model, err := g.Orchestrator.StreamChatCompletion(ctx, req, catalogPrincipal(principal))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeSSE(ctx, ch, func(promptTokens, completionTokens int) {
		g.Orchestrator.RecordStreamUsage(context.Background(), principal.Username, model.TechnicalName, req.RequestID, promptTokens, completionTokens)
	})
}

type inboundCompletionRequest struct {
	Model            string    `json:"model"`
	Prompt           []string  `json:"prompt"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	N                *int      `json:"n,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	BestOf           *int      `json:"best_of,omitempty"`
	Suffix           *string   `json:"suffix,omitempty"`
	Echo             bool      `json:"echo,omitempty"`
}

// HandleCompletions handles POST /v1/completions.
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)
	principal := principalOf(ctx)

	var in inboundCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteError(ctx, apierr.Validation("invalid JSON: %v", err))
		return
	}
	if in.Model == "" {
		apierr.WriteError(ctx, apierr.Validation("field 'model' is required"))
		return
	}

	req := &providers.CompletionRequest{
		Model: in.Model, Prompt: in.Prompt, Temperature: in.Temperature, TopP: in.TopP,
		N: in.N, MaxTokens: in.MaxTokens, Stop: in.Stop, PresencePenalty: in.PresencePenalty,
		FrequencyPenalty: in.FrequencyPenalty, BestOf: in.BestOf, Suffix: in.Suffix, Echo: in.Echo,
		RequestID: reqID,
	}

	if !g.allowRequest(ctx, principal) {
		return
	}

	resp, err := g.Orchestrator.Completion(ctx, req, principal.Username, catalogPrincipal(principal))
	if err != nil {
		g.recordRequestError(in.Model, err)
		apierr.WriteError(ctx, err)
		return
	}
	g.logRequest(reqID, resp.Model, fasthttp.StatusOK, resp.LatencyMs, false)
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// HandleModels handles GET /v1/models, returning only the models the caller
// may access (§4.5).
func (g *Gateway) HandleModels(ctx *fasthttp.RequestCtx) {
	principal := principalOf(ctx)
	models, err := g.Catalog.ModelsForPrincipal(ctx, catalogPrincipal(principal))
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": models})
}

// whoamiCache is the process-wide, best-effort principal cache (§4.4, §9).
var whoamiCache = auth.NewPrincipalCache()

type whoamiResponse struct {
	Username string   `json:"username"`
	ID       string   `json:"id"`
	Kind     string   `json:"auth_type"`
	Groups   []string `json:"groups"`
}

// HandleWhoami handles GET /v1/whoami?force_cache_clear={bool}.
func (g *Gateway) HandleWhoami(ctx *fasthttp.RequestCtx) {
	principal := principalOf(ctx)
	if string(ctx.QueryArgs().Peek("force_cache_clear")) == "true" {
		whoamiCache.Evict(auth.CacheKeyForPrincipal(principal))
	}
	writeJSON(ctx, fasthttp.StatusOK, whoamiResponse{
		Username: principal.Username, ID: principal.ID, Kind: string(principal.Kind), Groups: principal.Groups,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
