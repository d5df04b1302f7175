package audit

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ygo74/openai-proxy/internal/auth"
)

// PrincipalKey is the fasthttp user-value key the auth middleware stores the
// resolved auth.Principal under; the audit middleware reads it back after
// next(ctx) has run so the principal set by auth (which runs downstream of
// audit, per §2's control-flow order) is available.
const PrincipalKey = "principal"

// Middleware wraps next with the Audit Middleware of §4.7: it times the
// request, captures method/path/principal/status/duration, and submits the
// record to s without ever failing the request on an audit error.
func Middleware(s *Service) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()
			path := string(ctx.Path())

			if s.Excluded(path) {
				next(ctx)
				return
			}

			next(ctx)

			var user, authType string
			if p, ok := ctx.UserValue(PrincipalKey).(auth.Principal); ok {
				user = p.Username
				authType = string(p.Kind)
			}

			s.Submit(Record{
				Timestamp:  start,
				Method:     string(ctx.Method()),
				Path:       path,
				User:       user,
				AuthType:   authType,
				StatusCode: ctx.Response.StatusCode(),
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
	}
}
