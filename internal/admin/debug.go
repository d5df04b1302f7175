package admin

import (
	"github.com/valyala/fasthttp"
)

type debugAuthResponse struct {
	MatchedRule string   `json:"matched_rule"`
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Groups      []string `json:"groups"`
}

// DebugAuth handles GET /v1/debug/auth, an admin-only diagnostic endpoint
// (original_source interfaces/api/endpoints/debug_auth.py) that echoes which
// authentication rule matched the caller's own credential and the claims
// that resolution produced.
func (h *Handlers) DebugAuth(ctx *fasthttp.RequestCtx) {
	p, _ := principalFrom(ctx)
	writeJSON(ctx, fasthttp.StatusOK, debugAuthResponse{
		MatchedRule: string(p.Kind),
		UserID:      p.ID,
		Username:    p.Username,
		Groups:      p.Groups,
	})
}
