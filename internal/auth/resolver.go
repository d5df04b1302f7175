package auth

import (
	"context"
	"strings"
)

// Resolver unifies API-key and Bearer-JWT authentication into one
// authenticated Principal (§4.4). It holds no per-request state.
type Resolver struct {
	Keys  APIKeyStore
	Users UserGroupStore
	JWT   JWTConfig
	JWKS  *JWKSCache
	Cache *PrincipalCache
}

// Resolve applies §4.4's two acceptance rules in order: API key first
// (value matches "sk-…", optionally Bearer-prefixed), then Bearer JWT.
// An empty Authorization header is always rejected.
func (r *Resolver) Resolve(ctx context.Context, authorizationHeader string) (Principal, error) {
	header := strings.TrimSpace(authorizationHeader)
	if header == "" {
		return Principal{}, ErrInvalidCredential
	}

	if key, ok := ExtractAPIKey(header); ok {
		return ResolveAPIKey(ctx, r.Keys, key)
	}

	if strings.HasPrefix(header, "Bearer ") || looksLikeJWT(header) {
		p, err := ResolveJWT(ctx, r.JWT, r.JWKS, r.Users, header)
		if err != nil {
			return Principal{}, err
		}
		if p.Username == "" {
			// §9 Open Question, decided in DESIGN.md: empty-principal JWT
			// requests are rejected rather than logged-and-allowed.
			return Principal{}, ErrInvalidCredential
		}
		return p, nil
	}

	return Principal{}, ErrInvalidCredential
}

// looksLikeJWT reports whether s has the three dot-separated segments of a
// compact JWT, used when the client omits the "Bearer " prefix.
func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

// CacheKeyForPrincipal returns the key used in the process-wide principal
// cache (§4.4 whoami force-clear): the principal's username.
func CacheKeyForPrincipal(p Principal) string { return p.Username }
