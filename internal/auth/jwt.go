package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ygo74/openai-proxy/internal/retry"
)

// JWTConfig carries the environment-sourced settings of §4.4/§6.3.
type JWTConfig struct {
	KeycloakURL   string
	KeycloakRealm string
	HS256Secret   string
	Algorithm     string // JWT_ALGORITHM; carried but not consulted: the token header's alg selects RS256 or HS256
	Audience      string // OAUTH_AUDIENCE, optional
	Issuer        string // OAUTH_ISSUER, optional
	VerifyAud     bool   // default false per §4.4
	JWKSCacheTTL  time.Duration
}

// jwksEntry is one cached Keycloak realm public key.
type jwksEntry struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// JWKSCache is the TTL-bounded, size-bounded (16 entries) Keycloak public
// key cache of §4.4/§5, process-wide and guarded by a mutex.
type JWKSCache struct {
	mu      sync.Mutex
	entries map[string]jwksEntry
	ttl     time.Duration
	client  *http.Client
	maxSize int
}

// NewJWKSCache returns a cache with the default 3600s TTL when ttl<=0.
func NewJWKSCache(ttl time.Duration, client *http.Client) *JWKSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &JWKSCache{entries: make(map[string]jwksEntry), ttl: ttl, client: client, maxSize: 16}
}

type realmCerts struct {
	PublicKey string `json:"public_key"`
}

// Get returns the cached or freshly fetched RSA public key for realmURL,
// wrapped with the retry handler (5 attempts, 0.5s base, 8s cap per §4.4).
// On fetch failure a stale cached key is returned if present; otherwise the
// fetch error propagates.
func (c *JWKSCache) Get(ctx context.Context, realmURL string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	entry, ok := c.entries[realmURL]
	c.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.key, nil
	}

	key, err := retry.Do(ctx, retry.KeycloakPolicy, func(ctx context.Context) (*rsa.PublicKey, error) {
		return c.fetch(ctx, realmURL)
	})
	if err != nil {
		if ok {
			return entry.key, nil // stale cache fallback (§4.4, §7)
		}
		return nil, fmt.Errorf("auth: fetch keycloak key: %w", err)
	}

	c.mu.Lock()
	if len(c.entries) >= c.maxSize {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[realmURL] = jwksEntry{key: key, fetchedAt: time.Now()}
	c.mu.Unlock()

	return key, nil
}

func (c *JWKSCache) fetch(ctx context.Context, realmURL string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realmURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keycloak realm endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rc realmCerts
	if err := json.Unmarshal(body, &rc); err != nil {
		return nil, err
	}
	pemBlock := "-----BEGIN PUBLIC KEY-----\n" + rc.PublicKey + "\n-----END PUBLIC KEY-----"
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemBlock))
	if err != nil {
		return nil, fmt.Errorf("parse keycloak public key: %w", err)
	}
	return key, nil
}

// UserGroupStore supplies the stored groups for a username when it exists
// (§4.4 rule 2: "If the username exists in the User table, the stored row's
// groups are preferred"). Implemented by internal/catalog.Service.
type UserGroupStore interface {
	GroupsForUsername(ctx context.Context, username string) (groups []string, found bool, err error)
}

// ResolveJWT implements §4.4 rule 2: decode, verify (RS256 via Keycloak JWKS
// or HS256 via shared secret), extract username/groups from claims, and
// prefer stored User groups when the username is known.
func ResolveJWT(ctx context.Context, cfg JWTConfig, jwks *JWKSCache, users UserGroupStore, tokenString string) (Principal, error) {
	tokenString = strings.TrimPrefix(strings.TrimSpace(tokenString), "Bearer ")
	tokenString = strings.TrimSpace(tokenString)

	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	alg, _ := unverified.Header["alg"].(string)

	parserOpts := []jwt.ParserOption{}
	if cfg.VerifyAud && cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}

	var claims jwt.MapClaims
	switch alg {
	case "RS256":
		if jwks == nil || cfg.KeycloakURL == "" || cfg.KeycloakRealm == "" {
			return Principal{}, fmt.Errorf("%w: RS256 requires keycloak configuration", ErrInvalidCredential)
		}
		realmURL := strings.TrimRight(cfg.KeycloakURL, "/") + "/realms/" + cfg.KeycloakRealm
		key, err := jwks.Get(ctx, realmURL)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		claims, err = parseAndVerify(tokenString, key, parserOpts)
		if err != nil {
			return Principal{}, err
		}
	case "HS256":
		if cfg.HS256Secret == "" {
			return Principal{}, fmt.Errorf("%w: HS256 requires JWT_SECRET", ErrInvalidCredential)
		}
		claims, err = parseAndVerify(tokenString, []byte(cfg.HS256Secret), parserOpts)
		if err != nil {
			return Principal{}, err
		}
	default:
		return Principal{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidCredential, alg)
	}

	username := firstNonEmptyClaim(claims, "preferred_username", "username", "name", "sub")
	groups := extractGroups(claims)

	if username == "" {
		return Principal{}, fmt.Errorf("%w: token carries no identity claim", ErrInvalidCredential)
	}

	if users != nil {
		if stored, found, err := users.GroupsForUsername(ctx, username); err == nil && found {
			groups = stored
		}
	}

	return Principal{ID: username, Username: username, Kind: KindJWT, Groups: groups}, nil
}

func parseAndVerify(tokenString string, key any, opts []jwt.ParserOption) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims, nil
}

func firstNonEmptyClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// extractGroups unions "groups", "realm_access.roles", and
// "resource_access.<client>.roles" per §4.4.
func extractGroups(claims jwt.MapClaims) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(v any) {
		arr, ok := v.([]any)
		if !ok {
			return
		}
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}

	add(claims["groups"])

	if ra, ok := claims["realm_access"].(map[string]any); ok {
		add(ra["roles"])
	}
	if resAccess, ok := claims["resource_access"].(map[string]any); ok {
		for _, v := range resAccess {
			if client, ok := v.(map[string]any); ok {
				add(client["roles"])
			}
		}
	}

	return out
}
