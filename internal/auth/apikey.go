package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrInvalidCredential is returned when a credential is well-formed but does
// not resolve to a valid principal.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// APIKeyStore is the persistence surface the API-key resolver needs. It is
// satisfied by internal/catalog.Service, kept as a narrow interface here to
// avoid an auth → catalog import cycle.
type APIKeyStore interface {
	// FindActiveKey looks up a non-deleted APIKey by its SHA-256 hash and
	// returns the owning user's id, username, active flag, and groups.
	FindActiveKey(ctx context.Context, keyHash string) (userID, username string, userActive bool, groups []string, expiresAt *time.Time, keyActive bool, err error)
	// TouchAPIKey updates last_used_at for the key with the given hash.
	TouchAPIKey(ctx context.Context, keyHash string, at time.Time) error
}

// HashAPIKey returns the hex-encoded SHA-256 digest of the plaintext key,
// the only form ever persisted (§3 ApiKey invariant).
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ExtractAPIKey strips an optional "Bearer " prefix and reports whether the
// remaining value looks like an API key ("sk-..." per §4.4 rule 1).
func ExtractAPIKey(header string) (string, bool) {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "Bearer ")
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "sk-") {
		return v, true
	}
	return "", false
}

// ResolveAPIKey implements §4.4 rule 1: hash, look up, validity check,
// last_used_at bump, and principal construction.
func ResolveAPIKey(ctx context.Context, store APIKeyStore, plaintext string) (Principal, error) {
	hash := HashAPIKey(plaintext)

	userID, username, userActive, groups, expiresAt, keyActive, err := store.FindActiveKey(ctx, hash)
	if err != nil {
		return Principal{}, err
	}
	if userID == "" {
		return Principal{}, ErrInvalidCredential
	}

	now := time.Now()
	valid := keyActive && (expiresAt == nil || expiresAt.After(now)) && userActive
	if !valid {
		return Principal{}, ErrInvalidCredential
	}

	if err := store.TouchAPIKey(ctx, hash, now); err != nil {
		// Non-fatal: the key is still valid even if the last-used bump fails.
		_ = err
	}

	return Principal{ID: userID, Username: username, Kind: KindAPIKey, Groups: groups}, nil
}
