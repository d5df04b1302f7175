package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/auth"
	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// CreateUser creates a User; duplicate usernames raise EntityAlreadyExists.
func (s *Service) CreateUser(ctx context.Context, u *domain.User) error {
	var existing domain.User
	err := s.db.WithContext(ctx).Where("username = ?", u.Username).First(&existing).Error
	if err == nil {
		return apierr.AlreadyExists("user %q already exists", u.Username)
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	if u.ID == "" {
		u.ID = newUUID()
	}
	return s.db.WithContext(ctx).Create(u).Error
}

// UpdateUser replaces email and groups for an existing user.
func (s *Service) UpdateUser(ctx context.Context, id, email string, groups []string) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("user %q not found", id)
		}
		return nil, err
	}
	u.Email = email
	u.Groups = groups
	if err := s.db.WithContext(ctx).Save(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// DeactivateUser flips is_active to false; it never deletes the row, so
// TokenUsage and audit history stay attributable (§3 Lifecycle).
func (s *Service) DeactivateUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("user %q not found", id)
		}
		return nil, err
	}
	u.IsActive = false
	if err := s.db.WithContext(ctx).Save(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser removes the user and, via ON DELETE CASCADE, its API keys.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("user %q not found", id)
		}
		return err
	}
	return s.db.WithContext(ctx).Delete(&u).Error
}

// GetAllUsers returns every user.
func (s *Service) GetAllUsers(ctx context.Context) ([]domain.User, error) {
	var us []domain.User
	if err := s.db.WithContext(ctx).Find(&us).Error; err != nil {
		return nil, err
	}
	return us, nil
}

// GetUserByID fetches a single user.
func (s *Service) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("user %q not found", id)
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername fetches a single user by its unique username.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("user %q not found", username)
		}
		return nil, err
	}
	return &u, nil
}

// ProvisionFromClaims implements the just-in-time provisioning half of §4.4
// rule 2: on first sight of a username carried by a verified JWT, a User row
// is created with the token's groups; on subsequent sightings the existing
// row (and its operator-assigned groups) is left untouched and returned as-is.
func (s *Service) ProvisionFromClaims(ctx context.Context, username string, tokenGroups []string) (*domain.User, error) {
	var u domain.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if err == nil {
		return &u, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	u = domain.User{
		ID:       newUUID(),
		Username: username,
		IsActive: true,
		Groups:   tokenGroups,
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GroupsForUsername implements auth.UserGroupStore: §4.4 rule 2 prefers the
// stored row's groups over the token's own groups claim once a User exists.
func (s *Service) GroupsForUsername(ctx context.Context, username string) ([]string, bool, error) {
	var u domain.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []string(u.Groups), true, nil
}

// CreateAPIKey mints a new "sk-" prefixed key for userID, persists only its
// SHA-256 hash, and returns the plaintext exactly once (§3 ApiKey invariant).
func (s *Service) CreateAPIKey(ctx context.Context, userID, name string, expiresAt *time.Time) (plaintext string, key *domain.APIKey, err error) {
	var u domain.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil, apierr.NotFound("user %q not found", userID)
		}
		return "", nil, err
	}

	plaintext = "sk-" + randomToken(24)
	k := &domain.APIKey{
		KeyHash:   auth.HashAPIKey(plaintext),
		Name:      name,
		UserID:    userID,
		IsActive:  true,
		ExpiresAt: expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return "", nil, err
	}
	return plaintext, k, nil
}

// ListAPIKeysForUser returns the (hashless) API key records owned by userID.
func (s *Service) ListAPIKeysForUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey flips is_active to false; it is never deleted, preserving
// audit/usage attribution for calls made before revocation.
func (s *Service) RevokeAPIKey(ctx context.Context, id uint) error {
	var k domain.APIKey
	if err := s.db.WithContext(ctx).First(&k, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("api key %d not found", id)
		}
		return err
	}
	k.IsActive = false
	return s.db.WithContext(ctx).Save(&k).Error
}

// FindActiveKey implements auth.APIKeyStore: resolve an API key hash to its
// owning user's identity and groups with two lookups, the key row and then
// its user (§4.4 rule 1).
func (s *Service) FindActiveKey(ctx context.Context, keyHash string) (userID, username string, userActive bool, groups []string, expiresAt *time.Time, keyActive bool, err error) {
	var k domain.APIKey
	err = s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&k).Error
	if err == gorm.ErrRecordNotFound {
		return "", "", false, nil, nil, false, nil
	}
	if err != nil {
		return "", "", false, nil, nil, false, err
	}

	var u domain.User
	if err = s.db.WithContext(ctx).First(&u, "id = ?", k.UserID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", "", false, nil, nil, false, nil
		}
		return "", "", false, nil, nil, false, err
	}

	return u.ID, u.Username, u.IsActive, []string(u.Groups), k.ExpiresAt, k.IsActive, nil
}

// TouchAPIKey implements auth.APIKeyStore.
func (s *Service) TouchAPIKey(ctx context.Context, keyHash string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("key_hash = ?", keyHash).
		Update("last_used_at", at).Error
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// newUUID is a dependency-free v4-shaped random id; the catalog does not
// need RFC-4122 strictness, only global uniqueness.
func newUUID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return hex.EncodeToString(b[0:4]) + "-" + hex.EncodeToString(b[4:6]) + "-" +
		hex.EncodeToString(b[6:8]) + "-" + hex.EncodeToString(b[8:10]) + "-" + hex.EncodeToString(b[10:16])
}
