// Package domain holds the persistent entities of the model-governance and
// access-control data model (§3): Model, Group, User, ApiKey, TokenUsage,
// and AuditLog. Entities are value-typed; the Group↔Model association is
// owned by the join table, never by either end, avoiding the cyclic
// object-graph problem called out in §9.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ModelStatus is the lifecycle state of a catalog Model (§3 Lifecycle).
type ModelStatus string

const (
	StatusNew        ModelStatus = "NEW"
	StatusPending    ModelStatus = "PENDING"
	StatusApproved   ModelStatus = "APPROVED"
	StatusDisabled   ModelStatus = "DISABLED"
	StatusRejected   ModelStatus = "REJECTED"
	StatusDeprecated ModelStatus = "DEPRECATED"
	StatusRetired    ModelStatus = "RETIRED"
)

// ProviderKind enumerates the upstream families a Model can route to.
// Widened per SPEC_FULL.md DOMAIN STACK beyond spec.md's original six.
type ProviderKind string

const (
	ProviderOpenAI       ProviderKind = "openai"
	ProviderAzure        ProviderKind = "azure"
	ProviderAnthropic    ProviderKind = "anthropic"
	ProviderMistral      ProviderKind = "mistral"
	ProviderCohere       ProviderKind = "cohere"
	ProviderUnique       ProviderKind = "unique"
	ProviderGemini       ProviderKind = "gemini"
	ProviderVertexAI     ProviderKind = "vertexai"
	ProviderBedrock      ProviderKind = "bedrock"
	ProviderOpenAICompat ProviderKind = "openaicompat"
)

// Capabilities is a free-form JSON map stored alongside a Model, carrying
// both provider-reported capability flags and provider-specific wiring
// extras (Azure AD credentials, Unique vendor ids, Bedrock region, ...).
type Capabilities map[string]any

// Scan implements sql.Scanner, decoding the JSON TEXT column.
func (c *Capabilities) Scan(value any) error {
	if value == nil {
		*c = Capabilities{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("domain: Capabilities.Scan: unsupported type")
	}
	if len(raw) == 0 {
		*c = Capabilities{}
		return nil
	}
	m := Capabilities{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*c = m
	return nil
}

// Value implements driver.Valuer.
func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c Capabilities) String(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Model is a catalog entry for one routable LLM deployment (§3).
type Model struct {
	ID             uint         `gorm:"primarykey" json:"id"`
	URL            string       `json:"url"`
	DisplayName    string       `json:"display_name"`
	TechnicalName  string       `gorm:"uniqueIndex;not null" json:"technical_name"`
	Provider       ProviderKind `gorm:"index;not null" json:"provider"`
	Status         ModelStatus  `gorm:"index;not null;default:NEW" json:"status"`
	Capabilities   Capabilities `gorm:"type:text" json:"capabilities"`
	APIVersion     string       `json:"api_version,omitempty"`
	CreatedAt      time.Time    `json:"created"`
	UpdatedAt      time.Time    `json:"updated"`

	Groups []Group `gorm:"many2many:model_authorization;" json:"-"`
}

// TableName fixes the table name independent of Go struct renames.
func (Model) TableName() string { return "models" }

// RequiresAPIVersion reports whether Provider mandates a non-empty APIVersion
// (§3 invariant: present iff provider=azure).
func (m Model) RequiresAPIVersion() bool { return m.Provider == ProviderAzure }

// Group is a named collection of authorized Models (§3).
type Group struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created"`
	UpdatedAt   time.Time `json:"updated"`

	Models []Model `gorm:"many2many:model_authorization;" json:"-"`
}

func (Group) TableName() string { return "groups" }

// GroupList is a denormalized, ordered list of group names, persisted as a
// JSON-encoded TEXT column (§3 User). No example repo in the pack implements
// a custom GORM scalar type; this one sub-piece is stdlib encoding/json at
// the persistence boundary, working within GORM's own Scanner/Valuer
// extension point rather than around it (see DESIGN.md).
type GroupList []string

func (g *GroupList) Scan(value any) error {
	if value == nil {
		*g = GroupList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("domain: GroupList.Scan: unsupported type")
	}
	if len(raw) == 0 {
		*g = GroupList{}
		return nil
	}
	return json.Unmarshal(raw, g)
}

func (g GroupList) Value() (driver.Value, error) {
	if g == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(g))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether name is present in the list.
func (g GroupList) Contains(name string) bool {
	for _, n := range g {
		if n == name {
			return true
		}
	}
	return false
}

// AdminGroupName is the well-known group that grants access to every
// APPROVED model and the admin surface (§4.5, §6.2).
const AdminGroupName = "admin"

// User is an authenticated principal's durable identity (§3).
type User struct {
	ID        string    `gorm:"primarykey" json:"id"` // UUID
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Email     string    `json:"email,omitempty"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	Groups    GroupList `gorm:"type:text" json:"groups"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	APIKeys []APIKey `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"api_keys,omitempty"`
}

func (User) TableName() string { return "users" }

// APIKey is a hashed credential owned by a User (§3). The plaintext is never
// persisted; it is returned to the caller exactly once, at creation time.
type APIKey struct {
	ID          uint       `gorm:"primarykey" json:"id"`
	KeyHash     string     `gorm:"uniqueIndex;not null" json:"-"`
	Name        string     `json:"name,omitempty"`
	UserID      string     `gorm:"index;not null" json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsActive    bool       `gorm:"default:true" json:"is_active"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

func (APIKey) TableName() string { return "api_keys" }

// Valid reports whether the key itself (ignoring user status) is usable
// (§3: is_active ∧ (expires_at is null ∨ expires_at > now)).
func (k APIKey) Valid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// TokenUsage is an append-only record of token consumption for one call (§3).
type TokenUsage struct {
	ID               uint      `gorm:"primarykey" json:"id"`
	UserID           string    `gorm:"index;not null" json:"user_id"`
	Model            string    `gorm:"index;not null" json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Timestamp        time.Time `gorm:"index" json:"timestamp"`
	RequestID        string    `json:"request_id"`
	Endpoint         string    `json:"endpoint"`
}

func (TokenUsage) TableName() string { return "token_usages" }

// NewTokenUsage builds a TokenUsage row, enforcing the total=prompt+completion
// invariant at construction rather than trusting a caller-supplied total.
func NewTokenUsage(userID, model string, promptTokens, completionTokens int, endpoint, requestID string, at time.Time) TokenUsage {
	return TokenUsage{
		UserID:           userID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Timestamp:        at,
		RequestID:        requestID,
		Endpoint:         endpoint,
	}
}

// AuditLog is an append-only record of every inbound request (§3, §4.7).
type AuditLog struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Timestamp  time.Time `gorm:"index" json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	User       string    `json:"user,omitempty"`
	AuthType   string    `json:"auth_type,omitempty"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	Metadata   string    `json:"metadata,omitempty"`
}

func (AuditLog) TableName() string { return "audit_logs" }
