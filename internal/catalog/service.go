// Package catalog implements the Model Catalog & Group Access component
// (§4.5): persistent storage for models, groups, and users, plus the access
// resolution that computes the models a principal may call.
//
// Grounded on spec §4.5's operation list and BaSui01-agentflow's GORM
// repository shape (llm/types.go, llm/db_init.go): a single service struct
// wraps *gorm.DB and every public method is a short, name-matched operation
// rather than a generic repository abstraction.
package catalog

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// Service is the Model Catalog & Group Access component. Every method opens
// its own request-scoped session via db.WithContext (§3 Unit-of-Work, §5).
type Service struct {
	db *gorm.DB
}

// New wraps an already-migrated *gorm.DB.
func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AddOrUpdateModel creates a new Model. Creation is idempotent by
// technical_name uniqueness; a duplicate raises EntityAlreadyExists (§4.5).
// Azure-family models without api_version, or non-Azure models carrying one,
// raise ValidationError (§3 invariant).
func (s *Service) AddOrUpdateModel(ctx context.Context, m *domain.Model) error {
	if err := validateAPIVersionInvariant(m); err != nil {
		return err
	}

	var existing domain.Model
	err := s.db.WithContext(ctx).Where("technical_name = ?", m.TechnicalName).First(&existing).Error
	switch {
	case err == nil:
		return apierr.AlreadyExists("model with technical_name %q already exists", m.TechnicalName)
	case err != gorm.ErrRecordNotFound:
		return err
	}

	if m.Status == "" {
		m.Status = domain.StatusNew
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	return nil
}

func validateAPIVersionInvariant(m *domain.Model) error {
	if m.RequiresAPIVersion() && m.APIVersion == "" {
		return apierr.Validation("model %q: api_version is required for provider=azure", m.TechnicalName)
	}
	if !m.RequiresAPIVersion() && m.APIVersion != "" {
		return apierr.Validation("model %q: api_version is only valid for provider=azure", m.TechnicalName)
	}
	return nil
}

// UpdateModelStatus transitions a Model's lifecycle status (§3 Lifecycle).
func (s *Service) UpdateModelStatus(ctx context.Context, id uint, status domain.ModelStatus) (*domain.Model, error) {
	var m domain.Model
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("model %d not found", id)
		}
		return nil, err
	}
	m.Status = status
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteModel checks existence first and raises EntityNotFound on miss
// (never silent, §4.5). Deleting a model removes authorization edges but
// never TokenUsage rows (§3 Lifecycle).
func (s *Service) DeleteModel(ctx context.Context, id uint) error {
	var m domain.Model
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("model %d not found", id)
		}
		return err
	}
	if err := s.db.WithContext(ctx).Model(&m).Association("Groups").Clear(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&m).Error
}

// GetAllModels returns every Model in the catalog, regardless of status.
func (s *Service) GetAllModels(ctx context.Context) ([]domain.Model, error) {
	var ms []domain.Model
	if err := s.db.WithContext(ctx).Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// GetByTechnicalName looks up a Model by its unique external key.
func (s *Service) GetByTechnicalName(ctx context.Context, name string) (*domain.Model, error) {
	var m domain.Model
	err := s.db.WithContext(ctx).Where("technical_name = ?", name).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.NotFound("model %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetByDisplayName is the orchestrator's fallback lookup (§4.6 step 1).
func (s *Service) GetByDisplayName(ctx context.Context, name string) (*domain.Model, error) {
	var m domain.Model
	err := s.db.WithContext(ctx).Where("display_name = ?", name).First(&m).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apierr.NotFound("model %q not found", name)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetModelByID fetches a Model by primary key.
func (s *Service) GetModelByID(ctx context.Context, id uint) (*domain.Model, error) {
	var m domain.Model
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("model %d not found", id)
		}
		return nil, err
	}
	return &m, nil
}

// AddModelToGroup is idempotent: adding an existing edge is a no-op
// returning the current model (§4.5).
func (s *Service) AddModelToGroup(ctx context.Context, modelID, groupID uint) (*domain.Model, error) {
	var m domain.Model
	if err := s.db.WithContext(ctx).First(&m, modelID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("model %d not found", modelID)
		}
		return nil, err
	}
	var g domain.Group
	if err := s.db.WithContext(ctx).First(&g, groupID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("group %d not found", groupID)
		}
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&m).Association("Groups").Append(&g); err != nil {
		return nil, err
	}
	return &m, nil
}

// RemoveModelFromGroup raises EntityNotFound when the edge does not exist
// (§4.5 idempotence rule).
func (s *Service) RemoveModelFromGroup(ctx context.Context, modelID, groupID uint) error {
	var m domain.Model
	if err := s.db.WithContext(ctx).Preload("Groups", "groups.id = ?", groupID).First(&m, modelID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("model %d not found", modelID)
		}
		return err
	}
	if len(m.Groups) == 0 {
		return apierr.NotFound("group %d is not associated with model %d", groupID, modelID)
	}
	return s.db.WithContext(ctx).Model(&m).Association("Groups").Delete(&m.Groups[0])
}

// GetGroupsForModel returns every Group the given model is associated with.
func (s *Service) GetGroupsForModel(ctx context.Context, modelID uint) ([]domain.Group, error) {
	var m domain.Model
	if err := s.db.WithContext(ctx).Preload("Groups").First(&m, modelID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("model %d not found", modelID)
		}
		return nil, err
	}
	return m.Groups, nil
}

// timeNow is overridable in tests.
var timeNow = time.Now
