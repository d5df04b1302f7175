package catalog

import (
	"context"

	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// CreateGroup creates a Group; duplicate names raise EntityAlreadyExists.
func (s *Service) CreateGroup(ctx context.Context, g *domain.Group) error {
	var existing domain.Group
	err := s.db.WithContext(ctx).Where("name = ?", g.Name).First(&existing).Error
	if err == nil {
		return apierr.AlreadyExists("group %q already exists", g.Name)
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return s.db.WithContext(ctx).Create(g).Error
}

// UpdateGroup updates description for an existing group.
func (s *Service) UpdateGroup(ctx context.Context, id uint, description string) (*domain.Group, error) {
	var g domain.Group
	if err := s.db.WithContext(ctx).First(&g, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("group %d not found", id)
		}
		return nil, err
	}
	g.Description = description
	if err := s.db.WithContext(ctx).Save(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// DeleteGroup checks existence first and raises EntityNotFound on miss.
func (s *Service) DeleteGroup(ctx context.Context, id uint) error {
	var g domain.Group
	if err := s.db.WithContext(ctx).First(&g, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("group %d not found", id)
		}
		return err
	}
	if err := s.db.WithContext(ctx).Model(&g).Association("Models").Clear(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&g).Error
}

// GetAllGroups returns every group.
func (s *Service) GetAllGroups(ctx context.Context) ([]domain.Group, error) {
	var gs []domain.Group
	if err := s.db.WithContext(ctx).Find(&gs).Error; err != nil {
		return nil, err
	}
	return gs, nil
}

// GetGroupByID fetches a single group.
func (s *Service) GetGroupByID(ctx context.Context, id uint) (*domain.Group, error) {
	var g domain.Group
	if err := s.db.WithContext(ctx).First(&g, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("group %d not found", id)
		}
		return nil, err
	}
	return &g, nil
}

// GetGroupByName fetches a single group by its unique name.
func (s *Service) GetGroupByName(ctx context.Context, name string) (*domain.Group, error) {
	var g domain.Group
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&g).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("group %q not found", name)
		}
		return nil, err
	}
	return &g, nil
}
