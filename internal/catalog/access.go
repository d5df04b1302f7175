package catalog

import (
	"context"

	"github.com/ygo74/openai-proxy/internal/domain"
)

// Principal is the minimal shape ModelsForPrincipal needs, satisfied by
// auth.Principal without importing the auth package (catalog is a lower
// layer than auth in the dependency graph).
type Principal struct {
	Groups []string
}

// ModelsForPrincipal implements §4.5 access resolution:
//   - "admin" ∈ groups → every APPROVED model;
//   - else → union over groups of their associated models, filtered to
//     APPROVED, deduplicated by id.
func (s *Service) ModelsForPrincipal(ctx context.Context, p Principal) ([]domain.Model, error) {
	for _, g := range p.Groups {
		if g == domain.AdminGroupName {
			return s.approvedModels(ctx)
		}
	}

	if len(p.Groups) == 0 {
		return nil, nil
	}

	var groups []domain.Group
	if err := s.db.WithContext(ctx).
		Preload("Models", "status = ?", domain.StatusApproved).
		Where("name IN ?", p.Groups).
		Find(&groups).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]struct{})
	var out []domain.Model
	for _, g := range groups {
		for _, m := range g.Models {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) approvedModels(ctx context.Context) ([]domain.Model, error) {
	var ms []domain.Model
	if err := s.db.WithContext(ctx).Where("status = ?", domain.StatusApproved).Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// CanAccess reports whether p may call model m, per the same rule as
// ModelsForPrincipal but scoped to a single already-resolved model (used by
// the orchestrator to avoid loading the full accessible set per call).
func (s *Service) CanAccess(ctx context.Context, p Principal, m *domain.Model) (bool, error) {
	if m.Status != domain.StatusApproved {
		return false, nil
	}
	for _, g := range p.Groups {
		if g == domain.AdminGroupName {
			return true, nil
		}
	}
	if len(p.Groups) == 0 {
		return false, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Table("model_authorization").
		Joins("JOIN groups ON groups.id = model_authorization.group_id").
		Where("model_authorization.model_id = ? AND groups.name IN ?", m.ID, p.Groups).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
