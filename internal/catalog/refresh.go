package catalog

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/providers"
)

// ProviderConfig names one configured upstream whose catalog should be
// queried by FetchAvailableModels (§4.5 Catalog refresh, §6.3 model_configs[]).
type ProviderConfig struct {
	Provider   domain.ProviderKind
	URL        string
	APIVersion string
	Adapter    providers.Provider
}

// FetchAvailableModels implements §4.5's refresh-models discovery: for each
// configured provider, list its remote models and upsert them as
// {url, technical_name="<provider>_<remote_id>", provider, capabilities,
// api_version?}. Existing rows keep their operator-chosen status; only URL
// and capabilities are refreshed. Idempotent: running twice against the same
// upstream listing does not create duplicate rows (§8 idempotence).
func (s *Service) FetchAvailableModels(ctx context.Context, configs []ProviderConfig) ([]domain.Model, error) {
	var upserted []domain.Model

	for _, cfg := range configs {
		remote, err := cfg.Adapter.ListModels(ctx)
		if err != nil {
			return upserted, fmt.Errorf("catalog: list models for %s: %w", cfg.Provider, err)
		}

		for _, rm := range remote {
			technicalName := fmt.Sprintf("%s_%s", cfg.Provider, rm.ID)

			var existing domain.Model
			err := s.db.WithContext(ctx).Where("technical_name = ?", technicalName).First(&existing).Error
			switch {
			case err == nil:
				existing.URL = cfg.URL
				existing.Capabilities = domain.Capabilities{"owned_by": rm.OwnedBy, "remote_created": rm.Created}
				if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
					return upserted, err
				}
				upserted = append(upserted, existing)

			case err == gorm.ErrRecordNotFound:
				m := domain.Model{
					URL:           cfg.URL,
					DisplayName:   rm.ID,
					TechnicalName: technicalName,
					Provider:      cfg.Provider,
					Status:        domain.StatusNew,
					Capabilities:  domain.Capabilities{"owned_by": rm.OwnedBy, "remote_created": rm.Created},
					APIVersion:    cfg.APIVersion,
				}
				if err := validateAPIVersionInvariant(&m); err != nil {
					continue // skip malformed entries rather than abort the whole refresh
				}
				if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
					return upserted, err
				}
				upserted = append(upserted, m)

			default:
				return upserted, err
			}
		}
	}

	return upserted, nil
}
