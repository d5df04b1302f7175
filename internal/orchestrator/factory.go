// Package orchestrator implements the Chat/Completion Orchestrator (§4.6):
// resolve model, check access, obtain a per-model provider adapter, call it
// under the Retry Handler, and record token usage on success.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/httpclient"
	"github.com/ygo74/openai-proxy/internal/providers"
	"github.com/ygo74/openai-proxy/internal/providers/anthropic"
	"github.com/ygo74/openai-proxy/internal/providers/azure"
	"github.com/ygo74/openai-proxy/internal/providers/bedrock"
	"github.com/ygo74/openai-proxy/internal/providers/gemini"
	"github.com/ygo74/openai-proxy/internal/providers/mistral"
	"github.com/ygo74/openai-proxy/internal/providers/openai"
	"github.com/ygo74/openai-proxy/internal/providers/openaicompat"
	"github.com/ygo74/openai-proxy/internal/providers/unique"
	"github.com/ygo74/openai-proxy/internal/providers/vertexai"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// ModelConfig is one entry of §6.3's `model_configs[]`: the operator-supplied
// wiring (API key and provider-specific extras) keyed by technical_name,
// kept separate from the catalog's own Model row so that credentials never
// live in the database (§4.6 step 4).
type ModelConfig struct {
	Provider      domain.ProviderKind
	URL           string
	TechnicalName string
	APIKey        string
	APIVersion    string
	Proxy         httpclient.Options // per-provider proxy/TLS knobs (§4.1, original_source enterprise_config.py)

	// Azure extensions.
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	ResourceGroup  string
	ResourceName   string

	// Unique extensions.
	AppID     string
	CompanyID string
	UserID    string

	// Bedrock extensions.
	AccessKey string
	SecretKey string
	Region    string

	// VertexAI extensions.
	Project  string
	Location string
}

// AdapterFactory builds and caches providers.Provider instances keyed by
// (url, technical_name), per §5's "per-model adapter cache is process-wide;
// adapters are assumed safe for concurrent calls".
type AdapterFactory struct {
	mu       sync.Mutex
	cache    map[string]providers.Provider
	configs  map[string]ModelConfig // by technical_name
}

// NewAdapterFactory builds a factory over the given model configurations.
func NewAdapterFactory(configs []ModelConfig) *AdapterFactory {
	byName := make(map[string]ModelConfig, len(configs))
	for _, c := range configs {
		byName[c.TechnicalName] = c
	}
	return &AdapterFactory{cache: make(map[string]providers.Provider), configs: byName}
}

func cacheKey(url, technicalName string) string { return url + "|" + technicalName }

// Get returns the cached adapter for m, constructing and caching it on first
// use. A missing configuration entry or API key raises a Configuration error
// surfaced as HTTP 500 (§4.6, §7).
func (f *AdapterFactory) Get(m *domain.Model) (providers.Provider, error) {
	key := cacheKey(m.URL, m.TechnicalName)

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[key]; ok {
		return p, nil
	}

	cfg, ok := f.configs[m.TechnicalName]
	if !ok {
		return nil, apierr.Configuration("no configuration found for model %q", m.TechnicalName)
	}
	if cfg.APIKey == "" && cfg.Provider != domain.ProviderAzure && cfg.Provider != domain.ProviderBedrock && cfg.Provider != domain.ProviderVertexAI {
		return nil, apierr.Configuration("no api key configured for model %q", m.TechnicalName)
	}

	p, err := build(cfg)
	if err != nil {
		return nil, apierr.Configuration("construct adapter for %q: %v", m.TechnicalName, err)
	}

	f.cache[key] = p
	return p, nil
}

// Adapters returns a snapshot of every currently cached adapter keyed by
// its cache key ("url|technical_name", see cacheKey), for the health
// checker's background probes.
func (f *AdapterFactory) Adapters() map[string]providers.Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]providers.Provider, len(f.cache))
	for key, p := range f.cache {
		out[key] = p
	}
	return out
}

// Close releases every cached adapter's resources (§5: HTTP pools owned by
// each adapter, closed on adapter disposal).
func (f *AdapterFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for _, p := range f.cache {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.cache = make(map[string]providers.Provider)
	return firstErr
}

func build(cfg ModelConfig) (providers.Provider, error) {
	client, err := httpclient.New(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}

	switch cfg.Provider {
	case domain.ProviderOpenAI:
		return openai.New(cfg.APIKey, cfg.URL), nil

	case domain.ProviderAzure:
		var mgmt *azure.ManagementConfig
		if cfg.TenantID != "" {
			mgmt = &azure.ManagementConfig{
				TenantID:       cfg.TenantID,
				ClientID:       cfg.ClientID,
				ClientSecret:   cfg.ClientSecret,
				SubscriptionID: cfg.SubscriptionID,
				ResourceGroup:  cfg.ResourceGroup,
				ResourceName:   cfg.ResourceName,
			}
		}
		return azure.New(cfg.URL, cfg.APIKey, cfg.APIVersion, mgmt, client), nil

	case domain.ProviderAnthropic:
		return anthropic.New(cfg.APIKey, anthropic.WithBaseURL(cfg.URL)), nil

	case domain.ProviderMistral:
		return mistral.New(cfg.APIKey, mistral.WithBaseURL(cfg.URL)), nil

	case domain.ProviderCohere, domain.ProviderOpenAICompat:
		return openaicompat.New(string(cfg.Provider), cfg.APIKey, cfg.URL), nil

	case domain.ProviderUnique:
		return unique.New(cfg.URL, cfg.APIKey, unique.Config{
			AppID:     cfg.AppID,
			CompanyID: cfg.CompanyID,
			UserID:    cfg.UserID,
		}, client), nil

	case domain.ProviderGemini:
		return gemini.New(context.Background(), cfg.APIKey, gemini.WithBaseURL(cfg.URL))

	case domain.ProviderVertexAI:
		return vertexai.New(context.Background(), cfg.Project, vertexai.WithLocation(cfg.Location))

	case domain.ProviderBedrock:
		return bedrock.New(cfg.AccessKey, cfg.SecretKey, cfg.Region, bedrock.WithEndpointURL(cfg.URL)), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider)
	}
}
