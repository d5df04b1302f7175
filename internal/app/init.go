package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ygo74/openai-proxy/internal/admin"
	"github.com/ygo74/openai-proxy/internal/audit"
	"github.com/ygo74/openai-proxy/internal/auth"
	npCache "github.com/ygo74/openai-proxy/internal/cache"
	"github.com/ygo74/openai-proxy/internal/catalog"
	"github.com/ygo74/openai-proxy/internal/db"
	"github.com/ygo74/openai-proxy/internal/httpclient"
	"github.com/ygo74/openai-proxy/internal/logger"
	"github.com/ygo74/openai-proxy/internal/metrics"
	"github.com/ygo74/openai-proxy/internal/orchestrator"
	"github.com/ygo74/openai-proxy/internal/proxy"
	"github.com/ygo74/openai-proxy/internal/ratelimit"
	"github.com/ygo74/openai-proxy/internal/usage"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// durationFromSeconds converts a config seconds field to a time.Duration,
// defaulting to 10s when unset.
func durationFromSeconds(s int) time.Duration {
	if s <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s) * time.Second
}

// initInfra opens the database and, when configured, connects to Redis.
func (a *App) initInfra(ctx context.Context) error {
	gdb, err := db.Open(a.cfg.DB)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	a.gdb = gdb
	a.log.Info("database ready", slog.String("type", string(a.cfg.DB.Type)))

	if a.cfg.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initCatalog builds the Model Catalog, Token Usage Ledger, Audit Trail, and
// Chat/Completion Orchestrator over the open database, seeds the catalog
// from model_configs[], and pre-warms one adapter per configured model so
// the health checker has something to probe at startup (§4.5, §4.6, §4.7).
func (a *App) initCatalog(ctx context.Context) error {
	a.catalogSvc = catalog.New(a.gdb)
	a.usageLedg = usage.New(a.gdb)

	forwarders, err := a.buildForwarders()
	if err != nil {
		return fmt.Errorf("forwarders: %w", err)
	}
	a.auditSvc = audit.New(ctx, a.cfg.Audit, a.gdb, forwarders, a.log)

	proxyOpts := httpclient.Options{}
	configs := make([]orchestrator.ModelConfig, 0, len(a.cfg.Models))
	for _, m := range a.cfg.Models {
		configs = append(configs, m.AdapterConfig(proxyOpts))
	}
	a.factory = orchestrator.NewAdapterFactory(configs)
	a.orch = orchestrator.New(a.catalogSvc, a.factory, a.usageLedg)

	providerConfigsByKey := make(map[string]catalog.ProviderConfig)
	for _, m := range a.cfg.Models {
		row := m.CatalogModel()
		if err := a.catalogSvc.AddOrUpdateModel(ctx, &row); err != nil {
			var apiErr *apierr.Error
			if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindEntityAlreadyExists {
				return fmt.Errorf("seed model %q: %w", m.TechnicalName, err)
			}
			existing, err := a.catalogSvc.GetByTechnicalName(ctx, m.TechnicalName)
			if err != nil {
				return fmt.Errorf("seed model %q: load existing: %w", m.TechnicalName, err)
			}
			row = *existing
		}

		if adapter, err := a.factory.Get(&row); err != nil {
			a.log.Warn("adapter pre-warm failed",
				slog.String("model", m.TechnicalName), slog.String("error", err.Error()))
		} else {
			key := fmt.Sprintf("%s|%s|%s", m.Provider, m.URL, m.APIVersion)
			providerConfigsByKey[key] = catalog.ProviderConfig{
				Provider: m.Provider, URL: m.URL, APIVersion: m.APIVersion, Adapter: adapter,
			}
		}
	}

	refreshProviders := make([]catalog.ProviderConfig, 0, len(providerConfigsByKey))
	for _, pc := range providerConfigsByKey {
		refreshProviders = append(refreshProviders, pc)
	}
	a.adminH = admin.New(a.catalogSvc, a.usageLedg, refreshProviders)

	a.log.Info("catalog ready", slog.Int("models", len(a.cfg.Models)))
	return nil
}

// initAuth builds the JWT/API-key Resolver, wiring a JWKS cache whenever
// Keycloak is configured (§4.4).
func (a *App) initAuth(_ context.Context) error {
	jwtCfg := a.cfg.Auth.JWTConfig()

	var jwks *auth.JWKSCache
	if jwtCfg.KeycloakURL != "" {
		jwks = auth.NewJWKSCache(jwtCfg.JWKSCacheTTL, nil)
	}

	a.resolver = &auth.Resolver{
		Keys:  a.catalogSvc,
		Users: a.catalogSvc,
		JWT:   jwtCfg,
		JWKS:  jwks,
		Cache: auth.NewPrincipalCache(),
	}
	return nil
}

// initServices creates the Prometheus registry and the async request logger.
// The response cache and rate limiter are wired later, in initGateway.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.auditSvc.Metrics = a.prom

	reqLog, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLog

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	gw := proxy.NewGateway(a.orch, a.catalogSvc, a.resolver, a.log)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.Metrics = a.prom
	gw.ReqLog = a.reqLogger
	gw.CacheTTL = a.cfg.CacheTTL
	gw.DefaultRPMLimit = a.cfg.DefaultRPMLimit

	if len(a.cfg.CacheExcludeExact) > 0 || len(a.cfg.CacheExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.CacheExcludeExact, a.cfg.CacheExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.CacheExclusions = el
	}

	var cacheReady func() bool
	if a.rdb != nil {
		gw.ResponseCache = npCache.NewExactCacheFromClient(a.rdb)
		gw.RateLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.DefaultRPMLimit)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("redis-backed cache and rate limiter enabled")
	} else {
		mc := npCache.NewMemoryCache(a.baseCtx)
		a.memCache = mc
		gw.ResponseCache = mc
		cacheReady = func() bool { return true }
		a.log.Info("redis not configured: falling back to in-process response cache, rate limiting disabled")
	}

	a.gw = gw
	a.hc = proxy.NewHealthChecker(ctx, a.factory.Adapters(), cacheReady, a.prom)
	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}

	return nil
}

// buildForwarders constructs the configured audit.Forwarder set (§4.7).
func (a *App) buildForwarders() ([]audit.Forwarder, error) {
	var forwarders []audit.Forwarder

	if a.cfg.Forwarders.Print.Enabled {
		var level slog.Level
		if err := level.UnmarshalText([]byte(a.cfg.Forwarders.Print.Level)); err != nil {
			level = slog.LevelInfo
		}
		forwarders = append(forwarders, &audit.StdoutForwarder{Log: a.log, Level: level})
	}

	for _, hc := range a.cfg.Forwarders.HTTP {
		if !hc.Enabled {
			continue
		}
		timeout := durationFromSeconds(hc.TimeoutSeconds)
		forwarders = append(forwarders, audit.NewHTTPForwarder(audit.HTTPForwarderConfig{
			URL: hc.URL, Headers: hc.Headers, Timeout: timeout, RetryCount: hc.RetryCount,
		}, nil))
	}

	if a.cfg.Forwarders.ClickHouse.Enabled {
		ch, err := audit.NewClickHouseForwarder(audit.ClickHouseForwarderConfig{
			DSN: a.cfg.Forwarders.ClickHouse.DSN, Table: a.cfg.Forwarders.ClickHouse.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("clickhouse forwarder: %w", err)
		}
		forwarders = append(forwarders, ch)
	}

	return forwarders, nil
}
