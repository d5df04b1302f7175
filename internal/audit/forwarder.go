package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/ygo74/openai-proxy/internal/retry"
)

// Forwarder fans one Record out to an external sink. Forwarder errors are
// logged, never propagated — audit failure must never fail the request
// (§4.7).
type Forwarder interface {
	Forward(ctx context.Context, r Record) error
	Name() string
}

// StdoutForwarder logs each record through slog at a configured level.
type StdoutForwarder struct {
	Log   *slog.Logger
	Level slog.Level
}

func (f *StdoutForwarder) Name() string { return "stdout" }

func (f *StdoutForwarder) Forward(ctx context.Context, r Record) error {
	f.Log.Log(ctx, f.Level, "audit",
		slog.Time("timestamp", r.Timestamp),
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.String("user", r.User),
		slog.String("auth_type", r.AuthType),
		slog.Int("status_code", r.StatusCode),
		slog.Int64("duration_ms", r.DurationMs),
	)
	return nil
}

// HTTPForwarderConfig configures one outbound audit sink (§4.7).
type HTTPForwarderConfig struct {
	URL        string
	Headers    map[string]string
	Timeout    time.Duration
	RetryCount int
}

// HTTPForwarder POSTs each record as JSON to a configured endpoint, retrying
// transient failures up to RetryCount times via internal/retry.
type HTTPForwarder struct {
	cfg    HTTPForwarderConfig
	client *http.Client
}

func NewHTTPForwarder(cfg HTTPForwarderConfig, client *http.Client) *HTTPForwarder {
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPForwarder{cfg: cfg, client: client}
}

func (f *HTTPForwarder) Name() string { return "http:" + f.cfg.URL }

func (f *HTTPForwarder) Forward(ctx context.Context, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts:       maxInt(f.cfg.RetryCount, 0) + 1,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
		Strategy:          retry.StrategyExponential,
	}

	_, err = retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range f.cfg.Headers {
			req.Header.Set(k, v)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("audit: forwarder %s returned status %d", f.cfg.URL, resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ClickHouseForwarderConfig configures the optional ClickHouse sink (§4.7,
// DOMAIN STACK: a home for the teacher's otherwise-unused clickhouse-go/v2
// dependency, repurposed for high-volume audit analytics).
type ClickHouseForwarderConfig struct {
	DSN   string
	Table string
}

// ClickHouseForwarder batches nothing itself (Service already batches);
// each Forward call inserts a single row, relying on ClickHouse's own
// buffer/async_insert settings for high-volume throughput in production.
type ClickHouseForwarder struct {
	conn  clickhouse.Conn
	table string
}

func NewClickHouseForwarder(cfg ClickHouseForwarderConfig) (*ClickHouseForwarder, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.DSN},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "audit_logs"
	}
	return &ClickHouseForwarder{conn: conn, table: table}, nil
}

func (f *ClickHouseForwarder) Name() string { return "clickhouse" }

func (f *ClickHouseForwarder) Forward(ctx context.Context, r Record) error {
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (timestamp, method, path, user, auth_type, status_code, duration_ms, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		f.table,
	)
	return f.conn.Exec(ctx, query, r.Timestamp, r.Method, r.Path, r.User, r.AuthType, r.StatusCode, r.DurationMs, string(metadata))
}

func (f *ClickHouseForwarder) Close() error {
	return f.conn.Close()
}
