package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Config configures the AuditService (§6.3 `audit.*`).
type Config struct {
	DBEnabled        bool
	ExcludePaths     []string
	SensitiveHeaders []string
}

// DefaultExcludePaths matches §4.7's default exclusion set.
var DefaultExcludePaths = []string{"/health", "/metrics"}

// Service is the AuditService of §4.7: it owns the background flush loop,
// optional DB persistence, and the configured forwarder fan-out. Modeled
// directly on the teacher's internal/logger.Logger non-blocking design.
type Service struct {
	cfg        Config
	db         *gorm.DB // nil disables DB persistence regardless of cfg.DBEnabled
	forwarders []Forwarder
	log        *slog.Logger

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	// Metrics is optional; when set, dropped records are also counted
	// against provider_errors_total{provider="audit"}.
	Metrics *metrics.Registry
}

// New starts the background flush goroutine. Call Close to drain and stop.
func New(ctx context.Context, cfg Config, db *gorm.DB, forwarders []Forwarder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:        cfg,
		db:         db,
		forwarders: forwarders,
		log:        log,
		ch:         make(chan Record, channelBuffer),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// Excluded reports whether path should be skipped per §4.7's exclude_paths
// (falling back to DefaultExcludePaths when none are configured).
func (s *Service) Excluded(path string) bool {
	paths := s.cfg.ExcludePaths
	if len(paths) == 0 {
		paths = DefaultExcludePaths
	}
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with any key in cfg.SensitiveHeaders
// replaced by "[redacted]" (case-insensitive, §4.7).
func (s *Service) RedactHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	sensitive := make(map[string]struct{}, len(s.cfg.SensitiveHeaders))
	for _, h := range s.cfg.SensitiveHeaders {
		sensitive[strings.ToLower(h)] = struct{}{}
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if _, hit := sensitive[strings.ToLower(k)]; hit {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

// Submit enqueues r for persistence/forwarding. Non-blocking: when the
// channel is full the record is dropped and counted (§4.7 "audit failure
// never fails the request").
func (s *Service) Submit(r Record) {
	if s.Excluded(r.Path) {
		return
	}
	select {
	case s.ch <- r:
	default:
		atomic.AddInt64(&s.dropped, 1)
		if s.Metrics != nil {
			s.Metrics.RecordError("audit", "dropped")
		}
	}
}

// Dropped reports how many records were discarded due to backpressure.
func (s *Service) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the remaining buffer and stops the flush goroutine.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			s.persist(ctx, r)
			s.forward(ctx, r)
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-s.ch:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case r := <-s.ch:
					batch = append(batch, r)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Service) persist(ctx context.Context, r Record) {
	if !s.cfg.DBEnabled || s.db == nil {
		return
	}
	var metadata string
	if len(r.Metadata) > 0 {
		if b, err := json.Marshal(r.Metadata); err == nil {
			metadata = string(b)
		}
	}
	row := domain.AuditLog{
		Timestamp:  r.Timestamp,
		Method:     r.Method,
		Path:       r.Path,
		User:       r.User,
		AuthType:   r.AuthType,
		StatusCode: r.StatusCode,
		DurationMs: r.DurationMs,
		Metadata:   metadata,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.log.ErrorContext(ctx, "audit: persist failed", slog.String("error", err.Error()))
	}
}

func (s *Service) forward(ctx context.Context, r Record) {
	for _, f := range s.forwarders {
		if err := f.Forward(ctx, r); err != nil {
			s.log.WarnContext(ctx, "audit: forwarder failed",
				slog.String("forwarder", f.Name()), slog.String("error", err.Error()))
		}
	}
}
