// Package retry implements the policy-driven retry wrapper of §4.2:
// exponential backoff with jitter, a retryable/terminal error classifier,
// and a pluggable strategy. It decorates any context-aware callable —
// provider adapter calls and the Keycloak JWKS fetch both use it.
//
// Generalized from the teacher's isRetryable/classifyError pair
// (internal/proxy/failover.go), which walked a failover candidate list; this
// package keeps the same classification rules but retries the SAME call
// instead of switching providers, per §4.2's "decorates an async callable".
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ygo74/openai-proxy/internal/providers"
)

// Strategy selects the delay progression between attempts.
type Strategy int

const (
	StrategyExponential Strategy = iota
	StrategyFixed
	StrategyRandomJitter
)

// Policy configures a retry decorator (§4.2).
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	Strategy          Strategy
}

// DefaultLLMPolicy is the default profile for LLM calls (§4.2): 4 attempts,
// 2s base, 120s cap, exponential with jitter.
var DefaultLLMPolicy = Policy{
	MaxAttempts:       4,
	BaseDelay:         2 * time.Second,
	MaxDelay:          120 * time.Second,
	BackoffMultiplier: 2,
	Jitter:            true,
	Strategy:          StrategyExponential,
}

// KeycloakPolicy is used for Keycloak public-key fetches (§4.4): 5 attempts,
// 0.5s base, 8s cap.
var KeycloakPolicy = Policy{
	MaxAttempts:       5,
	BaseDelay:         500 * time.Millisecond,
	MaxDelay:          8 * time.Second,
	BackoffMultiplier: 2,
	Jitter:            true,
	Strategy:          StrategyExponential,
}

// retryableStatuses are the HTTP status codes eligible for retry (§4.2).
var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true, 507: true, 509: true,
	520: true, 521: true, 522: true, 523: true, 524: true,
}

// Retryable reports whether err belongs to one of the retryable classes of
// §4.2: network timeouts, connect/read/write/pool errors, generic connection
// errors, or a retryable HTTP status. All other errors — including 4xx other
// than 429 — are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return retryableStatuses[sc.HTTPStatus()]
	}
	// Unclassified errors (DNS failures, connection refused, etc. wrapped in
	// *net.OpError or similar) are treated as retryable — conservative default
	// matching the teacher's isRetryable fallback.
	return true
}

// Classify converts err into a short category label for logs/metrics.
func Classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

// Do runs fn, retrying per policy while the returned error is Retryable.
// When every attempt fails the last error is returned unchanged — no
// wrapping (§4.2). Respects ctx cancellation between attempts: a cancelled
// or expired ctx aborts immediately with no further retries (§5).
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.delayFor(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !Retryable(err) {
			return zero, err
		}
	}

	return zero, lastErr
}

func (p Policy) delayFor(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case StrategyFixed:
		d = p.BaseDelay
	case StrategyRandomJitter:
		d = time.Duration(rand.Int63n(int64(p.BaseDelay) + 1))
	default: // StrategyExponential
		mult := p.BackoffMultiplier
		if mult <= 0 {
			mult = 2
		}
		d = p.BaseDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * mult)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d
}
