package orchestrator

import (
	"context"
	"time"

	"github.com/ygo74/openai-proxy/internal/catalog"
	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/providers"
	"github.com/ygo74/openai-proxy/internal/retry"
	"github.com/ygo74/openai-proxy/internal/usage"
	"github.com/ygo74/openai-proxy/pkg/apierr"
)

// UsageRecorder is the subset of *usage.Ledger the orchestrator needs, kept
// as an interface for testability.
type UsageRecorder interface {
	Record(ctx context.Context, u domain.TokenUsage) error
}

var _ UsageRecorder = (*usage.Ledger)(nil)

// Service is the Chat/Completion Orchestrator of §4.6.
type Service struct {
	catalog  *catalog.Service
	factory  *AdapterFactory
	usage    UsageRecorder
	policy   retry.Policy
	timeNow  func() time.Time
}

// New builds the orchestrator over its collaborators.
func New(cat *catalog.Service, factory *AdapterFactory, usage UsageRecorder) *Service {
	return &Service{catalog: cat, factory: factory, usage: usage, policy: retry.DefaultLLMPolicy, timeNow: time.Now}
}

// resolved bundles the outcome of steps 1-4 shared by every orchestrator
// entry point.
type resolved struct {
	model   *domain.Model
	adapter providers.Provider
}

// resolve implements §4.6 steps 1-4: model lookup (technical name, falling
// back to display name), APPROVED + access checks, and adapter acquisition.
func (s *Service) resolve(ctx context.Context, requestedModel string, principal catalog.Principal) (resolved, error) {
	m, err := s.catalog.GetByTechnicalName(ctx, requestedModel)
	if err != nil {
		m, err = s.catalog.GetByDisplayName(ctx, requestedModel)
		if err != nil {
			return resolved{}, apierr.NotFound("model %q not found", requestedModel)
		}
	}

	if m.Status != domain.StatusApproved {
		return resolved{}, apierr.Validation("model %q is not approved for use", m.TechnicalName)
	}

	allowed, err := s.catalog.CanAccess(ctx, principal, m)
	if err != nil {
		return resolved{}, err
	}
	if !allowed {
		return resolved{}, apierr.Authorization("principal is not authorized to use model %q", m.TechnicalName)
	}

	adapter, err := s.factory.Get(m)
	if err != nil {
		return resolved{}, err
	}

	return resolved{model: m, adapter: adapter}, nil
}

// ChatCompletion implements §4.6 for POST /v1/chat/completions (non-streaming).
func (s *Service) ChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest, username string, principal catalog.Principal) (*providers.ChatCompletionResponse, error) {
	r, err := s.resolve(ctx, req.Model, principal)
	if err != nil {
		return nil, err
	}
	req.Model = r.model.TechnicalName

	start := s.timeNow()
	resp, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*providers.ChatCompletionResponse, error) {
		return r.adapter.ChatCompletion(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	resp.LatencyMs = s.timeNow().Sub(start).Milliseconds()
	resp.Timestamp = s.timeNow()

	tu := domain.NewTokenUsage(username, r.model.TechnicalName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, "/v1/chat/completions", req.RequestID, resp.Timestamp)
	if err := s.usage.Record(ctx, tu); err != nil {
		return resp, nil // usage-write failure never fails an otherwise-successful response
	}
	return resp, nil
}

// Completion implements §4.6 for POST /v1/completions.
func (s *Service) Completion(ctx context.Context, req *providers.CompletionRequest, username string, principal catalog.Principal) (*providers.CompletionResponse, error) {
	r, err := s.resolve(ctx, req.Model, principal)
	if err != nil {
		return nil, err
	}
	req.Model = r.model.TechnicalName

	start := s.timeNow()
	resp, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*providers.CompletionResponse, error) {
		return r.adapter.Completion(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	resp.LatencyMs = s.timeNow().Sub(start).Milliseconds()
	resp.Timestamp = s.timeNow()

	tu := domain.NewTokenUsage(username, r.model.TechnicalName, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, "/v1/completions", req.RequestID, resp.Timestamp)
	if err := s.usage.Record(ctx, tu); err != nil {
		return resp, nil
	}
	return resp, nil
}

// StreamChatCompletion implements §4.6's streaming variant: it resolves and
// checks access synchronously, then hands back the adapter's lazy chunk
// channel for the ingress layer to reframe as SSE. Token accounting for
// streamed calls is accumulated by the caller from the final chunk's usage
// where the adapter reports one; most adapters do not carry usage on stream
// chunks, so the orchestrator itself cannot record a TokenUsage row here —
// the SSE layer calls RecordStreamUsage once the stream completes.
func (s *Service) StreamChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest, principal catalog.Principal) (<-chan providers.ChatCompletionChunk, *domain.Model, error) {
	r, err := s.resolve(ctx, req.Model, principal)
	if err != nil {
		return nil, nil, err
	}
	req.Model = r.model.TechnicalName

	ch, err := r.adapter.StreamChatCompletion(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return ch, r.model, nil
}

// RecordStreamUsage writes the TokenUsage row for a completed streaming call
// (§4.6 step 6, applied after the SSE loop finishes rather than per-chunk).
func (s *Service) RecordStreamUsage(ctx context.Context, username, technicalName, requestID string, promptTokens, completionTokens int) {
	tu := domain.NewTokenUsage(username, technicalName, promptTokens, completionTokens, "/v1/chat/completions", requestID, s.timeNow())
	_ = s.usage.Record(ctx, tu) // best-effort: never block stream teardown on ledger failure
}
