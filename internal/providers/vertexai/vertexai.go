// Package vertexai implements the providers.Provider interface for Google Vertex AI.
// It uses the same google.golang.org/genai SDK as the Gemini provider but
// connects to Vertex AI using Application Default Credentials instead of an API key.
//
// Required configuration:
//   - VERTEX_PROJECT  — Google Cloud project ID
//   - VERTEX_LOCATION — region, e.g. "us-central1" (default)
//
// Authentication is handled via ADC:
//   - GOOGLE_APPLICATION_CREDENTIALS pointing to a service account key file, or
//   - Workload Identity / GCE metadata server when running on GCP.
package vertexai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ygo74/openai-proxy/internal/providers"
)

const (
	defaultLocation = "us-central1"
	providerName    = "vertexai"
)

// Provider implements providers.Provider for Google Vertex AI.
type Provider struct {
	project  string
	location string
	client   *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithLocation overrides the default Vertex AI region.
func WithLocation(loc string) Option {
	return func(p *Provider) { p.location = loc }
}

// New creates a new Vertex AI Provider. Auth is resolved via Application
// Default Credentials — no API key needed.
func New(ctx context.Context, project string, opts ...Option) (*Provider, error) {
	p := &Provider{project: project, location: defaultLocation}
	for _, o := range opts {
		o(p)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project: p.project, Location: p.location, Backend: genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: create client: %w", err)
	}

	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return providerName }
func (p *Provider) Close() error { return nil }

func (p *Provider) ListDeployments(ctx context.Context) ([]providers.DeploymentInfo, error) {
	return nil, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	page, err := p.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, toProviderError(err)
	}
	out := make([]providers.ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, providers.ModelInfo{ID: m.Name})
	}
	return out, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (*providers.ChatCompletionResponse, error) {
	contents, cfg := buildContentsAndConfig(req.Messages, req.Temperature, req.MaxTokens)

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" && resp != nil {
		id = resp.ResponseID
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.ChatCompletionResponse{
		ID: id, Object: "chat.completion", Model: req.Model,
		Choices: []providers.Choice{{Index: 0, Message: providers.Message{Role: "assistant", Content: text}, FinishReason: "stop"}},
		Usage:   providers.Usage{PromptTokens: inTok, CompletionTokens: outTok, TotalTokens: inTok + outTok},
	}, nil
}

func (p *Provider) StreamChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (<-chan providers.ChatCompletionChunk, error) {
	contents, cfg := buildContentsAndConfig(req.Messages, req.Temperature, req.MaxTokens)

	ch := make(chan providers.ChatCompletionChunk, 64)
	go func() {
		defer close(ch)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				ch <- providers.ChatCompletionChunk{Object: "chat.completion.chunk", Error: &providers.StreamError{Message: err.Error(), Type: "stream_error"}}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			text := firstCandidateText(c)
			finish := string(c.FinishReason)
			if text != "" || finish != "" {
				ch <- providers.ChatCompletionChunk{
					Object: "chat.completion.chunk", Model: req.Model,
					Choices: []providers.ChunkChoice{{Delta: providers.Message{Role: "assistant", Content: text}, FinishReason: finish}},
				}
			}
		}
	}()

	return ch, nil
}

// Completion downgrades to ChatCompletion: Vertex AI generative models have
// no legacy text-completion endpoint.
func (p *Provider) Completion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	prompt := strings.Join(req.Prompt, "\n")
	resp, err := p.ChatCompletion(ctx, &providers.ChatCompletionRequest{
		Model: req.Model, Messages: []providers.Message{{Role: "user", Content: prompt}},
		Temperature: req.Temperature, MaxTokens: req.MaxTokens, RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}
	out := &providers.CompletionResponse{ID: resp.ID, Object: "text_completion", Model: resp.Model, Usage: resp.Usage}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.CompletionChoice{Index: c.Index, Text: c.Message.Content, FinishReason: c.FinishReason})
	}
	return out, nil
}

func buildContentsAndConfig(messages []providers.Message, temperature *float64, maxTokens *int) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || temperature != nil || maxTokens != nil {
		cfg = &genai.GenerateContentConfig{}
	}
	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if cfg != nil && temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*temperature))
	}
	if cfg != nil && maxTokens != nil {
		cfg.MaxOutputTokens = int32(*maxTokens)
	}

	return contents, cfg
}

func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ProviderError wraps a Vertex AI API error.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("vertexai: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}
