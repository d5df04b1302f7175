// Package anthropic implements the anthropic provider adapter against the
// official Anthropic Go SDK. Anthropic has no legacy /completions endpoint,
// so Completion always downgrades to ChatCompletion (§4.3.4 enrichment adapters).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ygo74/openai-proxy/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	httpClient := &http.Client{Timeout: providers.InferenceTimeout}
	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
	)
	return p
}

func (p *Provider) Name() string { return providerName }
func (p *Provider) Close() error { return nil }

func (p *Provider) ListDeployments(ctx context.Context) ([]providers.DeploymentInfo, error) {
	return nil, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	opts, err := p.requestOptions("")
	if err != nil {
		return nil, err
	}
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{}, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}
	out := make([]providers.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.ModelInfo{ID: m.ID, Created: m.CreatedAt.Unix()})
	}
	return out, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (*providers.ChatCompletionResponse, error) {
	params := p.buildParams(req)
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}
	return toChatCompletionResponse(req.Model, msg), nil
}

func (p *Provider) StreamChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (<-chan providers.ChatCompletionChunk, error) {
	params := p.buildParams(req)
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.ChatCompletionChunk, 64)
	stream := p.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			ev := stream.Current()
			if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					ch <- providers.ChatCompletionChunk{
						Object: "chat.completion.chunk", Model: req.Model,
						Choices: []providers.ChunkChoice{{Delta: providers.Message{Role: "assistant", Content: text.Text}}},
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.ChatCompletionChunk{Object: "chat.completion.chunk", Error: &providers.StreamError{Message: err.Error(), Type: "stream_error"}}
		}
	}()

	return ch, nil
}

// Completion downgrades to ChatCompletion: Anthropic has no legacy endpoint.
func (p *Provider) Completion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	prompt := strings.Join(req.Prompt, "\n")
	resp, err := p.ChatCompletion(ctx, &providers.ChatCompletionRequest{
		Model: req.Model, Messages: []providers.Message{{Role: "user", Content: prompt}},
		Temperature: req.Temperature, MaxTokens: req.MaxTokens, APIKey: req.APIKey, RequestID: req.RequestID,
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

func (p *Provider) buildParams(req *providers.ChatCompletionRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role:    anthRole,
		Content: []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: content}}},
	}
}

func toChatCompletionResponse(model string, msg *anthropic.Message) *providers.ChatCompletionResponse {
	var sb strings.Builder
	for _, b := range msg.Content {
		if text, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return &providers.ChatCompletionResponse{
		ID: msg.ID, Object: "chat.completion", Model: model,
		Choices: []providers.Choice{{Index: 0, Message: providers.Message{Role: "assistant", Content: sb.String()}, FinishReason: string(msg.StopReason)}},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{StatusCode: sdkErr.StatusCode, Message: sdkErr.Error(), Type: "anthropic_error"}
	}
	return err
}
