// Package openaicompat provides a generic OpenAI-wire-compatible provider
// adapter built on the official OpenAI Go SDK pointed at an arbitrary base
// URL. It backs the OpenAI-native adapter (internal/providers/openai) and
// any other OpenAI-shaped vendor (xAI, Groq, DeepSeek, Together, Cerebras,
// Cohere's OpenAI-compatible surface, ...).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ygo74/openai-proxy/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider is a configurable OpenAI-wire-compatible LLM provider.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.openai.com/v1".
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{name: name, apiKey: apiKey, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.InferenceTimeout}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Close() error { return nil }

func (p *Provider) ListDeployments(ctx context.Context) ([]providers.DeploymentInfo, error) {
	return nil, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	opts, err := p.requestOptions("")
	if err != nil {
		return nil, err
	}
	page, err := p.client.Models.List(ctx, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}
	out := make([]providers.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, providers.ModelInfo{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (*providers.ChatCompletionResponse, error) {
	params := buildChatParams(req)
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}
	return toChatCompletionResponse(resp), nil
}

func (p *Provider) StreamChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (<-chan providers.ChatCompletionChunk, error) {
	params := buildChatParams(req)
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.ChatCompletionChunk, 64)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)
		for stream.Next() {
			chunk := stream.Current()
			out := providers.ChatCompletionChunk{ID: chunk.ID, Object: "chat.completion.chunk", Model: chunk.Model}
			for _, c := range chunk.Choices {
				role := c.Delta.Role
				if role == "" {
					role = "assistant"
				}
				out.Choices = append(out.Choices, providers.ChunkChoice{
					Index:        int(c.Index),
					Delta:        providers.Message{Role: role, Content: c.Delta.Content},
					FinishReason: c.FinishReason,
				})
			}
			ch <- out
		}
		if err := stream.Err(); err != nil {
			ch <- providers.ChatCompletionChunk{
				Object: "chat.completion.chunk",
				Error:  &providers.StreamError{Message: err.Error(), Type: "stream_error"},
			}
		}
	}()

	return ch, nil
}

// Completion is implemented as a chat downgrade: the prompt becomes a single
// user-role message, and the chat response's first-choice content is rewritten
// back into a text_completion shape. Every chat-wire-compatible vendor in this
// family speaks the legacy /completions endpoint inconsistently, so routing
// uniformly through chat_completion keeps behavior predictable.
func (p *Provider) Completion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	prompt := strings.Join(req.Prompt, "\n")
	chatReq := &providers.ChatCompletionRequest{
		Model:            req.Model,
		Messages:         []providers.Message{{Role: "user", Content: prompt}},
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		N:                req.N,
		MaxTokens:        req.MaxTokens,
		Stop:             req.Stop,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		APIKey:           req.APIKey,
		RequestID:        req.RequestID,
	}
	resp, err := p.ChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	out := &providers.CompletionResponse{
		ID:        resp.ID,
		Object:    "text_completion",
		Model:     resp.Model,
		Usage:     resp.Usage,
		LatencyMs: resp.LatencyMs,
		Timestamp: resp.Timestamp,
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.CompletionChoice{Index: c.Index, Text: c.Message.Content, FinishReason: c.FinishReason})
	}
	return out, nil
}

func buildChatParams(req *providers.ChatCompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}
	params := openaiSDK.ChatCompletionNewParams{Messages: msgs, Model: req.Model}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	if req.N != nil {
		params.N = openaiSDK.Int(int64(*req.N))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	return params
}

func toChatCompletionResponse(resp *openaiSDK.ChatCompletion) *providers.ChatCompletionResponse {
	out := &providers.ChatCompletionResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.Choice{
			Index:        int(c.Index),
			Message:      providers.Message{Role: string(c.Message.Role), Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return out
}

// ProviderError is a structured error returned by an OpenAI-wire-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{Name: p.name, StatusCode: sdkErr.StatusCode, Message: sdkErr.Error()}
	}
	return err
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
