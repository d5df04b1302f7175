// Package gemini implements the gemini provider adapter over the official
// Google GenAI SDK, targeting the Gemini Developer API backend.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/ygo74/openai-proxy/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini.
type Provider struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider. Returns nil if the SDK client cannot be built.
func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	p.httpClient = &http.Client{Timeout: providers.InferenceTimeout}
	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil
	}

	p.client = client
	return p
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
	contents, cfg := p.buildContentsAndConfig(req.Messages, req.Temperature, req.MaxTokens)

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
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
	contents, cfg := p.buildContentsAndConfig(req.Messages, req.Temperature, req.MaxTokens)

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.ChatCompletionChunk, 64)
	go func() {
		defer close(ch)
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
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

// Completion downgrades to ChatCompletion: Gemini has no legacy endpoint.
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

func (p *Provider) buildContentsAndConfig(messages []providers.Message, temperature *float64, maxTokens *int) ([]*genai.Content, *genai.GenerateContentConfig) {
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

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	if key == p.apiKey {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: key, Backend: genai.BackendGeminiAPI, HTTPClient: p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
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

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Message: apiErr.Message, Type: apiErr.Status}
	}
	return err
}
