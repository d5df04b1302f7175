// Package unique implements the vendor-specific "Unique" provider adapter
// (§4.3.3). It speaks a simplified REST surface modeled on the vendor's
// documented chat contract: synthetic per-call message ids, word-count-based
// token estimation when the vendor omits usage, and a chat downgrade for the
// legacy completions endpoint.
package unique

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ygo74/openai-proxy/internal/providers"
)

const providerName = "unique"

// Config carries the vendor-specific identifiers required by every call.
type Config struct {
	AppID     string
	CompanyID string
	UserID    string // optional
}

// Provider implements providers.Provider for the Unique vendor API.
type Provider struct {
	baseURL string
	apiKey  string
	cfg     Config
	client  *http.Client
	seq     uint64
}

// New creates the Unique adapter.
func New(baseURL, apiKey string, cfg Config, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: providers.InferenceTimeout}
	}
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, cfg: cfg, client: httpClient}
}

func (p *Provider) Name() string { return providerName }
func (p *Provider) Close() error { return nil }

// ListDeployments is not a vendor concept for Unique.
func (p *Provider) ListDeployments(ctx context.Context) ([]providers.DeploymentInfo, error) { return nil, nil }

func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	var body struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := p.doJSON(ctx, http.MethodGet, "/v1/models", nil, &body); err != nil {
		return nil, err
	}
	out := make([]providers.ModelInfo, 0, len(body.Models))
	for _, m := range body.Models {
		out = append(out, providers.ModelInfo{ID: m.ID})
	}
	return out, nil
}

type vendorMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type vendorChatRequest struct {
	AppID     string          `json:"appId"`
	CompanyID string          `json:"companyId"`
	UserID    string          `json:"userId,omitempty"`
	Model     string          `json:"model"`
	Messages  []vendorMessage `json:"messages"`
	MessageID string          `json:"messageId"`
}

type vendorChatResponse struct {
	ID       string         `json:"id"`
	Messages []vendorMessage `json:"messages"`
	Usage    *vendorUsage   `json:"usage,omitempty"`
}

type vendorUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// nextMessageID generates a synthetic chat/user/assistant message id, as the
// vendor contract requires one per streamed call.
func (p *Provider) nextMessageID() string {
	n := atomic.AddUint64(&p.seq, 1)
	return "msg_" + uuid.New().String() + "_" + strconv.FormatUint(n, 10)
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (*providers.ChatCompletionResponse, error) {
	vreq := p.toVendorRequest(req)
	var vresp vendorChatResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v1/chat", vreq, &vresp); err != nil {
		return nil, err
	}
	return p.toChatCompletionResponse(req, &vresp), nil
}

func (p *Provider) StreamChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (<-chan providers.ChatCompletionChunk, error) {
	// The vendor's streaming contract is line-delimited JSON messages mirroring
	// the non-streaming shape; emulate it as a single synthetic chunk followed
	// by completion, since the vendor SDK surface does not expose partial deltas
	// distinct from the final message for this simplified integration.
	resp, err := p.ChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan providers.ChatCompletionChunk, 2)
	go func() {
		defer close(ch)
		for _, c := range resp.Choices {
			ch <- providers.ChatCompletionChunk{
				ID: resp.ID, Object: "chat.completion.chunk", Model: resp.Model,
				Choices: []providers.ChunkChoice{{Index: c.Index, Delta: c.Message, FinishReason: c.FinishReason}},
			}
		}
	}()
	return ch, nil
}

// Completion downgrades to ChatCompletion analogous to Azure (§4.3.3).
func (p *Provider) Completion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	prompt := strings.Join(req.Prompt, "\n")
	chatResp, err := p.ChatCompletion(ctx, &providers.ChatCompletionRequest{
		Model: req.Model, Messages: []providers.Message{{Role: "user", Content: prompt}}, APIKey: req.APIKey, RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}
	out := &providers.CompletionResponse{ID: chatResp.ID, Object: "text_completion", Model: chatResp.Model, Usage: chatResp.Usage}
	for _, c := range chatResp.Choices {
		out.Choices = append(out.Choices, providers.CompletionChoice{Index: c.Index, Text: c.Message.Content, FinishReason: c.FinishReason})
	}
	return out, nil
}

func (p *Provider) toVendorRequest(req *providers.ChatCompletionRequest) vendorChatRequest {
	msgs := make([]vendorMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, vendorMessage{ID: p.nextMessageID(), Role: m.Role, Content: m.Content})
	}
	return vendorChatRequest{
		AppID: p.cfg.AppID, CompanyID: p.cfg.CompanyID, UserID: p.cfg.UserID,
		Model: req.Model, Messages: msgs, MessageID: p.nextMessageID(),
	}
}

// estimateTokens approximates usage from word count * 1.3 when the vendor
// omits usage data (§4.3.3).
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(float64(words) * 1.3)
}

func (p *Provider) toChatCompletionResponse(req *providers.ChatCompletionRequest, vresp *vendorChatResponse) *providers.ChatCompletionResponse {
	out := &providers.ChatCompletionResponse{ID: vresp.ID, Object: "chat.completion", Model: req.Model}

	var promptWords, completionWords strings.Builder
	for _, m := range req.Messages {
		promptWords.WriteString(m.Content)
		promptWords.WriteString(" ")
	}

	for i, m := range vresp.Messages {
		out.Choices = append(out.Choices, providers.Choice{Index: i, Message: providers.Message{Role: m.Role, Content: m.Content}, FinishReason: "stop"})
		completionWords.WriteString(m.Content)
		completionWords.WriteString(" ")
	}

	if vresp.Usage != nil {
		out.Usage = providers.Usage{
			PromptTokens:     vresp.Usage.PromptTokens,
			CompletionTokens: vresp.Usage.CompletionTokens,
			TotalTokens:      vresp.Usage.PromptTokens + vresp.Usage.CompletionTokens,
		}
	} else {
		pt := estimateTokens(promptWords.String())
		ct := estimateTokens(completionWords.String())
		out.Usage = providers.Usage{PromptTokens: pt, CompletionTokens: ct, TotalTokens: pt + ct}
	}
	return out
}

func (p *Provider) doJSON(ctx context.Context, method, path string, body any, out any) error {
	key := p.apiKey
	if key == "" {
		return fmt.Errorf("unique: no API key configured")
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("unique: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("unique: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("unique: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		msg := errBody.Message
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unique: decode response: %w", err)
	}
	return nil
}

// ProviderError is a structured error returned by the Unique API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string      { return fmt.Sprintf("unique: %s (status=%d)", e.Message, e.StatusCode) }
func (e *ProviderError) HTTPStatus() int    { return e.StatusCode }
