// Package azure implements the Azure-OpenAI provider adapter (§4.3.2).
// Azure OpenAI uses deployment-based URLs and the "api-key" header instead of
// the standard "Authorization: Bearer" scheme. The deployment name is the
// catalog Model's technical_name.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ygo74/openai-proxy/internal/providers"
	"golang.org/x/oauth2/clientcredentials"
)

const providerName = "azure"

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Messages         []wireMessage      `json:"messages,omitempty"`
	Prompt           string             `json:"prompt,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	MaxTokens        *int               `json:"max_tokens"`
	Stop             []string           `json:"stop,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
	Error   *wireErr     `json:"error,omitempty"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Text         string       `json:"text,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ManagementConfig carries the Azure AD client-credentials + subscription
// details needed to list deployments via the Management API (§4.3.2).
type ManagementConfig struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	ResourceGroup  string
	ResourceName   string
}

func (c *ManagementConfig) configured() bool {
	return c != nil && c.TenantID != "" && c.ClientID != "" && c.ClientSecret != "" &&
		c.SubscriptionID != "" && c.ResourceGroup != "" && c.ResourceName != ""
}

// Provider implements providers.Provider for Azure OpenAI.
type Provider struct {
	endpoint   string // e.g. "https://myresource.openai.azure.com"
	apiKey     string
	apiVersion string
	client     *http.Client
	mgmt       *ManagementConfig
	tokenSrc   *clientcredentials.Config

	mu        sync.Mutex
	cachedTok string
	tokExpiry time.Time
}

// New creates the Azure OpenAI adapter. mgmt may be nil when the Management
// API is not configured for this model; ListDeployments then falls back to
// the public /openai/models endpoint.
func New(endpoint, apiKey, apiVersion string, mgmt *ManagementConfig, httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: providers.InferenceTimeout}
	}
	p := &Provider{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		client:     httpClient,
		mgmt:       mgmt,
	}
	if mgmt.configured() {
		p.tokenSrc = &clientcredentials.Config{
			ClientID:     mgmt.ClientID,
			ClientSecret: mgmt.ClientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", mgmt.TenantID),
			Scopes:       []string{"https://management.azure.com/.default"},
		}
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Close() error { return nil }

func (p *Provider) deploymentURL(deployment, endpoint string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s", p.endpoint, deployment, endpoint, p.apiVersion)
}

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (*providers.ChatCompletionResponse, error) {
	wr := clampChat(req)
	resp, err := p.doJSON(ctx, p.deploymentURL(req.Model, "chat/completions"), wr, req.APIKey, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var cr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	out := &providers.ChatCompletionResponse{ID: cr.ID, Object: "chat.completion", Model: req.Model,
		Usage: providers.Usage{PromptTokens: cr.Usage.PromptTokens, CompletionTokens: cr.Usage.CompletionTokens, TotalTokens: cr.Usage.TotalTokens}}
	for _, c := range cr.Choices {
		msg := providers.Message{Role: "assistant"}
		if c.Message != nil {
			msg = providers.Message{Role: c.Message.Role, Content: c.Message.Content}
		}
		out.Choices = append(out.Choices, providers.Choice{Index: c.Index, Message: msg, FinishReason: c.FinishReason})
	}
	return out, nil
}

func (p *Provider) StreamChatCompletion(ctx context.Context, req *providers.ChatCompletionRequest) (<-chan providers.ChatCompletionChunk, error) {
	wr := clampChat(req)
	wr.Stream = true
	resp, err := p.doJSON(ctx, p.deploymentURL(req.Model, "chat/completions"), wr, req.APIKey, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.ChatCompletionChunk, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}
			var cr wireResponse
			if json.Unmarshal([]byte(data), &cr) != nil {
				continue
			}
			out := providers.ChatCompletionChunk{ID: cr.ID, Object: "chat.completion.chunk", Model: req.Model}
			for _, c := range cr.Choices {
				role := "assistant"
				content := ""
				if c.Delta != nil {
					if c.Delta.Role != "" {
						role = c.Delta.Role
					}
					content = c.Delta.Content
				}
				out.Choices = append(out.Choices, providers.ChunkChoice{Index: c.Index, Delta: providers.Message{Role: role, Content: content}, FinishReason: c.FinishReason})
			}
			ch <- out
		}
		if err := scanner.Err(); err != nil {
			ch <- providers.ChatCompletionChunk{Object: "chat.completion.chunk", Error: &providers.StreamError{Message: err.Error(), Type: "stream_error"}}
		}
	}()
	return ch, nil
}

// Completion downgrades to ChatCompletion when the deployment is a chat-only
// family (§4.3.2 Endpoint downgrade), otherwise calls the legacy endpoint directly.
func (p *Provider) Completion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if providers.IsChatOnlyFamily(req.Model) {
		return p.downgradeCompletion(ctx, req)
	}

	wr := clampCompletion(req)
	resp, err := p.doJSON(ctx, p.deploymentURL(req.Model, "completions"), wr, req.APIKey, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var cr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}
	out := &providers.CompletionResponse{ID: cr.ID, Object: "text_completion", Model: req.Model,
		Usage: providers.Usage{PromptTokens: cr.Usage.PromptTokens, CompletionTokens: cr.Usage.CompletionTokens, TotalTokens: cr.Usage.TotalTokens}}
	for _, c := range cr.Choices {
		out.Choices = append(out.Choices, providers.CompletionChoice{Index: c.Index, Text: c.Text, FinishReason: c.FinishReason})
	}
	return out, nil
}

func (p *Provider) downgradeCompletion(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	prompt := strings.Join(req.Prompt, "\n")
	chatReq := &providers.ChatCompletionRequest{
		Model: req.Model, Messages: []providers.Message{{Role: "user", Content: prompt}},
		Temperature: req.Temperature, TopP: req.TopP, N: req.N, MaxTokens: req.MaxTokens,
		Stop: req.Stop, PresencePenalty: req.PresencePenalty, FrequencyPenalty: req.FrequencyPenalty,
		APIKey: req.APIKey, RequestID: req.RequestID,
	}
	resp, err := p.ChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	out := &providers.CompletionResponse{ID: resp.ID, Object: "text_completion", Model: resp.Model, Usage: resp.Usage}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, providers.CompletionChoice{Index: c.Index, Text: c.Message.Content, FinishReason: c.FinishReason})
	}
	return out, nil
}

// clampChat applies the Azure payload adjustments of §4.3.2 to a chat request.
func clampChat(req *providers.ChatCompletionRequest) wireRequest {
	wr := wireRequest{}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	applyCommonClamps(&wr, req.Temperature, req.TopP, req.N, req.MaxTokens, req.Stop, req.PresencePenalty, req.FrequencyPenalty)
	return wr
}

// clampCompletion applies the Azure payload adjustments of §4.3.2, including
// coercing a prompt array to a newline-joined string and stripping
// Azure-unsupported completions fields (best_of, suffix, echo, logit_bias).
func clampCompletion(req *providers.CompletionRequest) wireRequest {
	wr := wireRequest{Prompt: strings.Join(req.Prompt, "\n")}
	applyCommonClamps(&wr, req.Temperature, req.TopP, req.N, req.MaxTokens, req.Stop, req.PresencePenalty, req.FrequencyPenalty)
	// best_of, suffix, echo, logit_bias are intentionally dropped: Azure does
	// not support them on the completions endpoint.
	return wr
}

func applyCommonClamps(wr *wireRequest, temperature, topP *float64, n, maxTokens *int, stop []string, presence, frequency *float64) {
	if temperature != nil {
		t := clampF(*temperature, 0, 2)
		wr.Temperature = &t
	}
	if topP != nil {
		t := clampF(*topP, 0, 1)
		wr.TopP = &t
	}
	if n != nil {
		v := clampI(*n, 1, 128)
		wr.N = &v
	}
	if presence != nil {
		v := clampF(*presence, -2, 2)
		wr.PresencePenalty = &v
	}
	if frequency != nil {
		v := clampF(*frequency, -2, 2)
		wr.FrequencyPenalty = &v
	}
	if len(stop) > 4 {
		stop = stop[:4]
	}
	wr.Stop = stop

	mt := 1000
	if maxTokens != nil {
		mt = *maxTokens
	}
	wr.MaxTokens = &mt
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *Provider) doJSON(ctx context.Context, url string, wr wireRequest, apiKeyOverride string, streaming bool) (*http.Response, error) {
	key := p.apiKey
	if apiKeyOverride != "" {
		key = apiKeyOverride
	}
	if key == "" {
		return nil, fmt.Errorf("azure: no API key configured")
	}
	body, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("azure: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", key)
	httpReq.Header.Set("Content-Type", "application/json")
	if streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}
	return resp, nil
}

// ListModels lists base models published on the resource's public endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	url := fmt.Sprintf("%s/openai/models?api-version=%s", p.endpoint, p.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	req.Header.Set("api-key", p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}
	var body struct {
		Data []struct {
			ID      string `json:"id"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("azure: decode models: %w", err)
	}
	out := make([]providers.ModelInfo, 0, len(body.Data))
	for _, m := range body.Data {
		out = append(out, providers.ModelInfo{ID: m.ID, Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

// managementDeployment mirrors the Azure Management API's deployment entry shape.
type managementDeployment struct {
	Name       string `json:"name"`
	Properties struct {
		Model struct {
			Name string `json:"name"`
		} `json:"model"`
		ProvisioningState string `json:"provisioningState"`
	} `json:"properties"`
}

// ListDeployments queries the Azure Management API when client-credentials
// are configured, falling back to the public /openai/models endpoint on
// failure or when Management access is not configured (§4.3.2).
func (p *Provider) ListDeployments(ctx context.Context) ([]providers.DeploymentInfo, error) {
	if !p.mgmt.configured() {
		return p.deploymentsFromModels(ctx)
	}

	tok, err := p.managementToken(ctx)
	if err != nil {
		return p.deploymentsFromModels(ctx)
	}

	url := fmt.Sprintf(
		"https://management.azure.com/subscriptions/%s/resourceGroups/%s/providers/Microsoft.CognitiveServices/accounts/%s/deployments?api-version=2024-10-01",
		p.mgmt.SubscriptionID, p.mgmt.ResourceGroup, p.mgmt.ResourceName,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.deploymentsFromModels(ctx)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := p.client.Do(req)
	if err != nil {
		return p.deploymentsFromModels(ctx)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.deploymentsFromModels(ctx)
	}

	var body struct {
		Value []managementDeployment `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return p.deploymentsFromModels(ctx)
	}
	out := make([]providers.DeploymentInfo, 0, len(body.Value))
	for _, d := range body.Value {
		out = append(out, providers.DeploymentInfo{Name: d.Name, Model: d.Properties.Model.Name, Status: d.Properties.ProvisioningState})
	}
	return out, nil
}

func (p *Provider) deploymentsFromModels(ctx context.Context) ([]providers.DeploymentInfo, error) {
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]providers.DeploymentInfo, 0, len(models))
	for _, m := range models {
		out = append(out, providers.DeploymentInfo{Name: m.ID, Model: m.ID, Status: "succeeded"})
	}
	return out, nil
}

// managementToken returns a cached Azure AD token, refreshing it when within
// 5 minutes of expiry (§4.3.2 safety margin).
func (p *Provider) managementToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cachedTok != "" && time.Until(p.tokExpiry) > 5*time.Minute {
		return p.cachedTok, nil
	}

	tctx, cancel := context.WithTimeout(ctx, providers.AzureADTimeout)
	defer cancel()

	tok, err := p.tokenSrc.Token(tctx)
	if err != nil {
		return "", fmt.Errorf("azure: management token: %w", err)
	}
	p.cachedTok = tok.AccessToken
	p.tokExpiry = tok.Expiry
	return p.cachedTok, nil
}

// ProviderError is a structured error returned by the Azure OpenAI API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("azure: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr wireResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &ProviderError{StatusCode: resp.StatusCode, Message: cr.Error.Message, Type: cr.Error.Type, Code: cr.Error.Code}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), Type: "azure_error"}
}
