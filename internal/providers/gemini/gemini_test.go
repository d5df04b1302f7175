package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ygo74/openai-proxy/internal/providers"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func newTestProvider(srv *httptest.Server) *Provider {
	return New(context.Background(), "mock-api-key", WithBaseURL(srv.URL+"/v1beta"))
}

func successResponse(text string) generateResponse {
	return generateResponse{
		Candidates:    []candidate{{Content: content{Role: "model", Parts: []part{{Text: text}}}, FinishReason: "STOP"}},
		UsageMetadata: usageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}
}

func TestProvider_Name(t *testing.T) {
	p := New(context.Background(), "key")
	if p.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", p.Name())
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-pro") || !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successResponse("Hello, world!"))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.ChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "gemini-1.5-pro", Messages: []providers.Message{{Role: "user", Content: "Hello"}}, RequestID: "req-mock-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hello, world!" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestChatCompletionSystemMessageUsesSystemInstruction(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(successResponse("OK"))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.ChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "gemini-1.5-pro",
		Messages: []providers.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Fatalf("expected systemInstruction to be set, got %+v", captured.SystemInstruction)
	}
	if len(captured.Contents) != 1 || captured.Contents[0].Role != "user" {
		t.Fatalf("expected only the user message in contents, got %+v", captured.Contents)
	}
}

func TestChatCompletionRateLimitReturnsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted.","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.ChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "gemini-1.5-pro", Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", provErr.StatusCode)
	}
}

func TestStreamChatCompletionAccumulatesText(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	ch, err := p.StreamChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "gemini-1.5-pro", Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text, finish string
	for chunk := range ch {
		if len(chunk.Choices) > 0 {
			text += chunk.Choices[0].Delta.Content
			if chunk.Choices[0].FinishReason != "" {
				finish = chunk.Choices[0].FinishReason
			}
		}
	}
	if text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text)
	}
	if finish != "STOP" {
		t.Errorf("expected finish reason STOP, got %q", finish)
	}
}

func TestCompletionDowngradesToChat(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(successResponse("ok"))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	resp, err := p.Completion(context.Background(), &providers.CompletionRequest{
		Model: "gemini-1.5-pro", Prompt: []string{"hi"}, Temperature: floatPtr(0.7), MaxTokens: intPtr(1000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Object != "text_completion" {
		t.Fatalf("expected text_completion, got %q", resp.Object)
	}
	if len(captured.Contents) != 1 {
		t.Fatalf("expected single downgraded content, got %d", len(captured.Contents))
	}
}

// --- local JSON shapes used by tests to capture the outbound request body ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int32   `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string        `json:"responseId,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}
