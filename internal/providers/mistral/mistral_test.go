package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ygo74/openai-proxy/internal/providers"
)

func floatPtr(f float64) *float64 { return &f }

func TestChatCompletionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing Authorization header")
		}
		json.NewEncoder(w).Encode(chatResponse{
			ID: "cmpl-mistral-123", Model: "mistral-large-latest",
			Choices: []choice{{Message: &chatMessage{Role: "assistant", Content: "Bonjour le monde!"}}},
			Usage:   usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12},
		})
	}))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	resp, err := p.ChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "mistral-large-latest", Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "Bonjour le monde!" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("expected total tokens 12, got %d", resp.Usage.TotalTokens)
	}
}

func TestStreamChatCompletionAccumulatesDeltas(t *testing.T) {
	chunks := []string{
		`{"id":"cmpl-1","model":"mistral-large-latest","choices":[{"delta":{"role":"assistant","content":"Bonjour"}}]}`,
		`{"id":"cmpl-1","model":"mistral-large-latest","choices":[{"delta":{"content":" monde"}}]}`,
		`{"id":"cmpl-1","model":"mistral-large-latest","choices":[{"delta":{},"finish_reason":"stop"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	ch, err := p.StreamChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "mistral-large-latest", Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content, finish string
	for chunk := range ch {
		if len(chunk.Choices) > 0 {
			content += chunk.Choices[0].Delta.Content
			if chunk.Choices[0].FinishReason != "" {
				finish = chunk.Choices[0].FinishReason
			}
		}
	}
	if content != "Bonjour monde" {
		t.Errorf("expected accumulated content, got %q", content)
	}
	if finish != "stop" {
		t.Errorf("expected finish_reason stop, got %q", finish)
	}
}

func TestChatCompletionRateLimitReturnsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(chatResponse{Error: &apiErr{Message: "rate limited", Type: "rate_limit_error"}})
	}))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	_, err := p.ChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "mistral-large-latest", Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	provErr, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("expected *ProviderError, got %T", err)
	}
	if provErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", provErr.HTTPStatus())
	}
}

func TestCompletionDowngradesToChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 1 || body.Messages[0].Role != "user" {
			t.Errorf("expected single user message, got %+v", body.Messages)
		}
		json.NewEncoder(w).Encode(chatResponse{ID: "id-1", Model: "mistral-large-latest", Choices: []choice{{Message: &chatMessage{Role: "assistant", Content: "ok"}}}})
	}))
	defer srv.Close()

	p := New("mock-api-key", WithBaseURL(srv.URL))
	resp, err := p.Completion(context.Background(), &providers.CompletionRequest{
		Model: "mistral-large-latest", Prompt: []string{"hi"}, Temperature: floatPtr(0.5),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Object != "text_completion" {
		t.Fatalf("expected text_completion, got %q", resp.Object)
	}
}
