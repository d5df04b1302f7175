package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ygo74/openai-proxy/internal/providers"
)

func TestChatCompletionSignsRequestAndParsesConverseResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Errorf("expected SigV4 Authorization header")
		}
		if r.URL.Path != "/model/anthropic.claude-v2/converse" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(converseResponse{
			Output: converseOutput{Message: converseMessage{Role: "assistant", Content: []contentBlock{{Text: "hi there"}}}},
			Usage:  converseUsage{InputTokens: 3, OutputTokens: 2},
		})
	}))
	defer srv.Close()

	p := New("AKIA", "secret", "us-east-1", WithEndpointURL(srv.URL))
	resp, err := p.ChatCompletion(context.Background(), &providers.ChatCompletionRequest{
		Model: "anthropic.claude-v2", Messages: []providers.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi there" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected total tokens 5, got %d", resp.Usage.TotalTokens)
	}
}

func TestCompletionDowngradesToChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req converseRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 {
			t.Errorf("expected single message, got %d", len(req.Messages))
		}
		json.NewEncoder(w).Encode(converseResponse{Output: converseOutput{Message: converseMessage{Content: []contentBlock{{Text: "ok"}}}}})
	}))
	defer srv.Close()

	p := New("AKIA", "secret", "us-east-1", WithEndpointURL(srv.URL))
	resp, err := p.Completion(context.Background(), &providers.CompletionRequest{Model: "anthropic.claude-v2", Prompt: []string{"hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Object != "text_completion" {
		t.Fatalf("expected text_completion, got %q", resp.Object)
	}
}
