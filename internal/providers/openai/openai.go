// Package openai implements the OpenAI-native provider adapter (§4.3.1):
// Bearer-authenticated calls to {base}/chat/completions and {base}/models.
// Completion requests are sent to {base}/chat/completions as a single user
// message; {base}/completions is not called. It is a thin naming wrapper over
// the shared
// internal/providers/openaicompat implementation, which already speaks the
// OpenAI wire protocol via the official SDK pointed at a configurable base URL.
package openai

import (
	"github.com/ygo74/openai-proxy/internal/providers"
	"github.com/ygo74/openai-proxy/internal/providers/openaicompat"
)

const defaultBaseURL = "https://api.openai.com/v1"

// New creates the OpenAI-native adapter for a catalog model configured with
// provider=openai. baseURL overrides the default when the Model row carries
// a custom url (e.g. an OpenAI-compatible self-hosted gateway).
func New(apiKey, baseURL string) providers.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openaicompat.New("openai", apiKey, baseURL)
}
