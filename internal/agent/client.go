package agent

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the OpenAI client used by the agent.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientFactory builds a ChatClient for an API key.
type ClientFactory func(apiKey string) ChatClient

// NewOpenAIClient creates a client for the OpenAI API or a compatible endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// OpenAIFactory returns a ClientFactory bound to baseURL.
func OpenAIFactory(baseURL string) ClientFactory {
	return func(apiKey string) ChatClient {
		return NewOpenAIClient(apiKey, baseURL)
	}
}
