// Package llm talks to chat-completion backends behind a single Provider
// interface.
package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Image is an inline image attached to the final user message.
type Image struct {
	Data []byte
	MIME string
}

// ProviderConfig describes one model invocation. APIKeyRef names the secret
// the provider was built with; the key itself never travels in a request.
type ProviderConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKeyRef   string  `json:"api_key_ref,omitempty"`
}

// Request is a fully assembled completion call.
type Request struct {
	Messages []Message
	Config   ProviderConfig
	Image    *Image
}

type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is a chat-completion backend. Complete returns a *ProviderError on
// every failure, including an empty reply.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Backend names understood by NewProvider.
const (
	BackendOpenAI   = "openai"
	BackendDeepSeek = "deepseek"
	BackendGroq     = "groq"
	BackendMock     = "mock"
)

// BackendConfig controls provider construction.
type BackendConfig struct {
	Name       string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewProvider builds the provider for cfg.Name. Every non-mock backend speaks
// the OpenAI chat-completions protocol and only differs by base URL.
func NewProvider(cfg BackendConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case BackendMock:
		return NewMockProvider(), nil
	case BackendOpenAI, BackendDeepSeek, BackendGroq:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, goerr.New("api key is required", goerr.V("provider", name))
		}
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, goerr.New("base url is required", goerr.V("provider", name))
		}
		return NewOpenAICompatible(name, cfg.APIKey, cfg.BaseURL, cfg.HTTPClient), nil
	default:
		return nil, goerr.New("unsupported provider", goerr.V("provider", cfg.Name))
	}
}
