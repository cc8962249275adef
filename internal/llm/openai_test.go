package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jeebuddy/tutor/internal/reliability"
	"github.com/m-mizutani/gt"
)

type capturedRequest struct {
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Messages    []map[string]any `json:"messages"`
}

func completionServer(t *testing.T, status int, body string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completionBody(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "deepseek-chat",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
	})
	return string(raw)
}

func TestOpenAICompatibleComplete(t *testing.T) {
	var captured capturedRequest
	srv := completionServer(t, http.StatusOK, completionBody("<think>let me see</think>\nx = 2"), &captured)

	p := NewOpenAICompatible(BackendDeepSeek, "test-key", srv.URL+"/", nil)
	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a tutor."},
			{Role: RoleUser, Content: "first"},
			{Role: RoleAssistant, Content: "reply"},
			{Role: RoleUser, Content: "solve x + 1 = 3"},
		},
		Config: ProviderConfig{Model: "deepseek-chat", Temperature: 0.2, MaxTokens: 500},
	})
	gt.NoError(t, err)
	gt.Equal(t, resp.Text, "x = 2")
	gt.Equal(t, resp.Model, "deepseek-chat")
	gt.Equal(t, resp.PromptTokens, 12)

	gt.Equal(t, captured.Model, "deepseek-chat")
	gt.Equal(t, captured.MaxTokens, 500)
	gt.Equal(t, captured.Temperature, 0.2)
	gt.A(t, captured.Messages).Length(4)
	gt.Equal(t, captured.Messages[3]["content"], any("solve x + 1 = 3"))
	gt.Equal(t, p.Name(), BackendDeepSeek)
}

func TestOpenAICompatibleAttachesImage(t *testing.T) {
	var captured capturedRequest
	srv := completionServer(t, http.StatusOK, completionBody("a triangle"), &captured)

	p := NewOpenAICompatible(BackendOpenAI, "test-key", srv.URL, nil)
	_, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "what is this?"},
		},
		Config: ProviderConfig{Model: "gpt-4o", MaxTokens: 100},
		Image:  &Image{Data: []byte("png-bytes"), MIME: "image/png"},
	})
	gt.NoError(t, err)

	parts, ok := captured.Messages[1]["content"].([]any)
	gt.True(t, ok)
	gt.A(t, parts).Length(2)
	imagePart := parts[1].(map[string]any)
	gt.Equal(t, imagePart["type"], any("image_url"))
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	gt.S(t, url).Contains("data:image/png;base64,")
}

func TestOpenAICompatibleEmptyResponseIsFailure(t *testing.T) {
	srv := completionServer(t, http.StatusOK, completionBody("  <think>only thoughts</think> "), nil)

	p := NewOpenAICompatible(BackendGroq, "test-key", srv.URL, nil)
	_, err := p.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
		Config:   ProviderConfig{Model: "m"},
	})
	var pe *ProviderError
	gt.True(t, errors.As(err, &pe))
	gt.Equal(t, pe.Code, reliability.CodeEmptyResponse)
	gt.True(t, errors.Is(err, ErrEmptyResponse))
}

func TestOpenAICompatibleClassifiesHTTPErrors(t *testing.T) {
	cases := map[int]reliability.Code{
		http.StatusTooManyRequests:     reliability.CodeRateLimited,
		http.StatusUnauthorized:        reliability.CodeAuth,
		http.StatusInternalServerError: reliability.CodeUpstream,
	}
	for status, want := range cases {
		srv := completionServer(t, status, `{"error":{"message":"nope","type":"server_error"}}`, nil)
		p := NewOpenAICompatible(BackendOpenAI, "test-key", srv.URL, nil)
		_, err := p.Complete(context.Background(), Request{
			Messages: []Message{{Role: RoleUser, Content: "q"}},
			Config:   ProviderConfig{Model: "gpt-4o-mini"},
		})
		var pe *ProviderError
		gt.True(t, errors.As(err, &pe))
		gt.Equal(t, pe.Code, want)
		gt.Equal(t, pe.StatusCode, status)
		gt.Equal(t, pe.Provider, BackendOpenAI)
	}
}

func TestOpenAICompatibleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := NewOpenAICompatible(BackendOpenAI, "test-key", srv.URL, nil)
	_, err := p.Complete(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
		Config:   ProviderConfig{Model: "gpt-4o-mini"},
	})
	var pe *ProviderError
	gt.True(t, errors.As(err, &pe))
	gt.Equal(t, pe.Code, reliability.CodeTimeout)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(BackendConfig{Name: "Mock"})
	gt.NoError(t, err)
	gt.Equal(t, p.Name(), BackendMock)

	p, err = NewProvider(BackendConfig{Name: "groq", APIKey: "k", BaseURL: "https://api.groq.com/openai/v1"})
	gt.NoError(t, err)
	gt.Equal(t, p.Name(), BackendGroq)

	_, err = NewProvider(BackendConfig{Name: "openai"})
	gt.Error(t, err)

	_, err = NewProvider(BackendConfig{Name: "anthropic", APIKey: "k", BaseURL: "x"})
	gt.Error(t, err)
}

func TestMockProviderIsDeterministic(t *testing.T) {
	p := NewMockProvider()
	req := Request{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "earlier"},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: "integrate x"},
	}}
	a, err := p.Complete(context.Background(), req)
	gt.NoError(t, err)
	b, err := p.Complete(context.Background(), req)
	gt.NoError(t, err)
	gt.Equal(t, a, b)
	gt.S(t, a.Text).Contains("Mock answer to: integrate x")
	gt.True(t, strings.Contains(a.Text, "1 earlier questions"))
}
