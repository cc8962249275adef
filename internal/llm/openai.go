package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/jeebuddy/tutor/internal/reliability"
	"github.com/sashabaranov/go-openai"
)

// OpenAICompatible calls any backend exposing the OpenAI chat-completions
// API (OpenAI, DeepSeek, Groq).
type OpenAICompatible struct {
	name   string
	client *openai.Client
}

func NewOpenAICompatible(name, apiKey, baseURL string, httpClient *http.Client) *OpenAICompatible {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return &OpenAICompatible{
		name:   name,
		client: openai.NewClientWithConfig(config),
	}
}

func (p *OpenAICompatible) Name() string { return p.name }

func (p *OpenAICompatible) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Config.Model
	msgs := toOpenAIMessages(req.Messages, req.Image)
	if len(msgs) == 0 {
		return Response{}, &ProviderError{Provider: p.name, Model: model, Code: reliability.CodeBadRequest, Err: errors.New("no messages")}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Config.Temperature),
		MaxTokens:   req.Config.MaxTokens,
	})
	if err != nil {
		return Response{}, p.wrapError(model, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &ProviderError{Provider: p.name, Model: model, Code: reliability.CodeEmptyResponse, Err: ErrEmptyResponse}
	}

	text := stripReasoning(resp.Choices[0].Message.Content)
	if text == "" {
		return Response{}, &ProviderError{Provider: p.name, Model: model, Code: reliability.CodeEmptyResponse, Err: ErrEmptyResponse}
	}

	out := Response{
		Text:             text,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

func (p *OpenAICompatible) wrapError(model string, err error) *ProviderError {
	pe := &ProviderError{Provider: p.name, Model: model, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0:
		pe.StatusCode = apiErr.HTTPStatusCode
		pe.Code = reliability.ClassifyHTTPStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0:
		pe.StatusCode = reqErr.HTTPStatusCode
		pe.Code = reliability.ClassifyHTTPStatus(reqErr.HTTPStatusCode)
	default:
		pe.Code = reliability.ClassifyError(err)
	}
	return pe
}

// toOpenAIMessages converts messages and attaches img, if any, to the last
// user message as a data URL part.
func toOpenAIMessages(messages []Message, img *Image) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if img == nil || len(img.Data) == 0 {
		return out
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		out[i].MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: out[i].Content},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    DataURL(img),
				Detail: openai.ImageURLDetailAuto,
			}},
		}
		out[i].Content = ""
		break
	}
	return out
}

// DataURL renders img as a base64 data URL.
func DataURL(img *Image) string {
	mime := img.MIME
	if mime == "" {
		mime = http.DetectContentType(img.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripReasoning drops the <think> blocks reasoning models prepend to their
// answer.
func stripReasoning(s string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
}
