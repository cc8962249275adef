package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider returns deterministic replies for local development.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return BackendMock }

func (p *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, AsProviderError(BackendMock, req.Config.Model, ctx.Err())
	default:
	}
	return Response{Text: buildMockReply(req), Model: req.Config.Model}, nil
}

func buildMockReply(req Request) string {
	question := ""
	turns := 0
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			question = strings.TrimSpace(m.Content)
			turns++
		}
	}
	if question == "" {
		question = "(no question)"
	}
	reply := fmt.Sprintf("Mock answer to: %s", question)
	if turns > 1 {
		reply += fmt.Sprintf("\n(%d earlier questions in context)", turns-1)
	}
	if req.Image != nil {
		reply += "\n(image received)"
	}
	return reply
}
