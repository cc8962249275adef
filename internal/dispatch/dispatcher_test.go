package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/llm"
	"github.com/jeebuddy/tutor/internal/logging"
	"github.com/jeebuddy/tutor/internal/observability"
	"github.com/jeebuddy/tutor/internal/reliability"
	"github.com/m-mizutani/gt"
)

type fakeProvider struct {
	name  string
	reply string
	err   error
	// block makes Complete wait for its context.
	block bool

	promptTokens, completionTokens int

	mu       sync.Mutex
	requests []llm.Request
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if p.block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if p.err != nil {
		return llm.Response{}, p.err
	}
	return llm.Response{Text: p.reply, PromptTokens: p.promptTokens, CompletionTokens: p.completionTokens}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatalf("%s was never called", p.name)
	}
	return p.requests[len(p.requests)-1]
}

func tier(model string) Tier {
	return Tier{
		Default: llm.ProviderConfig{Model: model, Temperature: 0.7, MaxTokens: 1000},
		Deep:    llm.ProviderConfig{Model: model + "-deep", Temperature: 0.3, MaxTokens: 4000},
	}
}

type fixture struct {
	store     *history.InMemoryStore
	primary   *fakeProvider
	secondary *fakeProvider
	vision    *fakeProvider
	cfg       Config
}

func newFixture() *fixture {
	f := &fixture{
		store:     history.NewInMemoryStore(history.Options{MaxHistory: 20}),
		primary:   &fakeProvider{name: "deepseek", reply: "primary answer"},
		secondary: &fakeProvider{name: "openai", reply: "secondary answer"},
		vision:    &fakeProvider{name: "openai-vision", reply: "vision answer"},
	}
	f.cfg = Config{
		Primary:        Candidate{Provider: f.primary, Tier: tier("deepseek-chat")},
		Secondary:      Candidate{Provider: f.secondary, Tier: tier("gpt-4o-mini")},
		Vision:         Candidate{Provider: f.vision, Tier: tier("gpt-4o")},
		HistoryWindow:  10,
		CallTimeout:    time.Second,
		RequestTimeout: 3 * time.Second,
	}
	return f
}

func (f *fixture) dispatcher(s history.Store) *Dispatcher {
	return New(s, f.cfg, WithLogger(logging.Discard()), WithMetrics(observability.NewMetrics("test")))
}

func scoped(question string) Request {
	return Request{Question: question, Context: Context{UserID: "u1", SessionID: "s1", Subject: "Mathematics", Topic: "Algebra"}}
}

func TestSolveUsesPrimaryAndPersists(t *testing.T) {
	f := newFixture()
	res := f.dispatcher(f.store).Solve(context.Background(), scoped("solve x + 1 = 3"))

	gt.Equal(t, res.Outcome, OutcomeSolved)
	gt.Equal(t, res.Solution, "primary answer")
	gt.Equal(t, res.Context.Response, "primary answer")
	gt.Equal(t, res.Context.Provider, "deepseek")
	gt.Equal(t, res.Context.Model, "deepseek-chat")
	gt.Equal(t, res.Context.CurrentQuestion, "solve x + 1 = 3")
	gt.Equal(t, res.Context.Subject, "Mathematics")
	gt.True(t, res.Context.Persisted)
	gt.Equal(t, f.secondary.calls(), 0)

	gt.A(t, res.Context.ChatHistory).Length(1)
	stored := res.Context.ChatHistory[0]
	gt.Equal(t, stored.Question, "solve x + 1 = 3")
	gt.Equal(t, stored.Response, "primary answer")
	gt.Equal(t, stored.Metadata["subject"], any("Mathematics"))
	gt.Equal(t, stored.Metadata["interaction_type"], any("solve"))
	gt.Equal(t, stored.Metadata["approach"], any(ApproachStepByStep))
}

func TestSolveFallsBackExactlyOnce(t *testing.T) {
	cases := map[string]*fakeProvider{
		"error":        {name: "deepseek", err: errors.New("connection reset")},
		"empty reply":  {name: "deepseek", reply: "   "},
		"timeout":      {name: "deepseek", block: true},
		"provider err": {name: "deepseek", err: &llm.ProviderError{Provider: "deepseek", Code: "rate_limited", Err: errors.New("429")}},
	}
	for name, primary := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			f.primary = primary
			f.cfg.Primary.Provider = primary
			f.cfg.CallTimeout = 50 * time.Millisecond

			res := f.dispatcher(f.store).Solve(context.Background(), scoped("find the roots of x^2 - 4"))
			gt.Equal(t, res.Outcome, OutcomeSolved)
			gt.Equal(t, res.Solution, "secondary answer")
			gt.Equal(t, res.Context.Provider, "openai")
			gt.Equal(t, primary.calls(), 1)
			gt.Equal(t, f.secondary.calls(), 1)
		})
	}
}

func TestSolveBothProvidersFail(t *testing.T) {
	f := newFixture()
	f.primary.err = errors.New("primary down")
	f.secondary.err = errors.New("secondary down")

	res := f.dispatcher(f.store).Solve(context.Background(), scoped("evaluate 2 + 2"))

	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, res.Solution, ApologyMessage)
	gt.S(t, res.Context.Response).Contains("primary down")
	gt.S(t, res.Context.Response).Contains("secondary down")
	gt.Equal(t, res.Context.UserID, "u1")
	gt.Equal(t, res.Context.SessionID, "s1")
	gt.Equal(t, res.Context.Topic, "Algebra")
	gt.Equal(t, f.primary.calls(), 1)
	gt.Equal(t, f.secondary.calls(), 1)

	n, err := f.store.Count(context.Background(), "u1")
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestSolveWithoutSecondaryFailsAfterPrimary(t *testing.T) {
	f := newFixture()
	f.cfg.Secondary = Candidate{}
	f.primary.err = errors.New("down")

	res := f.dispatcher(f.store).Solve(context.Background(), scoped("evaluate 2 + 2"))
	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, f.primary.calls(), 1)
}

func TestSolveGreetingShortCircuits(t *testing.T) {
	f := newFixture()
	for _, q := range []string{"hi", "Hello!", "good morning", "help", "who are you?"} {
		res := f.dispatcher(f.store).Solve(context.Background(), scoped(q))
		gt.Equal(t, res.Outcome, OutcomeGreeting)
		gt.NotEqual(t, res.Solution, "")
		gt.Equal(t, res.Context.ApproachUsed, "greeting")
	}
	gt.Equal(t, f.primary.calls(), 0)
	gt.Equal(t, f.secondary.calls(), 0)

	n, err := f.store.Count(context.Background(), "u1")
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestSolvePresentsHistoryOldestFirst(t *testing.T) {
	f := newFixture()
	for _, q := range []string{"A", "B", "C"} {
		_, err := f.store.Append(context.Background(), history.Interaction{UserID: "u1", SessionID: "s1", Question: q, Response: "re " + q})
		gt.NoError(t, err)
	}

	f.dispatcher(f.store).Solve(context.Background(), scoped("D"))

	msgs := f.primary.lastRequest(t).Messages
	gt.A(t, msgs).Length(8)
	gt.Equal(t, msgs[0].Role, llm.RoleSystem)
	var got []string
	for _, m := range msgs[1:] {
		got = append(got, m.Content)
	}
	gt.Equal(t, got, []string{"A", "re A", "B", "re B", "C", "re C", "D"})
}

func TestSolveHistoryWindowKeepsNewest(t *testing.T) {
	f := newFixture()
	f.cfg.HistoryWindow = 2
	for _, q := range []string{"A", "B", "C"} {
		_, err := f.store.Append(context.Background(), history.Interaction{UserID: "u1", SessionID: "s1", Question: q, Response: "re " + q})
		gt.NoError(t, err)
	}

	f.dispatcher(f.store).Solve(context.Background(), scoped("D"))

	msgs := f.primary.lastRequest(t).Messages
	gt.Equal(t, msgs[1].Content, "B")
	gt.Equal(t, msgs[len(msgs)-1].Content, "D")
	gt.A(t, msgs).Length(6)
}

func TestSolveImageGoesOnlyToVision(t *testing.T) {
	f := newFixture()
	req := scoped("what is the area of this triangle?")
	req.Context.Image = []byte{0x89, 'P', 'N', 'G'}
	req.Context.ImageMIME = "image/png"

	res := f.dispatcher(f.store).Solve(context.Background(), req)
	gt.Equal(t, res.Outcome, OutcomeSolved)
	gt.Equal(t, res.Solution, "vision answer")
	gt.True(t, res.Context.HasImage)
	gt.V(t, f.vision.lastRequest(t).Image).NotNil()
	gt.Equal(t, f.primary.calls(), 0)

	f.vision.err = errors.New("vision down")
	res = f.dispatcher(f.store).Solve(context.Background(), req)
	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, f.primary.calls(), 0)
	gt.Equal(t, f.secondary.calls(), 0)
}

func TestSolveImageWithoutVisionProviderFails(t *testing.T) {
	f := newFixture()
	f.cfg.Vision = Candidate{}
	req := scoped("hi")
	req.Context.Image = []byte("img")

	res := f.dispatcher(f.store).Solve(context.Background(), req)
	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, res.Context.Response, noProviderErrorDetail)
	gt.Equal(t, f.primary.calls(), 0)
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, history.Interaction) (history.Interaction, error) {
	return history.Interaction{}, errors.New("db offline")
}
func (brokenStore) Recent(context.Context, string, string, int) ([]history.Interaction, error) {
	return nil, errors.New("db offline")
}
func (brokenStore) Count(context.Context, string) (int, error) { return 0, errors.New("db offline") }
func (brokenStore) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db offline")
}
func (brokenStore) Close() error { return nil }

func TestSolveDegradesWhenStoreFails(t *testing.T) {
	f := newFixture()
	res := f.dispatcher(brokenStore{}).Solve(context.Background(), scoped("solve 3x = 9"))

	gt.Equal(t, res.Outcome, OutcomeSolved)
	gt.Equal(t, res.Solution, "primary answer")
	gt.False(t, res.Context.Persisted)
	gt.A(t, res.Context.ChatHistory).Length(0)
	// Only the system prompt and the question.
	gt.A(t, f.primary.lastRequest(t).Messages).Length(2)
}

func TestSolveAnonymousIsAnsweredButNotPersisted(t *testing.T) {
	f := newFixture()
	res := f.dispatcher(f.store).Solve(context.Background(), Request{Question: "solve 3x = 9", Context: Context{UserID: "u1"}})

	gt.Equal(t, res.Outcome, OutcomeSolved)
	gt.False(t, res.Context.Persisted)
	n, err := f.store.Count(context.Background(), "u1")
	gt.NoError(t, err)
	gt.Equal(t, n, 0)
}

func TestSolveCanceledCallerSkipsFallback(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.dispatcher(f.store).Solve(ctx, scoped("solve 3x = 9"))
	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, f.primary.calls(), 1)
	gt.Equal(t, f.secondary.calls(), 0)
}

func TestSolveDeepThinkSelectsDeepTier(t *testing.T) {
	f := newFixture()
	req := scoped("derive the curvature of y = x^3")
	req.Context.DeepThink = true

	res := f.dispatcher(f.store).Solve(context.Background(), req)
	gt.Equal(t, res.Context.Model, "deepseek-chat-deep")
	cfg := f.primary.lastRequest(t).Config
	gt.Equal(t, cfg.MaxTokens, 4000)
	gt.Equal(t, cfg.Temperature, 0.3)
	gt.S(t, f.primary.lastRequest(t).Messages[0].Content).Contains("verify every step")
}

func TestSolveQuotesSelectedText(t *testing.T) {
	f := newFixture()
	req := scoped("why is this step valid?")
	req.Context.SelectedText = "d/dx sin x = cos x"
	req.Context.PinnedText = "Chain rule notes"

	f.dispatcher(f.store).Solve(context.Background(), req)
	msgs := f.primary.lastRequest(t).Messages
	last := msgs[len(msgs)-1].Content
	gt.S(t, last).Contains(`"""` + "\nd/dx sin x = cos x\n" + `"""`)
	gt.True(t, strings.HasSuffix(last, "why is this step valid?"))
	gt.S(t, msgs[0].Content).Contains("Chain rule notes")
}

func TestSolveInvalidRequestReturnsFailedResult(t *testing.T) {
	f := newFixture()
	res := f.dispatcher(f.store).Solve(context.Background(), Request{Question: "   "})
	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, res.Solution, ApologyMessage)
	gt.Equal(t, f.primary.calls(), 0)
}

func TestSolveRedactsPersistedPII(t *testing.T) {
	f := newFixture()
	f.cfg.RedactPII = true

	res := f.dispatcher(f.store).Solve(context.Background(), scoped("email me at kid@example.com, solve 2x = 4"))
	gt.Equal(t, res.Outcome, OutcomeSolved)
	stored := res.Context.ChatHistory[0]
	gt.S(t, stored.Question).NotContains("kid@example.com")
	gt.Equal(t, stored.Metadata["pii_redacted"], any(true))
	// The provider still saw the original question.
	msgs := f.primary.lastRequest(t).Messages
	gt.S(t, msgs[len(msgs)-1].Content).Contains("kid@example.com")
}

func TestSolveHonorsHistoryLimitInEcho(t *testing.T) {
	f := newFixture()
	d := f.dispatcher(f.store)
	for _, q := range []string{"solve a", "solve b", "solve c"} {
		d.Solve(context.Background(), scoped(q))
	}
	req := scoped("solve d")
	req.Context.HistoryLimit = 2
	res := d.Solve(context.Background(), req)

	gt.A(t, res.Context.ChatHistory).Length(2)
	gt.Equal(t, res.Context.ChatHistory[0].Question, "solve d")
	gt.Equal(t, res.Context.ChatHistory[1].Question, "solve c")
}

func TestSolveCanceledProviderErrorSkipsFallback(t *testing.T) {
	f := newFixture()
	f.primary.err = &llm.ProviderError{Provider: "deepseek", Code: reliability.CodeCanceled, Err: context.Canceled}

	res := f.dispatcher(f.store).Solve(context.Background(), scoped("integrate x dx"))
	gt.Equal(t, res.Outcome, OutcomeFailed)
	gt.Equal(t, f.primary.calls(), 1)
	gt.Equal(t, f.secondary.calls(), 0)
}

func TestSolveRecordsTokenUsage(t *testing.T) {
	f := newFixture()
	f.primary.promptTokens = 120
	f.primary.completionTokens = 45

	res := f.dispatcher(f.store).Solve(context.Background(), scoped("solve 2x = 8"))
	gt.Equal(t, res.Context.PromptTokens, 120)
	gt.Equal(t, res.Context.CompletionTokens, 45)

	stored, err := f.store.Recent(context.Background(), "u1", "s1", 1)
	gt.NoError(t, err)
	gt.A(t, stored).Length(1)
	gt.Equal(t, stored[0].Metadata["prompt_tokens"], any(120))
	gt.Equal(t, stored[0].Metadata["completion_tokens"], any(45))
}
