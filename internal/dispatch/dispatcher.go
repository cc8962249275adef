package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/llm"
	"github.com/jeebuddy/tutor/internal/logging"
	"github.com/jeebuddy/tutor/internal/observability"
	"github.com/jeebuddy/tutor/internal/policy"
	"github.com/jeebuddy/tutor/internal/reliability"
)

// ApologyMessage is the user-facing solution when every provider failed.
const ApologyMessage = "I'm sorry, I couldn't work out an answer right now. Please try again in a moment."

const (
	defaultCallTimeout    = 30 * time.Second
	defaultHistoryWindow  = 10
	persistenceTimeout    = 5 * time.Second
	noProviderErrorDetail = "no provider is configured for this request"
)

// Config wires a Dispatcher. Secondary and Vision are optional.
type Config struct {
	Primary   Candidate
	Secondary Candidate
	Vision    Candidate

	// HistoryWindow is the number of past interactions placed in the prompt.
	HistoryWindow int
	// CallTimeout bounds each provider call; RequestTimeout bounds the whole
	// Solve including both provider attempts.
	CallTimeout    time.Duration
	RequestTimeout time.Duration
	// RedactPII masks personal data in what gets persisted.
	RedactPII bool
}

type Dispatcher struct {
	store     history.Store
	primary   Candidate
	secondary Candidate
	vision    Candidate

	window         int
	callTimeout    time.Duration
	requestTimeout time.Duration
	redact         bool

	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Dispatcher)

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds a Dispatcher. store may be nil, in which case nothing is read
// or persisted.
func New(store history.Store, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          store,
		primary:        cfg.Primary,
		secondary:      cfg.Secondary,
		vision:         cfg.Vision,
		window:         cfg.HistoryWindow,
		callTimeout:    cfg.CallTimeout,
		requestTimeout: cfg.RequestTimeout,
		redact:         cfg.RedactPII,
		logger:         logging.Default(),
		now:            time.Now,
	}
	if d.window <= 0 {
		d.window = defaultHistoryWindow
	}
	if d.callTimeout <= 0 {
		d.callTimeout = defaultCallTimeout
	}
	if d.requestTimeout < d.callTimeout {
		d.requestTimeout = maxTiers*d.callTimeout + 10*time.Second
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Solve answers one question. It never returns an error: provider and store
// failures are folded into the Result.
func (d *Dispatcher) Solve(ctx context.Context, req Request) Result {
	start := d.now()
	req = Normalize(req)
	logger := logging.From(ctx)
	if logger == logging.Default() {
		logger = d.logger
	}
	logger = logger.With("user_id", req.Context.UserID, "session_id", req.Context.SessionID)

	res := d.solve(ctx, logger, req)

	d.metrics.ObserveDispatch(string(res.Outcome))
	d.metrics.ObserveStage(observability.StageDispatchTotal, d.now().Sub(start))
	return res
}

func (d *Dispatcher) solve(ctx context.Context, logger *slog.Logger, req Request) Result {
	res := Result{Context: echo(req)}

	if _, err := Validate(req); err != nil {
		res.Outcome = OutcomeFailed
		res.Solution = ApologyMessage
		res.Context.Response = err.Error()
		return res
	}

	if !req.Context.HasImage() && IsGreeting(req.Question) {
		d.metrics.ObserveIndicator("greeting")
		res.Outcome = OutcomeGreeting
		res.Solution = greetingReply(req.Question)
		res.Context.Response = res.Solution
		res.Context.ApproachUsed = "greeting"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	approachName := resolveApproach(req.Context, req.Question)
	res.Context.ApproachUsed = approachName

	recent := d.fetchHistory(ctx, logger, req.Context)
	messages := buildMessages(req, approachName, recent, d.window)

	var img *llm.Image
	if req.Context.HasImage() {
		img = &llm.Image{Data: req.Context.Image, MIME: req.Context.ImageMIME}
	}

	attempts := d.plan(req.Context)
	if len(attempts) == 0 {
		logger.Error("no provider available", "has_image", req.Context.HasImage())
		res.Outcome = OutcomeFailed
		res.Solution = ApologyMessage
		res.Context.Response = noProviderErrorDetail
		return res
	}

	var failures []string
	for i, at := range attempts {
		if i > 0 {
			d.metrics.ObserveIndicator("fallback_used")
		}
		resp, err := d.call(ctx, at, llm.Request{Messages: messages, Config: at.config, Image: img})
		if err == nil {
			res.Outcome = OutcomeSolved
			res.Solution = resp.Text
			res.Context.Response = resp.Text
			res.Context.Provider = at.candidate.Provider.Name()
			res.Context.Model = resp.Model
			res.Context.PromptTokens = resp.PromptTokens
			res.Context.CompletionTokens = resp.CompletionTokens
			d.persist(ctx, logger, req, approachName, &res)
			return res
		}

		pe := llm.AsProviderError(at.candidate.Provider.Name(), at.config.Model, err)
		failures = append(failures, pe.Error())
		logger.Warn("provider call failed",
			"provider", pe.Provider,
			"model", pe.Model,
			"tier", at.label,
			"code", string(pe.Code),
			"err", err,
		)
		// Canceled calls are terminal, and once the overall budget is spent
		// another tier cannot help either.
		if !pe.Code.Retryable() || ctx.Err() != nil {
			break
		}
	}

	res.Outcome = OutcomeFailed
	res.Solution = ApologyMessage
	res.Context.Response = strings.Join(failures, "; ")
	return res
}

func (d *Dispatcher) call(ctx context.Context, at attempt, req llm.Request) (llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	start := d.now()
	resp, err := at.candidate.Provider.Complete(callCtx, req)
	elapsed := d.now().Sub(start)

	stage := observability.StageProviderPrimary
	if at.label == "secondary" {
		stage = observability.StageProviderSecondary
	}
	d.metrics.ObserveStage(stage, elapsed)

	code := ""
	if err != nil {
		code = string(llm.AsProviderError(at.candidate.Provider.Name(), at.config.Model, err).Code)
	} else if strings.TrimSpace(resp.Text) == "" {
		err = &llm.ProviderError{Provider: at.candidate.Provider.Name(), Model: at.config.Model, Code: reliability.CodeEmptyResponse, Err: llm.ErrEmptyResponse}
		code = string(reliability.CodeEmptyResponse)
	}
	d.metrics.ObserveProviderCall(at.candidate.Provider.Name(), at.label, code, elapsed)
	if err != nil {
		return llm.Response{}, err
	}
	d.metrics.ObserveTokens(at.candidate.Provider.Name(), resp.PromptTokens, resp.CompletionTokens)
	if resp.Model == "" {
		resp.Model = at.config.Model
	}
	return resp, nil
}

// fetchHistory reads the newest interactions for the scope. Store failures
// degrade to an empty history.
func (d *Dispatcher) fetchHistory(ctx context.Context, logger *slog.Logger, c Context) []history.Interaction {
	if d.store == nil || !c.CanPersist() {
		return nil
	}
	start := d.now()
	items, err := d.store.Recent(ctx, c.UserID, c.SessionID, d.window)
	d.metrics.ObserveStage(observability.StageHistoryFetch, d.now().Sub(start))
	if err != nil {
		d.metrics.ObserveHistoryError("recent")
		logger.Warn("history fetch failed, answering without context", "err", err)
		return nil
	}
	return items
}

// persist stores a successful interaction and refreshes the echoed history.
// It runs on a context detached from the request deadline so an answer that
// arrived just in time is still saved.
func (d *Dispatcher) persist(ctx context.Context, logger *slog.Logger, req Request, approachName string, res *Result) {
	if d.store == nil || !req.Context.CanPersist() {
		d.metrics.ObserveIndicator("persist_skipped")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistenceTimeout)
	defer cancel()

	question, response := req.Question, res.Solution
	meta := map[string]any{
		"subject":          req.Context.Subject,
		"topic":            req.Context.Topic,
		"interaction_type": req.Context.InteractionType,
		"approach":         approachName,
		"complexity":       AssessComplexity(req.Question + " " + res.Solution),
		"deep_think":       req.Context.DeepThink,
		"provider":         res.Context.Provider,
		"model":            res.Context.Model,
	}
	if res.Context.PromptTokens+res.Context.CompletionTokens > 0 {
		meta["prompt_tokens"] = res.Context.PromptTokens
		meta["completion_tokens"] = res.Context.CompletionTokens
	}
	if topics := ExtractTopics(req.Question + " " + res.Solution); len(topics) > 0 {
		meta["topics"] = topics
	}
	if req.Context.PinnedText != "" {
		meta["pinned_text"] = req.Context.PinnedText
	}
	if req.Context.SelectedText != "" {
		meta["selected_text"] = req.Context.SelectedText
	}
	if req.Context.HasImage() {
		meta["has_image"] = true
	}
	if d.redact {
		var qKinds, rKinds []string
		question, qKinds = policy.RedactPII(question)
		response, rKinds = policy.RedactPII(response)
		if len(qKinds)+len(rKinds) > 0 {
			meta["pii_redacted"] = true
		}
	}

	start := d.now()
	_, err := d.store.Append(pctx, history.Interaction{
		UserID:    req.Context.UserID,
		SessionID: req.Context.SessionID,
		Question:  question,
		Response:  response,
		Metadata:  meta,
	})
	d.metrics.ObserveStage(observability.StageHistoryAppend, d.now().Sub(start))
	if err != nil {
		d.metrics.ObserveHistoryError("append")
		if !errors.Is(err, history.ErrIncompleteScope) {
			logger.Warn("interaction not persisted", "err", err)
		}
		return
	}
	res.Context.Persisted = true

	updated, err := d.store.Recent(pctx, req.Context.UserID, req.Context.SessionID, req.Context.HistoryLimit)
	if err != nil {
		d.metrics.ObserveHistoryError("recent")
		logger.Warn("history refresh failed", "err", err)
		return
	}
	res.Context.ChatHistory = updated
}
