// Package retention removes interactions older than a configured age on a
// cron schedule.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"

	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/logging"
	"github.com/jeebuddy/tutor/internal/observability"
)

const runTimeout = 5 * time.Minute

type Purger struct {
	store    history.Store
	maxAge   time.Duration
	schedule string
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(store history.Store, maxAge time.Duration, schedule string, metrics *observability.Metrics, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = logging.Default()
	}
	if schedule == "" {
		schedule = "@daily"
	}
	return &Purger{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		metrics:  metrics,
		logger:   logger.With("component", "retention"),
		now:      time.Now,
	}
}

// Enabled reports whether a positive retention age is configured.
func (p *Purger) Enabled() bool { return p.maxAge > 0 }

// RunOnce deletes every interaction created before now minus maxAge.
func (p *Purger) RunOnce(ctx context.Context) (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		p.metrics.ObserveHistoryError("purge")
		return 0, goerr.Wrap(err, "purge interactions", goerr.V("cutoff", cutoff))
	}
	p.metrics.ObservePurged(n)
	p.logger.Info("retention purge finished", "cutoff", cutoff, "deleted", n)
	return n, nil
}

// Start schedules RunOnce. It is a no-op when retention is disabled.
func (p *Purger) Start() error {
	if !p.Enabled() {
		p.logger.Debug("retention disabled")
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.AddFunc(p.schedule, func() {
		runCtx, done := context.WithTimeout(ctx, runTimeout)
		defer done()
		if _, err := p.RunOnce(runCtx); err != nil {
			p.logger.Error("retention purge failed", "err", err)
		}
	})
	if err != nil {
		cancel()
		return goerr.Wrap(err, "invalid retention schedule", goerr.V("schedule", p.schedule))
	}
	c.Start()
	p.cron, p.cancel = c, cancel
	p.logger.Info("retention scheduler started", "schedule", p.schedule, "max_age", p.maxAge)
	return nil
}

// Stop waits for a running purge to finish.
func (p *Purger) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.cancel()
	p.cron = nil
}
