package app

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"github.com/jeebuddy/tutor/internal/config"
	"github.com/jeebuddy/tutor/internal/dispatch"
	"github.com/jeebuddy/tutor/internal/history"
	"github.com/jeebuddy/tutor/internal/httpapi"
	"github.com/jeebuddy/tutor/internal/observability"
	"github.com/jeebuddy/tutor/internal/retention"
	"github.com/jeebuddy/tutor/internal/session"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	Store      history.Store
	Retention  *retention.Purger
	Metrics    *observability.Metrics
	Providers  ProviderInfo

	// Cleanup should be called on shutdown to release the history store.
	Cleanup func() error
}

// OpenStore builds the configured history store with eviction metrics wired.
func OpenStore(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (history.Store, error) {
	store, err := history.NewStore(ctx, cfg.DatabaseURL, history.Options{
		MaxHistory: cfg.HistoryMax,
		Scope:      history.EvictionScope(cfg.HistoryEvictionScope),
		OnEvict: func(_ string, evicted int) {
			metrics.ObserveEvictions(evicted)
		},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "history store init failed")
	}
	return store, nil
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := OpenStore(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}

	candidates, info, err := resolveProviders(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dispatcher := dispatch.New(store, dispatch.Config{
		Primary:        candidates.primary,
		Secondary:      candidates.secondary,
		Vision:         candidates.vision,
		HistoryWindow:  cfg.HistoryWindow,
		CallTimeout:    cfg.CallTimeout,
		RequestTimeout: cfg.RequestTimeout,
		RedactPII:      cfg.HistoryRedactPII,
	}, dispatch.WithMetrics(metrics), dispatch.WithLogger(logger))

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	purger := retention.New(store, cfg.HistoryRetention, cfg.HistoryRetentionSchedule, metrics, logger)
	api := httpapi.New(cfg, sessions, dispatcher, store, metrics, logger)

	cleanup := func() error {
		purger.Stop()
		if err := store.Close(); err != nil {
			return goerr.Wrap(err, "close history store")
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Store:      store,
		Retention:  purger,
		Metrics:    metrics,
		Providers:  info,
		Cleanup:    cleanup,
	}, nil
}
