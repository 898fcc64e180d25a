// Package orchestrator assembles the continuous fine-tuning service:
// conversation collection, the training coordinator, the event log, the
// persistence layer and the HTTP surface, with lifecycle management.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/tjfontaine/tuneloop/internal/collector"
	"github.com/tjfontaine/tuneloop/internal/config"
	"github.com/tjfontaine/tuneloop/internal/coordinator"
	"github.com/tjfontaine/tuneloop/internal/dataset"
	"github.com/tjfontaine/tuneloop/internal/domain"
	"github.com/tjfontaine/tuneloop/internal/events"
	"github.com/tjfontaine/tuneloop/internal/ports"
	"github.com/tjfontaine/tuneloop/internal/server"
	"github.com/tjfontaine/tuneloop/internal/storage/sqlite"
	"github.com/tjfontaine/tuneloop/internal/trainer"
	"github.com/tjfontaine/tuneloop/internal/version"
)

// Orchestrator owns every component's lifecycle. It can be embedded in a
// larger application or run standalone behind cmd/tuneloop.
type Orchestrator struct {
	// Dependencies (injected via options)
	cfg      *config.Config
	backend  trainer.Backend
	renderer collector.SampleRenderer
	sink     ports.NotificationSink
	logger   *slog.Logger

	// Internal state
	db       *sqlite.Store
	store    *collector.Store
	versions *version.Manager
	events   *events.Log
	coord    *coordinator.Coordinator
	srv      *server.Server
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
}

// New creates an orchestrator with the given options and wires every
// component. By default configuration comes from the environment, the
// training backend is the configured external command, and notifications go
// to the configured webhook.
func New(ctx context.Context, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if o.cfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		o.cfg = cfg
	}

	if err := o.wire(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) wire(ctx context.Context) error {
	cfg := o.cfg

	db, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	o.db = db

	store, err := collector.New(cfg.Collection, o.logger)
	if err != nil {
		return fmt.Errorf("create conversation store: %w", err)
	}
	o.store = store

	versions, err := version.NewManager(cfg.Finetune.ModelsPath, cfg.Finetune.VersionPrefix, db, o.logger)
	if err != nil {
		return fmt.Errorf("create version manager: %w", err)
	}
	o.versions = versions

	if o.renderer == nil {
		preparer, err := dataset.NewPreparer(cfg.Dataset.TokenizerModel, cfg.Dataset.FallbackMargin)
		if err != nil {
			return fmt.Errorf("create dataset preparer: %w", err)
		}
		o.renderer = preparer
	}

	if o.sink == nil && cfg.Monitoring.WebhookURL != "" {
		o.sink = events.NewWebhookSink(cfg.Monitoring.WebhookURL, cfg.Monitoring.WebhookTimeout)
	}
	o.events = events.NewLog(db, o.sink, cfg.Monitoring.Enabled, o.logger)

	if o.backend == nil {
		o.backend = trainer.NewScriptBackend(cfg.Finetune.Command, o.logger)
	}

	coord, err := coordinator.New(ctx, coordinator.Config{
		Store:      store,
		Versions:   versions,
		Preparer:   o.renderer,
		Backend:    o.backend,
		Events:     o.events,
		Finetune:   cfg.Finetune,
		Monitoring: cfg.Monitoring.Enabled,
		Logger:     o.logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	o.coord = coord

	o.srv = server.New(cfg.Server.Port, coord, versions, o.events, cfg.Monitoring.CleanupKeepDays, o.logger)

	if cfg.Monitoring.CleanupSchedule != "" {
		o.cron = cron.New()
		_, err := o.cron.AddFunc(cfg.Monitoring.CleanupSchedule, func() {
			if _, err := o.events.Cleanup(context.Background(), cfg.Monitoring.CleanupKeepDays); err != nil {
				o.logger.Error("scheduled cleanup failed", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Monitoring.CleanupSchedule, err)
		}
	}

	return nil
}

// Start launches the cleanup schedule and the HTTP server. It blocks until
// the server stops.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	o.events.Append(domain.EventSystemInitialized, map[string]any{
		"batch_size":   o.cfg.Finetune.BatchSize,
		"auto_trigger": o.cfg.Finetune.AutoTrigger,
		"data_path":    o.cfg.Collection.DataPath,
		"models_path":  o.cfg.Finetune.ModelsPath,
	}, "orchestrator initialized")

	if o.cron != nil {
		o.cron.Start()
	}

	return o.srv.Start()
}

// Shutdown drains in-flight HTTP requests, waits for an active training job
// up to the context deadline, flushes the event log and closes storage.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("shutting down")

	if o.cron != nil {
		cronCtx := o.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	var firstErr error
	if err := o.srv.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}
	if err := o.coord.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	o.events.Append(domain.EventSystemShutdown, nil, "orchestrator shut down")
	if err := o.events.Flush(context.Background()); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush events: %w", err)
	}
	if err := o.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close storage: %w", err)
	}

	return firstErr
}

// Coordinator exposes the training coordinator for embedders.
func (o *Orchestrator) Coordinator() *coordinator.Coordinator { return o.coord }

// Events exposes the event log for embedders.
func (o *Orchestrator) Events() *events.Log { return o.events }

// DataPath returns the configured conversation data directory.
func (o *Orchestrator) DataPath() string {
	return filepath.Dir(o.store.Path())
}
