package orchestrator

import (
	"log/slog"

	"github.com/tjfontaine/tuneloop/internal/collector"
	"github.com/tjfontaine/tuneloop/internal/config"
	"github.com/tjfontaine/tuneloop/internal/ports"
	"github.com/tjfontaine/tuneloop/internal/trainer"
)

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator) error

// WithConfigFile loads configuration from a YAML file, with environment
// variable overrides applied on top.
func WithConfigFile(path string) Option {
	return func(o *Orchestrator) error {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}
}

// WithConfig uses an already-built configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) error {
		o.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = logger
		return nil
	}
}

// WithBackend replaces the external-command training backend.
func WithBackend(backend trainer.Backend) Option {
	return func(o *Orchestrator) error {
		o.backend = backend
		return nil
	}
}

// WithRenderer replaces the tokenizer-backed dataset preparer.
func WithRenderer(renderer collector.SampleRenderer) Option {
	return func(o *Orchestrator) error {
		o.renderer = renderer
		return nil
	}
}

// WithNotificationSink replaces the webhook notification sink.
func WithNotificationSink(sink ports.NotificationSink) Option {
	return func(o *Orchestrator) error {
		o.sink = sink
		return nil
	}
}
