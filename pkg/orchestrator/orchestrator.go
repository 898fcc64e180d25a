// Package orchestrator provides the public API for embedding the continuous
// fine-tuning service. This is the stable API for external consumers.
package orchestrator

import (
	"github.com/tjfontaine/tuneloop/internal/orchestrator"
)

// Orchestrator is the main entry point for running the service.
// See internal/orchestrator.Orchestrator for full documentation.
type Orchestrator = orchestrator.Orchestrator

// Option is a functional option for configuring an Orchestrator.
type Option = orchestrator.Option

// New creates a new Orchestrator with the given options.
// Example:
//
//	orch, err := orchestrator.New(ctx,
//	    orchestrator.WithConfigFile("config.yaml"),
//	)
var New = orchestrator.New

// Configuration options
var (
	// Config sources
	WithConfigFile = orchestrator.WithConfigFile
	WithConfig     = orchestrator.WithConfig

	// Advanced options
	WithLogger           = orchestrator.WithLogger
	WithBackend          = orchestrator.WithBackend
	WithRenderer         = orchestrator.WithRenderer
	WithNotificationSink = orchestrator.WithNotificationSink
)
