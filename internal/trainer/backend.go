// Package trainer defines the boundary to the external training backend.
// The orchestrator owns scheduling, versioning, and bookkeeping; the actual
// training procedure is an opaque long-running operation behind Backend.
package trainer

import (
	"context"
	"time"

	"github.com/tjfontaine/tuneloop/internal/domain"
)

// RunRequest describes one training job handed to the backend.
type RunRequest struct {
	// DatasetPath is the exported training dataset.
	DatasetPath string
	// OutputPath is the version directory the backend must materialize the
	// new adapter artifact into.
	OutputPath string
	// BaseAdapterPath is the latest existing version to train incrementally
	// from; empty means train from the base model.
	BaseAdapterPath string
	Hyperparams     domain.Hyperparameters
}

// Result is the backend's report for a successful run.
type Result struct {
	ArtifactPath string
	Duration     time.Duration
	SampleCount  int
}

// Backend runs one training job to completion. It is invoked exactly once
// per job, synchronously from the coordinator's background worker.
type Backend interface {
	Run(ctx context.Context, req RunRequest) (*Result, error)
}
