// Package coordinator implements the single-flight training trigger state
// machine. At most one training job runs at any time; trigger conditions
// arriving while a job is in flight coalesce into at most one queued
// follow-up request.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/tuneloop/internal/collector"
	"github.com/tjfontaine/tuneloop/internal/config"
	"github.com/tjfontaine/tuneloop/internal/domain"
	"github.com/tjfontaine/tuneloop/internal/events"
	"github.com/tjfontaine/tuneloop/internal/trainer"
	"github.com/tjfontaine/tuneloop/internal/version"
)

// Coordinator owns the trigger state machine. Every state-machine field is
// guarded by mu so each transition is atomic with respect to concurrently
// arriving conversation turns. The training job itself runs on its own
// goroutine; the request path only ever blocks on the trigger decision.
type Coordinator struct {
	mu sync.Mutex

	state             domain.CoordinatorState
	queuedRequest     bool
	lastTrainingCount int
	currentVersion    string
	closed            bool

	// Runtime-mutable settings, changed only through UpdateSettings.
	batchSize         int
	autoTrigger       bool
	monitoringEnabled bool

	store    *collector.Store
	versions *version.Manager
	preparer collector.SampleRenderer
	backend  trainer.Backend
	events   *events.Log

	hyperparams domain.Hyperparameters
	datasetPath string
	backupCount int
	settleDelay time.Duration

	jobs   sync.WaitGroup
	logger *slog.Logger
	tracer trace.Tracer
}

// Config wires the coordinator's collaborators. The coordinator holds
// references only; it owns none of them.
type Config struct {
	Store    *collector.Store
	Versions *version.Manager
	Preparer collector.SampleRenderer
	Backend  trainer.Backend
	Events   *events.Log

	Finetune   config.FinetuneConfig
	Monitoring bool
	Logger     *slog.Logger
}

// New creates a coordinator in the Idle state. The last-training watermark
// and current version are recovered from the persisted history so a restart
// neither loses nor double-counts collected data.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		state:             domain.StateIdle,
		batchSize:         cfg.Finetune.BatchSize,
		autoTrigger:       cfg.Finetune.AutoTrigger,
		monitoringEnabled: cfg.Monitoring,
		store:             cfg.Store,
		versions:          cfg.Versions,
		preparer:          cfg.Preparer,
		backend:           cfg.Backend,
		events:            cfg.Events,
		hyperparams:       cfg.Finetune.Hyperparams,
		datasetPath:       filepath.Join(filepath.Dir(cfg.Store.Path()), cfg.Finetune.DatasetFile),
		backupCount:       cfg.Finetune.BackupCount,
		settleDelay:       cfg.Finetune.SettleDelay,
		logger:            logger,
		tracer:            otel.Tracer("tuneloop/coordinator"),
	}

	if err := c.recover(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// recover rebuilds the watermark and current version from persisted state.
// The last successful run trained on every entry collected up to that point,
// so its sample count is the total collected as of that run.
func (c *Coordinator) recover(ctx context.Context) error {
	runs, err := c.versions.History(ctx, 0)
	if err != nil {
		return fmt.Errorf("recover training history: %w", err)
	}
	for _, run := range runs {
		if run.Success {
			c.lastTrainingCount = run.SampleCount
			c.currentVersion = run.Version
		}
	}
	// Clamp: a cleared conversation log must not leave a negative delta.
	if total := c.store.TotalCollected(); c.lastTrainingCount > total {
		c.lastTrainingCount = total
	}
	return nil
}

// newDataLocked is the delta trigger policy. Caller holds c.mu.
func (c *Coordinator) newDataLocked() int {
	return c.store.TotalCollected() - c.lastTrainingCount
}

func (c *Coordinator) dueLocked() bool {
	return c.newDataLocked() >= c.batchSize
}

// ProcessConversation collects one turn and re-evaluates the trigger
// condition. The returned acknowledgement only reports what was decided; the
// job outcome is observable through events and history, never here.
func (c *Coordinator) ProcessConversation(ctx context.Context, entry domain.ConversationEntry) *domain.ProcessResult {
	collected, reason := c.store.Collect(entry)

	c.mu.Lock()
	total := c.store.TotalCollected()
	newData := c.newDataLocked()
	result := &domain.ProcessResult{
		Collected:      collected,
		Reason:         reason,
		TotalCollected: total,
		NewDataCount:   newData,
		PendingCount:   c.pendingLocked(),
		CurrentVersion: c.currentVersion,
	}
	c.mu.Unlock()

	if !collected {
		return result
	}

	c.events.Append(domain.EventConversationCollected, map[string]any{
		"user_id":        entry.UserID,
		"session_id":     entry.SessionID,
		"total_count":    total,
		"new_data_count": newData,
	}, fmt.Sprintf("conversation collected (%d total, %d new)", total, newData))

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.autoTrigger || c.closed {
		result.PendingCount = c.pendingLocked()
		return result
	}

	due := c.dueLocked()
	result.ShouldTrain = due
	result.PendingCount = c.pendingLocked()

	if !due {
		return result
	}

	switch c.state {
	case domain.StateIdle:
		c.startJobLocked("automatic")
		result.TrainingTriggered = true
	case domain.StateRunning:
		c.queuedRequest = true
		c.state = domain.StateRunningWithQueued
		result.TrainingQueued = true
		c.events.Append(domain.EventTrainingQueued, map[string]any{
			"total_count":    total,
			"new_data_count": newData,
			"batch_size":     c.batchSize,
		}, fmt.Sprintf("training queued behind running job (%d new)", newData))
	case domain.StateRunningWithQueued:
		// Already queued; repeat crossings do not stack.
		result.TrainingQueued = true
	}

	return result
}

func (c *Coordinator) pendingLocked() int {
	if pending := c.batchSize - c.newDataLocked(); pending > 0 {
		return pending
	}
	return 0
}

// Trigger is the manual override. It bypasses the threshold check when
// forced but is still rejected with an explicit conflict while a job runs.
func (c *Coordinator) Trigger(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrShuttingDown
	}
	if c.state != domain.StateIdle {
		return domain.ErrTrainingInProgress
	}
	if !force && !c.dueLocked() {
		return domain.ErrNothingToTrain
	}

	c.startJobLocked("manual")
	return nil
}

// startJobLocked transitions to Running and spawns the background worker.
// Caller holds c.mu.
func (c *Coordinator) startJobLocked(triggerType string) {
	c.state = domain.StateRunning
	c.jobs.Add(1)

	total := c.store.TotalCollected()
	newData := c.newDataLocked()
	c.events.Append(domain.EventTrainingTriggered, map[string]any{
		"batch_size":     c.batchSize,
		"total_count":    total,
		"new_data_count": newData,
		"trigger_type":   triggerType,
	}, fmt.Sprintf("training started (%d total, %d new, %s)", total, newData, triggerType))

	go c.worker()
}

// worker drives one or more consecutive jobs: after a successful run it
// honors a queued request, re-checking the threshold after a short settle
// delay. The worker uses a detached context so a client disconnect never
// cancels an in-flight job.
func (c *Coordinator) worker() {
	defer c.jobs.Done()

	for {
		err := c.runOnce(context.Background())

		c.mu.Lock()
		if err != nil {
			// Failure is terminal for this job only. A queued request stays
			// set so new data can start a fresh attempt.
			c.state = domain.StateIdle
			c.mu.Unlock()
			return
		}

		if !c.queuedRequest {
			c.state = domain.StateIdle
			c.mu.Unlock()
			return
		}

		c.queuedRequest = false
		c.state = domain.StateRunning
		settle := c.settleDelay
		c.mu.Unlock()

		// Give the just-finished run a moment to settle before re-checking.
		time.Sleep(settle)

		c.mu.Lock()
		if c.closed || !c.dueLocked() {
			c.state = domain.StateIdle
			c.mu.Unlock()
			return
		}
		total := c.store.TotalCollected()
		newData := c.newDataLocked()
		batch := c.batchSize
		c.mu.Unlock()

		c.events.Append(domain.EventTrainingTriggered, map[string]any{
			"batch_size":     batch,
			"total_count":    total,
			"new_data_count": newData,
			"trigger_type":   "queued",
		}, fmt.Sprintf("queued training started (%d total, %d new)", total, newData))
		c.logger.Info("starting queued training run")
	}
}

// runOnce executes a single training job end to end: dataset export, backend
// invocation, version registration and rotation, event logging.
func (c *Coordinator) runOnce(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "training.run")
	defer span.End()

	start := time.Now()
	runID := uuid.New().String()

	c.mu.Lock()
	backupCount := c.backupCount
	hyper := c.hyperparams
	datasetPath := c.datasetPath
	c.mu.Unlock()

	nextNum, err := c.versions.NextVersion()
	if err != nil {
		return c.failRun(runID, "", start, 0, fmt.Errorf("allocate version: %w", err))
	}
	versionName := c.versions.VersionName(nextNum)
	span.SetAttributes(attribute.String("training.version", versionName))

	exported, sampleCount, err := c.store.Export(c.preparer, datasetPath)
	if err != nil {
		return c.failRun(runID, versionName, start, 0, fmt.Errorf("export dataset: %w", err))
	}

	// Rotate before materializing the new version so retention is never
	// exceeded upward. The base adapter is looked up afterwards so it is
	// always a version that survived rotation.
	if err := c.versions.RotateBackups(backupCount); err != nil {
		return c.failRun(runID, versionName, start, 0, fmt.Errorf("rotate backups: %w", err))
	}

	basePath, err := c.versions.LatestVersionPath()
	if err != nil {
		return c.failRun(runID, versionName, start, 0, fmt.Errorf("find base adapter: %w", err))
	}

	result, err := c.backend.Run(ctx, trainer.RunRequest{
		DatasetPath:     exported,
		OutputPath:      c.versions.VersionPath(nextNum),
		BaseAdapterPath: basePath,
		Hyperparams:     hyper,
	})
	if err != nil {
		return c.failRun(runID, versionName, start, sampleCount, fmt.Errorf("training backend: %w", err))
	}

	// The run trained on exactly the exported samples; entries collected
	// while it was running stay in front of the watermark.
	end := time.Now()
	run := &domain.TrainingRun{
		ID:          runID,
		Version:     versionName,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		SampleCount: sampleCount,
		Success:     true,
	}
	if err := c.versions.Register(ctx, run); err != nil {
		// The artifact exists; losing the history record is worth surfacing
		// but must not fail the run that produced it.
		c.logger.Error("failed to register training run", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.lastTrainingCount = sampleCount
	c.currentVersion = versionName
	c.mu.Unlock()

	c.events.Append(domain.EventTrainingCompleted, map[string]any{
		"version":       versionName,
		"duration_ms":   run.Duration.Milliseconds(),
		"sample_count":  run.SampleCount,
		"artifact_path": result.ArtifactPath,
	}, fmt.Sprintf("training completed, version %s (%d samples)", versionName, run.SampleCount))

	c.logger.Info("training run completed",
		slog.String("version", versionName),
		slog.Duration("duration", run.Duration),
		slog.Int("samples", run.SampleCount),
	)

	return nil
}

// failRun records a failed job in the history and event log. The failure
// never propagates to the request path that triggered the job.
func (c *Coordinator) failRun(runID, versionName string, start time.Time, samples int, jobErr error) error {
	end := time.Now()
	run := &domain.TrainingRun{
		ID:          runID,
		Version:     versionName,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		SampleCount: samples,
		Success:     false,
		Error:       jobErr.Error(),
	}
	if err := c.versions.Register(context.Background(), run); err != nil {
		c.logger.Error("failed to register failed run", slog.String("error", err.Error()))
	}

	c.events.Append(domain.EventTrainingFailed, map[string]any{
		"version": versionName,
		"error":   jobErr.Error(),
	}, fmt.Sprintf("training failed: %v", jobErr))

	c.logger.Error("training run failed",
		slog.String("version", versionName),
		slog.String("error", jobErr.Error()),
	)
	return jobErr
}

// Settings is a partial update; nil fields are left unchanged.
type Settings struct {
	BatchSize         *int
	AutoTrigger       *bool
	CollectionEnabled *bool
	MonitoringEnabled *bool
}

// UpdateSettings validates and applies a settings change atomically: either
// every requested field is applied or none is.
func (c *Coordinator) UpdateSettings(s Settings) (map[string]any, error) {
	if s.BatchSize != nil && *s.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch_size must be positive, got %d", domain.ErrInvalidSetting, *s.BatchSize)
	}

	changed := make(map[string]any)

	c.mu.Lock()
	if s.BatchSize != nil && *s.BatchSize != c.batchSize {
		changed["batch_size"] = map[string]any{"old": c.batchSize, "new": *s.BatchSize}
		c.batchSize = *s.BatchSize
	}
	if s.AutoTrigger != nil && *s.AutoTrigger != c.autoTrigger {
		changed["auto_trigger"] = map[string]any{"old": c.autoTrigger, "new": *s.AutoTrigger}
		c.autoTrigger = *s.AutoTrigger
	}
	if s.MonitoringEnabled != nil && *s.MonitoringEnabled != c.monitoringEnabled {
		changed["monitoring_enabled"] = map[string]any{"old": c.monitoringEnabled, "new": *s.MonitoringEnabled}
		c.monitoringEnabled = *s.MonitoringEnabled
	}
	c.mu.Unlock()

	if s.CollectionEnabled != nil && *s.CollectionEnabled != c.store.Enabled() {
		changed["collection_enabled"] = map[string]any{"old": c.store.Enabled(), "new": *s.CollectionEnabled}
		c.store.SetEnabled(*s.CollectionEnabled)
	}
	if s.MonitoringEnabled != nil {
		c.events.SetMonitoring(*s.MonitoringEnabled)
	}

	if len(changed) > 0 {
		keys := make([]string, 0, len(changed))
		for k := range changed {
			keys = append(keys, k)
		}
		c.events.Append(domain.EventSettingsUpdated, changed,
			fmt.Sprintf("settings updated: %v", keys))
	}

	return changed, nil
}

// Status is a point-in-time snapshot of the coordinator and its
// collaborators.
type Status struct {
	Collector domain.CollectorStats   `json:"collector"`
	State     domain.CoordinatorState `json:"state"`

	BatchSize         int    `json:"batch_size"`
	AutoTrigger       bool   `json:"auto_trigger"`
	InProgress        bool   `json:"in_progress"`
	QueuedRequest     bool   `json:"queued_request"`
	LastTrainingCount int    `json:"last_training_count"`
	NewDataCount      int    `json:"new_data_count"`
	PendingCount      int    `json:"pending_count"`
	ShouldTrain       bool   `json:"should_train"`
	CurrentVersion    string `json:"current_version,omitempty"`

	Versions []domain.ModelVersion `json:"versions"`
}

func (c *Coordinator) Status() *Status {
	versions, err := c.versions.Versions()
	if err != nil {
		c.logger.Warn("failed to list versions", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return &Status{
		Collector:         c.store.Stats(),
		State:             c.state,
		BatchSize:         c.batchSize,
		AutoTrigger:       c.autoTrigger,
		InProgress:        c.state != domain.StateIdle,
		QueuedRequest:     c.queuedRequest,
		LastTrainingCount: c.lastTrainingCount,
		NewDataCount:      c.newDataLocked(),
		PendingCount:      c.pendingLocked(),
		ShouldTrain:       c.dueLocked(),
		CurrentVersion:    c.currentVersion,
		Versions:          versions,
	}
}

// State returns the current state-machine state.
func (c *Coordinator) State() domain.CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Shutdown stops accepting trigger decisions and waits up to the context
// deadline for an active job. A job still running past the deadline is
// abandoned, not killed; its eventual completion may go unobserved.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.queuedRequest = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("training job still active at shutdown: %w", ctx.Err())
	}
}
