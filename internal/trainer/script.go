package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// ScriptBackend invokes an external training command. Dataset, output and
// base adapter locations plus hyperparameters are passed through the
// environment so the command's own argument surface stays untouched.
type ScriptBackend struct {
	command string
	logger  *slog.Logger
}

var _ Backend = (*ScriptBackend)(nil)

func NewScriptBackend(command string, logger *slog.Logger) *ScriptBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScriptBackend{command: command, logger: logger}
}

func (b *ScriptBackend) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if b.command == "" {
		return nil, fmt.Errorf("no training command configured")
	}

	if err := os.MkdirAll(req.OutputPath, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	sampleCount, err := countSamples(req.DatasetPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, b.command)
	cmd.Env = append(os.Environ(),
		"TUNELOOP_DATASET_PATH="+req.DatasetPath,
		"TUNELOOP_OUTPUT_PATH="+req.OutputPath,
		"TUNELOOP_BASE_ADAPTER_PATH="+req.BaseAdapterPath,
		"TUNELOOP_EPOCHS="+strconv.Itoa(req.Hyperparams.Epochs),
		"TUNELOOP_LEARNING_RATE="+strconv.FormatFloat(req.Hyperparams.LearningRate, 'g', -1, 64),
		"TUNELOOP_LORA_R="+strconv.Itoa(req.Hyperparams.LoraR),
		"TUNELOOP_LORA_ALPHA="+strconv.Itoa(req.Hyperparams.LoraAlpha),
		"TUNELOOP_LORA_DROPOUT="+strconv.FormatFloat(req.Hyperparams.LoraDropout, 'g', -1, 64),
	)

	b.logger.Info("training command starting",
		slog.String("command", b.command),
		slog.String("dataset", req.DatasetPath),
		slog.String("output", req.OutputPath),
		slog.Int("samples", sampleCount),
	)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("training command failed",
			slog.String("error", err.Error()),
			slog.String("output", tail(string(output), 2048)),
		)
		return nil, fmt.Errorf("training command: %w", err)
	}

	return &Result{
		ArtifactPath: req.OutputPath,
		Duration:     duration,
		SampleCount:  sampleCount,
	}, nil
}

// countSamples reads the dataset header to report the sample count without
// trusting the backend to echo it back.
func countSamples(datasetPath string) (int, error) {
	data, err := os.ReadFile(datasetPath)
	if err != nil {
		return 0, fmt.Errorf("read dataset: %w", err)
	}
	var samples []json.RawMessage
	if err := json.Unmarshal(data, &samples); err != nil {
		return 0, fmt.Errorf("parse dataset: %w", err)
	}
	return len(samples), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
