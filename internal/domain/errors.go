package domain

import "errors"

var (
	// ErrTrainingInProgress is returned when a manual trigger arrives while a
	// job is already running. It is a conflict, not a failure: the caller can
	// distinguish it from "no work to do".
	ErrTrainingInProgress = errors.New("training already in progress")

	// ErrEmptyStore is returned by dataset export when no entries have been
	// persisted yet.
	ErrEmptyStore = errors.New("no conversations collected")

	// ErrInvalidSetting is returned when a settings update carries a value
	// that fails validation. The previous value stays in effect.
	ErrInvalidSetting = errors.New("invalid setting value")

	// ErrNothingToTrain is returned by a non-forced manual trigger when the
	// accumulated new data does not meet the batch size. Distinct from
	// ErrTrainingInProgress so callers can tell "busy" from "no work".
	ErrNothingToTrain = errors.New("not enough new data to train")

	// ErrShuttingDown is returned when a trigger decision arrives after
	// shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)
