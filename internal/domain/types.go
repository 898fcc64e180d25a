package domain

import (
	"fmt"
	"time"
)

// ConversationEntry is one accepted user/assistant exchange. Entries are
// immutable once persisted; append order is chronological order.
type ConversationEntry struct {
	UserMessage       string            `json:"user_message"`
	AssistantResponse string            `json:"assistant_response"`
	Timestamp         time.Time         `json:"timestamp"`
	UserID            string            `json:"user_id"`
	SessionID         string            `json:"session_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// TrainingFormat renders the entry as a single training turn.
func (e *ConversationEntry) TrainingFormat() string {
	return fmt.Sprintf("USER : %s<\\n>ASSISTANT : %s", e.UserMessage, e.AssistantResponse)
}

// CollectorStats describes the state of the conversation log. Every field is
// recomputable by re-reading the persisted log.
type CollectorStats struct {
	TotalCollected     int       `json:"total_collected"`
	FilteredOut        int       `json:"filtered_out"`
	LastCollectionTime time.Time `json:"last_collection_time,omitzero"`
	FileSizeBytes      int64     `json:"file_size_bytes"`
}

// ModelVersion describes one generation of a trained adapter artifact.
type ModelVersion struct {
	Number    int       `json:"number"`
	Name      string    `json:"name"` // prefix + number, e.g. "v3"
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
	BuiltFrom string    `json:"built_from,omitempty"` // prior version name, empty for the first
}

// TrainingRun is one append-only history record of a training job.
type TrainingRun struct {
	ID          string        `json:"id"`
	Version     string        `json:"version"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration_ns"`
	SampleCount int           `json:"sample_count"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
}

// Hyperparameters for the external training backend. The orchestrator never
// interprets these; they are passed through to the backend verbatim.
type Hyperparameters struct {
	Epochs       int     `json:"epochs" koanf:"epochs"`
	LearningRate float64 `json:"learning_rate" koanf:"learning_rate"`
	LoraR        int     `json:"lora_r" koanf:"lora_r"`
	LoraAlpha    int     `json:"lora_alpha" koanf:"lora_alpha"`
	LoraDropout  float64 `json:"lora_dropout" koanf:"lora_dropout"`
}

// CoordinatorState identifies what the training coordinator is doing.
type CoordinatorState string

const (
	StateIdle              CoordinatorState = "idle"
	StateRunning           CoordinatorState = "running"
	StateRunningWithQueued CoordinatorState = "running_with_queued_request"
)

// ProcessResult is the immediate acknowledgement returned to the caller of
// ProcessConversation. It never carries the eventual outcome of a job.
type ProcessResult struct {
	Collected         bool   `json:"collected"`
	Reason            string `json:"reason,omitempty"`
	TotalCollected    int    `json:"total_collected"`
	NewDataCount      int    `json:"new_data_count"`
	ShouldTrain       bool   `json:"should_train"`
	PendingCount      int    `json:"pending_count"`
	TrainingTriggered bool   `json:"training_triggered"`
	TrainingQueued    bool   `json:"training_queued"`
	CurrentVersion    string `json:"current_version,omitempty"`
}
