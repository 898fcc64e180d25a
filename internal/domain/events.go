package domain

import "time"

// EventType identifies the kind of lifecycle event recorded in the audit trail.
type EventType string

const (
	EventConversationCollected EventType = "conversation_collected"
	EventTrainingTriggered     EventType = "training_triggered"
	EventTrainingCompleted     EventType = "training_completed"
	EventTrainingFailed        EventType = "training_failed"
	EventTrainingQueued        EventType = "training_queued"
	EventSettingsUpdated       EventType = "settings_updated"
	EventCleanupCompleted      EventType = "cleanup_completed"
	EventSystemInitialized     EventType = "system_initialized"
	EventSystemShutdown        EventType = "system_shutdown"
	EventError                 EventType = "error"
)

// Event is one append-only audit record of the orchestration lifecycle.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message"`
}

// Notifiable reports whether this event type is forwarded to the external
// notification sink.
func (t EventType) Notifiable() bool {
	switch t {
	case EventTrainingCompleted, EventTrainingFailed, EventError:
		return true
	}
	return false
}
