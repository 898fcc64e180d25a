package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/tuneloop/internal/coordinator"
	"github.com/tjfontaine/tuneloop/internal/domain"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

// CollectRequest is one conversation turn submitted for collection.
type CollectRequest struct {
	UserMessage       string            `json:"user_message"`
	AssistantResponse string            `json:"assistant_response"`
	UserID            string            `json:"user_id,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	var req CollectRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserMessage == "" || req.AssistantResponse == "" {
		http.Error(w, "user_message and assistant_response are required", http.StatusBadRequest)
		return
	}

	result := s.coord.ProcessConversation(r.Context(), domain.ConversationEntry{
		UserMessage:       req.UserMessage,
		AssistantResponse: req.AssistantResponse,
		Timestamp:         time.Now(),
		UserID:            req.UserID,
		SessionID:         req.SessionID,
		Metadata:          req.Metadata,
	})

	// A rejected turn is a normal outcome, not a client error; the reason
	// travels in the ack.
	writeJSON(w, result)
}

// TriggerRequest carries the manual trigger options.
type TriggerRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid force parameter", http.StatusBadRequest)
			return
		}
		req.Force = force
	}

	err := s.coord.Trigger(req.Force)
	switch {
	case errors.Is(err, domain.ErrTrainingInProgress):
		http.Error(w, "training already in progress", http.StatusConflict)
		return
	case errors.Is(err, domain.ErrNothingToTrain):
		http.Error(w, "not enough new data to train", http.StatusBadRequest)
		return
	case errors.Is(err, domain.ErrShuttingDown):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, "failed to trigger training", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "training_started", "forced": req.Force})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	runs, err := s.versions.History(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to load training history", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*domain.TrainingRun{}
	}
	writeJSON(w, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	eventType := domain.EventType(r.URL.Query().Get("type"))
	evts := s.events.Query(eventType, limit)
	writeJSON(w, map[string]any{"events": evts, "count": len(evts)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	runs, err := s.versions.History(r.Context(), 0)
	if err != nil {
		http.Error(w, "failed to load training history", http.StatusInternalServerError)
		return
	}

	var successes int
	var totalDuration time.Duration
	for _, run := range runs {
		if run.Success {
			successes++
			totalDuration += run.Duration
		}
	}
	successRate := 0.0
	if len(runs) > 0 {
		successRate = float64(successes) / float64(len(runs))
	}
	var avgDuration time.Duration
	if successes > 0 {
		avgDuration = totalDuration / time.Duration(successes)
	}

	st := s.coord.Status()
	writeJSON(w, map[string]any{
		"collector": st.Collector,
		"training": map[string]any{
			"total_runs":          len(runs),
			"successful_runs":     successes,
			"failed_runs":         len(runs) - successes,
			"success_rate":        successRate,
			"average_duration_ms": avgDuration.Milliseconds(),
			"current_version":     st.CurrentVersion,
		},
		"events": s.events.TypeCounts(),
	})
}

// SettingsRequest carries a partial settings update; absent fields are left
// unchanged.
type SettingsRequest struct {
	BatchSize         *int  `json:"batch_size,omitempty"`
	AutoTrigger       *bool `json:"auto_trigger,omitempty"`
	CollectionEnabled *bool `json:"collection_enabled,omitempty"`
	MonitoringEnabled *bool `json:"monitoring_enabled,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	changed, err := s.coord.UpdateSettings(coordinator.Settings{
		BatchSize:         req.BatchSize,
		AutoTrigger:       req.AutoTrigger,
		CollectionEnabled: req.CollectionEnabled,
		MonitoringEnabled: req.MonitoringEnabled,
	})
	if errors.Is(err, domain.ErrInvalidSetting) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to update settings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"updated": changed})
}

// CleanupRequest overrides the configured retention for one cleanup pass.
type CleanupRequest struct {
	KeepDays *int `json:"keep_days,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	keepDays := s.keepDays
	if req.KeepDays != nil {
		if *req.KeepDays <= 0 {
			http.Error(w, "keep_days must be positive", http.StatusBadRequest)
			return
		}
		keepDays = *req.KeepDays
	}

	purged, err := s.events.Cleanup(r.Context(), keepDays)
	if err != nil {
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"purged_events": purged, "keep_days": keepDays})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
