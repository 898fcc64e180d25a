// Package events records the append-only audit trail of orchestration
// lifecycle events and forwards a subset of them to an external notification
// sink, off the critical path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/tuneloop/internal/domain"
	"github.com/tjfontaine/tuneloop/internal/ports"
)

const (
	// persistWindow caps how many events the persisted copy retains.
	persistWindow = 1000
	// flushEvery controls the periodic flush cadence.
	flushEvery = 10

	notifyTimeout = 10 * time.Second
)

// PersistStore is the durable home of the most recent event window.
type PersistStore interface {
	ReplaceEvents(ctx context.Context, events []*domain.Event) error
	LoadEvents(ctx context.Context) ([]*domain.Event, error)
}

// Log is the in-process event log. The in-memory list grows for the process
// lifetime; only the most recent window is persisted.
type Log struct {
	mu         sync.Mutex
	events     []*domain.Event
	appends    int
	monitoring bool

	store  PersistStore
	sink   ports.NotificationSink
	logger *slog.Logger
}

// NewLog creates the event log, seeding the in-memory list from the
// persisted window when a store is configured. Both store and sink are
// optional.
func NewLog(store PersistStore, sink ports.NotificationSink, monitoring bool, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{
		monitoring: monitoring,
		store:      store,
		sink:       sink,
		logger:     logger,
	}

	if store != nil {
		persisted, err := store.LoadEvents(context.Background())
		if err != nil {
			logger.Warn("failed to load persisted events", slog.String("error", err.Error()))
		} else {
			l.events = persisted
		}
	}

	return l
}

// Append records an event, periodically flushes the persisted window, and
// dispatches notifiable event types to the sink asynchronously. Notification
// failures are logged and never retried or propagated.
func (l *Log) Append(eventType domain.EventType, data map[string]any, message string) {
	event := &domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Message:   message,
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.appends++
	flush := l.appends%flushEvery == 0
	monitoring := l.monitoring
	l.mu.Unlock()

	if monitoring {
		l.logger.Info("event recorded",
			slog.String("type", string(eventType)),
			slog.String("message", message),
		)
	}

	if flush {
		if err := l.Flush(context.Background()); err != nil {
			l.logger.Warn("event flush failed", slog.String("error", err.Error()))
		}
	}

	if l.sink != nil && eventType.Notifiable() {
		l.dispatchNotification(event)
	}
}

// dispatchNotification sends the event to the sink in the background with a
// detached, timeout-bounded context so a slow sink never stalls the caller.
func (l *Log) dispatchNotification(event *domain.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := l.sink.Notify(ctx, NotificationPayload(event)); err != nil {
			l.logger.Warn("notification dispatch failed",
				slog.String("type", string(event.Type)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Flush persists the most recent window unconditionally.
func (l *Log) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	l.mu.Lock()
	window := l.events
	if len(window) > persistWindow {
		window = window[len(window)-persistWindow:]
	}
	snapshot := make([]*domain.Event, len(window))
	copy(snapshot, window)
	l.mu.Unlock()

	return l.store.ReplaceEvents(ctx, snapshot)
}

// Query returns the most recent limit events, optionally filtered by type.
// An empty eventType matches everything; limit <= 0 means no limit.
func (l *Log) Query(eventType domain.EventType, limit int) []*domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []*domain.Event
	if eventType == "" {
		matched = append(matched, l.events...)
	} else {
		for _, ev := range l.events {
			if ev.Type == eventType {
				matched = append(matched, ev)
			}
		}
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Count returns the total number of in-memory events.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Cleanup removes events older than the cutoff from both the in-memory list
// and the persisted copy, then records its own completion.
func (l *Log) Cleanup(ctx context.Context, keepDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	l.mu.Lock()
	kept := l.events[:0]
	removed := 0
	for _, ev := range l.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		} else {
			removed++
		}
	}
	l.events = kept
	l.mu.Unlock()

	if err := l.Flush(ctx); err != nil {
		return removed, err
	}

	l.Append(domain.EventCleanupCompleted, map[string]any{
		"keep_days":      keepDays,
		"removed_events": removed,
	}, "event log cleanup completed")

	return removed, nil
}

// SetMonitoring toggles local event echoing at runtime.
func (l *Log) SetMonitoring(enabled bool) {
	l.mu.Lock()
	l.monitoring = enabled
	l.mu.Unlock()
}

// TypeCounts aggregates the in-memory events by type.
func (l *Log) TypeCounts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int, 8)
	for _, ev := range l.events {
		counts[string(ev.Type)]++
	}
	return counts
}
