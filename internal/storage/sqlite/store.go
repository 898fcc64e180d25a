// Package sqlite persists the training run history and the event-log window.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/tuneloop/internal/domain"
)

// Store is a SQLite-backed persistence layer. The training_runs table is
// append-only and unbounded; the events table holds only the most recent
// window flushed by the event log.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS training_runs (
			id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			duration_ns INTEGER NOT NULL,
			sample_count INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			data TEXT,
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_training_runs_start ON training_runs(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// AppendTrainingRun inserts one history record. Records are never updated or
// deleted.
func (s *Store) AppendTrainingRun(ctx context.Context, run *domain.TrainingRun) error {
	query := `INSERT INTO training_runs (id, version, start_time, end_time, duration_ns, sample_count, success, error, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Version, run.StartTime, run.EndTime, int64(run.Duration),
		run.SampleCount, run.Success, run.Error, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert training run: %w", err)
	}
	return nil
}

// ListTrainingRuns returns the history in chronological order. A limit of
// zero or below returns every record.
func (s *Store) ListTrainingRuns(ctx context.Context, limit int) ([]*domain.TrainingRun, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	query := `SELECT id, version, start_time, end_time, duration_ns, sample_count, success, error
	          FROM training_runs ORDER BY start_time ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.TrainingRun
	for rows.Next() {
		var run domain.TrainingRun
		var durationNS int64
		var errMsg sql.NullString
		if err := rows.Scan(&run.ID, &run.Version, &run.StartTime, &run.EndTime,
			&durationNS, &run.SampleCount, &run.Success, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}
		run.Duration = time.Duration(durationNS)
		if errMsg.Valid {
			run.Error = errMsg.String
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// ReplaceEvents atomically replaces the persisted event window with the given
// events, oldest first.
func (s *Store) ReplaceEvents(ctx context.Context, events []*domain.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (type, timestamp, data, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(ev.Type), ev.Timestamp, string(data), ev.Message); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	return tx.Commit()
}

// LoadEvents returns the persisted event window, oldest first.
func (s *Store) LoadEvents(ctx context.Context) ([]*domain.Event, error) {
	query := `SELECT type, timestamp, data, message FROM events ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var evType string
		var dataJSON sql.NullString
		if err := rows.Scan(&evType, &ev.Timestamp, &dataJSON, &ev.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = domain.EventType(evType)
		if dataJSON.Valid && dataJSON.String != "" && dataJSON.String != "null" {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
