// Package collector persists validated conversation turns to an append-only
// JSONL log and tracks collection statistics. The log is the single source of
// truth: every statistic can be recomputed by re-reading it.
package collector

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/tuneloop/internal/config"
	"github.com/tjfontaine/tuneloop/internal/domain"
)

// SampleRenderer turns a persisted entry into a training sample. Implemented
// by the dataset preparer.
type SampleRenderer interface {
	Render(entry *domain.ConversationEntry) (*domain.TrainingSample, error)
}

// Store is the append-only conversation store. All durable writes are
// serialized under a single in-process mutex so concurrent collectors never
// interleave partial lines.
type Store struct {
	mu sync.Mutex

	enabled     bool
	minLength   int
	maxLength   int
	filterTerms []string

	dataPath string
	filePath string

	stats  domain.CollectorStats
	logger *slog.Logger
}

// New creates the store, ensures its data directory exists, and rebuilds
// statistics from the persisted log.
func New(cfg config.CollectionConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &Store{
		enabled:     cfg.Enabled,
		minLength:   cfg.MinLength,
		maxLength:   cfg.MaxLength,
		filterTerms: cfg.FilterTerms,
		dataPath:    cfg.DataPath,
		filePath:    filepath.Join(cfg.DataPath, cfg.ConversationsFile),
		logger:      logger,
	}

	if err := s.loadStats(); err != nil {
		return nil, err
	}

	logger.Info("conversation store ready",
		slog.Bool("enabled", s.enabled),
		slog.String("path", s.filePath),
		slog.Int("collected", s.stats.TotalCollected),
	)

	return s, nil
}

// loadStats recomputes collection counters from the log itself.
func (s *Store) loadStats() error {
	info, err := os.Stat(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat conversation log: %w", err)
	}

	f, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	count := 0
	var last domain.ConversationEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		count++
		// Only the final record's timestamp matters; ignore parse errors on
		// the way so a single damaged line does not lose the whole count.
		_ = json.Unmarshal([]byte(line), &last)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan conversation log: %w", err)
	}

	s.stats.TotalCollected = count
	s.stats.FileSizeBytes = info.Size()
	if !last.Timestamp.IsZero() {
		s.stats.LastCollectionTime = last.Timestamp
	}
	return nil
}

// Validate checks a turn against the configured length bounds and filter
// terms. Returns ok plus a human-readable rejection reason.
func (s *Store) Validate(userMessage, assistantResponse string) (bool, string) {
	s.mu.Lock()
	enabled := s.enabled
	minLen, maxLen := s.minLength, s.maxLength
	terms := s.filterTerms
	s.mu.Unlock()

	if !enabled {
		return false, "collection disabled"
	}

	// Bounds count characters, not bytes, so multibyte text is measured the
	// way a user would count it.
	userLen := utf8.RuneCountInString(strings.TrimSpace(userMessage))
	assistantLen := utf8.RuneCountInString(strings.TrimSpace(assistantResponse))

	switch {
	case userLen < minLen:
		return false, fmt.Sprintf("user message too short (%d < %d)", userLen, minLen)
	case assistantLen < minLen:
		return false, fmt.Sprintf("assistant response too short (%d < %d)", assistantLen, minLen)
	case userLen > maxLen:
		return false, fmt.Sprintf("user message too long (%d > %d)", userLen, maxLen)
	case assistantLen > maxLen:
		return false, fmt.Sprintf("assistant response too long (%d > %d)", assistantLen, maxLen)
	}

	combined := strings.ToLower(userMessage + " " + assistantResponse)
	for _, term := range terms {
		if term != "" && strings.Contains(combined, strings.ToLower(term)) {
			return false, fmt.Sprintf("filtered term %q", term)
		}
	}

	return true, ""
}

// Collect validates and appends one conversation turn. It returns false with
// a reason when the turn is rejected or the durable write fails; counters are
// only mutated on the matching outcome.
func (s *Store) Collect(entry domain.ConversationEntry) (bool, string) {
	ok, reason := s.Validate(entry.UserMessage, entry.AssistantResponse)
	if !ok {
		s.mu.Lock()
		s.stats.FilteredOut++
		s.mu.Unlock()
		s.logger.Debug("conversation filtered", slog.String("reason", reason))
		return false, reason
	}

	entry.UserMessage = strings.TrimSpace(entry.UserMessage)
	entry.AssistantResponse = strings.TrimSpace(entry.AssistantResponse)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.UserID == "" {
		entry.UserID = "default"
	}

	line, err := json.Marshal(&entry)
	if err != nil {
		s.logger.Error("marshal conversation entry", slog.String("error", err.Error()))
		return false, "serialization failed"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(line); err != nil {
		s.logger.Error("append conversation entry", slog.String("error", err.Error()))
		return false, "durable write failed"
	}

	s.stats.TotalCollected++
	s.stats.LastCollectionTime = entry.Timestamp
	if info, err := os.Stat(s.filePath); err == nil {
		s.stats.FileSizeBytes = info.Size()
	}

	return true, ""
}

// appendLine writes one full record plus newline in a single write call so a
// failure cannot corrupt previously written entries. Caller holds s.mu.
func (s *Store) appendLine(line []byte) error {
	f, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// Entries reads persisted entries in append order. A non-zero limit returns
// only the most recent entries.
func (s *Store) Entries(limit int) ([]domain.ConversationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEntries(limit)
}

func (s *Store) readEntries(limit int) ([]domain.ConversationEntry, error) {
	f, err := os.Open(s.filePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()

	var entries []domain.ConversationEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry domain.ConversationEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn("skipping malformed log line", slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan conversation log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Export renders every persisted entry through the renderer and writes the
// dataset atomically. Returns the dataset path and the number of samples it
// holds, or domain.ErrEmptyStore when nothing has been collected.
func (s *Store) Export(renderer SampleRenderer, outputPath string) (string, int, error) {
	s.mu.Lock()
	entries, err := s.readEntries(0)
	s.mu.Unlock()
	if err != nil {
		return "", 0, err
	}
	if len(entries) == 0 {
		return "", 0, domain.ErrEmptyStore
	}

	samples := make([]*domain.TrainingSample, 0, len(entries))
	for i := range entries {
		sample, err := renderer.Render(&entries[i])
		if err != nil {
			return "", 0, fmt.Errorf("render sample %d: %w", i, err)
		}
		samples = append(samples, sample)
	}

	data, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("marshal dataset: %w", err)
	}

	// Write to a temp file in the same directory and rename so a failed
	// export never leaves a truncated dataset behind.
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".dataset-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create dataset temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("write dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("close dataset temp file: %w", err)
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("finalize dataset: %w", err)
	}

	s.logger.Info("dataset exported",
		slog.String("path", outputPath),
		slog.Int("samples", len(samples)),
	)
	return outputPath, len(samples), nil
}

// Backup copies the durable log to a timestamp-suffixed file. The live log is
// not mutated.
func (s *Store) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := os.Open(s.filePath)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("nothing to back up: %w", err)
	}
	if err != nil {
		return "", fmt.Errorf("open conversation log: %w", err)
	}
	defer src.Close()

	name := fmt.Sprintf("conversations_backup_%s.jsonl", time.Now().Format("20060102_150405"))
	backupPath := filepath.Join(s.dataPath, name)

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", fmt.Errorf("copy backup: %w", err)
	}

	s.logger.Info("conversation log backed up", slog.String("path", backupPath))
	return backupPath, nil
}

// Clear deletes the durable log and resets in-memory statistics. With
// backupFirst it takes a backup beforehand.
func (s *Store) Clear(backupFirst bool) error {
	if backupFirst {
		if _, err := s.Backup(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("pre-clear backup failed", slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove conversation log: %w", err)
	}
	s.stats = domain.CollectorStats{}
	s.logger.Info("conversation log cleared")
	return nil
}

// Stats returns a snapshot of the collection counters.
func (s *Store) Stats() domain.CollectorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// TotalCollected returns the count of persisted entries.
func (s *Store) TotalCollected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.TotalCollected
}

// PendingCount is how many more entries are needed before the delta trigger
// policy is met again.
func (s *Store) PendingCount(batchSize, lastTrainingCount int) int {
	s.mu.Lock()
	newData := s.stats.TotalCollected - lastTrainingCount
	s.mu.Unlock()

	if pending := batchSize - newData; pending > 0 {
		return pending
	}
	return 0
}

// SetEnabled toggles collection at runtime.
func (s *Store) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Enabled reports whether collection is accepting entries.
func (s *Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Path returns the location of the durable log.
func (s *Store) Path() string {
	return s.filePath
}
