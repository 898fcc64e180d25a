package collector

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/tuneloop/internal/config"
	"github.com/tjfontaine/tuneloop/internal/domain"
)

type echoRenderer struct{}

func (echoRenderer) Render(entry *domain.ConversationEntry) (*domain.TrainingSample, error) {
	return &domain.TrainingSample{
		Input:  entry.UserMessage,
		Output: entry.AssistantResponse,
		Text:   entry.TrainingFormat(),
	}, nil
}

func newStore(t *testing.T, dir string, mutate func(*config.CollectionConfig)) *Store {
	t.Helper()
	cfg := config.CollectionConfig{
		Enabled:           true,
		MinLength:         5,
		MaxLength:         100,
		FilterTerms:       []string{"debug", "password"},
		DataPath:          dir,
		ConversationsFile: "conversations.jsonl",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestValidate(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)

	tests := []struct {
		name      string
		user      string
		assistant string
		wantOK    bool
		reason    string
	}{
		{"valid", "hello there friend", "general greetings to you", true, ""},
		{"user too short", "hi", "a perfectly fine answer", false, "too short"},
		{"assistant too short", "a perfectly fine question", "ok", false, "too short"},
		{"user too long", strings.Repeat("x", 101), "a fine answer here", false, "too long"},
		{"whitespace only counts trimmed", "     hello     ", "   y   ", false, "too short"},
		{"multibyte counts runes not bytes", "안녕하세요", "반갑습니다", true, ""},
		{"multibyte too short", "안녕하세", "a perfectly fine answer", false, "too short"},
		{"multibyte long but within bounds", strings.Repeat("한", 100), "a fine answer here", true, ""},
		{"multibyte too long", strings.Repeat("한", 101), "a fine answer here", false, "too long"},
		{"filter term in user", "please DEBUG this thing", "sure thing friend", false, "filtered term"},
		{"filter term in assistant", "what is my login", "your password is hunter2", false, "filtered term"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := s.Validate(tt.user, tt.assistant)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (reason %q)", ok, tt.wantOK, reason)
			}
			if !ok && !strings.Contains(reason, tt.reason) {
				t.Fatalf("reason = %q, want substring %q", reason, tt.reason)
			}
		})
	}
}

func TestCollectCounts(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)

	ok, _ := s.Collect(domain.ConversationEntry{UserMessage: "how are you today", AssistantResponse: "doing great thanks"})
	if !ok {
		t.Fatal("valid entry rejected")
	}
	ok, reason := s.Collect(domain.ConversationEntry{UserMessage: "hi", AssistantResponse: "short rejection case here"})
	if ok {
		t.Fatal("invalid entry accepted")
	}
	if reason == "" {
		t.Fatal("rejection carried no reason")
	}

	stats := s.Stats()
	if stats.TotalCollected != 1 || stats.FilteredOut != 1 {
		t.Fatalf("stats = %+v, want 1 collected / 1 filtered", stats)
	}
	if stats.FileSizeBytes == 0 {
		t.Fatal("file size not tracked")
	}
	if stats.LastCollectionTime.IsZero() {
		t.Fatal("last collection time not tracked")
	}
}

func TestCollectDisabled(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	s.SetEnabled(false)

	ok, reason := s.Collect(domain.ConversationEntry{UserMessage: "how are you today", AssistantResponse: "doing great thanks"})
	if ok || !strings.Contains(reason, "disabled") {
		t.Fatalf("collect while disabled: ok=%v reason=%q", ok, reason)
	}

	s.SetEnabled(true)
	if ok, _ := s.Collect(domain.ConversationEntry{UserMessage: "how are you today", AssistantResponse: "doing great thanks"}); !ok {
		t.Fatal("collect after re-enable rejected")
	}
}

func TestStatsRecomputedOnReopen(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)

	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ok, _ := s.Collect(domain.ConversationEntry{
			UserMessage:       "question number one here",
			AssistantResponse: "answer number one here",
			Timestamp:         ts.Add(time.Duration(i) * time.Minute),
		})
		if !ok {
			t.Fatalf("entry %d rejected", i)
		}
	}

	reopened := newStore(t, dir, nil)
	stats := reopened.Stats()
	if stats.TotalCollected != 3 {
		t.Fatalf("recomputed count = %d, want 3", stats.TotalCollected)
	}
	if !stats.LastCollectionTime.Equal(ts.Add(2 * time.Minute)) {
		t.Fatalf("recomputed last time = %v", stats.LastCollectionTime)
	}
}

func TestEntriesTail(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	for i := 0; i < 5; i++ {
		s.Collect(domain.ConversationEntry{
			UserMessage:       "question about topics",
			AssistantResponse: "answer about topics",
			UserID:            string(rune('a' + i)),
		})
	}

	entries, err := s.Entries(2)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].UserID != "d" || entries[1].UserID != "e" {
		t.Fatalf("tail order wrong: %q, %q", entries[0].UserID, entries[1].UserID)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	out := filepath.Join(dir, "dataset.json")

	if _, _, err := s.Export(echoRenderer{}, out); !errors.Is(err, domain.ErrEmptyStore) {
		t.Fatalf("export empty store: err = %v, want ErrEmptyStore", err)
	}

	s.Collect(domain.ConversationEntry{UserMessage: "what is the weather", AssistantResponse: "sunny with a chance of rain"})
	s.Collect(domain.ConversationEntry{UserMessage: "and tomorrow then", AssistantResponse: "cloudy in the morning"})

	path, count, err := s.Export(echoRenderer{}, out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if path != out || count != 2 {
		t.Fatalf("path=%q count=%d", path, count)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	if !strings.Contains(string(data), "USER : what is the weather") {
		t.Fatalf("dataset missing rendered text: %s", data)
	}
}

func TestBackupAndClear(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)

	s.Collect(domain.ConversationEntry{UserMessage: "remember this one", AssistantResponse: "certainly will do"})

	backup, err := s.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	orig, _ := os.ReadFile(s.Path())
	copied, _ := os.ReadFile(backup)
	if string(orig) != string(copied) {
		t.Fatal("backup differs from source")
	}

	if err := s.Clear(false); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.TotalCollected() != 0 {
		t.Fatalf("count after clear = %d", s.TotalCollected())
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Fatal("log file survived clear")
	}
	if _, err := os.Stat(backup); err != nil {
		t.Fatal("backup removed by clear")
	}

	// Clearing an already-empty store is not an error.
	if err := s.Clear(true); err != nil {
		t.Fatalf("Clear empty: %v", err)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)

	for i := 0; i < 3; i++ {
		s.Collect(domain.ConversationEntry{
			UserMessage:       "round trip question here",
			AssistantResponse: "round trip answer here",
			SessionID:         string(rune('a' + i)),
		})
	}
	before, err := s.Entries(0)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}

	backup, err := s.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := s.Clear(false); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	// Restore by putting the backup back in place and reopening.
	data, err := os.ReadFile(backup)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), data, 0o644); err != nil {
		t.Fatal(err)
	}
	restored := newStore(t, dir, nil)

	after, err := restored.Entries(0)
	if err != nil {
		t.Fatalf("Entries after restore: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("restored %d entries, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].SessionID != before[i].SessionID {
			t.Fatalf("entry %d: session %q, want %q", i, after[i].SessionID, before[i].SessionID)
		}
	}
	if restored.TotalCollected() != 3 {
		t.Fatalf("restored count = %d", restored.TotalCollected())
	}
}

func TestPendingCount(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	for i := 0; i < 3; i++ {
		s.Collect(domain.ConversationEntry{UserMessage: "another question here", AssistantResponse: "another answer here"})
	}

	if got := s.PendingCount(5, 0); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	if got := s.PendingCount(3, 0); got != 0 {
		t.Fatalf("pending at threshold = %d, want 0", got)
	}
	if got := s.PendingCount(2, 3); got != 2 {
		t.Fatalf("pending after training = %d, want 2", got)
	}
}
