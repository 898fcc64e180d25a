// Package version owns the model artifact directory lifecycle: allocation of
// monotonically increasing version numbers, latest-version lookup, backup
// rotation, and registration of training runs in the persisted history.
package version

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tjfontaine/tuneloop/internal/domain"
)

// HistoryStore persists the append-only training run history.
type HistoryStore interface {
	AppendTrainingRun(ctx context.Context, run *domain.TrainingRun) error
	ListTrainingRuns(ctx context.Context, limit int) ([]*domain.TrainingRun, error)
}

// Manager manages version directories under a single models path. Directory
// names are the configured prefix followed by an integer; anything else in
// the directory is ignored.
type Manager struct {
	modelsPath string
	prefix     string
	history    HistoryStore
	logger     *slog.Logger
}

func NewManager(modelsPath, prefix string, history HistoryStore, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(modelsPath, 0o755); err != nil {
		return nil, fmt.Errorf("create models directory: %w", err)
	}
	return &Manager{
		modelsPath: modelsPath,
		prefix:     prefix,
		history:    history,
		logger:     logger,
	}, nil
}

// scan returns existing versions sorted by ascending version number.
// Malformed directory names are skipped, never treated as errors.
func (m *Manager) scan() ([]domain.ModelVersion, error) {
	dirEntries, err := os.ReadDir(m.modelsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read models directory: %w", err)
	}

	var versions []domain.ModelVersion
	for _, de := range dirEntries {
		if !de.IsDir() || !strings.HasPrefix(de.Name(), m.prefix) {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(de.Name(), m.prefix))
		if err != nil {
			continue
		}
		v := domain.ModelVersion{
			Number: num,
			Name:   de.Name(),
			Path:   filepath.Join(m.modelsPath, de.Name()),
		}
		if info, err := de.Info(); err == nil {
			v.CreatedAt = info.ModTime()
		}
		versions = append(versions, v)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Number < versions[j].Number })
	return versions, nil
}

// NextVersion returns the next unused version number: one past the highest
// existing version, or 1 when none exist.
func (m *Manager) NextVersion() (int, error) {
	versions, err := m.scan()
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1].Number + 1, nil
}

// VersionName renders a version number with the configured prefix.
func (m *Manager) VersionName(n int) string {
	return fmt.Sprintf("%s%d", m.prefix, n)
}

// VersionPath returns the artifact directory for a version number.
func (m *Manager) VersionPath(n int) string {
	return filepath.Join(m.modelsPath, m.VersionName(n))
}

// LatestVersionPath returns the directory of the highest existing version,
// or "" when no version exists yet.
func (m *Manager) LatestVersionPath() (string, error) {
	versions, err := m.scan()
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", nil
	}
	return versions[len(versions)-1].Path, nil
}

// Versions lists existing versions, newest first, with on-disk sizes.
func (m *Manager) Versions() ([]domain.ModelVersion, error) {
	versions, err := m.scan()
	if err != nil {
		return nil, err
	}
	for i := range versions {
		versions[i].SizeBytes = dirSize(versions[i].Path)
	}
	// Newest first for display.
	sort.Slice(versions, func(i, j int) bool { return versions[i].Number > versions[j].Number })
	return versions, nil
}

// RotateBackups deletes the oldest versions until strictly fewer than
// keepCount remain. It must run before a new version directory is written so
// retention is never exceeded upward.
func (m *Manager) RotateBackups(keepCount int) error {
	versions, err := m.scan()
	if err != nil {
		return err
	}

	for len(versions) >= keepCount && len(versions) > 0 {
		oldest := versions[0]
		versions = versions[1:]
		if err := os.RemoveAll(oldest.Path); err != nil {
			return fmt.Errorf("remove old version %s: %w", oldest.Name, err)
		}
		m.logger.Info("rotated out old version",
			slog.String("version", oldest.Name),
			slog.Int("keep_count", keepCount),
		)
	}
	return nil
}

// Register appends a training run to the persisted history. The history is
// never truncated.
func (m *Manager) Register(ctx context.Context, run *domain.TrainingRun) error {
	if err := m.history.AppendTrainingRun(ctx, run); err != nil {
		return fmt.Errorf("register training run: %w", err)
	}
	return nil
}

// History returns the full training run history, newest first when limit > 0.
func (m *Manager) History(ctx context.Context, limit int) ([]*domain.TrainingRun, error) {
	return m.history.ListTrainingRuns(ctx, limit)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
