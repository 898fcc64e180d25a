package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/tuneloop/internal/domain"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Collection CollectionConfig `koanf:"collection"`
	Finetune   FinetuneConfig   `koanf:"finetune"`
	Dataset    DatasetConfig    `koanf:"dataset"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// Path is the SQLite database holding training history and the
	// persisted event window.
	Path string `koanf:"path"`
}

type CollectionConfig struct {
	Enabled           bool     `koanf:"enabled"`
	MinLength         int      `koanf:"min_length"`
	MaxLength         int      `koanf:"max_length"`
	FilterTerms       []string `koanf:"filter_terms"`
	DataPath          string   `koanf:"data_path"`
	ConversationsFile string   `koanf:"conversations_file"`
}

type FinetuneConfig struct {
	Enabled       bool                   `koanf:"enabled"`
	BatchSize     int                    `koanf:"batch_size"`
	AutoTrigger   bool                   `koanf:"auto_trigger"`
	ModelsPath    string                 `koanf:"models_path"`
	BackupCount   int                    `koanf:"backup_count"`
	VersionPrefix string                 `koanf:"version_prefix"`
	DatasetFile   string                 `koanf:"dataset_file"`
	SettleDelay   time.Duration          `koanf:"settle_delay"`
	Command       string                 `koanf:"command"` // external training command
	Hyperparams   domain.Hyperparameters `koanf:"hyperparameters"`
}

type DatasetConfig struct {
	// TokenizerModel selects the tiktoken encoding used for supervision-span
	// matching.
	TokenizerModel string `koanf:"tokenizer_model"`
	// FallbackMargin is the fixed token margin used when exact span matching
	// fails and placement falls back to an end-anchored estimate.
	FallbackMargin int `koanf:"fallback_margin"`
}

type MonitoringConfig struct {
	Enabled        bool          `koanf:"enabled"`
	WebhookURL     string        `koanf:"webhook_url"`
	WebhookTimeout time.Duration `koanf:"webhook_timeout"`
	// CleanupSchedule is a cron expression for periodic event-log cleanup.
	// Empty disables the schedule.
	CleanupSchedule string `koanf:"cleanup_schedule"`
	CleanupKeepDays int    `koanf:"cleanup_keep_days"`
}

// DefaultFilterTerms keeps system and diagnostic traffic out of the training
// data when no filter list is configured.
var DefaultFilterTerms = []string{
	"debug", "test", "health", "status", "error", "system", "server", "api",
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Config file is optional; env vars alone are a valid configuration.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	// Environment variables override file config.
	if err := k.Load(env.Provider("TUNELOOP_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TUNELOOP_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":                   8080,
		"storage.path":                  "./data/tuneloop.db",
		"collection.enabled":            true,
		"collection.min_length":         5,
		"collection.max_length":         2000,
		"collection.data_path":          "./data/finetune",
		"collection.conversations_file": "conversations.jsonl",
		"finetune.enabled":              true,
		"finetune.batch_size":           50,
		"finetune.auto_trigger":         true,
		"finetune.models_path":          "./models",
		"finetune.backup_count":         3,
		"finetune.version_prefix":       "v",
		"finetune.dataset_file":         "training_dataset.json",
		"finetune.settle_delay":         time.Second,
		"finetune.hyperparameters": map[string]any{
			"epochs":        2,
			"learning_rate": 1e-4,
			"lora_r":        16,
			"lora_alpha":    32,
			"lora_dropout":  0.1,
		},
		"dataset.tokenizer_model":      "gpt-4o",
		"dataset.fallback_margin":      2,
		"monitoring.enabled":           true,
		"monitoring.webhook_timeout":   10 * time.Second,
		"monitoring.cleanup_keep_days": 30,
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	if !k.Exists("collection.filter_terms") {
		k.Set("collection.filter_terms", DefaultFilterTerms)
	}
}

// Validate rejects configurations that the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Finetune.BatchSize <= 0 {
		return fmt.Errorf("finetune.batch_size must be positive, got %d", c.Finetune.BatchSize)
	}
	if c.Finetune.BackupCount < 0 {
		return fmt.Errorf("finetune.backup_count must be non-negative, got %d", c.Finetune.BackupCount)
	}
	if c.Collection.MinLength >= c.Collection.MaxLength {
		return fmt.Errorf("collection.min_length (%d) must be below collection.max_length (%d)",
			c.Collection.MinLength, c.Collection.MaxLength)
	}
	if c.Dataset.FallbackMargin < 0 {
		return fmt.Errorf("dataset.fallback_margin must be non-negative, got %d", c.Dataset.FallbackMargin)
	}
	return nil
}
