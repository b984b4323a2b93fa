package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultStorageDir         = "storage"
	defaultDBPath             = "storage/tasks.db"
	defaultMaxConcurrentTasks = 10
	defaultTaskTimeoutMin     = 60
	defaultRetentionDays      = 7
	defaultMaxFileSizeMB      = 500
	defaultStorageCapacityMB  = 50_000
	defaultSweepIntervalMin   = 5
	defaultEngineURL          = "http://localhost:8388"
	defaultEngineRetries      = 3
	defaultEngineBackoffMS    = 500
	defaultCallbackRetries    = 3
)

// Config describes runtime configuration for the service.
type Config struct {
	Port               int      `yaml:"port"`
	StorageDir         string   `yaml:"storage_dir"`
	DBPath             string   `yaml:"db_path"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	TaskTimeoutMinutes int      `yaml:"task_timeout_minutes"`
	RetentionDays      int      `yaml:"retention_days"`
	MaxFileSizeMB      int      `yaml:"max_file_size_mb"`
	StorageCapacityMB  int      `yaml:"storage_capacity_mb"`
	SupportedFormats   []string `yaml:"supported_formats"`
	SweepIntervalMin   int      `yaml:"sweep_interval_minutes"`
	EngineURL          string   `yaml:"engine_url"`
	EngineRetries      int      `yaml:"engine_retries"`
	EngineBackoffMS    int      `yaml:"engine_backoff_ms"`
	CallbackRetries    int      `yaml:"callback_retries"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	return Config{
		Port:               defaultPort,
		StorageDir:         defaultStorageDir,
		DBPath:             defaultDBPath,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		TaskTimeoutMinutes: defaultTaskTimeoutMin,
		RetentionDays:      defaultRetentionDays,
		MaxFileSizeMB:      defaultMaxFileSizeMB,
		StorageCapacityMB:  defaultStorageCapacityMB,
		SupportedFormats:   []string{".wav"},
		SweepIntervalMin:   defaultSweepIntervalMin,
		EngineURL:          defaultEngineURL,
		EngineRetries:      defaultEngineRetries,
		EngineBackoffMS:    defaultEngineBackoffMS,
		CallbackRetries:    defaultCallbackRetries,
	}
}

// TaskTimeout returns the per-task wall-clock budget.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

// RetentionWindow returns how long terminal task data is kept.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SweepInterval returns how often the retention/recovery sweep runs.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMin) * time.Minute
}

// EngineBackoff returns the initial retry backoff for transient failures.
func (c Config) EngineBackoff() time.Duration {
	return time.Duration(c.EngineBackoffMS) * time.Millisecond
}

// Load reads YAML config from the provided path, then applies VOXSPLIT_*
// environment overrides. A missing or empty file yields defaults with no
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.SupportedFormats = normalizeExtensions(cfg.SupportedFormats)
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", c.MaxConcurrentTasks)
	}
	if c.TaskTimeoutMinutes < 1 {
		return fmt.Errorf("invalid task_timeout_minutes: %d (must be >= 1)", c.TaskTimeoutMinutes)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("invalid retention_days: %d (must be >= 1)", c.RetentionDays)
	}
	if c.MaxFileSizeMB < 1 {
		return fmt.Errorf("invalid max_file_size_mb: %d (must be >= 1)", c.MaxFileSizeMB)
	}
	return nil
}

// applyEnv overlays VOXSPLIT_* variables on top of file values. godotenv is
// expected to have populated the process environment from .env beforehand.
func applyEnv(cfg *Config) {
	setString(&cfg.StorageDir, "VOXSPLIT_STORAGE_DIR")
	setString(&cfg.DBPath, "VOXSPLIT_DB_PATH")
	setString(&cfg.EngineURL, "VOXSPLIT_ENGINE_URL")
	setInt(&cfg.Port, "VOXSPLIT_PORT")
	setInt(&cfg.MaxConcurrentTasks, "VOXSPLIT_MAX_CONCURRENT_TASKS")
	setInt(&cfg.TaskTimeoutMinutes, "VOXSPLIT_TASK_TIMEOUT_MINUTES")
	setInt(&cfg.RetentionDays, "VOXSPLIT_RETENTION_DAYS")
	setInt(&cfg.MaxFileSizeMB, "VOXSPLIT_MAX_FILE_SIZE_MB")
	setInt(&cfg.StorageCapacityMB, "VOXSPLIT_STORAGE_CAPACITY_MB")
	setInt(&cfg.SweepIntervalMin, "VOXSPLIT_SWEEP_INTERVAL_MINUTES")
	setInt(&cfg.EngineRetries, "VOXSPLIT_ENGINE_RETRIES")
	setInt(&cfg.CallbackRetries, "VOXSPLIT_CALLBACK_RETRIES")
	if v := os.Getenv("VOXSPLIT_SUPPORTED_FORMATS"); v != "" {
		cfg.SupportedFormats = strings.Split(v, ",")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return []string{".wav"}
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
