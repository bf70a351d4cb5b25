package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the ingest server and the OCR worker.
type Config struct {
	BasicConfig BasicConfig  `json:"basic_config"`
	Redis       RedisConfig  `json:"redis"`
	Jobs        JobConfig    `json:"jobs"`
	Worker      WorkerConfig `json:"worker"`
}

type BasicConfig struct {
	Port            int      `json:"port"`
	QuarantineDir   string   `json:"quarantine_dir"`
	MaxUploadMB     float64  `json:"max_upload_mb"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// RedisConfig holds either a single URL or the discrete connection fields.
// URL wins when both are present.
type RedisConfig struct {
	URL      string `json:"url"`
	Scheme   string `json:"scheme"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DB       int    `json:"db"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type JobConfig struct {
	Queue        string   `json:"queue"`
	Task         string   `json:"task"`
	Timeout      Duration `json:"timeout"`
	PollInterval Duration `json:"poll_interval"`
	PollBudget   Duration `json:"poll_budget"`
	ResultTTL    Duration `json:"result_ttl"`
	FailureTTL   Duration `json:"failure_ttl"`
	PendingTTL   Duration `json:"pending_ttl"`
}

type WorkerConfig struct {
	Address     string   `json:"address"`
	MinWorkers  int      `json:"min_workers"`
	MaxWorkers  int      `json:"max_workers"`
	IdleTimeout Duration `json:"idle_timeout"`
	Languages   []string `json:"languages"`
	// PageSegMode is Tesseract's --psm, 0-13; empty keeps Tesseract's default.
	PageSegMode string   `json:"page_seg_mode"`
	KeepStaged  bool     `json:"keep_staged"`
	StagedTTL   Duration `json:"staged_ttl"`
	SweepEvery  Duration `json:"sweep_every"`
}

// Duration decodes from either a Go duration string ("25s") or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			Port:            8088,
			QuarantineDir:   "/srv/quarantine",
			MaxUploadMB:     25,
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Redis: RedisConfig{
			Scheme: "redis",
			Host:   "redis",
			Port:   6379,
		},
		Jobs: JobConfig{
			Queue:        "ocr",
			Task:         "ocr_worker.ocr_task.process_document",
			Timeout:      Duration{600 * time.Second},
			PollInterval: Duration{600 * time.Millisecond},
			PollBudget:   Duration{25 * time.Second},
			ResultTTL:    Duration{500 * time.Second},
			FailureTTL:   Duration{365 * 24 * time.Hour},
			PendingTTL:   Duration{24 * time.Hour},
		},
		Worker: WorkerConfig{
			Address:     ":9091",
			MinWorkers:  1,
			MaxWorkers:  4,
			IdleTimeout: Duration{30 * time.Second},
			Languages:   []string{"spa", "eng"},
			StagedTTL:   Duration{24 * time.Hour},
			SweepEvery:  Duration{time.Hour},
		},
	}
}

// Load builds the configuration: defaults, then the optional JSON file at path,
// then a .env file in the working directory, then the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		file, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.BasicConfig.Port <= 0 || c.BasicConfig.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.BasicConfig.Port)
	}
	if c.BasicConfig.QuarantineDir == "" {
		return errors.New("quarantine_dir must be configured")
	}
	if c.BasicConfig.MaxUploadMB <= 0 {
		return errors.New("max_upload_mb must be positive")
	}
	if c.Redis.URL == "" && c.Redis.Host == "" {
		return errors.New("redis url or host must be configured")
	}
	if c.Jobs.Queue == "" || c.Jobs.Task == "" {
		return errors.New("job queue and task must be configured")
	}
	if c.Jobs.PollInterval.Duration <= 0 || c.Jobs.PollBudget.Duration <= 0 {
		return errors.New("poll interval and budget must be positive")
	}
	if c.Jobs.Timeout.Duration <= 0 {
		return errors.New("job timeout must be positive")
	}
	if c.Jobs.PendingTTL.Duration <= c.Jobs.Timeout.Duration {
		return errors.New("pending ttl must exceed the job timeout")
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		c.Worker.MaxWorkers = c.Worker.MinWorkers
	}
	if psm := c.Worker.PageSegMode; psm != "" {
		if n, err := strconv.Atoi(psm); err != nil || n < 0 || n > 13 {
			return fmt.Errorf("page_seg_mode %q: must be a number from 0 to 13", psm)
		}
	}
	return nil
}

// MaxUploadBytes converts the MiB cap to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.BasicConfig.MaxUploadMB * 1024 * 1024)
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.BasicConfig.Port, err = getEnvInt("PORT", cfg.BasicConfig.Port); err != nil {
		return err
	}
	cfg.BasicConfig.QuarantineDir = getEnvDefault("QUAR_DIR", cfg.BasicConfig.QuarantineDir)
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		mb, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_MB: %w", err)
		}
		cfg.BasicConfig.MaxUploadMB = mb
	}
	if err := getEnvDuration("SHUTDOWN_TIMEOUT", &cfg.BasicConfig.ShutdownTimeout); err != nil {
		return err
	}

	cfg.Redis.URL = strings.TrimSpace(getEnvDefault("REDIS_URL", cfg.Redis.URL))
	cfg.Redis.Scheme = getEnvDefault("REDIS_SCHEME", cfg.Redis.Scheme)
	cfg.Redis.Host = getEnvDefault("REDIS_HOST", cfg.Redis.Host)
	if cfg.Redis.Port, err = getEnvInt("REDIS_PORT", cfg.Redis.Port); err != nil {
		return err
	}
	if cfg.Redis.DB, err = getEnvInt("REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}
	cfg.Redis.Username = getEnvDefault("REDIS_USERNAME", cfg.Redis.Username)
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Jobs.Queue = getEnvDefault("OCR_QUEUE", cfg.Jobs.Queue)
	cfg.Jobs.Task = getEnvDefault("OCR_TASK", cfg.Jobs.Task)
	for name, dst := range map[string]*Duration{
		"JOB_TIMEOUT":     &cfg.Jobs.Timeout,
		"POLL_INTERVAL":   &cfg.Jobs.PollInterval,
		"POLL_BUDGET":     &cfg.Jobs.PollBudget,
		"JOB_RESULT_TTL":  &cfg.Jobs.ResultTTL,
		"JOB_FAILURE_TTL": &cfg.Jobs.FailureTTL,
		"JOB_PENDING_TTL": &cfg.Jobs.PendingTTL,
		"WORKER_IDLE":     &cfg.Worker.IdleTimeout,
		"QUAR_TTL":        &cfg.Worker.StagedTTL,
		"QUAR_SWEEP":      &cfg.Worker.SweepEvery,
	} {
		if err := getEnvDuration(name, dst); err != nil {
			return err
		}
	}

	cfg.Worker.Address = getEnvDefault("WORKER_ADDR", cfg.Worker.Address)
	if cfg.Worker.MinWorkers, err = getEnvInt("WORKER_MIN", cfg.Worker.MinWorkers); err != nil {
		return err
	}
	if cfg.Worker.MaxWorkers, err = getEnvInt("WORKER_MAX", cfg.Worker.MaxWorkers); err != nil {
		return err
	}
	if v := os.Getenv("OCR_LANGS"); v != "" {
		cfg.Worker.Languages = strings.FieldsFunc(v, func(r rune) bool { return r == '+' || r == ',' })
	}
	cfg.Worker.PageSegMode = getEnvDefault("OCR_PSM", cfg.Worker.PageSegMode)
	if v := os.Getenv("KEEP_STAGED"); v != "" {
		keep, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KEEP_STAGED: %w", err)
		}
		cfg.Worker.KeepStaged = keep
	}
	return nil
}

func getEnvDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		// bare numbers are seconds
		secs, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if ferr != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	dst.Duration = d
	return nil
}
