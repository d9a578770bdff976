// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP surface, logging, the database, the task queue and worker pool, the
// matching algorithms, maintenance, the notification outbox, and
// observability. Load resolves everything once; the resulting Config is
// passed by value and never re-read at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines response hardening settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool          // ENABLE_HSTS
	HSTSMaxAge time.Duration // HSTS_MAX_AGE
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "swap-matcher")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and addresses the relational store.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH (sqlite)
	URL    string // DATABASE_URL (postgres)
}

// QueueConfig tunes the task queue and the worker pool.
type QueueConfig struct {
	ClaimBatchSize    int             // CLAIM_BATCH_SIZE
	WorkerConcurrency int             // WORKER_CONCURRENCY
	IdleBackoff       time.Duration   // WORKER_IDLE_BACKOFF
	TaskLockTTL       time.Duration   // TASK_LOCK_TTL
	MaxAttempts       int             // TASK_MAX_ATTEMPTS
	Backoff           []time.Duration // TASK_BACKOFF (comma separated)
	Retention         time.Duration   // TASK_RETENTION
	SweepBatchLimit   int             // SWEEP_BATCH_LIMIT
	ReenqueueCooldown time.Duration   // REENQUEUE_COOLDOWN
}

// MatchingConfig tunes the standard and triangle algorithms.
type MatchingConfig struct {
	CandidateLimit       int           // CANDIDATE_LIMIT
	TriangleEnabled      bool          // TRIANGLE_ENABLED
	TriangleBatchSize    int           // TRIANGLE_BATCH_SIZE
	TriangleMaxAttempts  int           // TRIANGLE_MAX_ATTEMPTS
	TriangleMaxBatches   int           // TRIANGLE_MAX_BATCHES
	DateOverlapTolerance time.Duration // DATE_OVERLAP_TOLERANCE
	RepurchaseCooldown   time.Duration // REFUND_REPURCHASE_COOLDOWN
}

// MaintenanceConfig drives the periodic maintenance scheduler.
type MaintenanceConfig struct {
	Enabled     bool          // CRON_ENABLED
	Interval    time.Duration // MAINTENANCE_INTERVAL
	StepTimeout time.Duration // MAINTENANCE_STEP_TIMEOUT
	InstanceID  string        // INSTANCE_ID
}

// OutboxConfig drives the notification sender.
type OutboxConfig struct {
	MaxAttempts  int           // OUTBOX_MAX_ATTEMPTS
	BaseBackoff  time.Duration // OUTBOX_BASE_BACKOFF
	Lease        time.Duration // OUTBOX_LEASE
	PollInterval time.Duration // OUTBOX_POLL_INTERVAL
	BatchSize    int           // OUTBOX_BATCH_SIZE
	NotifyRPS    float64       // NOTIFY_RPS (0 = unlimited)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for ops routes

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	DB          DBConfig
	Queue       QueueConfig
	Matching    MatchingConfig
	Maintenance MaintenanceConfig
	Outbox      OutboxConfig

	// Observability
	OTEL OTELConfig
}

// DefaultBackoff is the per-attempt retry schedule of failed tasks.
var DefaultBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	backoff, err := getdurs("TASK_BACKOFF", DefaultBackoff)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "matcher.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		Queue: QueueConfig{
			ClaimBatchSize:    getint("CLAIM_BATCH_SIZE", 50),
			WorkerConcurrency: getint("WORKER_CONCURRENCY", 4),
			IdleBackoff:       getdur("WORKER_IDLE_BACKOFF", time.Second),
			TaskLockTTL:       getdur("TASK_LOCK_TTL", 11*time.Minute),
			MaxAttempts:       getint("TASK_MAX_ATTEMPTS", 5),
			Backoff:           backoff,
			Retention:         getdur("TASK_RETENTION", 7*24*time.Hour),
			SweepBatchLimit:   getint("SWEEP_BATCH_LIMIT", 200),
			ReenqueueCooldown: getdur("REENQUEUE_COOLDOWN", 10*time.Minute),
		},

		Matching: MatchingConfig{
			CandidateLimit:       getint("CANDIDATE_LIMIT", 200),
			TriangleEnabled:      getbool("TRIANGLE_ENABLED", true),
			TriangleBatchSize:    getint("TRIANGLE_BATCH_SIZE", 50),
			TriangleMaxAttempts:  getint("TRIANGLE_MAX_ATTEMPTS", 200),
			TriangleMaxBatches:   getint("TRIANGLE_MAX_BATCHES", 10),
			DateOverlapTolerance: getdur("DATE_OVERLAP_TOLERANCE", 0),
			RepurchaseCooldown:   getdur("REFUND_REPURCHASE_COOLDOWN", 14*24*time.Hour),
		},

		Maintenance: MaintenanceConfig{
			Enabled:     getbool("CRON_ENABLED", true),
			Interval:    getdur("MAINTENANCE_INTERVAL", 60*time.Second),
			StepTimeout: getdur("MAINTENANCE_STEP_TIMEOUT", 15*time.Second),
			InstanceID:  getenv("INSTANCE_ID", defaultInstanceID()),
		},

		Outbox: OutboxConfig{
			MaxAttempts:  getint("OUTBOX_MAX_ATTEMPTS", 8),
			BaseBackoff:  getdur("OUTBOX_BASE_BACKOFF", 30*time.Second),
			Lease:        getdur("OUTBOX_LEASE", 2*time.Minute),
			PollInterval: getdur("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:    getint("OUTBOX_BATCH_SIZE", 100),
			NotifyRPS:    getfloat("NOTIFY_RPS", 20),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "swap-matcher"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if err := cfg.Queue.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Matching.validate(); err != nil {
		return cfg, err
	}
	if cfg.Maintenance.Interval <= 0 || cfg.Maintenance.StepTimeout <= 0 {
		return cfg, errors.New("MAINTENANCE_INTERVAL and MAINTENANCE_STEP_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(cfg.Maintenance.InstanceID) == "" {
		return cfg, errors.New("INSTANCE_ID must not be empty")
	}
	if cfg.Outbox.MaxAttempts < 1 || cfg.Outbox.BatchSize < 1 {
		return cfg, errors.New("OUTBOX_MAX_ATTEMPTS and OUTBOX_BATCH_SIZE must be >= 1")
	}
	if cfg.Outbox.BaseBackoff <= 0 || cfg.Outbox.Lease <= 0 || cfg.Outbox.PollInterval <= 0 {
		return cfg, errors.New("OUTBOX_BASE_BACKOFF, OUTBOX_LEASE and OUTBOX_POLL_INTERVAL must be > 0")
	}
	if cfg.Outbox.NotifyRPS < 0 {
		return cfg, errors.New("NOTIFY_RPS must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (q QueueConfig) validate() error {
	switch {
	case q.ClaimBatchSize < 1:
		return errors.New("CLAIM_BATCH_SIZE must be >= 1")
	case q.WorkerConcurrency < 1:
		return errors.New("WORKER_CONCURRENCY must be >= 1")
	case q.IdleBackoff <= 0:
		return errors.New("WORKER_IDLE_BACKOFF must be > 0")
	case q.TaskLockTTL <= 0:
		return errors.New("TASK_LOCK_TTL must be > 0")
	case q.MaxAttempts < 1:
		return errors.New("TASK_MAX_ATTEMPTS must be >= 1")
	case len(q.Backoff) == 0:
		return errors.New("TASK_BACKOFF must list at least one duration")
	case q.Retention <= 0:
		return errors.New("TASK_RETENTION must be > 0")
	case q.SweepBatchLimit < 1:
		return errors.New("SWEEP_BATCH_LIMIT must be >= 1")
	case q.ReenqueueCooldown < 0:
		return errors.New("REENQUEUE_COOLDOWN must be >= 0")
	}
	return nil
}

func (m MatchingConfig) validate() error {
	switch {
	case m.CandidateLimit < 1:
		return errors.New("CANDIDATE_LIMIT must be >= 1")
	case m.TriangleBatchSize < 1 || m.TriangleMaxAttempts < 1 || m.TriangleMaxBatches < 1:
		return errors.New("TRIANGLE_BATCH_SIZE, TRIANGLE_MAX_ATTEMPTS and TRIANGLE_MAX_BATCHES must be >= 1")
	case m.DateOverlapTolerance < 0:
		return errors.New("DATE_OVERLAP_TOLERANCE must be >= 0")
	case m.RepurchaseCooldown < 0:
		return errors.New("REFUND_REPURCHASE_COOLDOWN must be >= 0")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getdurs parses a comma separated list of durations. Unlike the scalar
// helpers it rejects malformed input instead of falling back to def.
func getdurs(k string, def []time.Duration) ([]time.Duration, error) {
	v, ok := os.LookupEnv(k)
	if !ok || strings.TrimSpace(v) == "" {
		return append([]time.Duration(nil), def...), nil
	}
	parts := splitCSV(v)
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%s: invalid duration %q", k, p)
		}
		out = append(out, d)
	}
	return out, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// defaultInstanceID is host-pid, identifying this process among workers and
// maintenance instances.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
