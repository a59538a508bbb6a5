package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "scriptbox.db"
	defaultRedisAddr      = "localhost:6379"
	defaultDataDir        = "/var/lib/scriptbox"
	defaultSecretKey      = "dev-secret"
	defaultWorkers        = 4
	defaultTimeoutS       = 30
	defaultMaxTimeoutS    = 300
	defaultGraceS         = 3
	defaultResultLimit    = 512 * 1024
	defaultPerRunnerLimit = 10
	defaultTraceCap       = 100
	defaultTraceTTL       = 24 * time.Hour
	defaultTrimmedTTL     = 5 * time.Minute
	defaultAdmissionTTL   = 2 * time.Minute
	defaultSpecTTL        = 10 * time.Minute
	defaultScanPeriod     = 30 * time.Second

	envListenAddr     = "SCRIPTBOX_LISTEN_ADDR"
	envDBPath         = "SCRIPTBOX_DB_PATH"
	envRedisAddr      = "SCRIPTBOX_REDIS_ADDR"
	envDataDir        = "SCRIPTBOX_DATA_DIR"
	envSecretKey      = "SCRIPTBOX_SECRET_KEY"
	envLimitsURL      = "SCRIPTBOX_LIMITS_URL"
	envBrokerAddr     = "SCRIPTBOX_BROKER_ADDR"
	envWorkers        = "SCRIPTBOX_WORKERS"
	envDefaultTimeout = "SCRIPTBOX_DEFAULT_TIMEOUT_S"
	envMaxTimeout     = "SCRIPTBOX_MAX_TIMEOUT_S"
	envResultLimit    = "SCRIPTBOX_RESULT_LIMIT_BYTES"
	envPerRunnerLimit = "SCRIPTBOX_PER_RUNNER_LIMIT"
	envTraceCap       = "SCRIPTBOX_TRACE_CAP"
	envLogLevel       = "SCRIPTBOX_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	RedisAddr  string

	// DataDir is the base directory for per-container source/scratch mounts.
	DataDir string

	// SecretKey signs the full-access tokens minted for executions whose
	// config sets allow_full_access.
	SecretKey string

	// LimitsURL is the billing/limits collaborator endpoint; empty means the
	// static default concurrency limit applies to every tenant.
	LimitsURL string

	// BrokerAddr is the gRPC broker endpoint for the bridge backend; empty
	// disables the bridge.
	BrokerAddr string

	Workers         int
	DefaultTimeoutS int
	MaxTimeoutS     int
	GraceS          int
	ResultLimit     int

	// PerRunnerLimit multiplied by a tenant's concurrency limit bounds that
	// tenant's total queue length.
	PerRunnerLimit int

	TraceCap     int
	TraceTTL     time.Duration
	TrimmedTTL   time.Duration
	AdmissionTTL time.Duration
	SpecTTL      time.Duration
	ScanPeriod   time.Duration

	LogLevel slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		RedisAddr:       defaultRedisAddr,
		DataDir:         defaultDataDir,
		SecretKey:       defaultSecretKey,
		Workers:         defaultWorkers,
		DefaultTimeoutS: defaultTimeoutS,
		MaxTimeoutS:     defaultMaxTimeoutS,
		GraceS:          defaultGraceS,
		ResultLimit:     defaultResultLimit,
		PerRunnerLimit:  defaultPerRunnerLimit,
		TraceCap:        defaultTraceCap,
		TraceTTL:        defaultTraceTTL,
		TrimmedTTL:      defaultTrimmedTTL,
		AdmissionTTL:    defaultAdmissionTTL,
		SpecTTL:         defaultSpecTTL,
		ScanPeriod:      defaultScanPeriod,
		LogLevel:        slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envSecretKey); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv(envLimitsURL); v != "" {
		cfg.LimitsURL = v
	}
	if v := os.Getenv(envBrokerAddr); v != "" {
		cfg.BrokerAddr = v
	}
	if v := parsePositiveInt(os.Getenv(envWorkers)); v > 0 {
		cfg.Workers = v
	}
	if v := parsePositiveInt(os.Getenv(envDefaultTimeout)); v > 0 {
		cfg.DefaultTimeoutS = v
	}
	if v := parsePositiveInt(os.Getenv(envMaxTimeout)); v > 0 {
		cfg.MaxTimeoutS = v
	}
	if v := parsePositiveInt(os.Getenv(envResultLimit)); v > 0 {
		cfg.ResultLimit = v
	}
	if v := parsePositiveInt(os.Getenv(envPerRunnerLimit)); v > 0 {
		cfg.PerRunnerLimit = v
	}
	if v := parsePositiveInt(os.Getenv(envTraceCap)); v > 0 {
		cfg.TraceCap = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parsePositiveInt(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
