// Package config loads process configuration from environment variables
// into a single struct, populated once at startup. Business logic never
// calls os.Getenv directly; it receives a *Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named by the execution-orchestration core:
// storage, the socket broker's endpoint range, job/process/workflow tick
// intervals, and watchdog grace periods. Every field has a default matching
// what the core documents so a zero-value environment still runs.
type Config struct {
	// Storage
	DatabaseDriver  string // "postgres" or "sqlite"
	DatabaseDSN     string
	RetentionDays   int
	CleanupInterval time.Duration

	// Socket broker
	SocketDir         string
	TCPPortMin        int
	TCPPortMax        int
	ReservationDBPath string

	// Jobs
	JobPollInterval   time.Duration
	JobConcurrency    int
	JobHeartbeatEvery time.Duration
	JobBackoffBaseMs  int64
	JobBackoffMaxMs   int64
	RetryBackoff      bool

	// Processes
	ProcessHeartbeatTimeout time.Duration
	ProcessKillGraceMs      int64
	ProcessRestartMax       int

	// Workflows
	WorkflowHeartbeatTimeout time.Duration
	WorkflowConcurrentMax    int      // 0 means no global cap
	WorkflowExecCommand      []string // override for the isolated executor command line

	// Watchdog
	WatchdogInterval time.Duration
	KillGraceMs      int64

	// Observability
	LogMode          string // "prod" or "dev"
	OtelEnabled      bool
	OtelServiceName  string
	OtelSamplerRatio float64
	MetricsAddr      string
}

// Load populates a Config from the process environment, following the
// DONKEYLABS_ prefix used by the core's child-process protocol variables.
func Load() *Config {
	c := &Config{
		DatabaseDriver:    getEnv("DONKEYLABS_DB_DRIVER", "postgres"),
		DatabaseDSN:       getEnv("DONKEYLABS_DB_DSN", ""),
		RetentionDays:     getEnvInt("DONKEYLABS_RETENTION_DAYS", 7),
		CleanupInterval:   getEnvDuration("DONKEYLABS_CLEANUP_INTERVAL", time.Hour),
		SocketDir:         getEnv("DONKEYLABS_SOCKET_DIR", defaultSocketDir()),
		TCPPortMin:        getEnvInt("DONKEYLABS_TCP_PORT_MIN", 49152),
		TCPPortMax:        getEnvInt("DONKEYLABS_TCP_PORT_MAX", 65535),
		ReservationDBPath: getEnv("DONKEYLABS_RESERVATION_DB", defaultReservationDBPath()),

		JobPollInterval:   getEnvDuration("DONKEYLABS_JOB_POLL_INTERVAL", time.Second),
		JobConcurrency:    getEnvInt("DONKEYLABS_JOB_CONCURRENCY", 5),
		JobHeartbeatEvery: getEnvDuration("DONKEYLABS_JOB_HEARTBEAT_INTERVAL", 5*time.Second),
		JobBackoffBaseMs:  getEnvInt64("DONKEYLABS_JOB_BACKOFF_BASE_MS", 1000),
		JobBackoffMaxMs:   getEnvInt64("DONKEYLABS_JOB_BACKOFF_MAX_MS", 300000),
		RetryBackoff:      getEnvBool("DONKEYLABS_JOB_RETRY_BACKOFF", true),

		ProcessHeartbeatTimeout: getEnvDuration("DONKEYLABS_PROCESS_HEARTBEAT_TIMEOUT", 30*time.Second),
		ProcessKillGraceMs:      getEnvInt64("DONKEYLABS_PROCESS_KILL_GRACE_MS", 5000),
		ProcessRestartMax:       getEnvInt("DONKEYLABS_PROCESS_RESTART_MAX", 5),

		WorkflowHeartbeatTimeout: getEnvDuration("DONKEYLABS_WORKFLOW_HEARTBEAT_TIMEOUT", 30*time.Second),
		WorkflowConcurrentMax:    getEnvInt("DONKEYLABS_WORKFLOW_CONCURRENT_MAX", 0),

		WatchdogInterval: getEnvDuration("DONKEYLABS_WATCHDOG_INTERVAL", time.Second),
		KillGraceMs:      getEnvInt64("DONKEYLABS_KILL_GRACE_MS", 5000),

		LogMode:          getEnv("DONKEYLABS_LOG_MODE", "prod"),
		OtelEnabled:      getEnvBool("DONKEYLABS_OTEL_ENABLED", false),
		OtelServiceName:  getEnv("DONKEYLABS_OTEL_SERVICE_NAME", "execore"),
		OtelSamplerRatio: getEnvFloat("DONKEYLABS_OTEL_SAMPLER_RATIO", 0.1),
		MetricsAddr:      getEnv("DONKEYLABS_METRICS_ADDR", ":9090"),
	}
	return c
}

func defaultSocketDir() string {
	if dir := os.TempDir(); dir != "" {
		return dir + "/execore-sockets"
	}
	return "/tmp/execore-sockets"
}

func defaultReservationDBPath() string {
	return fmt.Sprintf("%s/execore-reservations.bolt", os.TempDir())
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch v {
	case "0", "false", "no", "off":
		return false
	case "1", "true", "yes", "on":
		return true
	default:
		return def
	}
}
