// Package config resolves server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object used throughout the server.
type Config struct {
	Server    *ServerConfig
	LLM       *LLMConfig
	Runs      *RunDefaults
	Registry  *RegistryConfig
	Retention *RetentionConfig
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Port the HTTP server listens on.
	Port string

	// InstanceID identifies this process for run ownership and
	// multi-replica coordination.
	InstanceID string

	// SSEPingInterval is how often idle SSE streams get a keep-alive.
	SSEPingInterval time.Duration

	// EventPingInterval is how often a live run broadcasts a transient
	// keep-alive on its NOTIFY channel.
	EventPingInterval time.Duration

	// WSWriteTimeout bounds a single WebSocket write.
	WSWriteTimeout time.Duration
}

// LLMConfig holds the LLM gateway connection settings.
type LLMConfig struct {
	// Addr is the gRPC address of the LLM gateway.
	Addr string

	// MaxAttempts caps generation retries before the run fails.
	MaxAttempts int
}

// RunDefaults are the per-run settings applied when a start request
// leaves them unset.
type RunDefaults struct {
	Model                  string
	MaxIterations          int
	ToolMode               string // "native" or "xml"
	TerminalTool           string
	IterationTimeout       time.Duration
	SummaryThresholdTokens int
}

// RegistryConfig controls the run registry: heartbeats, orphan recovery,
// and shutdown behavior.
type RegistryConfig struct {
	// HeartbeatInterval is how often active runs stamp their liveness.
	HeartbeatInterval time.Duration

	// OrphanSweepInterval is how often the registry scans for runs whose
	// instance died.
	OrphanSweepInterval time.Duration

	// OrphanThreshold is how long a run may go without a heartbeat before
	// the sweep considers its instance dead.
	OrphanThreshold time.Duration

	// ShutdownGrace is how long shutdown waits for active runs to react
	// to their stop signal before the process exits anyway.
	ShutdownGrace time.Duration
}

// RetentionConfig controls run event retention and cleanup.
type RetentionConfig struct {
	// EventRetentionDays is how long terminal runs keep their event log.
	EventRetentionDays int

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// Load resolves the full configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}
	runs, err := loadRunDefaults()
	if err != nil {
		return nil, err
	}
	registry, err := loadRegistryConfig()
	if err != nil {
		return nil, err
	}
	retention, err := loadRetentionConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		LLM:       llm,
		Runs:      runs,
		Registry:  registry,
		Retention: retention,
	}, nil
}

func loadServerConfig() (*ServerConfig, error) {
	pingInterval, err := getEnvDuration("SSE_PING_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}
	eventPing, err := getEnvDuration("EVENT_PING_INTERVAL", "30s")
	if err != nil {
		return nil, err
	}
	writeTimeout, err := getEnvDuration("WS_WRITE_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		Port:              getEnv("HTTP_PORT", "8080"),
		InstanceID:        ResolveInstanceID(),
		SSEPingInterval:   pingInterval,
		EventPingInterval: eventPing,
		WSWriteTimeout:    writeTimeout,
	}, nil
}

func loadLLMConfig() (*LLMConfig, error) {
	maxAttempts, err := getEnvInt("LLM_MAX_ATTEMPTS", "3")
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1, got %d", maxAttempts)
	}
	return &LLMConfig{
		Addr:        getEnv("LLM_SERVICE_ADDR", "localhost:50051"),
		MaxAttempts: maxAttempts,
	}, nil
}

func loadRunDefaults() (*RunDefaults, error) {
	maxIterations, err := getEnvInt("RUN_MAX_ITERATIONS", "10")
	if err != nil {
		return nil, err
	}
	iterationTimeout, err := getEnvDuration("RUN_ITERATION_TIMEOUT", "5m")
	if err != nil {
		return nil, err
	}
	summaryThreshold, err := getEnvInt("RUN_SUMMARY_THRESHOLD_TOKENS", "64000")
	if err != nil {
		return nil, err
	}
	toolMode := getEnv("RUN_TOOL_MODE", "native")
	if toolMode != "native" && toolMode != "xml" {
		return nil, fmt.Errorf("RUN_TOOL_MODE must be native or xml, got %q", toolMode)
	}
	return &RunDefaults{
		Model:                  getEnv("RUN_MODEL", "gpt-4o"),
		MaxIterations:          maxIterations,
		ToolMode:               toolMode,
		TerminalTool:           getEnv("RUN_TERMINAL_TOOL", "idle"),
		IterationTimeout:       iterationTimeout,
		SummaryThresholdTokens: summaryThreshold,
	}, nil
}

func loadRegistryConfig() (*RegistryConfig, error) {
	heartbeat, err := getEnvDuration("RUN_HEARTBEAT_INTERVAL", "15s")
	if err != nil {
		return nil, err
	}
	sweep, err := getEnvDuration("ORPHAN_SWEEP_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}
	threshold, err := getEnvDuration("ORPHAN_THRESHOLD", "2m")
	if err != nil {
		return nil, err
	}
	grace, err := getEnvDuration("SHUTDOWN_GRACE", "30s")
	if err != nil {
		return nil, err
	}
	if threshold <= heartbeat {
		return nil, fmt.Errorf("ORPHAN_THRESHOLD (%s) must exceed RUN_HEARTBEAT_INTERVAL (%s)", threshold, heartbeat)
	}
	return &RegistryConfig{
		HeartbeatInterval:   heartbeat,
		OrphanSweepInterval: sweep,
		OrphanThreshold:     threshold,
		ShutdownGrace:       grace,
	}, nil
}

func loadRetentionConfig() (*RetentionConfig, error) {
	days, err := getEnvInt("EVENT_RETENTION_DAYS", "30")
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		return nil, fmt.Errorf("EVENT_RETENTION_DAYS must be positive, got %d", days)
	}
	interval, err := getEnvDuration("EVENT_CLEANUP_INTERVAL", "12h")
	if err != nil {
		return nil, err
	}
	return &RetentionConfig{
		EventRetentionDays: days,
		CleanupInterval:    interval,
	}, nil
}

// ResolveInstanceID determines this process's identity for run ownership.
// Priority: INSTANCE_ID env > HOSTNAME env > "local".
func ResolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key, defaultValue string) (int, error) {
	raw := getEnv(key, defaultValue)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func getEnvDuration(key, defaultValue string) (time.Duration, error) {
	raw := getEnv(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
