package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.SSEPingInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.EventPingInterval)
	assert.Equal(t, "localhost:50051", cfg.LLM.Addr)
	assert.Equal(t, 3, cfg.LLM.MaxAttempts)
	assert.Equal(t, 10, cfg.Runs.MaxIterations)
	assert.Equal(t, "native", cfg.Runs.ToolMode)
	assert.Equal(t, "idle", cfg.Runs.TerminalTool)
	assert.Equal(t, 5*time.Minute, cfg.Runs.IterationTimeout)
	assert.Equal(t, 15*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.Registry.OrphanThreshold)
	assert.Equal(t, 30, cfg.Retention.EventRetentionDays)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("RUN_MAX_ITERATIONS", "25")
	t.Setenv("RUN_TOOL_MODE", "xml")
	t.Setenv("ORPHAN_THRESHOLD", "10m")
	t.Setenv("EVENT_RETENTION_DAYS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Runs.MaxIterations)
	assert.Equal(t, "xml", cfg.Runs.ToolMode)
	assert.Equal(t, 10*time.Minute, cfg.Registry.OrphanThreshold)
	assert.Equal(t, 7, cfg.Retention.EventRetentionDays)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad int", "RUN_MAX_ITERATIONS", "lots"},
		{"bad duration", "RUN_ITERATION_TIMEOUT", "5 minutes"},
		{"bad tool mode", "RUN_TOOL_MODE", "plugin"},
		{"zero retention", "EVENT_RETENTION_DAYS", "0"},
		{"zero llm attempts", "LLM_MAX_ATTEMPTS", "0"},
		{"threshold below heartbeat", "ORPHAN_THRESHOLD", "5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestResolveInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")
	t.Setenv("HOSTNAME", "")
	assert.Equal(t, "local", ResolveInstanceID())

	t.Setenv("HOSTNAME", "pod-7")
	assert.Equal(t, "pod-7", ResolveInstanceID())

	t.Setenv("INSTANCE_ID", "runner-1")
	assert.Equal(t, "runner-1", ResolveInstanceID())
}
