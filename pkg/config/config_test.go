package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"GATE_PORT", "LOG_LEVEL", "GATE_DATA_DIR", "GATE_POLICY", "GATE_PROMPT_MODE", "GATE_AUTH_SECRET"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "INFO", cfg.LogLevel)
	require.Equal(t, ".tracegate", cfg.DataDir)
	require.Equal(t, "policy.yaml", cfg.PolicyPath)
	require.Equal(t, "replay", cfg.PromptMode)
	require.Empty(t, cfg.AuthSecret)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GATE_PORT", "9999")
	t.Setenv("GATE_DATA_DIR", "/var/lib/gate")
	t.Setenv("GATE_POLICY", "/etc/gate/policy")
	t.Setenv("GATE_AUTH_SECRET", "s3cret")

	cfg := Load()
	require.Equal(t, "9999", cfg.Port)
	require.Equal(t, "/var/lib/gate", cfg.DataDir)
	require.Equal(t, "/etc/gate/policy", cfg.PolicyPath)
	require.Equal(t, "s3cret", cfg.AuthSecret)
}
