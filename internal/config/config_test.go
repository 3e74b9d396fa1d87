package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORCHESTRATOR_PORT", "MAIN_APP_URL", "PORT_RANGE_START", "PORT_RANGE_END",
		"WORKSPACE_BASE", "TEMPLATE_DIR", "ISOLATION_NETWORK_NAME", "DOCKER_HOST",
	} {
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:3000", cfg.MainAppURL)
	assert.Equal(t, 3001, cfg.PortRangeStart)
	assert.Equal(t, 4000, cfg.PortRangeEnd)
	assert.Equal(t, "arena-isolation", cfg.IsolationNetwork)
}

func TestLoad_PortRangeValidation(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT_RANGE_START", "5000")
	os.Setenv("PORT_RANGE_END", "4000")
	defer clearEnv(t)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_CustomPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("ORCHESTRATOR_PORT", "9090")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}
