package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/policy"
)

const sampleConfig = `
server:
  addr: ":9090"
storage:
  backend: sql
  database:
    driver: sqlite3
    dsn: ":memory:"
admission:
  backend: memory
  limits:
    free: 1
    starter: 4
policy:
  default_autonomy: semi_autonomous
  overlay:
    mode: dry-run
auth:
  jwt_secret: test-secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults without a file", func(t *testing.T) {
		t.Setenv(PathEnv, filepath.Join(t.TempDir(), "missing.yaml"))
		t.Setenv("ORCH_AUTH_SKIP_AUTH", "true")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, "memory", cfg.Storage.Backend)
		assert.Equal(t, "orchestrator:slots:", cfg.Admission.KeyPrefix)
		assert.Equal(t, models.AutonomySupervised, cfg.Policy.DefaultAutonomy)
		assert.Equal(t, policy.ModeOff, cfg.Policy.Overlay.Mode)
		assert.Equal(t, 5*time.Minute, cfg.Policy.Overlay.CacheTTL)

		limits, err := cfg.TierLimits()
		require.NoError(t, err)
		assert.Equal(t, admission.DefaultLimits(), limits)
	})

	t.Run("File values", func(t *testing.T) {
		t.Setenv(PathEnv, writeConfig(t, sampleConfig))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, "sql", cfg.Storage.Backend)
		assert.Equal(t, ":memory:", cfg.Storage.Database.DSN)
		assert.Equal(t, uint32(5), cfg.Storage.Database.Breaker.FailureThreshold)
		assert.Equal(t, models.AutonomySemiAutonomous, cfg.Policy.DefaultAutonomy)
		assert.Equal(t, policy.ModeDryRun, cfg.Policy.Overlay.Mode)

		limits, err := cfg.TierLimits()
		require.NoError(t, err)
		assert.Equal(t, 1, limits.For(models.TierFree))
		assert.Equal(t, 4, limits.For(models.TierStarter))
		assert.Equal(t, 20, limits.For(models.TierProfessional), "tiers missing from the file keep defaults")
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv(PathEnv, writeConfig(t, sampleConfig))
		t.Setenv("ORCH_SERVER_ADDR", ":7070")
		t.Setenv("ORCH_LOGGING_LEVEL", "debug")
		t.Setenv("ORCH_ADMISSION_BACKEND", "redis")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.Server.Addr)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.UsesRedis())
	})
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]string{
		"bad storage backend":  "storage:\n  backend: cassandra\nauth:\n  skip_auth: true\n",
		"decreasing limits":    "admission:\n  limits:\n    free: 10\n    starter: 3\nauth:\n  skip_auth: true\n",
		"unknown tier":         "admission:\n  limits:\n    platinum: 3\nauth:\n  skip_auth: true\n",
		"bad overlay mode":     "policy:\n  overlay:\n    mode: loud\nauth:\n  skip_auth: true\n",
		"no credentials":       "server:\n  addr: \":1\"\n",
		"api key without hash": "auth:\n  api_keys:\n    - name: ci\n      workspace_id: ws\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(PathEnv, writeConfig(t, content))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, policy.ModeDryRun, m.Config().Policy.Overlay.Mode)

	var calls atomic.Int32
	var seen *Config
	m.RegisterHandler(func(old, updated *Config) error {
		calls.Add(1)
		seen = updated
		assert.Equal(t, policy.ModeDryRun, old.Policy.Overlay.Mode)
		return nil
	})

	updated := sampleConfig + "\n"
	updated = replaceLine(updated, "    mode: dry-run", "    mode: enforce")
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, m.Reload())

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, policy.ModeEnforce, seen.Policy.Overlay.Mode)
	assert.Equal(t, policy.ModeEnforce, m.Config().Policy.Overlay.Mode)

	// an invalid edit is refused and the previous configuration stays live
	require.NoError(t, os.WriteFile(path, []byte(replaceLine(updated, "    mode: enforce", "    mode: loud")), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, policy.ModeEnforce, m.Config().Policy.Overlay.Mode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManagerWatchPicksUpEdits(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.Watch()
	m.Watch()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(replaceLine(sampleConfig, "    free: 1", "    free: 2")), 0o644))

	require.Eventually(t, func() bool {
		limits, err := m.Config().TierLimits()
		return err == nil && limits.For(models.TierFree) == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func replaceLine(s, old, updated string) string {
	return strings.Replace(s, old+"\n", updated+"\n", 1)
}
