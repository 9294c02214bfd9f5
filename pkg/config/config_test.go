package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/simflow/simflow/pkg/errors"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func manager(env map[string]string, paths ...string) *Manager {
	m := NewManager()
	m.SearchPaths = paths
	m.Getenv = func(k string) string { return env[k] }
	return m
}

func TestDefaultsAreValid(t *testing.T) {
	m := manager(nil)
	require.NoError(t, m.Load(""))
	cfg := m.Get()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "push", cfg.Run.Strategy)
	assert.Equal(t, "replace", cfg.Run.Policy)
	assert.Equal(t, "id", cfg.Roles.ID)
	assert.Empty(t, m.GetPaths())
}

func TestLayersOverrideInOrder(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", `
run:
  strategy: pull
  sims: 50
roles:
  features: [distance]
`)
	project := writeFile(t, dir, "project.yaml", `
run:
  sims: 200
watch:
  debounce: 2s
`)
	explicit := writeFile(t, dir, "explicit.yaml", `
store:
  dsn: duckdb:/tmp/sim.duckdb
`)
	m := manager(map[string]string{"SIMFLOW_SIMS": "300", "SIMFLOW_SEED": "42"},
		system, filepath.Join(dir, "missing.yaml"), project)
	require.NoError(t, m.Load(explicit))
	cfg := m.Get()

	assert.Equal(t, []string{system, project, explicit}, m.GetPaths())
	assert.Equal(t, "pull", cfg.Run.Strategy)
	assert.Equal(t, 300, cfg.Run.Sims)
	assert.Equal(t, uint64(42), cfg.Run.Seed)
	assert.Equal(t, []string{"distance"}, cfg.Roles.Features)
	assert.Equal(t, "carrier", cfg.Roles.Group)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, "duckdb:/tmp/sim.duckdb", cfg.Store.DSN)
	assert.Equal(t, "bulk", cfg.Run.Protocol)
}

func TestEnvironmentBuildsOptionalSections(t *testing.T) {
	m := manager(map[string]string{
		"SIMFLOW_REDIS_ADDR": "redis://localhost:6379/1",
		"SIMFLOW_S3_BUCKET":  "draws",
		"SIMFLOW_LOG_FORMAT": "json",
	})
	require.NoError(t, m.Load(""))
	cfg := m.Get()
	require.NotNil(t, cfg.Notify.Redis)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Notify.Redis.Address)
	assert.Equal(t, "simflow:", cfg.Notify.Redis.Prefix)
	require.NotNil(t, cfg.Outbox.S3)
	assert.Equal(t, "draws", cfg.Outbox.S3.Bucket)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	broken := writeFile(t, dir, "broken.yaml", "run: [not, a, map")

	err := manager(nil, broken).Load("")
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))

	err = manager(nil).Load(filepath.Join(dir, "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = manager(map[string]string{"SIMFLOW_WORKERS": "many"}).Load("")
	assert.True(t, sferrors.IsCode(err, sferrors.CodeInvalidConfig))
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"strategy":  func(c *Config) { c.Run.Strategy = "carrier" },
		"sims":      func(c *Config) { c.Run.Sims = -2 },
		"log level": func(c *Config) { c.Log.Level = "chatty" },
		"format":    func(c *Config) { c.Pickup.Format = "xlsx" },
		"roles":     func(c *Config) { c.Roles.Target = "" },
		"sampling":  func(c *Config) { c.Telemetry.OTLP.SamplingRatio = 2 },
	} {
		cfg := Default()
		mutate(cfg)
		assert.True(t, sferrors.IsCode(cfg.Validate(), sferrors.CodeInvalidConfig), name)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	m := manager(map[string]string{"SIMFLOW_POLICY": "append"})
	require.NoError(t, m.Load(""))
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, m.Save(path))

	back := manager(nil)
	require.NoError(t, back.Load(path))
	assert.Equal(t, "append", back.Get().Run.Policy)
	assert.Equal(t, m.Get().Watch, back.Get().Watch)
}
