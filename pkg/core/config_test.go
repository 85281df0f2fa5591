package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestParseConfig(t *testing.T) {
	t.Setenv("REGISTRY_TEST_DSN", "postgres://u:p@db/registry")
	data := []byte(`
backend:
  kind: postgres
  dsn: ${REGISTRY_TEST_DSN}
pool:
  max_size: 4
  acquire_timeout: 250ms
graph:
  max_depth: 3
  allow_cascade: false
search:
  path: ${REGISTRY_TEST_INDEX:-}
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Backend.Kind)
	assert.Equal(t, "postgres://u:p@db/registry", cfg.Backend.DSN)
	assert.Equal(t, 4, cfg.Pool.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 3, cfg.Graph.MaxDepth)
	assert.False(t, cfg.Graph.AllowCascade)
	assert.Empty(t, cfg.Search.Path)
	// untouched sections keep defaults
	assert.Equal(t, DefaultConfig().Retry, cfg.Retry)
}

func TestParseConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown backend": "backend: {kind: oracle, dsn: x}",
		"zero pool":       "pool: {max_size: 0}",
		"depth too deep":  "graph: {max_depth: 1000}",
		"unknown field":   "bogus: 1",
		"bad level":       "log: {level: loud}",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: {kind: sqlite, dsn: a.db}\n"), 0o600))

	t.Setenv(EnvBackend, "mysql")
	t.Setenv(EnvDSN, "u:p@tcp(db:3306)/registry")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Backend.Kind)
	assert.Equal(t, "u:p@tcp(db:3306)/registry", cfg.Backend.DSN)

	t.Setenv(EnvBackend, "")
	t.Setenv(EnvDSN, "")
	cfg, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
