package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDimension, cfg.Dimension)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dimension: 768
backend: file
file:
  dir: /tmp/vgraph-data
hnsw:
  efSearch: 128
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.Dimension)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, "/tmp/vgraph-data", cfg.File.Dir)
	assert.Equal(t, 128, cfg.HNSW.EfSearch)
	assert.Equal(t, 16, cfg.HNSW.M, "unspecified fields keep their default")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresS3Bucket(t *testing.T) {
	cfg := Default()
	cfg.Backend = BackendS3
	assert.Error(t, cfg.Validate())
}

func TestHNSWParamsAppliesOverrides(t *testing.T) {
	cfg := Default()
	cfg.HNSW.EfSearch = 999
	params := cfg.HNSWParams()
	assert.Equal(t, 999, params.EfSearch)
	assert.Equal(t, 16, params.M)
}
