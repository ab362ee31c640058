package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadScaleList(t *testing.T) {
	cfg := Default()
	cfg.WSCMS.Scales = []float64{1, 2, 3}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.WSCMS.Scales = []float64{0, -1}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownBasis(t *testing.T) {
	cfg := Default()
	cfg.WSCMS.Basis = "fourier-bessel"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownAffinity(t *testing.T) {
	cfg := Default()
	cfg.Parallel.Affinity = "round-robin"
	assert.Error(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wscms.yaml")
	yamlData := `
deconv:
  gain: 0.2
wscms:
  cache_size: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.Deconv.Gain)
	assert.Equal(t, 8, cfg.WSCMS.CacheSize)
	// Untouched fields keep their default.
	assert.Equal(t, Default().Facets.NFacets, cfg.Facets.NFacets)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
