package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchOneShotRun(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "conv2d_6", cfg.Explain.Layer)
	assert.Equal(t, "gradcam.jpg", cfg.Explain.GradCAMOutput)
	assert.Equal(t, "guided_gradcam.jpg", cfg.Explain.GuidedOutput)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Empty(t, cfg.Model.ONNX)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  architecture: models/mini_xception.json
  weights: models/mini_xception.safetensors
explain:
  layer: conv2d_7
log:
  format: json
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "models/mini_xception.json", cfg.Model.Architecture)
	assert.Equal(t, "conv2d_7", cfg.Explain.Layer)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched values keep their defaults
	assert.Equal(t, "conv2d_6", cfg.Explain.SaliencyLayer)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("model: [unterminated"), 0600))
	_, err := Load(bad)
	assert.ErrorContains(t, err, "failed to parse config")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("model:\n  onnx: model.onnx\nlog:\n  format: xml\n"), 0600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "onnx_metadata")
	assert.ErrorContains(t, err, "log.format")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FER_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)

	// the environment wins over the file
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"7000\"\n"), 0600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestMarshalRoundTripsThroughLoad(t *testing.T) {
	want := Default()
	want.Explain.Layer = "conv2d_4"
	want.Log.Format = "json"

	data, err := want.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, data, 0600))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
