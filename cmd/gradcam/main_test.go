package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/fer-explain/internal/config"
	"github.com/Brownie44l1/fer-explain/internal/nn"
)

func TestParseFlagsDefaults(t *testing.T) {
	t.Setenv("FER_CONFIG", "")
	f, err := parseFlags(nil)
	require.NoError(t, err)

	assert.Equal(t, "test1.json", f.cfg.Explain.Input)
	assert.Equal(t, "conv2d_6", f.cfg.Explain.Layer)
	assert.Equal(t, "gradcam.jpg", f.cfg.Explain.GradCAMOutput)
	assert.Equal(t, "guided_gradcam.jpg", f.cfg.Explain.GuidedOutput)
	assert.Equal(t, -1, f.class)
	assert.False(t, f.stripOptimizer)
}

func TestParseFlagsOverrideConfig(t *testing.T) {
	t.Setenv("FER_CONFIG", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("explain:\n  layer: conv2d_4\n  input: face.png\n"), 0600))

	f, err := parseFlags([]string{"-config=" + path, "-layer", "conv2d_5", "-class", "3", "-strip-optimizer"})
	require.NoError(t, err)
	assert.Equal(t, "face.png", f.cfg.Explain.Input)
	assert.Equal(t, "conv2d_5", f.cfg.Explain.Layer)
	assert.Equal(t, 3, f.class)
	assert.True(t, f.stripOptimizer)

	_, err = parseFlags([]string{"-onnx", "model.onnx", "-onnx-metadata", ""})
	assert.ErrorContains(t, err, "onnx_metadata")
}

func TestParseFlagsTakesConfigOnlyFromItsOwnFlag(t *testing.T) {
	t.Setenv("FER_CONFIG", "")

	// "-config" here is the value of -gradcam, not a flag
	f, err := parseFlags([]string{"-gradcam", "-config", "-layer", "conv2d_5"})
	require.NoError(t, err)
	assert.Equal(t, "-config", f.cfg.Explain.GradCAMOutput)
	assert.Equal(t, "conv2d_5", f.cfg.Explain.Layer)
	assert.Empty(t, f.config)

	_, err = parseFlags([]string{"-no-such-flag"})
	assert.Error(t, err)
}

// writeFixture saves a small 8x8 grayscale model, its weights with optimizer
// state, and a JSON input, and returns flags pointing at them
func writeFixture(t *testing.T) *flags {
	t.Helper()
	dir := t.TempDir()

	arch := &nn.Architecture{
		Name:       "fixture",
		InputShape: []int{1, 8, 8, 1},
		Classes:    []string{"angry", "happy", "neutral"},
		Layers: []nn.LayerSpec{
			{Name: "input_1", Type: nn.TypeInput},
			{Name: "conv2d_6", Type: nn.TypeConv2D, Filters: 2, KernelSize: []int{3, 3}, Padding: "same", Activation: "relu"},
			{Name: "gap", Type: nn.TypeGlobalAveragePooling2D},
			{Name: "predictions", Type: nn.TypeDense, Units: 3, Activation: "softmax"},
		},
	}
	archPath := filepath.Join(dir, "model.json")
	require.NoError(t, arch.Save(archPath))

	kernel := nn.NewTensor(3, 3, 1, 2)
	for i := range kernel.Data {
		kernel.Data[i] = float32(i%5)*0.1 - 0.15
	}
	bias, err := nn.FromSlice([]float32{0.2, 0.4}, 2)
	require.NoError(t, err)
	dense, err := nn.FromSlice([]float32{1, -0.5, 0.2, -1, 0.7, 0.3}, 2, 3)
	require.NoError(t, err)
	weightsPath := filepath.Join(dir, "model.safetensors")
	require.NoError(t, nn.SaveWeights(weightsPath, nn.Weights{
		"conv2d_6/kernel":                kernel,
		"conv2d_6/bias":                  bias,
		"predictions/kernel":             dense,
		"optimizer/conv2d_6/kernel/m":    nn.NewTensor(3, 3, 1, 2),
		"optimizer_weights/iterations:0": nn.NewTensor(1),
	}))

	pixels := make([]float32, 64)
	for i := range pixels {
		pixels[i] = float32((i * 37) % 256)
	}
	input, err := json.Marshal(map[string][]float32{"image": pixels})
	require.NoError(t, err)
	inputPath := filepath.Join(dir, "test1.json")
	require.NoError(t, os.WriteFile(inputPath, input, 0600))

	cfg := config.Default()
	cfg.Model.Architecture = archPath
	cfg.Model.Weights = weightsPath
	cfg.Explain.Input = inputPath
	cfg.Explain.GradCAMOutput = filepath.Join(dir, "gradcam.jpg")
	cfg.Explain.GuidedOutput = filepath.Join(dir, "guided_gradcam.jpg")
	return &flags{class: -1, cfg: cfg}
}

func TestRunWritesBothJPEGs(t *testing.T) {
	f := writeFixture(t)
	require.NoError(t, run(context.Background(), f, &bytes.Buffer{}, zerolog.Nop()))

	for _, path := range []string{f.cfg.Explain.GradCAMOutput, f.cfg.Explain.GuidedOutput} {
		file, err := os.Open(path)
		require.NoError(t, err)
		img, err := jpeg.Decode(file)
		require.NoError(t, file.Close())
		require.NoError(t, err, path)
		assert.Equal(t, 8, img.Bounds().Dx(), path)
		assert.Equal(t, 8, img.Bounds().Dy(), path)
	}

	f.class = 3
	assert.Error(t, run(context.Background(), f, &bytes.Buffer{}, zerolog.Nop()))

	f.class = -1
	f.cfg.Explain.Layer = "conv2d_9"
	assert.ErrorIs(t, run(context.Background(), f, &bytes.Buffer{}, zerolog.Nop()), nn.ErrLayerNotFound)
}

func TestRunStripsOptimizer(t *testing.T) {
	f := writeFixture(t)
	f.stripOptimizer = true
	require.NoError(t, run(context.Background(), f, &bytes.Buffer{}, zerolog.Nop()))

	removed, err := nn.StripOptimizerState(f.cfg.Model.Weights)
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = nn.Load(f.cfg.Model.Architecture, f.cfg.Model.Weights)
	assert.NoError(t, err)
}

func TestRunPrintsConfig(t *testing.T) {
	f := writeFixture(t)
	f.printConfig = true

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), f, &out, zerolog.Nop()))
	assert.Contains(t, out.String(), "layer: conv2d_6")
	assert.NoFileExists(t, f.cfg.Explain.GradCAMOutput)
}
