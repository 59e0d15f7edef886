package nn

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randTensor(r *rand.Rand, scale float32, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64()) * scale
	}
	return t
}

// spacedInput returns an HWC tensor whose values are a shuffled ramp, so no
// two entries are closer than step.
func spacedInput(r *rand.Rand, step float32, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i, p := range r.Perm(t.Size()) {
		t.Data[i] = (float32(p) - float32(t.Size())/2) * step
	}
	return t
}

// xceptionBlock mirrors one residual module of a mini-Xception classifier:
// a strided 1x1 shortcut added to separable convolutions followed by max pooling.
func xceptionBlock(t *testing.T) (*Model, *Tensor) {
	t.Helper()
	r := rand.New(rand.NewSource(7))

	arch := &Architecture{
		Name:       "block",
		InputShape: []int{1, 6, 6, 2},
		Classes:    []string{"a", "b", "c"},
		Layers: []LayerSpec{
			{Name: "input_1", Type: TypeInput},
			{Name: "pool_in", Type: TypeMaxPooling2D, PoolSize: []int{2}, Strides: []int{1}, Padding: "valid"},
			{Name: "conv2d_1", Type: TypeConv2D, Filters: 4, KernelSize: []int{3, 3}, Padding: "same"},
			{Name: "bn_1", Type: TypeBatchNormalization},
			{Name: "residual", Type: TypeConv2D, Inputs: []string{"bn_1"}, Filters: 3, KernelSize: []int{1, 1}, Strides: []int{2, 2}, Padding: "same"},
			{Name: "sep_1", Type: TypeSeparableConv2D, Inputs: []string{"bn_1"}, Filters: 3, KernelSize: []int{3, 3}, Padding: "same", DepthMultiplier: 2},
			{Name: "pool_1", Type: TypeMaxPooling2D, PoolSize: []int{3, 3}, Strides: []int{2, 2}, Padding: "same"},
			{Name: "add_1", Type: TypeAdd, Inputs: []string{"pool_1", "residual"}},
			{Name: "conv2d_2", Type: TypeConv2D, Filters: 3, KernelSize: []int{3, 3}, Padding: "same"},
			{Name: "gap", Type: TypeGlobalAveragePooling2D},
			{Name: "predictions", Type: TypeActivation, Activation: "softmax"},
		},
	}
	weights := Weights{
		"conv2d_1/kernel":           randTensor(r, 0.5, 3, 3, 2, 4),
		"conv2d_1/bias":             randTensor(r, 0.1, 4),
		"bn_1/gamma":                randTensor(r, 0.2, 4),
		"bn_1/beta":                 randTensor(r, 0.1, 4),
		"bn_1/moving_mean":          randTensor(r, 0.1, 4),
		"bn_1/moving_variance":      NewTensor(4),
		"residual/kernel":           randTensor(r, 0.5, 1, 1, 4, 3),
		"sep_1/depthwise_kernel":    randTensor(r, 0.5, 3, 3, 4, 2),
		"sep_1/pointwise_kernel":    randTensor(r, 0.5, 1, 1, 8, 3),
		"conv2d_2/kernel":           randTensor(r, 0.5, 3, 3, 3, 3),
		"conv2d_2/bias":             randTensor(r, 0.1, 3),
		"optimizer/conv2d_1/kernel": randTensor(r, 1, 3, 3, 2, 4),
	}
	for i := range weights["bn_1/moving_variance"].Data {
		weights["bn_1/moving_variance"].Data[i] = 1 + float32(i)*0.25
		weights["bn_1/gamma"].Data[i] += 1
	}

	m, err := Build(arch, weights)
	require.NoError(t, err)
	return m, spacedInput(r, 0.05, 6, 6, 2)
}

func TestBuildInfersShapes(t *testing.T) {
	m, _ := xceptionBlock(t)

	shapes := map[string][]int{
		"pool_in":     {5, 5, 2},
		"conv2d_1":    {5, 5, 4},
		"residual":    {3, 3, 3},
		"sep_1":       {5, 5, 3},
		"pool_1":      {3, 3, 3},
		"add_1":       {3, 3, 3},
		"gap":         {3},
		"predictions": {3},
	}
	for name, want := range shapes {
		layer, err := m.Layer(name)
		require.NoError(t, err)
		assert.Equal(t, want, layer.OutputShape(), name)
	}
	assert.Equal(t, "input_1", m.InputName())
	assert.Equal(t, "predictions", m.OutputName())
	assert.Equal(t, []int{6, 6, 2}, m.InputShape)
}

func TestForwardIsDeterministic(t *testing.T) {
	m, input := xceptionBlock(t)
	ctx := context.Background()

	first, err := m.Predict(ctx, input)
	require.NoError(t, err)
	second, err := m.Predict(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Argmax(), second.Argmax())

	var sum float32
	for _, p := range first.Data {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	m, input := xceptionBlock(t)
	ctx := context.Background()

	seed := NewTensor(3)
	seed.Data[1] = 1

	trace, err := m.Forward(ctx, input)
	require.NoError(t, err)
	grad, err := trace.Backward(ctx, m.OutputName(), seed, m.InputName(), StandardRule{})
	require.NoError(t, err)
	require.Equal(t, input.Shape, grad.Shape)

	score := func(x *Tensor) float64 {
		out, err := m.Predict(ctx, x)
		require.NoError(t, err)
		return float64(out.Data[1])
	}

	const eps = 1e-3
	for i := range input.Data {
		plus := input.Clone()
		plus.Data[i] += eps
		minus := input.Clone()
		minus.Data[i] -= eps
		numeric := (score(plus) - score(minus)) / (2 * eps)
		assert.InDelta(t, numeric, grad.Data[i], 2e-3, "input element %d", i)
	}
}

func TestBackwardToIntermediateLayer(t *testing.T) {
	arch := &Architecture{
		Name:       "dense",
		InputShape: []int{1, 1, 1, 2},
		Layers: []LayerSpec{
			{Name: "input", Type: TypeInput},
			{Name: "flat", Type: TypeFlatten},
			{Name: "d1", Type: TypeDense, Units: 3},
			{Name: "d2", Type: TypeDense, Units: 2},
		},
	}
	w2 := &Tensor{Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}}
	m, err := Build(arch, Weights{
		"d1/kernel": &Tensor{Shape: []int{2, 3}, Data: []float32{1, 0, 0, 0, 1, 0}},
		"d2/kernel": w2,
		"d2/bias":   &Tensor{Shape: []int{2}, Data: []float32{0.5, -0.5}},
	})
	require.NoError(t, err)

	ctx := context.Background()
	trace, err := m.Forward(ctx, &Tensor{Shape: []int{1, 1, 2}, Data: []float32{2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []float32{2*1 + 3*3 + 0.5, 2*2 + 3*4 - 0.5}, trace.Output().Data)

	seed := &Tensor{Shape: []int{2}, Data: []float32{1, 0}}
	grad, err := trace.Backward(ctx, "d2", seed, "d1", nil)
	require.NoError(t, err)
	// d(out[0])/d(d1) is the first column of w2
	assert.Equal(t, []float32{1, 3, 5}, grad.Data)
}

func TestGuidedRuleSuppressesNegativeGradients(t *testing.T) {
	arch := &Architecture{
		Name:       "relu",
		InputShape: []int{1, 1, 1, 3},
		Layers: []LayerSpec{
			{Name: "input", Type: TypeInput},
			{Name: "flat", Type: TypeFlatten},
			{Name: "hidden", Type: TypeDense, Units: 3, Activation: "relu"},
			{Name: "out", Type: TypeDense, Units: 1},
		},
	}
	m, err := Build(arch, Weights{
		// identity hidden layer so the ReLU sees the input directly
		"hidden/kernel": &Tensor{Shape: []int{3, 3}, Data: []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}},
		"out/kernel":    &Tensor{Shape: []int{3, 1}, Data: []float32{2, -1, 4}},
	})
	require.NoError(t, err)

	ctx := context.Background()
	trace, err := m.Forward(ctx, &Tensor{Shape: []int{1, 1, 3}, Data: []float32{1, 1, -1}})
	require.NoError(t, err)
	seed := &Tensor{Shape: []int{1}, Data: []float32{1}}

	standard, err := trace.Backward(ctx, "out", seed, "input", StandardRule{})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, -1, 0}, standard.Data)

	guided, err := trace.Backward(ctx, "out", seed, "input", GuidedRule{})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0, 0}, guided.Data)

	again, err := trace.Backward(ctx, "out", seed, "input", GuidedRule{})
	require.NoError(t, err)
	assert.Equal(t, guided.Data, again.Data)
}

func TestLookupErrors(t *testing.T) {
	m, input := xceptionBlock(t)
	ctx := context.Background()

	_, err := m.Layer("conv2d_6")
	assert.ErrorIs(t, err, ErrLayerNotFound)

	trace, err := m.Forward(ctx, input)
	require.NoError(t, err)
	_, err = trace.Activations("conv2d_6")
	assert.ErrorIs(t, err, ErrLayerNotFound)
	_, err = trace.Backward(ctx, m.OutputName(), NewTensor(3), "conv2d_6", StandardRule{})
	assert.ErrorIs(t, err, ErrLayerNotFound)
	_, err = trace.Backward(ctx, m.OutputName(), NewTensor(4), "conv2d_1", StandardRule{})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = m.Forward(ctx, NewTensor(5, 5, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestForwardHonoursCancellation(t *testing.T) {
	m, input := xceptionBlock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Forward(ctx, input)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildRejectsInvalidArchitectures(t *testing.T) {
	base := func() *Architecture {
		return &Architecture{
			Name:       "bad",
			InputShape: []int{1, 4, 4, 1},
			Layers:     []LayerSpec{{Name: "input", Type: TypeInput}},
		}
	}

	arch := base()
	arch.InputShape = []int{2, 4, 4, 1}
	_, err := Build(arch, Weights{})
	assert.ErrorIs(t, err, ErrBatchSize)

	arch = base()
	arch.Layers = append(arch.Layers, LayerSpec{Name: "c", Type: TypeConv2D, Filters: 2, KernelSize: []int{3}})
	_, err = Build(arch, Weights{})
	assert.ErrorContains(t, err, "missing weight")

	arch = base()
	arch.Layers = append(arch.Layers, LayerSpec{Name: "c", Type: TypeConv2D, Filters: 2, KernelSize: []int{3}})
	_, err = Build(arch, Weights{"c/kernel": NewTensor(3, 3, 2, 2)})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	arch = base()
	arch.Layers = append(arch.Layers, LayerSpec{Name: "a", Type: TypeAdd, Inputs: []string{"input", "missing"}})
	_, err = Build(arch, Weights{})
	assert.ErrorIs(t, err, ErrLayerNotFound)

	arch = base()
	arch.Layers = append(arch.Layers, LayerSpec{Name: "x", Type: "lstm"})
	_, err = Build(arch, Weights{})
	assert.ErrorContains(t, err, "unsupported type")

	arch = base()
	arch.Layers = append(arch.Layers, LayerSpec{Name: "x", Type: TypeActivation, Activation: "gelu"})
	_, err = Build(arch, Weights{})
	assert.ErrorContains(t, err, "unsupported activation")
}

func TestSpatialOutput(t *testing.T) {
	cases := []struct {
		in, k, stride int
		padding       string
		out, pad      int
	}{
		{48, 3, 1, "valid", 46, 0},
		{46, 3, 1, "same", 46, 1},
		{46, 1, 2, "same", 23, 0},
		{46, 3, 2, "same", 23, 0},
		{23, 3, 2, "same", 12, 1},
		{5, 2, 1, "valid", 4, 0},
	}
	for _, c := range cases {
		out, pad, err := spatialOutput(c.in, c.k, c.stride, c.padding)
		require.NoError(t, err)
		assert.Equal(t, c.out, out, "%+v", c)
		assert.Equal(t, c.pad, pad, "%+v", c)
	}

	_, _, err := spatialOutput(2, 3, 1, "valid")
	assert.Error(t, err)
	_, _, err = spatialOutput(4, 3, 1, "reflect")
	assert.Error(t, err)
}
