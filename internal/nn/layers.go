package nn

import (
	"fmt"
	"math"
)

// InputLayer passes the model input through unchanged
type InputLayer struct {
	layerBase
}

func (l *InputLayer) forward(in []*Tensor) (*Tensor, error) {
	return in[0].Clone(), nil
}

func (l *InputLayer) backward(in []*Tensor, grad *Tensor) []*Tensor {
	return []*Tensor{grad}
}

// Identity covers "activation" and "dropout" layers: the output equals the
// input and only the layer's Activation is applied. Dropout is a no-op at
// inference time.
type Identity struct {
	layerBase
}

func (l *Identity) forward(in []*Tensor) (*Tensor, error) {
	return in[0].Clone(), nil
}

func (l *Identity) backward(in []*Tensor, grad *Tensor) []*Tensor {
	return []*Tensor{grad}
}

// BatchNorm applies inference-mode batch normalization with moving statistics
// over the channel axis.
type BatchNorm struct {
	layerBase
	scale []float32 // gamma / sqrt(var + eps)
	shift []float32 // beta - mean * scale
}

func newBatchNorm(spec LayerSpec, act Activation, inShape []int, w Weights) (*BatchNorm, error) {
	channels := inShape[len(inShape)-1]
	mean, err := w.require(spec.Name, "moving_mean", channels)
	if err != nil {
		return nil, err
	}
	variance, err := w.require(spec.Name, "moving_variance", channels)
	if err != nil {
		return nil, err
	}
	gamma, err := w.optional(spec.Name, "gamma", channels)
	if err != nil {
		return nil, err
	}
	beta, err := w.optional(spec.Name, "beta", channels)
	if err != nil {
		return nil, err
	}
	eps := spec.Epsilon
	if eps == 0 {
		eps = 1e-3
	}

	scale := make([]float32, channels)
	shift := make([]float32, channels)
	for c := 0; c < channels; c++ {
		g := float32(1)
		if gamma != nil {
			g = gamma.Data[c]
		}
		scale[c] = g / float32(math.Sqrt(float64(variance.Data[c]+eps)))
		if beta != nil {
			shift[c] = beta.Data[c]
		}
		shift[c] -= mean.Data[c] * scale[c]
	}

	return &BatchNorm{
		layerBase: layerBase{name: spec.Name, typ: spec.Type, inputs: spec.Inputs, act: act, outShape: inShape},
		scale:     scale,
		shift:     shift,
	}, nil
}

func (l *BatchNorm) forward(in []*Tensor) (*Tensor, error) {
	out := NewTensor(in[0].Shape...)
	channels := len(l.scale)
	for i, v := range in[0].Data {
		c := i % channels
		out.Data[i] = v*l.scale[c] + l.shift[c]
	}
	return out, nil
}

func (l *BatchNorm) backward(in []*Tensor, grad *Tensor) []*Tensor {
	gradIn := NewTensor(grad.Shape...)
	channels := len(l.scale)
	for i, g := range grad.Data {
		gradIn.Data[i] = g * l.scale[i%channels]
	}
	return []*Tensor{gradIn}
}

// MaxPool2D takes the maximum over each window. Padded positions never win.
type MaxPool2D struct {
	layerBase
	win      window
	channels int
}

func newMaxPool2D(spec LayerSpec, act Activation, inShape []int) (*MaxPool2D, error) {
	if len(inShape) != 3 {
		return nil, fmt.Errorf("max_pooling2d %s: want HWC input, got %v: %w", spec.Name, inShape, ErrShapeMismatch)
	}
	pool := spec.PoolSize
	if len(pool) == 0 {
		pool = []int{2}
	}
	strides := spec.Strides
	if len(strides) == 0 {
		strides = pool
	}
	win, err := newWindow(inShape[0], inShape[1], pool, strides, spec.Padding)
	if err != nil {
		return nil, fmt.Errorf("max_pooling2d %s: %w", spec.Name, err)
	}
	return &MaxPool2D{
		layerBase: layerBase{
			name:     spec.Name,
			typ:      spec.Type,
			inputs:   spec.Inputs,
			act:      act,
			outShape: []int{win.outH, win.outW, inShape[2]},
		},
		win:      win,
		channels: inShape[2],
	}, nil
}

// argmax returns the flat input index of the maximum for one output cell and
// channel; ties go to the first position in scan order.
func (l *MaxPool2D) argmax(input *Tensor, oh, ow, c int) int {
	best := -1
	for kh := 0; kh < l.win.kH; kh++ {
		for kw := 0; kw < l.win.kW; kw++ {
			ih, iw, ok := l.win.source(oh, ow, kh, kw)
			if !ok {
				continue
			}
			idx := (ih*l.win.inW+iw)*l.channels + c
			if best < 0 || input.Data[idx] > input.Data[best] {
				best = idx
			}
		}
	}
	return best
}

func (l *MaxPool2D) forward(in []*Tensor) (*Tensor, error) {
	out := NewTensor(l.outShape...)
	for oh := 0; oh < l.win.outH; oh++ {
		for ow := 0; ow < l.win.outW; ow++ {
			for c := 0; c < l.channels; c++ {
				out.Data[(oh*l.win.outW+ow)*l.channels+c] = in[0].Data[l.argmax(in[0], oh, ow, c)]
			}
		}
	}
	return out, nil
}

func (l *MaxPool2D) backward(in []*Tensor, grad *Tensor) []*Tensor {
	gradIn := NewTensor(in[0].Shape...)
	for oh := 0; oh < l.win.outH; oh++ {
		for ow := 0; ow < l.win.outW; ow++ {
			for c := 0; c < l.channels; c++ {
				gradIn.Data[l.argmax(in[0], oh, ow, c)] += grad.Data[(oh*l.win.outW+ow)*l.channels+c]
			}
		}
	}
	return []*Tensor{gradIn}
}

// GlobalAveragePooling2D averages each channel over height and width
type GlobalAveragePooling2D struct {
	layerBase
	cells    int
	channels int
}

func (l *GlobalAveragePooling2D) forward(in []*Tensor) (*Tensor, error) {
	out := NewTensor(l.channels)
	for i, v := range in[0].Data {
		out.Data[i%l.channels] += v
	}
	for c := range out.Data {
		out.Data[c] /= float32(l.cells)
	}
	return out, nil
}

func (l *GlobalAveragePooling2D) backward(in []*Tensor, grad *Tensor) []*Tensor {
	gradIn := NewTensor(in[0].Shape...)
	for i := range gradIn.Data {
		gradIn.Data[i] = grad.Data[i%l.channels] / float32(l.cells)
	}
	return []*Tensor{gradIn}
}

// Flatten reshapes its input to a vector
type Flatten struct {
	layerBase
}

func (l *Flatten) forward(in []*Tensor) (*Tensor, error) {
	out := NewTensor(in[0].Size())
	copy(out.Data, in[0].Data)
	return out, nil
}

func (l *Flatten) backward(in []*Tensor, grad *Tensor) []*Tensor {
	gradIn := NewTensor(in[0].Shape...)
	copy(gradIn.Data, grad.Data)
	return []*Tensor{gradIn}
}

// Dense is a fully connected layer over a vector input.
// Kernel layout: [inputs][units].
type Dense struct {
	layerBase
	in     int
	units  int
	kernel *Tensor
	bias   *Tensor
}

func newDense(spec LayerSpec, act Activation, inShape []int, w Weights) (*Dense, error) {
	if len(inShape) != 1 {
		return nil, fmt.Errorf("dense %s: want vector input, got %v: %w", spec.Name, inShape, ErrShapeMismatch)
	}
	if spec.Units <= 0 {
		return nil, fmt.Errorf("dense %s: units must be positive", spec.Name)
	}
	kernel, err := w.require(spec.Name, "kernel", inShape[0], spec.Units)
	if err != nil {
		return nil, err
	}
	bias, err := w.optional(spec.Name, "bias", spec.Units)
	if err != nil {
		return nil, err
	}
	return &Dense{
		layerBase: layerBase{name: spec.Name, typ: spec.Type, inputs: spec.Inputs, act: act, outShape: []int{spec.Units}},
		in:        inShape[0],
		units:     spec.Units,
		kernel:    kernel,
		bias:      bias,
	}, nil
}

func (l *Dense) forward(in []*Tensor) (*Tensor, error) {
	out := NewTensor(l.units)
	if l.bias != nil {
		copy(out.Data, l.bias.Data)
	}
	for i, x := range in[0].Data {
		row := l.kernel.Data[i*l.units : (i+1)*l.units]
		for u, k := range row {
			out.Data[u] += x * k
		}
	}
	return out, nil
}

func (l *Dense) backward(in []*Tensor, grad *Tensor) []*Tensor {
	gradIn := NewTensor(l.in)
	for i := range gradIn.Data {
		row := l.kernel.Data[i*l.units : (i+1)*l.units]
		var sum float32
		for u, k := range row {
			sum += grad.Data[u] * k
		}
		gradIn.Data[i] = sum
	}
	return []*Tensor{gradIn}
}

// Add sums inputs of identical shape
type Add struct {
	layerBase
}

func (l *Add) forward(in []*Tensor) (*Tensor, error) {
	out := in[0].Clone()
	for _, t := range in[1:] {
		for i, v := range t.Data {
			out.Data[i] += v
		}
	}
	return out, nil
}

func (l *Add) backward(in []*Tensor, grad *Tensor) []*Tensor {
	grads := make([]*Tensor, len(in))
	for i := range in {
		grads[i] = grad
	}
	return grads
}
