package nn

import (
	"fmt"
)

// Layer is one node of a model graph. Outputs of forward are pre-activation;
// the model applies the layer's Activation afterwards.
type Layer interface {
	Name() string
	Type() string
	Inputs() []string
	Activation() Activation
	OutputShape() []int

	forward(in []*Tensor) (*Tensor, error)
	// backward returns the gradient w.r.t. each input given the gradient
	// w.r.t. the pre-activation output.
	backward(in []*Tensor, grad *Tensor) []*Tensor
}

// layerBase carries the fields every layer shares
type layerBase struct {
	name     string
	typ      string
	inputs   []string
	act      Activation
	outShape []int
}

func (b *layerBase) Name() string           { return b.name }
func (b *layerBase) Type() string           { return b.typ }
func (b *layerBase) Inputs() []string       { return b.inputs }
func (b *layerBase) Activation() Activation { return b.act }
func (b *layerBase) OutputShape() []int     { return b.outShape }

// Weights holds named parameter tensors, keyed "<layer>/<param>".
type Weights map[string]*Tensor

// WeightKey builds the tensor name for a layer parameter
func WeightKey(layer, param string) string {
	return layer + "/" + param
}

func (w Weights) require(layer, param string, shape ...int) (*Tensor, error) {
	t, ok := w[WeightKey(layer, param)]
	if !ok {
		return nil, fmt.Errorf("layer %s: missing weight %q", layer, param)
	}
	if !SameShape(t.Shape, shape) {
		return nil, fmt.Errorf("layer %s: weight %q has shape %v, want %v: %w", layer, param, t.Shape, shape, ErrShapeMismatch)
	}
	return t, nil
}

// optional returns nil when the parameter is absent
func (w Weights) optional(layer, param string, shape ...int) (*Tensor, error) {
	if _, ok := w[WeightKey(layer, param)]; !ok {
		return nil, nil
	}
	return w.require(layer, param, shape...)
}

// pair expands a one- or two-element size list (kernel, stride, pool) to (h, w).
func pair(v []int, def int) (int, int, error) {
	switch len(v) {
	case 0:
		return def, def, nil
	case 1:
		return v[0], v[0], nil
	case 2:
		return v[0], v[1], nil
	default:
		return 0, 0, fmt.Errorf("expected 1 or 2 values, got %v", v)
	}
}

// spatialOutput computes the output length and leading padding along one
// axis for "valid" or "same" padding.
func spatialOutput(in, k, stride int, padding string) (out, pad int, err error) {
	if k <= 0 || stride <= 0 {
		return 0, 0, fmt.Errorf("kernel %d and stride %d must be positive", k, stride)
	}
	switch padding {
	case "", "valid":
		if in < k {
			return 0, 0, fmt.Errorf("input length %d smaller than window %d", in, k)
		}
		return (in-k)/stride + 1, 0, nil
	case "same":
		out = (in + stride - 1) / stride
		total := (out-1)*stride + k - in
		if total < 0 {
			total = 0
		}
		return out, total / 2, nil
	default:
		return 0, 0, fmt.Errorf("unsupported padding %q", padding)
	}
}

// window describes a 2D sliding window over an HWC tensor
type window struct {
	inH, inW   int
	kH, kW     int
	sH, sW     int
	padT, padL int
	outH, outW int
}

func newWindow(inH, inW int, kernel, strides []int, padding string) (window, error) {
	kH, kW, err := pair(kernel, 1)
	if err != nil {
		return window{}, err
	}
	sH, sW, err := pair(strides, 1)
	if err != nil {
		return window{}, err
	}
	outH, padT, err := spatialOutput(inH, kH, sH, padding)
	if err != nil {
		return window{}, err
	}
	outW, padL, err := spatialOutput(inW, kW, sW, padding)
	if err != nil {
		return window{}, err
	}
	return window{
		inH: inH, inW: inW,
		kH: kH, kW: kW,
		sH: sH, sW: sW,
		padT: padT, padL: padL,
		outH: outH, outW: outW,
	}, nil
}

// source returns the input position under kernel tap (kh, kw) for output
// position (oh, ow); ok is false when it falls into padding.
func (w window) source(oh, ow, kh, kw int) (ih, iw int, ok bool) {
	ih = oh*w.sH + kh - w.padT
	iw = ow*w.sW + kw - w.padL
	return ih, iw, ih >= 0 && ih < w.inH && iw >= 0 && iw < w.inW
}
