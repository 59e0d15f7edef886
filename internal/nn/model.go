package nn

import (
	"context"
	"fmt"
)

// Model is an immutable graph of named layers
type Model struct {
	Name       string
	InputShape []int // [height, width, channels]
	Classes    []string

	layers   []Layer
	index    map[string]int
	inputIdx [][]int // indices of each layer's inputs
}

// Layers returns the layers in evaluation order
func (m *Model) Layers() []Layer {
	return m.layers
}

// Layer looks a layer up by name
func (m *Model) Layer(name string) (Layer, error) {
	idx, ok := m.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, name)
	}
	return m.layers[idx], nil
}

// InputName returns the name of the input layer
func (m *Model) InputName() string {
	return m.layers[0].Name()
}

// OutputName returns the name of the last layer, whose output is the model output
func (m *Model) OutputName() string {
	return m.layers[len(m.layers)-1].Name()
}

// OutputShape returns the shape of the model output
func (m *Model) OutputShape() []int {
	return m.layers[len(m.layers)-1].OutputShape()
}

// Trace records one forward pass: the pre- and post-activation output of
// every layer. It belongs to a single caller.
type Trace struct {
	model *Model
	pre   []*Tensor
	post  []*Tensor
}

// Forward runs the model on a single HWC image
func (m *Model) Forward(ctx context.Context, input *Tensor) (*Trace, error) {
	if !SameShape(input.Shape, m.InputShape) {
		return nil, fmt.Errorf("%w: model %s expects input %v, got %v", ErrShapeMismatch, m.Name, m.InputShape, input.Shape)
	}

	t := &Trace{
		model: m,
		pre:   make([]*Tensor, len(m.layers)),
		post:  make([]*Tensor, len(m.layers)),
	}

	for i, layer := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in := []*Tensor{input}
		if i > 0 {
			in = t.inputs(i)
		}
		pre, err := layer.forward(in)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name(), err)
		}
		t.pre[i] = pre
		if layer.Activation() == ActivationLinear {
			t.post[i] = pre
		} else {
			t.post[i] = activate(pre, layer.Activation())
		}
	}
	return t, nil
}

// Predict runs a forward pass and returns the model output
func (m *Model) Predict(ctx context.Context, input *Tensor) (*Tensor, error) {
	t, err := m.Forward(ctx, input)
	if err != nil {
		return nil, err
	}
	return t.Output(), nil
}

func (t *Trace) inputs(i int) []*Tensor {
	idx := t.model.inputIdx[i]
	in := make([]*Tensor, len(idx))
	for j, k := range idx {
		in[j] = t.post[k]
	}
	return in
}

// Output returns the model output of this pass
func (t *Trace) Output() *Tensor {
	return t.post[len(t.post)-1]
}

// Activations returns the post-activation output of the named layer
func (t *Trace) Activations(name string) (*Tensor, error) {
	idx, ok := t.model.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, name)
	}
	return t.post[idx], nil
}

// Backward computes the gradient of sum(seed * output(from)) with respect to
// the post-activation output of layer wrt. ReLU units are differentiated with
// rule. Layers that do not lie between wrt and from are skipped.
func (t *Trace) Backward(ctx context.Context, from string, seed *Tensor, wrt string, rule GradientRule) (*Tensor, error) {
	m := t.model
	fromIdx, ok := m.index[from]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, from)
	}
	wrtIdx, ok := m.index[wrt]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, wrt)
	}
	if wrtIdx > fromIdx {
		return nil, fmt.Errorf("layer %s comes after %s", wrt, from)
	}
	if !SameShape(seed.Shape, t.post[fromIdx].Shape) {
		return nil, fmt.Errorf("%w: seed %v for layer %s with output %v", ErrShapeMismatch, seed.Shape, from, t.post[fromIdx].Shape)
	}
	if rule == nil {
		rule = StandardRule{}
	}

	grads := make([]*Tensor, len(m.layers))
	grads[fromIdx] = seed.Clone()

	for i := fromIdx; i > wrtIdx; i-- {
		if grads[i] == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		layer := m.layers[i]
		gradPre := grads[i]
		if layer.Activation() != ActivationLinear {
			gradPre = activateBackward(grads[i], t.pre[i], t.post[i], layer.Activation(), rule)
		}
		for j, g := range layer.backward(t.inputs(i), gradPre) {
			k := m.inputIdx[i][j]
			grads[k] = accumulate(grads[k], g)
		}
		grads[i] = nil
	}

	if grads[wrtIdx] == nil {
		// wrt does not feed from
		return NewTensor(t.post[wrtIdx].Shape...), nil
	}
	return grads[wrtIdx], nil
}
