package nn

import (
	"fmt"
	"math"
)

// Activation is the nonlinearity applied to a layer's output.
// It is fixed when the model is built.
type Activation int

const (
	ActivationLinear  Activation = 0 // identity
	ActivationReLU    Activation = 1 // max(0, v)
	ActivationSoftmax Activation = 2 // softmax over the last axis
)

// ParseActivation maps the architecture file spelling to an Activation
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "", "linear":
		return ActivationLinear, nil
	case "relu":
		return ActivationReLU, nil
	case "softmax":
		return ActivationSoftmax, nil
	default:
		return 0, fmt.Errorf("unsupported activation %q", s)
	}
}

func (a Activation) String() string {
	switch a {
	case ActivationLinear:
		return "linear"
	case ActivationReLU:
		return "relu"
	case ActivationSoftmax:
		return "softmax"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// GradientRule decides how gradients flow backward through ReLU units.
type GradientRule interface {
	// ReLU returns the gradient w.r.t. the ReLU input given the gradient
	// w.r.t. its output and the input value seen in the forward pass.
	ReLU(grad, input float32) float32
}

// StandardRule is the exact derivative of ReLU.
type StandardRule struct{}

func (StandardRule) ReLU(grad, input float32) float32 {
	if input > 0 {
		return grad
	}
	return 0
}

// GuidedRule implements guided backpropagation: gradient passes only where
// both the incoming gradient and the forward input are positive.
type GuidedRule struct{}

func (GuidedRule) ReLU(grad, input float32) float32 {
	if grad > 0 && input > 0 {
		return grad
	}
	return 0
}

// activate applies act to pre and returns a new tensor.
func activate(pre *Tensor, act Activation) *Tensor {
	out := NewTensor(pre.Shape...)
	switch act {
	case ActivationReLU:
		for i, v := range pre.Data {
			if v > 0 {
				out.Data[i] = v
			}
		}
	case ActivationSoftmax:
		last := pre.Shape[len(pre.Shape)-1]
		for off := 0; off < len(pre.Data); off += last {
			softmax(pre.Data[off:off+last], out.Data[off:off+last])
		}
	default:
		copy(out.Data, pre.Data)
	}
	return out
}

// activateBackward maps the gradient w.r.t. the activation output back to the
// pre-activation values.
func activateBackward(grad, pre, post *Tensor, act Activation, rule GradientRule) *Tensor {
	out := NewTensor(grad.Shape...)
	switch act {
	case ActivationReLU:
		for i, g := range grad.Data {
			out.Data[i] = rule.ReLU(g, pre.Data[i])
		}
	case ActivationSoftmax:
		// dx_i = y_i * (g_i - sum_j g_j y_j)
		last := post.Shape[len(post.Shape)-1]
		for off := 0; off < len(post.Data); off += last {
			y := post.Data[off : off+last]
			g := grad.Data[off : off+last]
			var dot float32
			for j := range y {
				dot += g[j] * y[j]
			}
			for j := range y {
				out.Data[off+j] = y[j] * (g[j] - dot)
			}
		}
	default:
		copy(out.Data, grad.Data)
	}
	return out
}

func softmax(in, out []float32) {
	maxV := in[0]
	for _, v := range in {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
}
