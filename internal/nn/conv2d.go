package nn

import (
	"fmt"
)

// Conv2D is a standard 2D convolution.
// Kernel layout: [kernelH][kernelW][inChannels][filters].
type Conv2D struct {
	layerBase
	win     window
	inC     int
	filters int
	kernel  *Tensor
	bias    *Tensor // nil when the layer has no bias
}

func newConv2D(spec LayerSpec, act Activation, inShape []int, w Weights) (*Conv2D, error) {
	if len(inShape) != 3 {
		return nil, fmt.Errorf("conv2d %s: want HWC input, got %v: %w", spec.Name, inShape, ErrShapeMismatch)
	}
	if spec.Filters <= 0 {
		return nil, fmt.Errorf("conv2d %s: filters must be positive", spec.Name)
	}
	win, err := newWindow(inShape[0], inShape[1], spec.KernelSize, spec.Strides, spec.Padding)
	if err != nil {
		return nil, fmt.Errorf("conv2d %s: %w", spec.Name, err)
	}
	inC := inShape[2]
	kernel, err := w.require(spec.Name, "kernel", win.kH, win.kW, inC, spec.Filters)
	if err != nil {
		return nil, err
	}
	bias, err := w.optional(spec.Name, "bias", spec.Filters)
	if err != nil {
		return nil, err
	}

	return &Conv2D{
		layerBase: layerBase{
			name:     spec.Name,
			typ:      spec.Type,
			inputs:   spec.Inputs,
			act:      act,
			outShape: []int{win.outH, win.outW, spec.Filters},
		},
		win:     win,
		inC:     inC,
		filters: spec.Filters,
		kernel:  kernel,
		bias:    bias,
	}, nil
}

func (l *Conv2D) forward(in []*Tensor) (*Tensor, error) {
	return convForward(in[0], l.kernel, l.bias, l.win, l.inC, l.filters), nil
}

func (l *Conv2D) backward(in []*Tensor, grad *Tensor) []*Tensor {
	return []*Tensor{convBackward(grad, l.kernel, l.win, l.inC, l.filters)}
}

// convForward performs a dense convolution over an HWC tensor
func convForward(input, kernel, bias *Tensor, win window, inC, filters int) *Tensor {
	out := NewTensor(win.outH, win.outW, filters)

	for oh := 0; oh < win.outH; oh++ {
		for ow := 0; ow < win.outW; ow++ {
			o := out.Data[(oh*win.outW+ow)*filters : (oh*win.outW+ow+1)*filters]
			if bias != nil {
				copy(o, bias.Data)
			}
			for kh := 0; kh < win.kH; kh++ {
				for kw := 0; kw < win.kW; kw++ {
					ih, iw, ok := win.source(oh, ow, kh, kw)
					if !ok {
						continue
					}
					x := input.Data[(ih*win.inW+iw)*inC : (ih*win.inW+iw+1)*inC]
					for ic, v := range x {
						k := kernel.Data[((kh*win.kW+kw)*inC+ic)*filters:]
						for f := range o {
							o[f] += v * k[f]
						}
					}
				}
			}
		}
	}
	return out
}

// convBackward returns the gradient w.r.t. the convolution input
func convBackward(grad, kernel *Tensor, win window, inC, filters int) *Tensor {
	gradIn := NewTensor(win.inH, win.inW, inC)

	for oh := 0; oh < win.outH; oh++ {
		for ow := 0; ow < win.outW; ow++ {
			g := grad.Data[(oh*win.outW+ow)*filters : (oh*win.outW+ow+1)*filters]
			for kh := 0; kh < win.kH; kh++ {
				for kw := 0; kw < win.kW; kw++ {
					ih, iw, ok := win.source(oh, ow, kh, kw)
					if !ok {
						continue
					}
					gi := gradIn.Data[(ih*win.inW+iw)*inC : (ih*win.inW+iw+1)*inC]
					for ic := range gi {
						k := kernel.Data[((kh*win.kW+kw)*inC+ic)*filters:]
						var sum float32
						for f, gv := range g {
							sum += gv * k[f]
						}
						gi[ic] += sum
					}
				}
			}
		}
	}
	return gradIn
}

// SeparableConv2D is a depthwise convolution followed by a 1x1 pointwise
// convolution. Depthwise kernel: [kernelH][kernelW][inChannels][multiplier];
// pointwise kernel: [1][1][inChannels*multiplier][filters].
type SeparableConv2D struct {
	layerBase
	depthWin   window
	pointWin   window
	inC        int
	multiplier int
	filters    int
	depthwise  *Tensor
	pointwise  *Tensor
	bias       *Tensor
}

func newSeparableConv2D(spec LayerSpec, act Activation, inShape []int, w Weights) (*SeparableConv2D, error) {
	if len(inShape) != 3 {
		return nil, fmt.Errorf("separable_conv2d %s: want HWC input, got %v: %w", spec.Name, inShape, ErrShapeMismatch)
	}
	if spec.Filters <= 0 {
		return nil, fmt.Errorf("separable_conv2d %s: filters must be positive", spec.Name)
	}
	mult := spec.DepthMultiplier
	if mult == 0 {
		mult = 1
	}
	depthWin, err := newWindow(inShape[0], inShape[1], spec.KernelSize, spec.Strides, spec.Padding)
	if err != nil {
		return nil, fmt.Errorf("separable_conv2d %s: %w", spec.Name, err)
	}
	pointWin, err := newWindow(depthWin.outH, depthWin.outW, []int{1}, []int{1}, "valid")
	if err != nil {
		return nil, fmt.Errorf("separable_conv2d %s: %w", spec.Name, err)
	}
	inC := inShape[2]

	depthwise, err := w.require(spec.Name, "depthwise_kernel", depthWin.kH, depthWin.kW, inC, mult)
	if err != nil {
		return nil, err
	}
	pointwise, err := w.require(spec.Name, "pointwise_kernel", 1, 1, inC*mult, spec.Filters)
	if err != nil {
		return nil, err
	}
	bias, err := w.optional(spec.Name, "bias", spec.Filters)
	if err != nil {
		return nil, err
	}

	return &SeparableConv2D{
		layerBase: layerBase{
			name:     spec.Name,
			typ:      spec.Type,
			inputs:   spec.Inputs,
			act:      act,
			outShape: []int{pointWin.outH, pointWin.outW, spec.Filters},
		},
		depthWin:   depthWin,
		pointWin:   pointWin,
		inC:        inC,
		multiplier: mult,
		filters:    spec.Filters,
		depthwise:  depthwise,
		pointwise:  pointwise,
		bias:       bias,
	}, nil
}

func (l *SeparableConv2D) forward(in []*Tensor) (*Tensor, error) {
	mid := depthwiseForward(in[0], l.depthwise, l.depthWin, l.inC, l.multiplier)
	return convForward(mid, l.pointwise, l.bias, l.pointWin, l.inC*l.multiplier, l.filters), nil
}

func (l *SeparableConv2D) backward(in []*Tensor, grad *Tensor) []*Tensor {
	gradMid := convBackward(grad, l.pointwise, l.pointWin, l.inC*l.multiplier, l.filters)
	return []*Tensor{depthwiseBackward(gradMid, l.depthwise, l.depthWin, l.inC, l.multiplier)}
}

// depthwiseForward convolves every input channel with its own kernels.
// Output channel ic*mult+m comes from input channel ic.
func depthwiseForward(input, kernel *Tensor, win window, inC, mult int) *Tensor {
	outC := inC * mult
	out := NewTensor(win.outH, win.outW, outC)

	for oh := 0; oh < win.outH; oh++ {
		for ow := 0; ow < win.outW; ow++ {
			o := out.Data[(oh*win.outW+ow)*outC : (oh*win.outW+ow+1)*outC]
			for kh := 0; kh < win.kH; kh++ {
				for kw := 0; kw < win.kW; kw++ {
					ih, iw, ok := win.source(oh, ow, kh, kw)
					if !ok {
						continue
					}
					x := input.Data[(ih*win.inW+iw)*inC : (ih*win.inW+iw+1)*inC]
					k := kernel.Data[(kh*win.kW+kw)*outC : (kh*win.kW+kw+1)*outC]
					for ic, v := range x {
						for m := 0; m < mult; m++ {
							o[ic*mult+m] += v * k[ic*mult+m]
						}
					}
				}
			}
		}
	}
	return out
}

func depthwiseBackward(grad, kernel *Tensor, win window, inC, mult int) *Tensor {
	outC := inC * mult
	gradIn := NewTensor(win.inH, win.inW, inC)

	for oh := 0; oh < win.outH; oh++ {
		for ow := 0; ow < win.outW; ow++ {
			g := grad.Data[(oh*win.outW+ow)*outC : (oh*win.outW+ow+1)*outC]
			for kh := 0; kh < win.kH; kh++ {
				for kw := 0; kw < win.kW; kw++ {
					ih, iw, ok := win.source(oh, ow, kh, kw)
					if !ok {
						continue
					}
					gi := gradIn.Data[(ih*win.inW+iw)*inC : (ih*win.inW+iw+1)*inC]
					k := kernel.Data[(kh*win.kW+kw)*outC : (kh*win.kW+kw+1)*outC]
					for ic := range gi {
						for m := 0; m < mult; m++ {
							gi[ic] += g[ic*mult+m] * k[ic*mult+m]
						}
					}
				}
			}
		}
	}
	return gradIn
}
