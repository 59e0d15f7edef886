// Package gradcam produces Grad-CAM and Guided Grad-CAM explanations for
// classifiers built with package nn.
package gradcam

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/fer-explain/internal/nn"
)

// ErrClassOutOfRange is returned for a target class outside the model output
var ErrClassOutOfRange = errors.New("class index out of range")

// normEpsilon keeps gradient normalization finite for all-zero gradients
const normEpsilon = 1e-5

// Image is an 8-bit raster with interleaved channels. Three-channel images
// are in BGR order.
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []uint8
}

// Colorizer turns an 8-bit intensity map into a 3-channel BGR colour image
type Colorizer interface {
	ColorMap(gray []uint8, height, width int) ([]uint8, error)
}

// Resizer bilinearly scales a row-major single-channel map from
// srcH x srcW to height x width
type Resizer interface {
	Resize(src []float32, srcH, srcW, height, width int) ([]float32, error)
}

// Explainer computes explanations for one model
type Explainer struct {
	model     *nn.Model
	colorizer Colorizer
	resizer   Resizer
	log       zerolog.Logger
}

// New returns an Explainer that upsamples class activation maps with resizer
// and colours them with colorizer. log is used as given.
func New(model *nn.Model, colorizer Colorizer, resizer Resizer, log zerolog.Logger) *Explainer {
	return &Explainer{
		model:     model,
		colorizer: colorizer,
		resizer:   resizer,
		log:       log,
	}
}

// Model returns the explained model
func (e *Explainer) Model() *nn.Model {
	return e.model
}

// CAM is the result of a Grad-CAM pass
type CAM struct {
	Class   int
	Heatmap *nn.Tensor // [height, width], values in [0, 1]
	Image   *Image     // heatmap composited over the input, [height, width, 3]
}

// GradCAM explains why the model scores input as class, using the
// activations of the named convolutional layer.
func (e *Explainer) GradCAM(ctx context.Context, input *nn.Tensor, class int, layer string) (*CAM, error) {
	trace, err := e.model.Forward(ctx, input)
	if err != nil {
		return nil, err
	}
	return e.gradCAM(ctx, trace, input, class, layer)
}

func (e *Explainer) gradCAM(ctx context.Context, trace *nn.Trace, input *nn.Tensor, class int, layer string) (*CAM, error) {
	seed, err := TargetCategory(class, trace.Output().Size())
	if err != nil {
		return nil, err
	}
	acts, err := trace.Activations(layer)
	if err != nil {
		return nil, err
	}
	grads, err := trace.Backward(ctx, e.model.OutputName(), seed, layer, nn.StandardRule{})
	if err != nil {
		return nil, fmt.Errorf("gradient of class %d w.r.t. %s: %w", class, layer, err)
	}

	cam, err := ClassActivationMap(acts, Normalize(grads))
	if err != nil {
		return nil, err
	}
	heatmap, err := Heatmap(cam, input.Shape[0], input.Shape[1], e.resizer)
	if err != nil {
		return nil, err
	}
	if heatmap.Max() == 0 {
		e.log.Warn().Str("layer", layer).Int("class", class).Msg("class activation map is empty")
	}

	colored, err := e.colorizer.ColorMap(Quantize(heatmap), input.Shape[0], input.Shape[1])
	if err != nil {
		return nil, fmt.Errorf("failed to colour heatmap: %w", err)
	}
	img, err := Composite(colored, input)
	if err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("layer", layer).
		Int("class", class).
		Ints("cam_shape", cam.Shape).
		Float32("grad_rms", grads.RMS()).
		Msg("computed class activation map")

	return &CAM{Class: class, Heatmap: heatmap, Image: img}, nil
}

// Saliency returns the guided-backpropagation gradient of
// sum over positions of max over channels of layer, w.r.t. the input.
func (e *Explainer) Saliency(ctx context.Context, input *nn.Tensor, layer string) (*nn.Tensor, error) {
	trace, err := e.model.Forward(ctx, input)
	if err != nil {
		return nil, err
	}
	return e.saliency(ctx, trace, layer)
}

func (e *Explainer) saliency(ctx context.Context, trace *nn.Trace, layer string) (*nn.Tensor, error) {
	acts, err := trace.Activations(layer)
	if err != nil {
		return nil, err
	}
	seed, err := channelMaxSeed(acts)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", layer, err)
	}
	return trace.Backward(ctx, layer, seed, e.model.InputName(), nn.GuidedRule{})
}

// TargetCategory builds the one-hot mask that keeps only class's score
func TargetCategory(class, numClasses int) (*nn.Tensor, error) {
	if class < 0 || class >= numClasses {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrClassOutOfRange, class, numClasses)
	}
	mask := nn.NewTensor(numClasses)
	mask.Data[class] = 1
	return mask, nil
}

// Normalize scales g by the inverse of its root mean square
func Normalize(g *nn.Tensor) *nn.Tensor {
	out := nn.NewTensor(g.Shape...)
	scale := 1 / (g.RMS() + normEpsilon)
	for i, v := range g.Data {
		out.Data[i] = v * scale
	}
	return out
}

// ClassActivationMap weights each channel of acts by the spatial mean of its
// gradient and adds the weighted channels to a map of ones. The result has
// shape [height, width].
func ClassActivationMap(acts, grads *nn.Tensor) (*nn.Tensor, error) {
	h, w, c, err := acts.Dims3()
	if err != nil {
		return nil, err
	}
	if !nn.SameShape(acts.Shape, grads.Shape) {
		return nil, fmt.Errorf("%w: activations %v, gradients %v", nn.ErrShapeMismatch, acts.Shape, grads.Shape)
	}

	weights := make([]float32, c)
	for i, g := range grads.Data {
		weights[i%c] += g
	}
	for k := range weights {
		weights[k] /= float32(h * w)
	}

	cam := nn.NewTensor(h, w)
	for p := range cam.Data {
		a := acts.Data[p*c : (p+1)*c]
		sum := float32(1)
		for k, v := range a {
			sum += weights[k] * v
		}
		cam.Data[p] = sum
	}
	return cam, nil
}

// Heatmap resizes cam to height x width, clips negatives and rescales so the
// maximum is exactly 1. A map with no positive value becomes all zeros.
func Heatmap(cam *nn.Tensor, height, width int, resizer Resizer) (*nn.Tensor, error) {
	if len(cam.Shape) != 2 {
		return nil, fmt.Errorf("%w: class activation map %v is not 2-D", nn.ErrShapeMismatch, cam.Shape)
	}
	data, err := resizer.Resize(cam.Data, cam.Shape[0], cam.Shape[1], height, width)
	if err != nil {
		return nil, fmt.Errorf("failed to resize heatmap: %w", err)
	}
	out, err := nn.FromSlice(data, height, width)
	if err != nil {
		return nil, err
	}

	var maxV float32
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		} else if v > maxV {
			maxV = v
		}
	}
	if maxV == 0 {
		return out, nil
	}
	for i := range out.Data {
		out.Data[i] /= maxV
	}
	return out, nil
}

// Quantize maps a [0, 1] heatmap to 8-bit intensities
func Quantize(heatmap *nn.Tensor) []uint8 {
	out := make([]uint8, heatmap.Size())
	for i, v := range heatmap.Data {
		out[i] = uint8(clamp(255*v, 0, 255))
	}
	return out
}

// channelMaxSeed is the gradient of sum over positions of max over channels:
// one at the first maximal channel of every position.
func channelMaxSeed(acts *nn.Tensor) (*nn.Tensor, error) {
	_, _, c, err := acts.Dims3()
	if err != nil {
		return nil, err
	}
	seed := nn.NewTensor(acts.Shape...)
	for p := 0; p < acts.Size(); p += c {
		best := p
		for k := p; k < p+c; k++ {
			if acts.Data[k] > acts.Data[best] {
				best = k
			}
		}
		seed.Data[best] = 1
	}
	return seed, nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
