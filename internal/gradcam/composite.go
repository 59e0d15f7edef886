package gradcam

import (
	"context"
	"fmt"
	"math"

	"github.com/Brownie44l1/fer-explain/internal/nn"
)

// Composite adds a BGR colour map to the input image and rescales the sum so
// its brightest value is 255. The input is shifted to a zero minimum and
// capped at 255 but not stretched, so a [-1, 1] face adds at most 2 to each
// colour value. A single-channel input is repeated over B, G and R.
func Composite(colored []uint8, input *nn.Tensor) (*Image, error) {
	h, w, c, err := input.Dims3()
	if err != nil {
		return nil, err
	}
	if c != 1 && c != 3 {
		return nil, fmt.Errorf("%w: composite needs 1 or 3 channels, got %d", nn.ErrShapeMismatch, c)
	}
	if len(colored) != h*w*3 {
		return nil, fmt.Errorf("%w: colour map has %d bytes for %dx%d", nn.ErrShapeMismatch, len(colored), h, w)
	}

	lo := input.Min()

	sum := make([]float32, h*w*3)
	var maxV float32
	for p := 0; p < h*w; p++ {
		for ch := 0; ch < 3; ch++ {
			src := input.Data[p*c]
			if c == 3 {
				src = input.Data[p*c+ch]
			}
			v := float32(colored[p*3+ch]) + clamp(src-lo, 0, 255)
			sum[p*3+ch] = v
			if v > maxV {
				maxV = v
			}
		}
	}

	img := &Image{Height: h, Width: w, Channels: 3, Pix: make([]uint8, len(sum))}
	if maxV == 0 {
		return img, nil
	}
	for i, v := range sum {
		img.Pix[i] = uint8(clamp(255*v/maxV, 0, 255))
	}
	return img, nil
}

// GuidedGradCAM multiplies a saliency map [h, w, c] by a heatmap [h, w]
// broadcast over channels.
func GuidedGradCAM(saliency, heatmap *nn.Tensor) (*nn.Tensor, error) {
	h, w, c, err := saliency.Dims3()
	if err != nil {
		return nil, err
	}
	if !nn.SameShape(heatmap.Shape, []int{h, w}) {
		return nil, fmt.Errorf("%w: heatmap %v for saliency %v", nn.ErrShapeMismatch, heatmap.Shape, saliency.Shape)
	}
	out := nn.NewTensor(saliency.Shape...)
	for i, v := range saliency.Data {
		out.Data[i] = v * heatmap.Data[i/c]
	}
	return out, nil
}

// Deprocess turns an arbitrary float map into a viewable 8-bit image: centre
// on 0, scale to a standard deviation of 0.1, shift to 0.5, clip to [0, 1]
// and map to [0, 255].
func Deprocess(x *nn.Tensor) (*Image, error) {
	h, w, c, err := x.Dims3()
	if err != nil {
		return nil, err
	}

	mean := float64(x.Mean())
	var variance float64
	for _, v := range x.Data {
		d := float64(v) - mean
		variance += d * d
	}
	std := 0.0
	if len(x.Data) > 0 {
		std = math.Sqrt(variance / float64(len(x.Data)))
	}

	img := &Image{Height: h, Width: w, Channels: c, Pix: make([]uint8, x.Size())}
	for i, v := range x.Data {
		y := (float64(v)-mean)/(std+normEpsilon)*0.1 + 0.5
		y = math.Min(math.Max(y, 0), 1) * 255
		img.Pix[i] = uint8(math.Min(math.Max(y, 0), 255))
	}
	return img, nil
}

// Options selects what Explain computes
type Options struct {
	// Class to explain; negative means the predicted class
	Class int
	// Layer whose activations weight the class activation map
	Layer string
	// SaliencyLayer is the layer whose channel maxima drive guided backprop;
	// defaults to Layer
	SaliencyLayer string
}

// Explanation bundles a prediction with both visual explanations
type Explanation struct {
	Class         int
	Label         string
	Probabilities []float32
	Heatmap       *nn.Tensor
	GradCAM       *Image
	Guided        *Image
}

// Explain runs one forward pass and derives the prediction, the Grad-CAM
// overlay and the Guided Grad-CAM map from it.
func (e *Explainer) Explain(ctx context.Context, input *nn.Tensor, opts Options) (*Explanation, error) {
	trace, err := e.model.Forward(ctx, input)
	if err != nil {
		return nil, err
	}

	probs := trace.Output()
	class := opts.Class
	if class < 0 {
		class = probs.Argmax()
	}
	saliencyLayer := opts.SaliencyLayer
	if saliencyLayer == "" {
		saliencyLayer = opts.Layer
	}

	cam, err := e.gradCAM(ctx, trace, input, class, opts.Layer)
	if err != nil {
		return nil, err
	}
	saliency, err := e.saliency(ctx, trace, saliencyLayer)
	if err != nil {
		return nil, err
	}
	guided, err := GuidedGradCAM(saliency, cam.Heatmap)
	if err != nil {
		return nil, err
	}
	guidedImg, err := Deprocess(guided)
	if err != nil {
		return nil, err
	}

	label := ""
	if class < len(e.model.Classes) {
		label = e.model.Classes[class]
	}
	e.log.Info().
		Int("class", class).
		Str("label", label).
		Float32("probability", probs.Data[class]).
		Msg("explained prediction")

	return &Explanation{
		Class:         class,
		Label:         label,
		Probabilities: append([]float32(nil), probs.Data...),
		Heatmap:       cam.Heatmap,
		GradCAM:       cam.Image,
		Guided:        guidedImg,
	}, nil
}
