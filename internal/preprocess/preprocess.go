// Package preprocess turns images and raw pixel arrays into model input tensors
package preprocess

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/fer-explain/internal/nn"
)

// Scale maps a [0, 255] pixel value to [-1, 1]
func Scale(v float32) float32 {
	v = v / 255
	return (v - 0.5) * 2
}

// FromImage resizes img to the model input size, converts it to the model's
// channel count (1 = grayscale, 3 = RGB) and scales pixel values.
func FromImage(img image.Image, shape []int) (*nn.Tensor, error) {
	height, width, channels, err := dims(shape)
	if err != nil {
		return nil, err
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", nn.ErrShapeMismatch, channels)
	}

	resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	bounds := resized.Bounds()

	t := nn.NewTensor(height, width, channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r) / 257
			gf := float32(g) / 257
			bf := float32(b) / 257

			pixelIndex := (y*width + x) * channels
			if channels == 1 {
				t.Data[pixelIndex] = Scale(0.299*rf + 0.587*gf + 0.114*bf)
				continue
			}
			t.Data[pixelIndex] = Scale(rf)
			t.Data[pixelIndex+1] = Scale(gf)
			t.Data[pixelIndex+2] = Scale(bf)
		}
	}
	return t, nil
}

// Decode reads a JPEG or PNG image and converts it with FromImage
func Decode(r io.Reader, shape []int) (*nn.Tensor, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	t, err := FromImage(img, shape)
	return t, format, err
}

// FromValues scales raw [0, 255] pixel values laid out in HWC order
func FromValues(values []float32, shape []int) (*nn.Tensor, error) {
	height, width, channels, err := dims(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != height*width*channels {
		return nil, fmt.Errorf("%w: expected %d values, got %d", nn.ErrShapeMismatch, height*width*channels, len(values))
	}
	scaled := make([]float32, len(values))
	for i, v := range values {
		scaled[i] = Scale(v)
	}
	if len(shape) == 4 {
		return nn.FromBatch(scaled, shape...)
	}
	return nn.FromSlice(scaled, height, width, channels)
}

// LoadFile reads a model input from disk. ".json" files hold pixel values,
// either as a bare array or as {"image": [...]}; anything else is decoded as
// an image.
func LoadFile(path string, shape []int) (*nn.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		values, err := parseValues(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return FromValues(values, shape)
	}

	t, _, err := Decode(bytes.NewReader(data), shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func parseValues(data []byte) ([]float32, error) {
	var values []float32
	if err := json.Unmarshal(data, &values); err == nil {
		return values, nil
	}
	var req struct {
		Image []float32 `json:"image"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON input: %w", err)
	}
	return req.Image, nil
}

// dims accepts [h, w, c] or [1, h, w, c]
func dims(shape []int) (h, w, c int, err error) {
	switch len(shape) {
	case 3:
		return shape[0], shape[1], shape[2], nil
	case 4:
		if shape[0] != 1 {
			return 0, 0, 0, fmt.Errorf("%w: got batch of %d", nn.ErrBatchSize, shape[0])
		}
		return shape[1], shape[2], shape[3], nil
	default:
		return 0, 0, 0, fmt.Errorf("%w: input shape %v", nn.ErrShapeMismatch, shape)
	}
}
