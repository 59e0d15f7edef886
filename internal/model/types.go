package model

import (
	"context"
	"errors"

	"github.com/Brownie44l1/fer-explain/internal/nn"
)

// Classifier predicts an emotion for a preprocessed HWC input
type Classifier interface {
	Predict(ctx context.Context, input *nn.Tensor) (*PredictionResponse, error)
	Classes() []string
	// InputShape is [h, w, c] or [1, h, w, c]
	InputShape() []int
}

// Metadata describes an exported ONNX model
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	ClassIndex  int                `json:"class_index"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

// ExplanationResponse carries both explanation images as base64 JPEG
type ExplanationResponse struct {
	RequestID     string             `json:"request_id"`
	Class         string             `json:"class"`
	ClassIndex    int                `json:"class_index"`
	Confidence    float32            `json:"confidence"`
	Predictions   map[string]float32 `json:"predictions"`
	GradCAM       string             `json:"gradcam"`
	GuidedGradCAM string             `json:"guided_gradcam"`
}

// NewPredictionResponse picks the highest score, first one on ties
func NewPredictionResponse(classes []string, scores []float32) (*PredictionResponse, error) {
	n := len(scores)
	if len(classes) < n {
		n = len(classes)
	}
	if n == 0 {
		return nil, errors.New("no class scores")
	}

	maxIdx := 0
	maxVal := scores[0]
	predictions := make(map[string]float32, n)
	for i := 0; i < n; i++ {
		predictions[classes[i]] = scores[i]
		if scores[i] > maxVal {
			maxVal = scores[i]
			maxIdx = i
		}
	}

	return &PredictionResponse{
		Class:       classes[maxIdx],
		ClassIndex:  maxIdx,
		Confidence:  maxVal,
		Predictions: predictions,
	}, nil
}
