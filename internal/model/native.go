package model

import (
	"context"

	"github.com/Brownie44l1/fer-explain/internal/nn"
)

// Native classifies with the in-process network that also drives explanations
type Native struct {
	model *nn.Model
}

func NewNative(m *nn.Model) *Native {
	return &Native{model: m}
}

func (n *Native) Classes() []string {
	return n.model.Classes
}

func (n *Native) InputShape() []int {
	return n.model.InputShape
}

func (n *Native) Predict(ctx context.Context, input *nn.Tensor) (*PredictionResponse, error) {
	probs, err := n.model.Predict(ctx, input)
	if err != nil {
		return nil, err
	}
	return NewPredictionResponse(n.model.Classes, probs.Data)
}
