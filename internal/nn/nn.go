// Package nn is a small inference engine for convolutional image classifiers
// with reverse-mode differentiation through a named layer graph.
//
// A Model is an ordered list of named layers, each reading the outputs of
// earlier layers. Models are immutable once built; every forward pass returns
// its own Trace holding the pre- and post-activation output of each layer, so
// a single Model can be used from several goroutines.
//
// Gradients are taken from a Trace with an explicit GradientRule that decides
// how gradients flow through ReLU units:
//
//	trace, _ := model.Forward(ctx, image)
//	seed := nn.NewTensor(trace.Output().Shape...)
//	seed.Data[classIndex] = 1
//	grad, _ := trace.Backward(ctx, model.OutputName(), seed, "conv2d_6", nn.StandardRule{})
//
// Only batch size 1 is supported; image tensors are stored in HWC order.
package nn

import "errors"

var (
	// ErrLayerNotFound is returned when a layer name is not part of the model.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrShapeMismatch is returned when a tensor does not have the expected shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrBatchSize is returned for inputs whose batch dimension is not 1.
	ErrBatchSize = errors.New("only batch size 1 is supported")
)
