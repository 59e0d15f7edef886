package nn

import (
	"encoding/json"
	"fmt"
	"os"
)

// Architecture is the JSON description of a model graph. Layers are listed
// in topological order; weights live in a separate safetensors file.
type Architecture struct {
	Name       string      `json:"name"`
	InputShape []int       `json:"input_shape"` // [batch, height, width, channels]
	Classes    []string    `json:"classes,omitempty"`
	Layers     []LayerSpec `json:"layers"`
}

// LayerSpec configures one layer. Unused fields are ignored by layer types
// that do not need them.
type LayerSpec struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Inputs     []string `json:"inputs,omitempty"`
	Activation string   `json:"activation,omitempty"`

	// Convolution and pooling
	Filters         int    `json:"filters,omitempty"`
	KernelSize      []int  `json:"kernel_size,omitempty"`
	Strides         []int  `json:"strides,omitempty"`
	PoolSize        []int  `json:"pool_size,omitempty"`
	Padding         string `json:"padding,omitempty"`
	DepthMultiplier int    `json:"depth_multiplier,omitempty"`

	// Dense
	Units int `json:"units,omitempty"`

	// Batch normalization
	Epsilon float32 `json:"epsilon,omitempty"`
}

// Layer type names accepted in architecture files
const (
	TypeInput                  = "input"
	TypeConv2D                 = "conv2d"
	TypeSeparableConv2D        = "separable_conv2d"
	TypeBatchNormalization     = "batch_normalization"
	TypeActivation             = "activation"
	TypeMaxPooling2D           = "max_pooling2d"
	TypeAdd                    = "add"
	TypeGlobalAveragePooling2D = "global_average_pooling2d"
	TypeDense                  = "dense"
	TypeFlatten                = "flatten"
	TypeDropout                = "dropout"
)

// LoadArchitecture reads an architecture JSON file
func LoadArchitecture(path string) (*Architecture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read architecture: %w", err)
	}
	var arch Architecture
	if err := json.Unmarshal(data, &arch); err != nil {
		return nil, fmt.Errorf("failed to parse architecture: %w", err)
	}
	return &arch, nil
}

// Save writes the architecture as indented JSON
func (a *Architecture) Save(path string) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal architecture: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Load builds a model from an architecture file and a safetensors weights file
func Load(archPath, weightsPath string) (*Model, error) {
	arch, err := LoadArchitecture(archPath)
	if err != nil {
		return nil, err
	}
	weights, err := LoadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	return Build(arch, weights)
}

// Build validates the architecture, infers every layer's output shape and
// binds the weights.
func Build(arch *Architecture, weights Weights) (*Model, error) {
	if len(arch.InputShape) != 4 {
		return nil, fmt.Errorf("%w: input_shape must be [batch, h, w, c], got %v", ErrShapeMismatch, arch.InputShape)
	}
	if arch.InputShape[0] != 1 {
		return nil, fmt.Errorf("%w: input_shape batch is %d", ErrBatchSize, arch.InputShape[0])
	}
	if len(arch.Layers) == 0 || arch.Layers[0].Type != TypeInput {
		return nil, fmt.Errorf("architecture %s: first layer must be of type %q", arch.Name, TypeInput)
	}

	m := &Model{
		Name:       arch.Name,
		InputShape: append([]int(nil), arch.InputShape[1:]...),
		Classes:    arch.Classes,
		index:      make(map[string]int, len(arch.Layers)),
		inputIdx:   make([][]int, len(arch.Layers)),
	}

	for i, spec := range arch.Layers {
		if spec.Name == "" {
			return nil, fmt.Errorf("layer %d: missing name", i)
		}
		if _, dup := m.index[spec.Name]; dup {
			return nil, fmt.Errorf("layer %s: duplicate name", spec.Name)
		}

		// Layers without explicit inputs read the previous layer
		if i > 0 && len(spec.Inputs) == 0 {
			spec.Inputs = []string{arch.Layers[i-1].Name}
		}
		inShapes := make([][]int, len(spec.Inputs))
		for j, name := range spec.Inputs {
			idx, ok := m.index[name]
			if !ok {
				return nil, fmt.Errorf("layer %s: input %q: %w", spec.Name, name, ErrLayerNotFound)
			}
			m.inputIdx[i] = append(m.inputIdx[i], idx)
			inShapes[j] = m.layers[idx].OutputShape()
		}

		layer, err := newLayer(spec, inShapes, m.InputShape, weights)
		if err != nil {
			return nil, err
		}
		m.index[spec.Name] = i
		m.layers = append(m.layers, layer)
	}

	if len(arch.Classes) > 0 {
		out := m.layers[len(m.layers)-1].OutputShape()
		if len(out) != 1 || out[0] != len(arch.Classes) {
			return nil, fmt.Errorf("%w: output shape %v does not match %d classes", ErrShapeMismatch, out, len(arch.Classes))
		}
	}
	return m, nil
}

func newLayer(spec LayerSpec, inShapes [][]int, modelInput []int, w Weights) (Layer, error) {
	act, err := ParseActivation(spec.Activation)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
	}

	if spec.Type == TypeInput {
		if len(spec.Inputs) != 0 {
			return nil, fmt.Errorf("layer %s: input layer cannot have inputs", spec.Name)
		}
		return &InputLayer{layerBase{name: spec.Name, typ: spec.Type, act: act, outShape: modelInput}}, nil
	}

	if spec.Type == TypeAdd {
		if len(inShapes) < 2 {
			return nil, fmt.Errorf("add %s: needs at least two inputs", spec.Name)
		}
		for _, s := range inShapes[1:] {
			if !SameShape(s, inShapes[0]) {
				return nil, fmt.Errorf("add %s: inputs %v and %v: %w", spec.Name, inShapes[0], s, ErrShapeMismatch)
			}
		}
		return &Add{layerBase{name: spec.Name, typ: spec.Type, inputs: spec.Inputs, act: act, outShape: inShapes[0]}}, nil
	}

	if len(inShapes) != 1 {
		return nil, fmt.Errorf("layer %s: %s takes exactly one input, got %d", spec.Name, spec.Type, len(inShapes))
	}
	in := inShapes[0]
	base := layerBase{name: spec.Name, typ: spec.Type, inputs: spec.Inputs, act: act, outShape: in}

	switch spec.Type {
	case TypeConv2D:
		return newConv2D(spec, act, in, w)
	case TypeSeparableConv2D:
		return newSeparableConv2D(spec, act, in, w)
	case TypeBatchNormalization:
		return newBatchNorm(spec, act, in, w)
	case TypeMaxPooling2D:
		return newMaxPool2D(spec, act, in)
	case TypeDense:
		return newDense(spec, act, in, w)
	case TypeActivation, TypeDropout:
		return &Identity{base}, nil
	case TypeFlatten:
		base.outShape = []int{shapeSize(in)}
		return &Flatten{base}, nil
	case TypeGlobalAveragePooling2D:
		if len(in) != 3 {
			return nil, fmt.Errorf("%s %s: want HWC input, got %v: %w", spec.Type, spec.Name, in, ErrShapeMismatch)
		}
		base.outShape = []int{in[2]}
		return &GlobalAveragePooling2D{layerBase: base, cells: in[0] * in[1], channels: in[2]}, nil
	default:
		return nil, fmt.Errorf("layer %s: unsupported type %q", spec.Name, spec.Type)
	}
}
