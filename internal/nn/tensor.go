package nn

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array stored in row-major order.
// Image tensors use [height, width, channels].
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero-filled tensor with the given shape
func NewTensor(shape ...int) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float32, shapeSize(s))}
}

// FromSlice wraps data in a tensor after checking it matches shape.
// The data slice is not copied.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if len(data) != shapeSize(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// FromBatch strips a leading batch dimension of size 1 from a flattened
// tensor described by shape, e.g. [1, 48, 48, 1].
func FromBatch(data []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}
	if shape[0] != 1 {
		return nil, fmt.Errorf("%w: got batch of %d", ErrBatchSize, shape[0])
	}
	return FromSlice(data, shape[1:]...)
}

// Size returns the number of elements
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	c := NewTensor(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Dims3 returns height, width and channels of a rank-3 HWC tensor.
func (t *Tensor) Dims3() (h, w, c int, err error) {
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: want rank 3, got %v", ErrShapeMismatch, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

// Argmax returns the index of the largest element; ties go to the first one.
func (t *Tensor) Argmax() int {
	best := 0
	for i, v := range t.Data {
		if v > t.Data[best] {
			best = i
		}
	}
	return best
}

// Max returns the largest element, or 0 for an empty tensor.
func (t *Tensor) Max() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	return t.Data[t.Argmax()]
}

// Min returns the smallest element, or 0 for an empty tensor.
func (t *Tensor) Min() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	m := t.Data[0]
	for _, v := range t.Data {
		if v < m {
			m = v
		}
	}
	return m
}

// Mean returns the arithmetic mean of all elements
func (t *Tensor) Mean() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return float32(sum / float64(len(t.Data)))
}

// RMS returns sqrt(mean(x^2))
func (t *Tensor) RMS() float32 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(t.Data))))
}

// SameShape reports whether both tensors have identical shapes
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// accumulate adds src into dst, allocating dst when nil.
func accumulate(dst, src *Tensor) *Tensor {
	if dst == nil {
		return src.Clone()
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return dst
}
