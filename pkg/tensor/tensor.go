// Package tensor provides basic float32 tensor operations for the ProToken
// structure tokenizer. It is a small, dependency-free substrate focused on
// the needs of the pair/single representation stack and the structure module:
// dense storage, batched matmul, masked softmax, and a few activations.
package tensor

import (
	"fmt"
	"math"
)

// Tensor represents a multi-dimensional array of float32 values.
// Data is stored flat in row-major order with precomputed strides.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [seq, seq, channels])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:    make([]float32, size),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if the element count doesn't match.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	expected := 1
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		expected *= dim
	}
	if len(data) != expected {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expected)
	}
	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// MustFromSlice is FromSlice that panics on shape mismatch.
// Intended for literals in tests and fixed tables.
func MustFromSlice(data []float32, shape []int) *Tensor {
	t, err := FromSlice(data, shape)
	if err != nil {
		panic(err)
	}
	return t
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// NumDims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) NumDims() int {
	return len(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat index.
// Panics on rank or bounds violations: indexing bugs are programmer errors,
// not recoverable conditions.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}
	idx := 0
	for i := 0; i < len(t.Shape); i++ {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(indices []int, value float32) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	dataCopy := make([]float32, len(t.Data))
	copy(dataCopy, t.Data)
	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(t.Shape),
		Strides: computeStrides(t.Shape),
	}
}

// Reshape returns a view with a different shape sharing the same data.
// Returns an error if the total element count differs.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	newSize := 1
	for _, dim := range newShape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, newShape)
		}
		newSize *= dim
	}
	if newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape tensor of size %d to shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}
	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: computeStrides(newShape),
	}, nil
}

// Row returns a view of row i of a 2D tensor as a flat slice.
func (t *Tensor) Row(i int) []float32 {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("Row requires a 2D tensor, got %dD", len(t.Shape)))
	}
	if i < 0 || i >= t.Shape[0] {
		panic(fmt.Sprintf("row index %d out of bounds [0, %d)", i, t.Shape[0]))
	}
	cols := t.Shape[1]
	return t.Data[i*cols : (i+1)*cols]
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// Equals checks if two tensors have the same shape and approximately equal
// values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// String returns a compact description of the tensor shape.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice.
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
