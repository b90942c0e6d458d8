package tensor

import (
	"fmt"
)

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (n, p) or (..., n, p), returns
// (..., m, p). A 2D right-hand side is broadcast over the batch dimensions
// of the left-hand side (the common weight-matrix case).
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	n := a.Shape[len(a.Shape)-1]
	if b.Shape[len(b.Shape)-2] != n {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, b.Shape[len(b.Shape)-2])
	}

	if len(b.Shape) == 2 {
		return matmulBroadcastRHS(a, b)
	}
	if len(a.Shape) != len(b.Shape) {
		return nil, fmt.Errorf("batched matmul requires equal ranks, got %v and %v", a.Shape, b.Shape)
	}
	for i := 0; i < len(a.Shape)-2; i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("batch dimensions differ for matmul: %v and %v", a.Shape, b.Shape)
		}
	}
	return matmulBatched(a, b)
}

// matmulBroadcastRHS handles (..., m, n) @ (n, p) -> (..., m, p).
func matmulBroadcastRHS(a, b *Tensor) (*Tensor, error) {
	n := a.Shape[len(a.Shape)-1]
	m := a.Shape[len(a.Shape)-2]
	p := b.Shape[1]

	batch := 1
	for _, dim := range a.Shape[:len(a.Shape)-2] {
		batch *= dim
	}

	outShape := append(copyShape(a.Shape[:len(a.Shape)-2]), m, p)
	result := NewTensor(outShape)

	for bi := 0; bi < batch; bi++ {
		aOff := bi * m * n
		rOff := bi * m * p
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				av := a.Data[aOff+i*n+j]
				if av == 0 {
					continue
				}
				bRow := b.Data[j*p : (j+1)*p]
				rRow := result.Data[rOff+i*p : rOff+(i+1)*p]
				for k := 0; k < p; k++ {
					rRow[k] += av * bRow[k]
				}
			}
		}
	}
	return result, nil
}

// matmulBatched handles (..., m, n) @ (..., n, p) with matching batch dims.
func matmulBatched(a, b *Tensor) (*Tensor, error) {
	m := a.Shape[len(a.Shape)-2]
	n := a.Shape[len(a.Shape)-1]
	p := b.Shape[len(b.Shape)-1]

	batch := 1
	for _, dim := range a.Shape[:len(a.Shape)-2] {
		batch *= dim
	}

	outShape := append(copyShape(a.Shape[:len(a.Shape)-2]), m, p)
	result := NewTensor(outShape)

	for bi := 0; bi < batch; bi++ {
		aOff := bi * m * n
		bOff := bi * n * p
		rOff := bi * m * p
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				av := a.Data[aOff+i*n+j]
				if av == 0 {
					continue
				}
				bRow := b.Data[bOff+j*p : bOff+(j+1)*p]
				rRow := result.Data[rOff+i*p : rOff+(i+1)*p]
				for k := 0; k < p; k++ {
					rRow[k] += av * bRow[k]
				}
			}
		}
	}
	return result, nil
}

// Linear computes x @ w + bias where w is (in, out) and bias is (out,) or nil.
// x may have any leading batch dimensions with trailing dimension in.
func Linear(x, w, bias *Tensor) (*Tensor, error) {
	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("linear weight must be 2D (in, out), got %v", w.Shape)
	}
	if x.Shape[len(x.Shape)-1] != w.Shape[0] {
		return nil, fmt.Errorf("input dimension %d doesn't match weight input dimension %d",
			x.Shape[len(x.Shape)-1], w.Shape[0])
	}
	out, err := Matmul(x, w)
	if err != nil {
		return nil, err
	}
	if bias != nil {
		if len(bias.Shape) != 1 || bias.Shape[0] != w.Shape[1] {
			return nil, fmt.Errorf("bias shape %v doesn't match weight output dimension %d",
				bias.Shape, w.Shape[1])
		}
		p := bias.Shape[0]
		for off := 0; off < len(out.Data); off += p {
			row := out.Data[off : off+p]
			for k := 0; k < p; k++ {
				row[k] += bias.Data[k]
			}
		}
	}
	return out, nil
}

// Add performs element-wise addition. Shapes must match exactly.
func Add(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction. Shapes must match exactly.
func Sub(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication. Shapes must match exactly.
func Mul(a, b *Tensor) (*Tensor, error) {
	return elementWiseOp("mul", a, b, func(x, y float32) float32 { return x * y })
}

func elementWiseOp(name string, a, b *Tensor, op func(float32, float32) float32) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("%s requires matching shapes, got %v and %v", name, a.Shape, b.Shape)
	}
	result := NewTensor(a.Shape)
	for i := range a.Data {
		result.Data[i] = op(a.Data[i], b.Data[i])
	}
	return result, nil
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * scalar
	}
	return result
}

// Scale multiplies all elements by a scalar (tensor method version).
func (t *Tensor) Scale(s float32) *Tensor {
	return Scale(t, s)
}

// AddInPlace accumulates b into t element-wise. Shapes must match exactly.
func (t *Tensor) AddInPlace(b *Tensor) error {
	if !t.ShapeEquals(b) {
		return fmt.Errorf("add requires matching shapes, got %v and %v", t.Shape, b.Shape)
	}
	for i := range t.Data {
		t.Data[i] += b.Data[i]
	}
	return nil
}

// Concatenate concatenates tensors along the last dimension.
// All leading dimensions must match.
func Concatenate(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate empty list of tensors")
	}
	rank := len(tensors[0].Shape)
	if dim != rank-1 {
		return nil, fmt.Errorf("concatenate only supports the last dimension (%d), got %d", rank-1, dim)
	}

	outShape := copyShape(tensors[0].Shape)
	concatSize := tensors[0].Shape[dim]
	for i := 1; i < len(tensors); i++ {
		t := tensors[i]
		if len(t.Shape) != rank {
			return nil, fmt.Errorf("tensor %d has %d dimensions, expected %d", i, len(t.Shape), rank)
		}
		for j := 0; j < rank-1; j++ {
			if t.Shape[j] != outShape[j] {
				return nil, fmt.Errorf("tensor %d has shape %v, incompatible with %v at dimension %d",
					i, t.Shape, outShape, j)
			}
		}
		concatSize += t.Shape[dim]
	}
	outShape[dim] = concatSize

	result := NewTensor(outShape)

	outer := 1
	for _, d := range outShape[:rank-1] {
		outer *= d
	}
	for o := 0; o < outer; o++ {
		dst := result.Data[o*concatSize : (o+1)*concatSize]
		off := 0
		for _, t := range tensors {
			w := t.Shape[dim]
			copy(dst[off:off+w], t.Data[o*w:(o+1)*w])
			off += w
		}
	}
	return result, nil
}

// Transpose01 swaps the first two dimensions of a rank-3 tensor.
// Used to run column-wise attention over the pair representation by
// reusing the row-wise path.
func Transpose01(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("Transpose01 requires a 3D tensor, got %dD", len(t.Shape))
	}
	a, b, c := t.Shape[0], t.Shape[1], t.Shape[2]
	result := NewTensor([]int{b, a, c})
	for i := 0; i < a; i++ {
		for j := 0; j < b; j++ {
			src := (i*b + j) * c
			dst := (j*a + i) * c
			copy(result.Data[dst:dst+c], t.Data[src:src+c])
		}
	}
	return result, nil
}
