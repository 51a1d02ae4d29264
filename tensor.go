package vae

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/stat/distuv"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 9: Convolutional Networks - NCHW layout, im2col
//   Chapter 20: Deep Generative Models - variational autoencoders
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order. Image tensors use
// NCHW: [batch, channels, height, width].
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [batch, channels, height, width, etc.]
	grad  []float64 // Gradient for backpropagation
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	size := shapeSize(shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: cloneShape(shape),
		grad:  make([]float64, size),
	}
}

// NewTensorFrom wraps data in a tensor of the given shape. The slice is
// used directly, not copied.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	size := shapeSize(shape)
	if len(data) != size {
		panic(fmt.Sprintf("tensor: %d values cannot fill shape %v", len(data), shape))
	}

	return &Tensor{
		data:  data,
		shape: cloneShape(shape),
		grad:  make([]float64, size),
	}
}

// Randn creates a tensor filled with samples from N(0, 1) drawn from src.
func Randn(src rand.Source, shape ...int) *Tensor {
	t := NewTensor(shape...)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	for i := range t.data {
		t.data[i] = normal.Rand()
	}
	return t
}

// randUniform fills t with samples from U(-bound, bound).
func randUniform(t *Tensor, bound float64, src rand.Source) {
	u := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	for i := range t.data {
		t.data[i] = u.Rand()
	}
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return cloneShape(t.shape)
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Data returns the underlying storage. Writes are visible to the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// Grad returns the gradient buffer. Writes are visible to the tensor.
func (t *Tensor) Grad() []float64 {
	return t.grad
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// ZeroGrad clears the gradient buffer. Call before a backward pass.
func (t *Tensor) ZeroGrad() {
	clear(t.grad)
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	copy(clone.grad, t.grad)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// A single dimension may be -1 and is inferred from the others.
// The returned tensor shares the underlying data and gradient.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	shape := cloneShape(newShape)

	infer := -1
	known := 1
	for i, dim := range shape {
		if dim == -1 {
			if infer >= 0 {
				panic("tensor: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= dim
	}
	if infer >= 0 {
		if known <= 0 || len(t.data)%known != 0 {
			panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
		}
		shape[infer] = len(t.data) / known
	}

	if shapeSize(shape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v", len(t.data), newShape))
	}

	return &Tensor{
		data:  t.data,
		shape: shape,
		grad:  t.grad,
	}
}

// Flatten collapses every dimension from start onward into one.
// Flatten(1) turns [N, C, H, W] into [N, C*H*W].
func (t *Tensor) Flatten(start int) *Tensor {
	if start < 0 || start >= len(t.shape) {
		panic(fmt.Sprintf("tensor: flatten start %d out of range for rank %d", start, len(t.shape)))
	}
	shape := cloneShape(t.shape[:start])
	shape = append(shape, shapeSize(t.shape[start:]))
	return t.Reshape(shape...)
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape[0], b.shape[1])
	gemm(false, false, a.shape[0], b.shape[1], a.shape[1], 1, a.data, b.data, 0, out.data)
	return out
}

// Transpose returns the transpose of a 2D matrix: A^T.
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// gemm computes c = alpha * op(a) @ op(b) + beta * c on row-major slices,
// where op(a) is (m, k) and op(b) is (k, n).
func gemm(transA, transB bool, m, n, k int, alpha float64, a, b []float64, beta float64, c []float64) {
	ta, tb := blas.NoTrans, blas.NoTrans
	aRows, aCols := m, k
	if transA {
		ta = blas.Trans
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if transB {
		tb = blas.Trans
		bRows, bCols = n, k
	}

	blas64.Gemm(ta, tb, alpha,
		blas64.General{Rows: aRows, Cols: aCols, Stride: aCols, Data: a},
		blas64.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b},
		beta,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}

// ===========================================================================
// HELPERS
// ===========================================================================

func shapeEqual(a, b []int) bool {
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
