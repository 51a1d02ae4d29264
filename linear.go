package vae

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Linear is a fully connected layer: y = x W^T + b.
//
// W has shape (out, in) and b has shape (out). Input is (batch, in).
type Linear struct {
	in, out int
	weight  *Tensor
	bias    *Tensor

	x *Tensor // cached input
}

// NewLinear creates a Linear layer with weights and bias drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, src rand.Source) *Linear {
	l := &Linear{
		in:     in,
		out:    out,
		weight: NewTensor(out, in),
		bias:   NewTensor(out),
	}
	bound := 1 / math.Sqrt(float64(in))
	randUniform(l.weight, bound, src)
	randUniform(l.bias, bound, src)
	return l
}

// Weight returns the (out, in) weight matrix.
func (l *Linear) Weight() *Tensor { return l.weight }

// Bias returns the bias vector.
func (l *Linear) Bias() *Tensor { return l.bias }

func (l *Linear) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 || x.shape[1] != l.in {
		panic(fmt.Sprintf("linear: expected (batch, %d), got %v", l.in, x.shape))
	}
	l.x = x

	n := x.shape[0]
	y := NewTensor(n, l.out)
	gemm(false, true, n, l.out, l.in, 1, x.data, l.weight.data, 0, y.data)
	for b := 0; b < n; b++ {
		row := y.data[b*l.out : (b+1)*l.out]
		for j := range row {
			row[j] += l.bias.data[j]
		}
	}
	return y
}

// Backward computes:
//   - ∂L/∂W += gradY^T @ x
//   - ∂L/∂b += Σ_batch gradY
//   - ∂L/∂x  = gradY @ W
func (l *Linear) Backward(gradY *Tensor) *Tensor {
	if l.x == nil {
		panic("linear: backward called before forward")
	}
	n := l.x.shape[0]

	gemm(true, false, l.out, l.in, n, 1, gradY.data, l.x.data, 1, l.weight.grad)
	for b := 0; b < n; b++ {
		row := gradY.data[b*l.out : (b+1)*l.out]
		for j, g := range row {
			l.bias.grad[j] += g
		}
	}

	gradX := NewTensor(n, l.in)
	gemm(false, false, n, l.in, l.out, 1, gradY.data, l.weight.data, 0, gradX.data)
	return gradX
}

func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.weight, l.bias}
}

func (l *Linear) OutputShape(in []int) []int {
	return []int{in[0], l.out}
}

func (l *Linear) describe() string {
	return fmt.Sprintf("Linear(%d, %d)", l.in, l.out)
}
