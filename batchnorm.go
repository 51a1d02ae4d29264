package vae

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BatchNorm2D normalizes each channel of an NCHW tensor.
//
// Training mode uses the batch statistics over (N, H, W) and folds them into
// running estimates:
//
//	running = (1 - momentum) * running + momentum * batch
//
// The running variance is updated with the unbiased estimate m/(m-1) * var.
// Eval mode normalizes with the running estimates instead.
type BatchNorm2D struct {
	channels int
	momentum float64
	eps      float64
	training bool

	gamma       *Tensor
	beta        *Tensor
	runningMean *Tensor
	runningVar  *Tensor

	// cached from the last forward pass
	xHat     *Tensor
	invStd   []float64
	cachedTr bool
}

// NewBatchNorm2D creates a BatchNorm2D with gamma=1, beta=0, running mean 0
// and running variance 1. It starts in training mode.
func NewBatchNorm2D(channels int, momentum, eps float64) *BatchNorm2D {
	bn := &BatchNorm2D{
		channels:    channels,
		momentum:    momentum,
		eps:         eps,
		training:    true,
		gamma:       NewTensor(channels),
		beta:        NewTensor(channels),
		runningMean: NewTensor(channels),
		runningVar:  NewTensor(channels),
	}
	for i := 0; i < channels; i++ {
		bn.gamma.data[i] = 1
		bn.runningVar.data[i] = 1
	}
	return bn
}

// RunningMean returns the running mean estimate.
func (bn *BatchNorm2D) RunningMean() *Tensor { return bn.runningMean }

// RunningVar returns the running variance estimate.
func (bn *BatchNorm2D) RunningVar() *Tensor { return bn.runningVar }

func (bn *BatchNorm2D) setTraining(training bool) { bn.training = training }

func (bn *BatchNorm2D) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 4 || x.shape[1] != bn.channels {
		panic(fmt.Sprintf("batchnorm2d: expected (N, %d, H, W), got %v", bn.channels, x.shape))
	}
	n, c := x.shape[0], x.shape[1]
	plane := x.shape[2] * x.shape[3]
	m := float64(n * plane)

	y := NewTensor(x.shape...)
	xHat := NewTensor(x.shape...)
	invStd := make([]float64, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.training {
			for b := 0; b < n; b++ {
				base := (b*c + ch) * plane
				mean += floats.Sum(x.data[base : base+plane])
			}
			mean /= m
			for b := 0; b < n; b++ {
				base := (b*c + ch) * plane
				for _, v := range x.data[base : base+plane] {
					d := v - mean
					variance += d * d
				}
			}
			variance /= m

			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			bn.runningMean.data[ch] = (1-bn.momentum)*bn.runningMean.data[ch] + bn.momentum*mean
			bn.runningVar.data[ch] = (1-bn.momentum)*bn.runningVar.data[ch] + bn.momentum*unbiased
		} else {
			mean = bn.runningMean.data[ch]
			variance = bn.runningVar.data[ch]
		}

		inv := 1 / math.Sqrt(variance+bn.eps)
		invStd[ch] = inv
		gamma, beta := bn.gamma.data[ch], bn.beta.data[ch]
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				xh := (x.data[i] - mean) * inv
				xHat.data[i] = xh
				y.data[i] = gamma*xh + beta
			}
		}
	}

	bn.xHat = xHat
	bn.invStd = invStd
	bn.cachedTr = bn.training
	return y
}

// Backward computes the BatchNorm gradients.
//
// With batch statistics (m = N*H*W elements per channel):
//
//	∂L/∂x = gamma * invStd / m * (m*gradY - Σ gradY - xHat * Σ gradY*xHat)
//
// With running statistics the normalization is affine, so
// ∂L/∂x = gamma * invStd * gradY.
func (bn *BatchNorm2D) Backward(gradY *Tensor) *Tensor {
	if bn.xHat == nil {
		panic("batchnorm2d: backward called before forward")
	}
	shape := bn.xHat.shape
	n, c := shape[0], shape[1]
	plane := shape[2] * shape[3]
	m := float64(n * plane)

	gradX := NewTensor(shape...)
	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float64
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			sumG += floats.Sum(gradY.data[base : base+plane])
			sumGX += floats.Dot(gradY.data[base:base+plane], bn.xHat.data[base:base+plane])
		}
		bn.gamma.grad[ch] += sumGX
		bn.beta.grad[ch] += sumG

		scale := bn.gamma.data[ch] * bn.invStd[ch]
		for b := 0; b < n; b++ {
			base := (b*c + ch) * plane
			for i := base; i < base+plane; i++ {
				if bn.cachedTr {
					gradX.data[i] = scale / m * (m*gradY.data[i] - sumG - bn.xHat.data[i]*sumGX)
				} else {
					gradX.data[i] = scale * gradY.data[i]
				}
			}
		}
	}
	return gradX
}

func (bn *BatchNorm2D) Parameters() []*Tensor {
	return []*Tensor{bn.gamma, bn.beta}
}

// Buffers returns the running statistics.
func (bn *BatchNorm2D) Buffers() []*Tensor {
	return []*Tensor{bn.runningMean, bn.runningVar}
}

func (bn *BatchNorm2D) OutputShape(in []int) []int {
	return cloneShape(in)
}

func (bn *BatchNorm2D) describe() string {
	return fmt.Sprintf("BatchNorm2D(%d)", bn.channels)
}
