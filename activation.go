package vae

import "fmt"

// DefaultLeakySlope is the negative slope used by the encoder and decoder
// stages.
const DefaultLeakySlope = 0.01

// LeakyReLU applies f(x) = x for x > 0, slope*x otherwise.
type LeakyReLU struct {
	slope   float64
	compute *ComputeConfig

	x *Tensor
}

// NewLeakyReLU creates a LeakyReLU with the given negative slope.
func NewLeakyReLU(slope float64) *LeakyReLU {
	return &LeakyReLU{slope: slope}
}

func (a *LeakyReLU) setCompute(cfg ComputeConfig) { a.compute = &cfg }

func (a *LeakyReLU) Forward(x *Tensor) *Tensor {
	a.x = x
	cfg := GetGlobalComputeConfig()
	if a.compute != nil {
		cfg = *a.compute
	}
	slope := a.slope
	return ParallelApply(x, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return slope * v
	}, cfg)
}

// Backward passes gradY through where x > 0 and scales it by slope elsewhere.
func (a *LeakyReLU) Backward(gradY *Tensor) *Tensor {
	if a.x == nil {
		panic("leakyrelu: backward called before forward")
	}
	return LeakyReLUBackward(a.x, gradY, a.slope)
}

func (a *LeakyReLU) Parameters() []*Tensor { return nil }

func (a *LeakyReLU) OutputShape(in []int) []int { return cloneShape(in) }

func (a *LeakyReLU) describe() string {
	return fmt.Sprintf("LeakyReLU(%g)", a.slope)
}
