package vae

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

const (
	fdStep = 1e-5
	fdTol  = 1e-5
)

// checkGradients compares a layer's analytic gradients with central
// differences of L = Σ Forward(x) * r for a fixed random r.
func checkGradients(t *testing.T, layer Layer, x *Tensor) {
	t.Helper()

	y := layer.Forward(x)
	r := Randn(testSource(99), y.shape...)
	for _, p := range layer.Parameters() {
		p.ZeroGrad()
	}
	gradX := layer.Backward(r)
	require.Equal(t, x.shape, gradX.shape)

	loss := func() float64 {
		return floats.Dot(layer.Forward(x).data, r.data)
	}
	numeric := func(data []float64, i int) float64 {
		orig := data[i]
		data[i] = orig + fdStep
		plus := loss()
		data[i] = orig - fdStep
		minus := loss()
		data[i] = orig
		return (plus - minus) / (2 * fdStep)
	}
	near := func(want, got float64) bool {
		return math.Abs(want-got) <= fdTol*math.Max(1, math.Abs(want))
	}

	for i := range x.data {
		want := numeric(x.data, i)
		if !near(want, gradX.data[i]) {
			t.Errorf("∂L/∂x[%d]: numeric %.8f, analytic %.8f", i, want, gradX.data[i])
		}
	}
	for pi, p := range layer.Parameters() {
		for i := range p.data {
			want := numeric(p.data, i)
			if !near(want, p.grad[i]) {
				t.Errorf("param %d [%d]: numeric %.8f, analytic %.8f", pi, i, want, p.grad[i])
			}
		}
	}
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(3, 2, testSource(1))
	copy(l.weight.data, []float64{1, 0, -1, 2, 1, 0})
	copy(l.bias.data, []float64{0.5, -0.5})

	y := l.Forward(NewTensorFrom([]float64{1, 2, 3}, 1, 3))
	assert.InDeltaSlice(t, []float64{1 - 3 + 0.5, 2 + 2 - 0.5}, y.data, 1e-12)
	assert.Equal(t, []int{4, 2}, l.OutputShape([]int{4, 3}))
}

func TestLinearGradients(t *testing.T) {
	checkGradients(t, NewLinear(5, 3, testSource(1)), Randn(testSource(2), 4, 5))
}

func TestConv2DForward(t *testing.T) {
	// 1x1 input channel, 3x3 image, 2x2 kernel of ones, stride 1, no padding:
	// each output is the sum of a 2x2 window.
	c := NewConv2D(1, 1, 2, 2, 1, 0, testSource(1))
	for i := range c.weight.data {
		c.weight.data[i] = 1
	}
	c.bias.data[0] = 0

	x := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	y := c.Forward(x)
	require.Equal(t, []int{1, 1, 2, 2}, y.Shape())
	assert.InDeltaSlice(t, []float64{12, 16, 24, 28}, y.data, 1e-12)
}

func TestConv2DGradients(t *testing.T) {
	tests := []struct {
		name        string
		inC, outC   int
		kH, kW      int
		stride, pad int
		n, h, w     int
	}{
		{"stride2 pad1", 2, 3, 3, 3, 2, 1, 2, 5, 5},
		{"rectangular kernel", 2, 2, 3, 1, 1, 1, 2, 4, 3},
		{"no padding", 1, 2, 2, 2, 1, 0, 1, 3, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewConv2D(tt.inC, tt.outC, tt.kH, tt.kW, tt.stride, tt.pad, testSource(1))
			checkGradients(t, c, Randn(testSource(2), tt.n, tt.inC, tt.h, tt.w))
		})
	}
}

func TestConvTranspose2DShape(t *testing.T) {
	c := NewConvTranspose2D(4, 2, 3, 2, 1, 1, testSource(1))
	y := c.Forward(Randn(testSource(2), 2, 4, 3, 5))
	assert.Equal(t, []int{2, 2, 6, 10}, y.Shape())
	assert.Equal(t, []int{2, 2, 6, 10}, c.OutputShape([]int{2, 4, 3, 5}))

	assert.Panics(t, func() { NewConvTranspose2D(1, 1, 3, 2, 1, 2, testSource(1)) })
}

func TestConvTranspose2DIsConvAdjoint(t *testing.T) {
	// <conv(x), y> == <x, convT(y)> when both share weights and have no bias.
	conv := NewConv2D(2, 3, 3, 3, 2, 1, testSource(1))
	convT := NewConvTranspose2D(3, 2, 3, 2, 1, 1, testSource(2))
	copy(convT.weight.data, conv.weight.data)
	clear(conv.bias.data)
	clear(convT.bias.data)

	x := Randn(testSource(3), 1, 2, 6, 6)
	y := Randn(testSource(4), 1, 3, 3, 3)

	lhs := floats.Dot(conv.Forward(x).data, y.data)
	rhs := floats.Dot(x.data, convT.Forward(y).data)
	assert.InDelta(t, lhs, rhs, 1e-10)
}

func TestConvTranspose2DGradients(t *testing.T) {
	c := NewConvTranspose2D(3, 2, 3, 2, 1, 1, testSource(1))
	checkGradients(t, c, Randn(testSource(2), 2, 3, 2, 3))
}

func TestConvParallelMatchesSequential(t *testing.T) {
	x := Randn(testSource(2), 6, 2, 8, 8)
	gy := Randn(testSource(3), 6, 4, 4, 4)

	run := func(cfg ComputeConfig) (*Tensor, *Tensor, []float64) {
		c := NewConv2D(2, 4, 3, 3, 2, 1, testSource(1))
		c.setCompute(cfg)
		y := c.Forward(x)
		gx := c.Backward(gy)
		return y, gx, append([]float64(nil), c.weight.grad...)
	}
	y1, gx1, gw1 := run(SingleThreadedConfig())
	y2, gx2, gw2 := run(ComputeConfig{Parallel: true, NumWorkers: 3, MinSizeForParallel: 2})

	assert.True(t, tensorsEqual(y1, y2, 0))
	assert.True(t, tensorsEqual(gx1, gx2, 0))
	assert.Equal(t, gw1, gw2)
}

func TestBatchNormTrainingNormalizes(t *testing.T) {
	bn := NewBatchNorm2D(2, 0.1, 1e-5)
	x := Randn(testSource(1), 4, 2, 3, 3)
	for i := range x.data {
		x.data[i] = 3*x.data[i] + 5
	}
	y := bn.Forward(x)

	plane := 9
	for ch := 0; ch < 2; ch++ {
		var vals []float64
		for b := 0; b < 4; b++ {
			base := (b*2 + ch) * plane
			vals = append(vals, y.data[base:base+plane]...)
		}
		mean := floats.Sum(vals) / float64(len(vals))
		assert.InDelta(t, 0, mean, 1e-10)
		var v float64
		for _, val := range vals {
			v += (val - mean) * (val - mean)
		}
		assert.InDelta(t, 1, v/float64(len(vals)), 1e-3)
	}

	// Running stats moved 10% of the way towards the batch statistics.
	for ch := 0; ch < 2; ch++ {
		assert.InDelta(t, 0.5, bn.RunningMean().data[ch], 0.2)
		assert.Greater(t, bn.RunningVar().data[ch], 1.0)
	}
}

func TestBatchNormSingleValueBatch(t *testing.T) {
	bn := NewBatchNorm2D(2, 0.1, 1e-5)
	y := bn.Forward(NewTensorFrom([]float64{3, -4}, 1, 2, 1, 1))

	for _, v := range y.data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		assert.InDelta(t, 0, v, 1e-12)
	}
	// One value per channel: batch variance 0, no n-1 correction.
	assert.InDeltaSlice(t, []float64{0.9*1 + 0.1*0, 0.9*1 + 0.1*0}, bn.RunningVar().data, 1e-12)
	assert.InDeltaSlice(t, []float64{0.3, -0.4}, bn.RunningMean().data, 1e-12)
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	bn := NewBatchNorm2D(1, 0.1, 0)
	bn.runningMean.data[0] = 2
	bn.runningVar.data[0] = 4
	bn.setTraining(false)

	y := bn.Forward(NewTensorFrom([]float64{2, 4, 6, 0}, 1, 1, 2, 2))
	assert.InDeltaSlice(t, []float64{0, 1, 2, -1}, y.data, 1e-12)
	// Eval does not touch running stats.
	assert.Equal(t, 2.0, bn.runningMean.data[0])
}

func TestBatchNormGradients(t *testing.T) {
	t.Run("training", func(t *testing.T) {
		bn := NewBatchNorm2D(2, 0.1, 1e-5)
		randUniform(bn.gamma, 1, testSource(5))
		checkGradients(t, bn, Randn(testSource(2), 3, 2, 2, 2))
	})
	t.Run("eval", func(t *testing.T) {
		bn := NewBatchNorm2D(2, 0.1, 1e-5)
		bn.runningVar.data[1] = 2.5
		bn.setTraining(false)
		checkGradients(t, bn, Randn(testSource(2), 3, 2, 2, 2))
	})
}

func TestLeakyReLU(t *testing.T) {
	a := NewLeakyReLU(0.01)
	y := a.Forward(NewTensorFrom([]float64{-2, 0, 3}, 3))
	assert.InDeltaSlice(t, []float64{-0.02, 0, 3}, y.data, 1e-12)

	gx := a.Backward(NewTensorFrom([]float64{1, 1, 1}, 3))
	assert.InDeltaSlice(t, []float64{0.01, 0.01, 1}, gx.data, 1e-12)
}

func TestLeakyReLUGradients(t *testing.T) {
	checkGradients(t, NewLeakyReLU(0.2), Randn(testSource(2), 2, 3, 2, 2))
}

func TestSequentialGradients(t *testing.T) {
	src := testSource(1)
	seq := NewSequential(
		NewConv2D(1, 2, 3, 3, 2, 1, src),
		NewBatchNorm2D(2, 0.1, 1e-5),
		NewLeakyReLU(0.01),
		NewConvTranspose2D(2, 1, 3, 2, 1, 1, src),
	)
	assert.Equal(t, 4, seq.Len())
	assert.Equal(t, []int{2, 1, 4, 4}, seq.OutputShape([]int{2, 1, 4, 4}))
	assert.Len(t, seq.Parameters(), 6)
	assert.Len(t, seq.Buffers(), 2)

	checkGradients(t, seq, Randn(testSource(2), 2, 1, 4, 4))
}

func TestSummarize(t *testing.T) {
	src := testSource(1)
	seq := NewSequential(
		NewSequential(NewConv2D(1, 2, 3, 3, 2, 1, src), NewLeakyReLU(0.01)),
		NewLinear(8, 4, src),
	)
	var out []LayerInfo
	shape := summarize("enc", seq.layers[0], []int{1, 1, 4, 4}, &out)
	assert.Equal(t, []int{1, 2, 2, 2}, shape)
	summarize("fc", seq.layers[1], []int{1, 8}, &out)

	require.Len(t, out, 3)
	assert.Equal(t, "enc.0", out[0].Name)
	assert.Equal(t, "Conv2D(1, 2, k=3x3, s=2, p=1)", out[0].Kind)
	assert.Equal(t, 2*1*3*3+2, out[0].Params)
	assert.Equal(t, "enc.1", out[1].Name)
	assert.Equal(t, 0, out[1].Params)
	assert.Equal(t, "fc", out[2].Name)
	assert.Equal(t, []int{1, 4}, out[2].OutputShape)
}
