package vae

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Convolution as matrix multiplication (im2col).
//
// For one image x of shape (C, H, W) and a kernel of shape (kH, kW):
//
//   cols[(c, ki, kj), (oy, ox)] = x[c, oy*s - p + ki, ox*s - p + kj]
//
// cols has K = C*kH*kW rows and P = outH*outW columns. With the weight
// viewed as a (outC, K) matrix, the convolution is one GEMM:
//
//   y (outC, P) = W (outC, K) @ cols (K, P)
//
// The transposed convolution is the adjoint of that map: a GEMM into
// column space followed by col2im, which scatters (adds) every column entry
// back onto the image grid. The same pair of helpers serves both layers:
//
//   Conv2D forward           im2col, GEMM
//   Conv2D backward (input)  GEMM, col2im
//   ConvTranspose forward    GEMM, col2im
//   ConvTranspose backward   im2col, GEMM
//
// Every image in the batch is independent, so samples fan out over the
// ComputeConfig worker pool. Weight gradients are accumulated per sample and
// summed afterwards in sample order.
//
// ===========================================================================

// convGeom describes the sliding-window geometry between an image grid
// (channels, h, w) and a column grid (gridH, gridW).
type convGeom struct {
	channels, h, w int
	kH, kW         int
	stride, pad    int
	gridH, gridW   int
}

func (g convGeom) rows() int { return g.channels * g.kH * g.kW }
func (g convGeom) cols() int { return g.gridH * g.gridW }

// im2col unrolls img (channels*h*w) into cols (rows x cols). Out-of-bounds
// taps read as zero.
func im2col(img []float64, g convGeom, cols []float64) {
	p := g.cols()
	for c := 0; c < g.channels; c++ {
		plane := img[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kH; ki++ {
			for kj := 0; kj < g.kW; kj++ {
				row := cols[((c*g.kH+ki)*g.kW+kj)*p : ((c*g.kH+ki)*g.kW+kj+1)*p]
				for oy := 0; oy < g.gridH; oy++ {
					iy := oy*g.stride - g.pad + ki
					dst := row[oy*g.gridW : (oy+1)*g.gridW]
					if iy < 0 || iy >= g.h {
						clear(dst)
						continue
					}
					src := plane[iy*g.w : (iy+1)*g.w]
					for ox := range dst {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							dst[ox] = 0
							continue
						}
						dst[ox] = src[ix]
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it adds every column entry onto img.
// img is not cleared first.
func col2im(cols []float64, g convGeom, img []float64) {
	p := g.cols()
	for c := 0; c < g.channels; c++ {
		plane := img[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kH; ki++ {
			for kj := 0; kj < g.kW; kj++ {
				row := cols[((c*g.kH+ki)*g.kW+kj)*p : ((c*g.kH+ki)*g.kW+kj+1)*p]
				for oy := 0; oy < g.gridH; oy++ {
					iy := oy*g.stride - g.pad + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					dst := plane[iy*g.w : (iy+1)*g.w]
					src := row[oy*g.gridW : (oy+1)*g.gridW]
					for ox, v := range src {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							continue
						}
						dst[ix] += v
					}
				}
			}
		}
	}
}

// sumPerChannel adds Σ_(n,p) grad[n, c, p] into out[c].
func sumPerChannel(grad *Tensor, out []float64) {
	n, c := grad.shape[0], grad.shape[1]
	p := grad.shape[2] * grad.shape[3]
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			base := (b*c + ch) * p
			s := 0.0
			for _, v := range grad.data[base : base+p] {
				s += v
			}
			out[ch] += s
		}
	}
}

// reduceSamples adds every per-sample partial gradient into dst, in order.
func reduceSamples(partials [][]float64, dst []float64) {
	for _, part := range partials {
		for i, v := range part {
			dst[i] += v
		}
	}
}

// ===========================================================================
// Conv2D
// ===========================================================================

// Conv2D is a 2D convolution over NCHW input with weight
// (outC, inC, kH, kW), a per-channel bias, and symmetric stride and padding.
type Conv2D struct {
	inC, outC   int
	kH, kW      int
	stride, pad int
	weight      *Tensor
	bias        *Tensor
	compute     *ComputeConfig

	// cached from the last forward pass
	inShape []int
	cols    [][]float64
	geom    convGeom
}

// NewConv2D creates a convolution with a kH x kW kernel. Weights and bias are
// drawn from U(-1/sqrt(fanIn), 1/sqrt(fanIn)) with fanIn = inC*kH*kW.
func NewConv2D(inC, outC, kH, kW, stride, pad int, src rand.Source) *Conv2D {
	if inC <= 0 || outC <= 0 || kH <= 0 || kW <= 0 || stride <= 0 || pad < 0 {
		panic(fmt.Sprintf("conv2d: invalid geometry in=%d out=%d k=%dx%d s=%d p=%d", inC, outC, kH, kW, stride, pad))
	}
	c := &Conv2D{
		inC: inC, outC: outC,
		kH: kH, kW: kW,
		stride: stride, pad: pad,
		weight: NewTensor(outC, inC, kH, kW),
		bias:   NewTensor(outC),
	}
	bound := 1 / math.Sqrt(float64(inC*kH*kW))
	randUniform(c.weight, bound, src)
	randUniform(c.bias, bound, src)
	return c
}

// Weight returns the (outC, inC, kH, kW) kernel.
func (c *Conv2D) Weight() *Tensor { return c.weight }

// Bias returns the per-output-channel bias.
func (c *Conv2D) Bias() *Tensor { return c.bias }

// KernelSize returns the kernel height and width.
func (c *Conv2D) KernelSize() (int, int) { return c.kH, c.kW }

func (c *Conv2D) setCompute(cfg ComputeConfig) { c.compute = &cfg }

func (c *Conv2D) config() ComputeConfig {
	if c.compute != nil {
		return *c.compute
	}
	return GetGlobalComputeConfig()
}

func (c *Conv2D) OutputShape(in []int) []int {
	return []int{
		in[0], c.outC,
		ConvOutputSize(in[2], c.kH, c.stride, c.pad),
		ConvOutputSize(in[3], c.kW, c.stride, c.pad),
	}
}

func (c *Conv2D) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 4 || x.shape[1] != c.inC {
		panic(fmt.Sprintf("conv2d: expected (N, %d, H, W), got %v", c.inC, x.shape))
	}
	outShape := c.OutputShape(x.shape)
	n, h, w := x.shape[0], x.shape[2], x.shape[3]
	oh, ow := outShape[2], outShape[3]

	g := convGeom{
		channels: c.inC, h: h, w: w,
		kH: c.kH, kW: c.kW,
		stride: c.stride, pad: c.pad,
		gridH: oh, gridW: ow,
	}
	k, p := g.rows(), g.cols()
	inSize := c.inC * h * w
	outSize := c.outC * p

	y := NewTensor(outShape...)
	cols := make([][]float64, n)
	parallelFor(n, c.config(), func(b int) {
		cols[b] = make([]float64, k*p)
		im2col(x.data[b*inSize:(b+1)*inSize], g, cols[b])

		out := y.data[b*outSize : (b+1)*outSize]
		gemm(false, false, c.outC, p, k, 1, c.weight.data, cols[b], 0, out)
		for ch := 0; ch < c.outC; ch++ {
			bias := c.bias.data[ch]
			row := out[ch*p : (ch+1)*p]
			for i := range row {
				row[i] += bias
			}
		}
	})

	c.inShape = cloneShape(x.shape)
	c.cols = cols
	c.geom = g
	return y
}

// Backward computes, per sample:
//   - ∂L/∂W += gradY (outC, P) @ cols^T (P, K)
//   - ∂L/∂x  = col2im(W^T (K, outC) @ gradY (outC, P))
//
// and ∂L/∂b += Σ gradY over batch and spatial positions.
func (c *Conv2D) Backward(gradY *Tensor) *Tensor {
	if c.cols == nil {
		panic("conv2d: backward called before forward")
	}
	g := c.geom
	n := c.inShape[0]
	k, p := g.rows(), g.cols()
	inSize := c.inC * g.h * g.w
	outSize := c.outC * p

	gradX := NewTensor(c.inShape...)
	partials := make([][]float64, n)
	parallelFor(n, c.config(), func(b int) {
		gy := gradY.data[b*outSize : (b+1)*outSize]

		partials[b] = make([]float64, c.outC*k)
		gemm(false, true, c.outC, k, p, 1, gy, c.cols[b], 0, partials[b])

		withScratch(k*p, func(gradCols []float64) {
			gemm(true, false, k, p, c.outC, 1, c.weight.data, gy, 0, gradCols)
			col2im(gradCols, g, gradX.data[b*inSize:(b+1)*inSize])
		})
	})

	reduceSamples(partials, c.weight.grad)
	sumPerChannel(gradY, c.bias.grad)
	return gradX
}

func (c *Conv2D) Parameters() []*Tensor {
	return []*Tensor{c.weight, c.bias}
}

func (c *Conv2D) describe() string {
	return fmt.Sprintf("Conv2D(%d, %d, k=%dx%d, s=%d, p=%d)", c.inC, c.outC, c.kH, c.kW, c.stride, c.pad)
}

// ===========================================================================
// ConvTranspose2D
// ===========================================================================

// ConvTranspose2D is the transposed (fractionally strided) convolution with
// weight (inC, outC, k, k). Output size is (H-1)*s - 2p + k + outputPadding.
type ConvTranspose2D struct {
	inC, outC   int
	k           int
	stride, pad int
	outPad      int
	weight      *Tensor
	bias        *Tensor
	compute     *ComputeConfig

	x    *Tensor
	geom convGeom
}

// NewConvTranspose2D creates a transposed convolution. outPad must be smaller
// than stride. Weights and bias are drawn from U(-1/sqrt(fanIn),
// 1/sqrt(fanIn)) with fanIn = outC*k*k.
func NewConvTranspose2D(inC, outC, k, stride, pad, outPad int, src rand.Source) *ConvTranspose2D {
	if inC <= 0 || outC <= 0 || k <= 0 || stride <= 0 || pad < 0 || outPad < 0 || outPad >= stride {
		panic(fmt.Sprintf("convtranspose2d: invalid geometry in=%d out=%d k=%d s=%d p=%d op=%d", inC, outC, k, stride, pad, outPad))
	}
	c := &ConvTranspose2D{
		inC: inC, outC: outC,
		k:      k,
		stride: stride, pad: pad, outPad: outPad,
		weight: NewTensor(inC, outC, k, k),
		bias:   NewTensor(outC),
	}
	bound := 1 / math.Sqrt(float64(outC*k*k))
	randUniform(c.weight, bound, src)
	randUniform(c.bias, bound, src)
	return c
}

// Weight returns the (inC, outC, k, k) kernel.
func (c *ConvTranspose2D) Weight() *Tensor { return c.weight }

// Bias returns the per-output-channel bias.
func (c *ConvTranspose2D) Bias() *Tensor { return c.bias }

func (c *ConvTranspose2D) setCompute(cfg ComputeConfig) { c.compute = &cfg }

func (c *ConvTranspose2D) config() ComputeConfig {
	if c.compute != nil {
		return *c.compute
	}
	return GetGlobalComputeConfig()
}

func (c *ConvTranspose2D) OutputShape(in []int) []int {
	return []int{
		in[0], c.outC,
		ConvTransposeOutputSize(in[2], c.k, c.stride, c.pad, c.outPad),
		ConvTransposeOutputSize(in[3], c.k, c.stride, c.pad, c.outPad),
	}
}

func (c *ConvTranspose2D) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 4 || x.shape[1] != c.inC {
		panic(fmt.Sprintf("convtranspose2d: expected (N, %d, H, W), got %v", c.inC, x.shape))
	}
	outShape := c.OutputShape(x.shape)
	n, h, w := x.shape[0], x.shape[2], x.shape[3]

	// Column space lives on the input grid; the image is the output.
	g := convGeom{
		channels: c.outC, h: outShape[2], w: outShape[3],
		kH: c.k, kW: c.k,
		stride: c.stride, pad: c.pad,
		gridH: h, gridW: w,
	}
	k, p := g.rows(), g.cols()
	inSize := c.inC * p
	outSize := c.outC * g.h * g.w
	plane := g.h * g.w

	y := NewTensor(outShape...)
	parallelFor(n, c.config(), func(b int) {
		out := y.data[b*outSize : (b+1)*outSize]
		withScratch(k*p, func(cols []float64) {
			gemm(true, false, k, p, c.inC, 1, c.weight.data, x.data[b*inSize:(b+1)*inSize], 0, cols)
			col2im(cols, g, out)
		})
		for ch := 0; ch < c.outC; ch++ {
			bias := c.bias.data[ch]
			row := out[ch*plane : (ch+1)*plane]
			for i := range row {
				row[i] += bias
			}
		}
	})

	c.x = x
	c.geom = g
	return y
}

// Backward computes, per sample with gradCols = im2col(gradY):
//   - ∂L/∂x  = W (inC, K) @ gradCols (K, P)
//   - ∂L/∂W += x (inC, P) @ gradCols^T (P, K)
func (c *ConvTranspose2D) Backward(gradY *Tensor) *Tensor {
	if c.x == nil {
		panic("convtranspose2d: backward called before forward")
	}
	g := c.geom
	n := c.x.shape[0]
	k, p := g.rows(), g.cols()
	inSize := c.inC * p
	outSize := c.outC * g.h * g.w

	gradX := NewTensor(c.x.shape...)
	partials := make([][]float64, n)
	parallelFor(n, c.config(), func(b int) {
		partials[b] = make([]float64, c.inC*k)
		withScratch(k*p, func(gradCols []float64) {
			im2col(gradY.data[b*outSize:(b+1)*outSize], g, gradCols)
			gemm(false, false, c.inC, p, k, 1, c.weight.data, gradCols, 0, gradX.data[b*inSize:(b+1)*inSize])
			gemm(false, true, c.inC, k, p, 1, c.x.data[b*inSize:(b+1)*inSize], gradCols, 0, partials[b])
		})
	})

	reduceSamples(partials, c.weight.grad)
	sumPerChannel(gradY, c.bias.grad)
	return gradX
}

func (c *ConvTranspose2D) Parameters() []*Tensor {
	return []*Tensor{c.weight, c.bias}
}

func (c *ConvTranspose2D) describe() string {
	return fmt.Sprintf("ConvTranspose2D(%d, %d, k=%d, s=%d, p=%d, op=%d)", c.inC, c.outC, c.k, c.stride, c.pad, c.outPad)
}
