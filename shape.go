package vae

import "fmt"

// ===========================================================================
// SHAPE INFERENCE
// ===========================================================================
//
// The VAE is sized from the first batch it sees. Nothing here runs a layer:
// every size follows from the convolution arithmetic.
//
//   Conv2D          out = (in + 2p - k) / s + 1          (floor division)
//   ConvTranspose2D out = (in - 1) * s - 2p + k + op
//
// With the encoder's k=3, s=2, p=1 each stage maps in -> ceil(in / 2).
// With the decoder's k=3, s=2, p=1, op=1 each stage maps in -> 2 * in.
//
// So after L encoder stages and L transposed stages (L-1 in the decoder plus
// the final layer) an axis of size R comes back as ceil(R / 2^L) * 2^L >= R.
// The output convolution (stride 1, padding 1) trims that back to R:
//
//   R = cur + 2 - k + 1  =>  k = cur - R + 3
//
// Since cur >= R, the kernel is always at least 3.
//
// ===========================================================================

// Fixed geometry of the encoder and decoder stages.
const (
	stageKernel        = 3
	stageStride        = 2
	stagePadding       = 1
	stageOutputPadding = 1
	outputLayerPadding = 1
)

// ConvOutputSize returns the spatial size after a convolution.
func ConvOutputSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// ConvTransposeOutputSize returns the spatial size after a transposed
// convolution.
func ConvTransposeOutputSize(in, kernel, stride, padding, outputPadding int) int {
	return (in-1)*stride - 2*padding + kernel + outputPadding
}

// EncoderResultShape returns the per-sample shape [C, H, W] produced by an
// encoder with the given hidden dims on an (h, w) input.
func EncoderResultShape(h, w int, hiddenDims []int) []int {
	for range hiddenDims {
		h = ConvOutputSize(h, stageKernel, stageStride, stagePadding)
		w = ConvOutputSize(w, stageKernel, stageStride, stagePadding)
	}
	return []int{hiddenDims[len(hiddenDims)-1], h, w}
}

// DecoderResultSize returns the spatial size of one axis after the decoder
// and the final layer, starting from the encoder result size on that axis.
func DecoderResultSize(encoded, stages int) int {
	size := encoded
	for i := 0; i < stages; i++ {
		size = ConvTransposeOutputSize(size, stageKernel, stageStride, stagePadding, stageOutputPadding)
	}
	return size
}

// OutputKernelSize returns the kernel size for a stride-1, padding-1
// convolution that maps an axis of size current to size required.
func OutputKernelSize(required, current int) (int, error) {
	k := current - required + 2*outputLayerPadding + 1
	if k < 1 {
		return 0, fmt.Errorf("%w: cannot shrink %d to %d with a padded convolution", ErrInvalidShape, current, required)
	}
	return k, nil
}

// shapeProduct returns the number of elements of a shape.
func shapeProduct(shape []int) int {
	p := 1
	for _, d := range shape {
		p *= d
	}
	return p
}
