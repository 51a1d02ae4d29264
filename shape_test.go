package vae

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvOutputSize(t *testing.T) {
	assert.Equal(t, 32, ConvOutputSize(64, 3, 2, 1))
	assert.Equal(t, 14, ConvOutputSize(28, 3, 2, 1))
	assert.Equal(t, 4, ConvOutputSize(7, 3, 2, 1))
	assert.Equal(t, 1, ConvOutputSize(1, 3, 2, 1))
	assert.Equal(t, 28, ConvOutputSize(32, 7, 1, 1))
}

func TestConvTransposeOutputSize(t *testing.T) {
	assert.Equal(t, 4, ConvTransposeOutputSize(2, 3, 2, 1, 1))
	assert.Equal(t, 3, ConvTransposeOutputSize(2, 3, 2, 1, 0))
	assert.Equal(t, 2, ConvTransposeOutputSize(1, 3, 2, 1, 1))
}

func TestEncoderResultShape(t *testing.T) {
	hidden := []int{32, 64, 128, 256, 512}

	assert.Equal(t, []int{512, 2, 2}, EncoderResultShape(64, 64, hidden))
	assert.Equal(t, []int{512, 1, 1}, EncoderResultShape(28, 28, hidden))
	assert.Equal(t, []int{512, 1, 2}, EncoderResultShape(28, 64, hidden))
	assert.Equal(t, []int{16, 2, 2}, EncoderResultShape(5, 5, []int{8, 16}))
}

func TestDecoderAndOutputKernel(t *testing.T) {
	tests := []struct {
		name   string
		h, w   int
		hidden []int
		decH   int
		decW   int
		kH, kW int
	}{
		{"64x64", 64, 64, DefaultHiddenDims, 64, 64, 3, 3},
		{"28x28", 28, 28, DefaultHiddenDims, 32, 32, 7, 7},
		{"28x64", 28, 64, DefaultHiddenDims, 32, 64, 7, 3},
		{"5x5 two stages", 5, 5, []int{8, 16}, 8, 8, 6, 6},
		{"1x1 one stage", 1, 1, []int{4}, 2, 2, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := EncoderResultShape(tt.h, tt.w, tt.hidden)
			decH := DecoderResultSize(enc[1], len(tt.hidden))
			decW := DecoderResultSize(enc[2], len(tt.hidden))
			assert.Equal(t, tt.decH, decH)
			assert.Equal(t, tt.decW, decW)

			kH, err := OutputKernelSize(tt.h, decH)
			require.NoError(t, err)
			kW, err := OutputKernelSize(tt.w, decW)
			require.NoError(t, err)
			assert.Equal(t, tt.kH, kH)
			assert.Equal(t, tt.kW, kW)

			// The output convolution lands exactly on the input size.
			assert.Equal(t, tt.h, ConvOutputSize(decH, kH, 1, outputLayerPadding))
			assert.Equal(t, tt.w, ConvOutputSize(decW, kW, 1, outputLayerPadding))
		})
	}
}

func TestOutputKernelSizeTooSmall(t *testing.T) {
	_, err := OutputKernelSize(10, 7)
	require.ErrorIs(t, err, ErrInvalidShape)

	k, err := OutputKernelSize(9, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, k)
}
