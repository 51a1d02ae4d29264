package vae

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestImagesToTensorRGB(t *testing.T) {
	imgs := []image.Image{
		solid(10, 10, color.RGBA{R: 255, A: 255}),
		solid(4, 6, color.RGBA{B: 255, A: 255}),
	}
	x, err := ImagesToTensor(imgs, 3, 4, 5)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 5}, x.Shape())

	assert.InDelta(t, 1.0, x.At(0, 0, 2, 3), 0.01)
	assert.InDelta(t, 0.0, x.At(0, 1, 2, 3), 0.01)
	assert.InDelta(t, 0.0, x.At(1, 0, 1, 1), 0.01)
	assert.InDelta(t, 1.0, x.At(1, 2, 1, 1), 0.01)
}

func TestImagesToTensorGray(t *testing.T) {
	x, err := ImagesToTensor([]image.Image{solid(3, 3, color.White)}, 1, 3, 3)
	require.NoError(t, err)
	for _, v := range x.Data() {
		assert.InDelta(t, 1.0, v, 0.01)
	}
}

func TestImagesToTensorErrors(t *testing.T) {
	_, err := ImagesToTensor(nil, 1, 4, 4)
	assert.ErrorIs(t, err, ErrInvalidShape)
	_, err = ImagesToTensor([]image.Image{solid(1, 1, color.White)}, 2, 4, 4)
	assert.ErrorIs(t, err, ErrInvalidShape)
	_, err = ImagesToTensor([]image.Image{solid(1, 1, color.White)}, 1, 0, 4)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestTensorToImagesClamps(t *testing.T) {
	x := NewTensorFrom([]float64{-1, 0.5, 2, 1}, 1, 1, 2, 2)
	imgs, err := TensorToImages(x)
	require.NoError(t, err)
	require.Len(t, imgs, 1)

	gray := imgs[0].(*image.Gray)
	assert.Equal(t, []uint8{0, 128, 255, 255}, gray.Pix)

	_, err = TensorToImages(NewTensor(1, 2, 2, 2))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestImageRoundTrip(t *testing.T) {
	x := Randn(testSource(1), 2, 3, 4, 4)
	for i, v := range x.data {
		x.data[i] = 0.5 + 0.1*v
	}
	imgs, err := TensorToImages(x)
	require.NoError(t, err)

	y, err := ImagesToTensor(imgs, 3, 4, 4)
	require.NoError(t, err)
	assert.True(t, tensorsEqual(x, y, 1.5/255))
}

func TestGrid(t *testing.T) {
	imgs := make([]image.Image, 5)
	for i := range imgs {
		imgs[i] = solid(4, 3, color.White)
	}
	g := Grid(imgs, 2)
	// 2 columns, 3 rows, 1px borders
	assert.Equal(t, image.Rect(0, 0, 2*5+1, 3*4+1), g.Bounds())
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, g.RGBAAt(1, 1))
	assert.Equal(t, color.RGBA{0x40, 0x40, 0x40, 255}, g.RGBAAt(0, 0))

	assert.Equal(t, image.Rectangle{}, Grid(nil, 3).Bounds())
}

func TestSaveGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.png")
	require.NoError(t, SaveGrid(path, Randn(testSource(1), 3, 1, 5, 5), 0))

	img, err := DecodeImageFile(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3*6+1, 7), img.Bounds())

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = DecodeImageFile(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
