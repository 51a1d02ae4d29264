package vae

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DecodeImageFile decodes a PNG, JPEG, GIF or WebP file.
func DecodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// ImagesToTensor resizes images to h×w and packs them into an
// (N, channels, h, w) tensor with values in [0, 1]. channels must be 1
// (grayscale) or 3 (RGB).
func ImagesToTensor(imgs []image.Image, channels, h, w int) (*Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrInvalidShape)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("%w: images need 1 or 3 channels, got %d", ErrInvalidShape, channels)
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: image size %dx%d", ErrInvalidShape, h, w)
	}

	out := NewTensor(len(imgs), channels, h, w)
	plane := h * w
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for n, img := range imgs {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

		base := n * channels * plane
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				px := dst.RGBAAt(x, y)
				r, g, b := float64(px.R)/255, float64(px.G)/255, float64(px.B)/255
				i := y*w + x
				if channels == 1 {
					out.data[base+i] = 0.299*r + 0.587*g + 0.114*b
					continue
				}
				out.data[base+i] = r
				out.data[base+plane+i] = g
				out.data[base+2*plane+i] = b
			}
		}
	}
	return out, nil
}

func toByte(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// TensorToImages converts an (N, C, H, W) tensor with C of 1 or 3 into
// images, clamping values to [0, 1].
func TensorToImages(t *Tensor) ([]image.Image, error) {
	if len(t.shape) != 4 || (t.shape[1] != 1 && t.shape[1] != 3) {
		return nil, fmt.Errorf("%w: expected (N, 1|3, H, W), got %v", ErrInvalidShape, t.shape)
	}
	n, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	plane := h * w

	imgs := make([]image.Image, n)
	for s := 0; s < n; s++ {
		base := s * c * plane
		if c == 1 {
			img := image.NewGray(image.Rect(0, 0, w, h))
			for i := 0; i < plane; i++ {
				img.Pix[i] = toByte(t.data[base+i])
			}
			imgs[s] = img
			continue
		}
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i := 0; i < plane; i++ {
			img.Pix[4*i] = toByte(t.data[base+i])
			img.Pix[4*i+1] = toByte(t.data[base+plane+i])
			img.Pix[4*i+2] = toByte(t.data[base+2*plane+i])
			img.Pix[4*i+3] = 0xff
		}
		imgs[s] = img
	}
	return imgs, nil
}

// Grid tiles images into rows of cols, separated by a one pixel border.
// All images are assumed to share the first image's size.
func Grid(imgs []image.Image, cols int) *image.RGBA {
	if len(imgs) == 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	if cols <= 0 || cols > len(imgs) {
		cols = len(imgs)
	}
	rows := (len(imgs) + cols - 1) / cols
	cell := imgs[0].Bounds().Size()

	const border = 1
	grid := image.NewRGBA(image.Rect(0, 0,
		cols*(cell.X+border)+border,
		rows*(cell.Y+border)+border))
	draw.Draw(grid, grid.Bounds(), image.NewUniform(color.Gray{Y: 0x40}), image.Point{}, draw.Src)

	for i, img := range imgs {
		r, c := i/cols, i%cols
		at := image.Pt(border+c*(cell.X+border), border+r*(cell.Y+border))
		draw.Draw(grid, image.Rectangle{Min: at, Max: at.Add(cell)}, img, img.Bounds().Min, draw.Src)
	}
	return grid
}

// SaveGrid writes the images in t as a PNG grid.
func SaveGrid(path string, t *Tensor, cols int) error {
	imgs, err := TensorToImages(t)
	if err != nil {
		return err
	}
	return SavePNG(path, Grid(imgs, cols))
}

// SavePNG encodes img to a PNG file.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}
