package main

import (
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"

	vae "github.com/scttfrdmn/local-vae"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// loadImageDir reads up to limit images (all if limit <= 0) found under dir,
// in path order.
func loadImageDir(dir string, channels, h, w, limit int) (*vae.Tensor, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	imgs := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := vae.DecodeImageFile(p)
		if err != nil {
			slog.Warn("skipping image", "path", p, "error", err)
			continue
		}
		imgs = append(imgs, img)
	}
	slog.Info("loaded images", "dir", dir, "count", len(imgs), "skipped", len(paths)-len(imgs))
	return vae.ImagesToTensor(imgs, channels, h, w)
}

// syntheticDataset renders n images of soft Gaussian blobs with random
// centers, radii and per-channel intensity.
func syntheticDataset(n, channels, h, w int, seed uint64) *vae.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	data := make([]float64, n*channels*h*w)
	plane := h * w
	for s := 0; s < n; s++ {
		cy := rng.Float64() * float64(h)
		cx := rng.Float64() * float64(w)
		r := (0.15 + 0.2*rng.Float64()) * float64(min(h, w))
		for c := 0; c < channels; c++ {
			intensity := 0.5 + 0.5*rng.Float64()
			base := (s*channels + c) * plane
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					dy, dx := float64(y)-cy, float64(x)-cx
					data[base+y*w+x] = intensity * math.Exp(-(dy*dy+dx*dx)/(2*r*r))
				}
			}
		}
	}
	return vae.NewTensorFrom(data, n, channels, h, w)
}
