package vae

import (
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Scratch buffers for convolution temporaries. Every sample in every
// transposed convolution needs a (C*k*k, h*w) column matrix that lives for
// one GEMM and one col2im, and Conv2D.Backward needs the same for gradCols.
// On 64x64 RGB images the largest of these is tens of megabytes per batch,
// so they are recycled through one sync.Pool per size instead of being left
// to the GC.
//
// Buffers that outlive the call (Conv2D's cached cols) are not pooled.
//
// ===========================================================================

// scratchPool hands out []float64 buffers keyed by length.
type scratchPool struct {
	pools map[int]*sync.Pool
	mu    sync.RWMutex
}

var globalScratch = newScratchPool()

func newScratchPool() *scratchPool {
	return &scratchPool{
		pools: make(map[int]*sync.Pool),
	}
}

func (sp *scratchPool) poolFor(size int) *sync.Pool {
	// Fast path: pool already exists
	sp.mu.RLock()
	pool, ok := sp.pools[size]
	sp.mu.RUnlock()
	if ok {
		return pool
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	// Another goroutine may have created it.
	if pool, ok := sp.pools[size]; ok {
		return pool
	}
	pool = &sync.Pool{
		New: func() any {
			buf := make([]float64, size)
			return &buf
		},
	}
	sp.pools[size] = pool
	return pool
}

// get returns a buffer of length size. Contents are unspecified.
func (sp *scratchPool) get(size int) *[]float64 {
	return sp.poolFor(size).Get().(*[]float64)
}

// put returns a buffer obtained from get.
func (sp *scratchPool) put(buf *[]float64) {
	if buf == nil || len(*buf) == 0 {
		return
	}
	sp.poolFor(len(*buf)).Put(buf)
}

// withScratch runs fn with a pooled buffer of length size.
func withScratch(size int, fn func(buf []float64)) {
	buf := globalScratch.get(size)
	defer globalScratch.put(buf)
	fn(*buf)
}
