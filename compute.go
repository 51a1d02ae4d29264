package vae

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Convolutions dominate the VAE's cost. Every image in a batch is convolved
// independently (im2col + one GEMM per image), so the natural unit of
// parallelism is the sample, not the matrix row.
//
// ComputeConfig lets callers choose between single-threaded (deterministic,
// debuggable) and parallel execution. Small batches stay on the calling
// goroutine because the fan-out costs more than it saves.
//
// Results are bit-identical either way: each worker writes to a disjoint
// slice of the output, and reductions across samples (weight gradients) are
// done after the workers finish, in sample order.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of per-sample work.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the minimum number of work items (samples)
	// before parallelization is used.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 2,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if an operation should use parallelization
// based on the problem size.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && c.numWorkers() > 1 && size >= c.MinSizeForParallel
}

var (
	computeMu           sync.RWMutex
	globalComputeConfig = DefaultComputeConfig()
)

// SetGlobalComputeConfig sets the global compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	computeMu.Lock()
	defer computeMu.Unlock()
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	computeMu.RLock()
	defer computeMu.RUnlock()
	return globalComputeConfig
}

// parallelFor runs fn(i) for i in [0, n). Work is spread over at most
// cfg.numWorkers() goroutines; fn must only touch state owned by index i.
func parallelFor(n int, cfg ComputeConfig, fn func(i int)) {
	if !cfg.shouldParallelize(n) {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(cfg.numWorkers())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	// fn never fails; Wait only joins the workers.
	_ = g.Wait()
}

// ParallelApply applies a function to each element in parallel.
// Used for element-wise activations on large tensors.
func ParallelApply(t *Tensor, fn func(float64) float64, cfg ComputeConfig) *Tensor {
	out := NewTensor(t.shape...)
	size := len(t.data)

	workers := cfg.numWorkers()
	if !cfg.shouldParallelize(size) || size < workers*1024 {
		for i := 0; i < size; i++ {
			out.data[i] = fn(t.data[i])
		}
		return out
	}

	chunk := (size + workers - 1) / workers
	parallelFor(workers, cfg, func(w int) {
		start := w * chunk
		end := min(start+chunk, size)
		for i := start; i < end; i++ {
			out.data[i] = fn(t.data[i])
		}
	})
	return out
}
