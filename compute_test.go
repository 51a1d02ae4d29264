package vae

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	assert.True(t, cfg.Parallel, "default config should enable parallel execution")
	assert.Equal(t, runtime.NumCPU(), cfg.numWorkers())

	stCfg := SingleThreadedConfig()
	assert.False(t, stCfg.Parallel)
	assert.Equal(t, 1, stCfg.numWorkers())
	assert.False(t, stCfg.shouldParallelize(1000))
}

func TestMinSizeForParallel(t *testing.T) {
	cfg := ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 8}
	assert.False(t, cfg.shouldParallelize(4))
	assert.True(t, cfg.shouldParallelize(8))
}

func TestGlobalComputeConfig(t *testing.T) {
	old := GetGlobalComputeConfig()
	t.Cleanup(func() { SetGlobalComputeConfig(old) })

	SetGlobalComputeConfig(SingleThreadedConfig())
	assert.False(t, GetGlobalComputeConfig().Parallel)
}

func TestParallelForVisitsEveryIndex(t *testing.T) {
	for _, cfg := range []ComputeConfig{SingleThreadedConfig(), {Parallel: true, NumWorkers: 3, MinSizeForParallel: 2}} {
		seen := make([]int32, 100)
		var calls atomic.Int32
		parallelFor(len(seen), cfg, func(i int) {
			atomic.AddInt32(&seen[i], 1)
			calls.Add(1)
		})
		require.Equal(t, int32(100), calls.Load())
		for i, n := range seen {
			assert.Equal(t, int32(1), n, "index %d", i)
		}
	}
}

func TestParallelApply(t *testing.T) {
	x := Randn(testSource(1), 10000)
	fn := func(v float64) float64 { return v * 2.0 }

	resultST := ParallelApply(x, fn, SingleThreadedConfig())
	resultPar := ParallelApply(x, fn, ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 2})

	assert.True(t, tensorsEqual(resultST, resultPar, 0), "parallel and single-threaded apply differ")
	assert.Equal(t, 2*x.data[17], resultPar.data[17])
}

func TestScratchPoolReuse(t *testing.T) {
	sp := newScratchPool()
	buf := sp.get(64)
	require.Len(t, *buf, 64)
	sp.put(buf)

	// A different size gets its own pool.
	other := sp.get(32)
	assert.Len(t, *other, 32)

	called := false
	withScratch(16, func(b []float64) {
		called = true
		assert.Len(t, b, 16)
	})
	assert.True(t, called)
}
