package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"true":  slog.LevelDebug,
		"1":     slog.LevelDebug,
		"2":     slog.Level(-8),
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("VAE_DEBUG", k)
			assert.Equal(t, v, LogLevel())
		})
	}
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("VAE_CHECKPOINT_DTYPE", ` "f16" `)
	assert.Equal(t, "f16", CheckpointDType())
}

func TestParallel(t *testing.T) {
	t.Setenv("VAE_PARALLEL", "")
	assert.True(t, Parallel(true))

	t.Setenv("VAE_PARALLEL", "0")
	assert.False(t, Parallel(true))

	t.Setenv("VAE_PARALLEL", "bogus")
	assert.True(t, Parallel(false))
}

func TestUint(t *testing.T) {
	t.Setenv("VAE_NUM_WORKERS", "")
	assert.Equal(t, uint(0), NumWorkers())

	t.Setenv("VAE_NUM_WORKERS", "4")
	assert.Equal(t, uint(4), NumWorkers())

	t.Setenv("VAE_NUM_WORKERS", "-1")
	assert.Equal(t, uint(0), NumWorkers())
}

func TestSeed(t *testing.T) {
	t.Setenv("VAE_SEED", "1234")
	assert.Equal(t, uint64(1234), Seed())
}

func TestValues(t *testing.T) {
	t.Setenv("VAE_SEED", "7")
	vals := Values()
	assert.Equal(t, "7", vals["VAE_SEED"])
	assert.Contains(t, vals, "VAE_DEBUG")
}
