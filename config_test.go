package vae

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	fc, err := ParseConfig([]byte(`
model:
  in_channels: 3
  latent_dim: 128
training:
  learning_rate: 0.001
  epochs: 3
`))
	require.NoError(t, err)

	assert.Equal(t, 3, fc.Model.InChannels)
	assert.Equal(t, 128, fc.Model.LatentDim)
	assert.Equal(t, DefaultHiddenDims, fc.Model.HiddenDims)
	assert.Equal(t, 0.1, fc.Model.BatchNormMomentum)
	assert.Equal(t, 1e-5, fc.Model.BatchNormEps)

	assert.Equal(t, 0.001, fc.Training.LearningRate)
	assert.Equal(t, 3, fc.Training.NumEpochs)
	// Untouched fields keep their defaults.
	assert.Equal(t, 16, fc.Training.BatchSize)
	assert.Equal(t, "adam", fc.Training.Optimizer)
	assert.Equal(t, 0.00025, fc.Training.KLDWeight)
}

func TestParseConfigErrors(t *testing.T) {
	// Incomplete model sections parse; validation happens once the caller
	// has merged its overrides.
	fc, err := ParseConfig([]byte("model:\n  in_channels: 3\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, fc.Model.Validate(), ErrInvalidConfig)
	fc.Model.LatentDim = 4
	assert.NoError(t, fc.Model.Validate())

	fc, err = ParseConfig([]byte("model:\n  in_channels: 1\n  latent_dim: 2\n  hidden_dims: [8, 0]\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, fc.Model.Validate(), ErrInvalidConfig)
	_, err = New(fc.Model)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseConfig([]byte("model: [unterminated"))
	assert.Error(t, err)
}

func TestLeakySlopeZeroIsKept(t *testing.T) {
	fc, err := ParseConfig([]byte("model:\n  in_channels: 1\n  latent_dim: 2\n  leaky_slope: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, fc.Model.LeakySlope)

	fc, err = ParseConfig([]byte("model:\n  in_channels: 1\n  latent_dim: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultLeakySlope, fc.Model.LeakySlope)

	cfg := smallConfig()
	cfg.LeakySlope = 0
	v, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Config().LeakySlope)

	x := Randn(testSource(1), 2, 1, 8, 8)
	require.NoError(t, v.Build(x))
	relu := v.encoder.layers[0].(*Sequential).layers[2].(*LeakyReLU)
	y := relu.Forward(NewTensorFrom([]float64{-2, 3}, 2))
	assert.Equal(t, []float64{0, 3}, y.Data())

	// Zero survives a YAML round trip.
	path := filepath.Join(t.TempDir(), "relu.yaml")
	require.NoError(t, (&FileConfig{Model: cfg, Training: DefaultTrainingConfig()}).WriteFile(path))
	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, loaded.Model.LeakySlope)
}

func TestConfigFileRoundTrip(t *testing.T) {
	fc := &FileConfig{
		Model:    DefaultConfig(1, 16),
		Training: DefaultTrainingConfig(),
	}
	fc.Model.HiddenDims = []int{16, 32}
	fc.Model.Seed = 9
	fc.Training.Optimizer = "sgd"

	path := filepath.Join(t.TempDir(), "vae.yaml")
	require.NoError(t, fc.WriteFile(path))

	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(fc, loaded); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig(1, 4)
	require.NoError(t, cfg.Validate())

	cfg.BatchNormMomentum = 1.5
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig(1, 4)
	cfg.BatchNormEps = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestNewOptimizer(t *testing.T) {
	params := []*Tensor{NewTensor(2)}
	tc := DefaultTrainingConfig()

	opt, err := tc.NewOptimizer(params)
	require.NoError(t, err)
	assert.IsType(t, &AdamOptimizer{}, opt)

	tc.Optimizer = "sgd"
	opt, err = tc.NewOptimizer(params)
	require.NoError(t, err)
	assert.IsType(t, &SGDOptimizer{}, opt)

	tc.Optimizer = "lion"
	_, err = tc.NewOptimizer(params)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
