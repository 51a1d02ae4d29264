package vae

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a configuration that cannot build a model.
var ErrInvalidConfig = errors.New("vae: invalid config")

// DefaultHiddenDims are the encoder channel widths used when none are given.
var DefaultHiddenDims = []int{32, 64, 128, 256, 512}

// Config holds the architecture hyperparameters of a VAE.
type Config struct {
	InChannels int   `yaml:"in_channels" json:"in_channels"`
	LatentDim  int   `yaml:"latent_dim" json:"latent_dim"`
	HiddenDims []int `yaml:"hidden_dims,omitempty" json:"hidden_dims,omitempty"`

	// LeakySlope is the negative slope of every LeakyReLU; 0 gives a plain
	// ReLU. DefaultConfig and config files default it to DefaultLeakySlope.
	LeakySlope        float64 `yaml:"leaky_slope" json:"leaky_slope"`
	BatchNormMomentum float64 `yaml:"batchnorm_momentum,omitempty" json:"batchnorm_momentum,omitempty"`
	BatchNormEps      float64 `yaml:"batchnorm_eps,omitempty" json:"batchnorm_eps,omitempty"`

	// Seed drives weight initialization and the reparameterization noise.
	Seed uint64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the standard VAE for the given image channels and
// latent size.
func DefaultConfig(inChannels, latentDim int) Config {
	return Config{
		InChannels:        inChannels,
		LatentDim:         latentDim,
		HiddenDims:        append([]int(nil), DefaultHiddenDims...),
		LeakySlope:        DefaultLeakySlope,
		BatchNormMomentum: 0.1,
		BatchNormEps:      1e-5,
	}
}

// withDefaults fills zero-valued optional fields. LeakySlope is left alone
// since zero is a valid slope.
func (c Config) withDefaults() Config {
	if len(c.HiddenDims) == 0 {
		c.HiddenDims = append([]int(nil), DefaultHiddenDims...)
	} else {
		c.HiddenDims = append([]int(nil), c.HiddenDims...)
	}
	if c.BatchNormMomentum == 0 {
		c.BatchNormMomentum = 0.1
	}
	if c.BatchNormEps == 0 {
		c.BatchNormEps = 1e-5
	}
	return c
}

// Validate reports whether the config can build a model.
func (c Config) Validate() error {
	if c.InChannels <= 0 {
		return fmt.Errorf("%w: in_channels must be positive, got %d", ErrInvalidConfig, c.InChannels)
	}
	if c.LatentDim <= 0 {
		return fmt.Errorf("%w: latent_dim must be positive, got %d", ErrInvalidConfig, c.LatentDim)
	}
	for i, h := range c.HiddenDims {
		if h <= 0 {
			return fmt.Errorf("%w: hidden_dims[%d] must be positive, got %d", ErrInvalidConfig, i, h)
		}
	}
	if c.BatchNormMomentum < 0 || c.BatchNormMomentum > 1 {
		return fmt.Errorf("%w: batchnorm_momentum must be in [0, 1], got %g", ErrInvalidConfig, c.BatchNormMomentum)
	}
	if c.BatchNormEps < 0 {
		return fmt.Errorf("%w: batchnorm_eps must be non-negative, got %g", ErrInvalidConfig, c.BatchNormEps)
	}
	return nil
}

// TrainingConfig holds hyperparameters for training.
type TrainingConfig struct {
	// Optimization
	LearningRate      float64 `yaml:"learning_rate"`
	WeightDecay       float64 `yaml:"weight_decay"`
	GradientClipValue float64 `yaml:"gradient_clip"` // Clip global grad norm; 0 disables

	// KLDWeight scales the KL term; usually batch size / dataset size.
	KLDWeight float64 `yaml:"kld_weight"`

	// Training
	BatchSize int `yaml:"batch_size"`
	NumEpochs int `yaml:"epochs"`
	MaxSteps  int `yaml:"max_steps"` // Overrides epochs if set

	// Learning rate schedule
	WarmupSteps int     `yaml:"warmup_steps"`
	DecaySteps  int     `yaml:"decay_steps"`
	MinLR       float64 `yaml:"min_lr"`

	// Optimization algorithm
	Optimizer   string  `yaml:"optimizer"` // "sgd", "adam"
	AdamBeta1   float64 `yaml:"adam_beta1"`
	AdamBeta2   float64 `yaml:"adam_beta2"`
	AdamEpsilon float64 `yaml:"adam_epsilon"`

	// Logging
	LogInterval int `yaml:"log_interval"`
}

// DefaultTrainingConfig returns sensible defaults.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:      5e-3,
		WeightDecay:       0,
		GradientClipValue: 0,
		KLDWeight:         0.00025,

		BatchSize: 16,
		NumEpochs: 10,

		WarmupSteps: 0,
		DecaySteps:  0,
		MinLR:       1e-5,

		Optimizer:   "adam",
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEpsilon: 1e-8,

		LogInterval: 10,
	}
}

// NewOptimizer builds the optimizer named by the config.
func (tc TrainingConfig) NewOptimizer(params []*Tensor) (Optimizer, error) {
	switch tc.Optimizer {
	case "adam", "":
		return NewAdamOptimizer(params, tc.AdamBeta1, tc.AdamBeta2, tc.AdamEpsilon, tc.WeightDecay), nil
	case "sgd":
		return NewSGDOptimizer(tc.WeightDecay), nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, tc.Optimizer)
	}
}

// FileConfig is the on-disk layout of a YAML config file.
type FileConfig struct {
	Model    Config         `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
}

// ParseConfig decodes YAML content. Missing fields keep their defaults.
// The model section is not validated here so that callers can fill required
// fields such as in_channels from other sources first; call Validate (New
// does) once the config is complete.
func ParseConfig(data []byte) (*FileConfig, error) {
	fc := &FileConfig{
		Model:    DefaultConfig(0, 0),
		Training: DefaultTrainingConfig(),
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	fc.Model = fc.Model.withDefaults()
	return fc, nil
}

// LoadConfigFile reads and parses a YAML config file.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseConfig(data)
}

// WriteFile writes the config as YAML.
func (fc *FileConfig) WriteFile(path string) error {
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
