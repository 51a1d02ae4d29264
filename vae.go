package vae

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A convolutional Variational Autoencoder.
//
//   image (N, C, H, W)
//     → encoder: L × [Conv2D k3 s2 p1 → BatchNorm2D → LeakyReLU]
//     → flatten → fcMu, fcVar              (N, latent) each
//     → z = mu + eps * exp(0.5 logVar)     eps ~ N(0, I)
//     → decoderInput → view (N, C_L, h, w)
//     → decoder: (L-1) × [ConvTranspose2D k3 s2 p1 op1 → BatchNorm2D → LeakyReLU]
//     → finalLayer: ConvTranspose2D k3 s2 p1 op1 → BatchNorm2D → LeakyReLU
//     → outputLayer: Conv2D (kH, kW) p1  → (N, C, H, W)
//
// The fully connected layers depend on the encoder's spatial output, which
// depends on the image size. So the model is built in two steps: New
// validates the config, Build sizes every layer from the first batch. See
// shape.go for the arithmetic.
//
// Gradients are explicit. Each layer caches its forward activations, and
// Backward walks the graph in reverse (see autograd.go for the picture).
//
// ===========================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

var (
	// ErrNotBuilt is returned by model operations called before Build.
	ErrNotBuilt = errors.New("vae: build model first using Build")

	// ErrStaleForward is returned when Backward is given a result other than
	// the one produced by the most recent Forward.
	ErrStaleForward = errors.New("vae: backward needs the most recent forward result")
)

// ForwardResult holds everything a forward pass produces for the loss.
type ForwardResult struct {
	Reconstruction *Tensor
	Input          *Tensor
	Mu             *Tensor
	LogVar         *Tensor
}

// VAE is a convolutional variational autoencoder over NCHW images.
//
// A VAE is not safe for concurrent use: layers cache activations between
// Forward and Backward.
type VAE struct {
	cfg      Config
	src      *rand.PCG
	compute  *ComputeConfig
	built    bool
	training bool

	inputShape   []int // [C, H, W]
	encoderShape []int // [C, h, w]
	outKH, outKW int

	encoder      *Sequential
	fcMu         *Linear
	fcVar        *Linear
	decoderInput *Linear
	decoder      *Sequential
	finalLayer   *Sequential
	outputLayer  *Conv2D

	// state of the most recent Forward
	last *ForwardResult
	eps  *Tensor
}

// New validates cfg and returns an unbuilt model in training mode.
func New(cfg Config) (*VAE, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VAE{
		cfg:      cfg,
		src:      rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
		training: true,
	}, nil
}

// Config returns the model's configuration.
func (v *VAE) Config() Config {
	cfg := v.cfg
	cfg.HiddenDims = append([]int(nil), v.cfg.HiddenDims...)
	return cfg
}

// LatentDim returns the size of the latent code.
func (v *VAE) LatentDim() int { return v.cfg.LatentDim }

// Built reports whether Build has run.
func (v *VAE) Built() bool { return v.built }

// InputShape returns the per-sample [C, H, W] the model was built for.
func (v *VAE) InputShape() []int { return cloneShape(v.inputShape) }

// EncoderResultShape returns the per-sample [C, h, w] produced by the encoder.
func (v *VAE) EncoderResultShape() []int { return cloneShape(v.encoderShape) }

// OutputKernel returns the kernel size of the output convolution.
func (v *VAE) OutputKernel() (int, int) { return v.outKH, v.outKW }

// Build sizes every layer from the shape of batch, an (N, C, H, W) tensor.
// Only the shape is used; no layer is run. Building again with the same
// per-sample shape is a no-op.
func (v *VAE) Build(batch *Tensor) error {
	if batch == nil || len(batch.shape) != 4 {
		return fmt.Errorf("%w: build expects (N, C, H, W)", ErrInvalidShape)
	}
	if batch.shape[1] != v.cfg.InChannels {
		return fmt.Errorf("%w: model has %d input channels, batch has %d", ErrShapeMismatch, v.cfg.InChannels, batch.shape[1])
	}
	if v.built {
		if !shapeEqual(v.inputShape, batch.shape[1:]) {
			return fmt.Errorf("%w: built for %v, got %v", ErrShapeMismatch, v.inputShape, batch.shape[1:])
		}
		return nil
	}

	cfg := v.cfg
	hidden := cfg.HiddenDims
	h, w := batch.shape[2], batch.shape[3]

	// Encoder
	encoder := make([]Layer, 0, len(hidden))
	in := cfg.InChannels
	for _, hd := range hidden {
		encoder = append(encoder, v.convBlock(
			NewConv2D(in, hd, stageKernel, stageKernel, stageStride, stagePadding, v.src), hd))
		in = hd
	}
	encShape := EncoderResultShape(h, w, hidden)
	flat := shapeProduct(encShape)

	fcMu := NewLinear(flat, cfg.LatentDim, v.src)
	fcVar := NewLinear(flat, cfg.LatentDim, v.src)

	// Decoder
	decoderInput := NewLinear(cfg.LatentDim, flat, v.src)
	reversed := make([]int, len(hidden))
	for i, hd := range hidden {
		reversed[len(hidden)-1-i] = hd
	}
	decoder := make([]Layer, 0, len(reversed)-1)
	for i := 0; i < len(reversed)-1; i++ {
		decoder = append(decoder, v.convBlock(
			NewConvTranspose2D(reversed[i], reversed[i+1], stageKernel, stageStride, stagePadding, stageOutputPadding, v.src),
			reversed[i+1]))
	}
	last := reversed[len(reversed)-1]
	finalLayer := v.convBlock(
		NewConvTranspose2D(last, last, stageKernel, stageStride, stagePadding, stageOutputPadding, v.src), last)

	curH := DecoderResultSize(encShape[1], len(hidden))
	curW := DecoderResultSize(encShape[2], len(hidden))
	kH, err := OutputKernelSize(h, curH)
	if err != nil {
		return err
	}
	kW, err := OutputKernelSize(w, curW)
	if err != nil {
		return err
	}
	outputLayer := NewConv2D(last, cfg.InChannels, kH, kW, 1, outputLayerPadding, v.src)

	v.encoder = NewSequential(encoder...)
	v.fcMu = fcMu
	v.fcVar = fcVar
	v.decoderInput = decoderInput
	v.decoder = NewSequential(decoder...)
	v.finalLayer = finalLayer
	v.outputLayer = outputLayer
	v.inputShape = cloneShape(batch.shape[1:])
	v.encoderShape = encShape
	v.outKH, v.outKW = kH, kW
	v.built = true

	v.SetTraining(v.training)
	if v.compute != nil {
		v.SetComputeConfig(*v.compute)
	}

	slog.Debug("vae built",
		"input", v.inputShape,
		"encoder_result", encShape,
		"decoder_result", []int{last, curH, curW},
		"output_kernel", []int{kH, kW},
		"params", countParameters(v.Parameters()))
	return nil
}

// convBlock wraps a convolution with BatchNorm2D and LeakyReLU.
func (v *VAE) convBlock(conv Layer, channels int) *Sequential {
	return NewSequential(
		conv,
		NewBatchNorm2D(channels, v.cfg.BatchNormMomentum, v.cfg.BatchNormEps),
		NewLeakyReLU(v.cfg.LeakySlope),
	)
}

func (v *VAE) checkInput(x *Tensor) error {
	if !v.built {
		return ErrNotBuilt
	}
	if x == nil || len(x.shape) != 4 || !shapeEqual(x.shape[1:], v.inputShape) {
		var got []int
		if x != nil {
			got = x.shape
		}
		return fmt.Errorf("%w: expected (N, %d, %d, %d), got %v", ErrShapeMismatch,
			v.inputShape[0], v.inputShape[1], v.inputShape[2], got)
	}
	return nil
}

// Encode maps images to the parameters of the latent Gaussian.
// x is (N, C, H, W); mu and logVar are (N, latent).
func (v *VAE) Encode(x *Tensor) (mu, logVar *Tensor, err error) {
	if err := v.checkInput(x); err != nil {
		return nil, nil, err
	}
	v.last = nil
	result := v.encoder.Forward(x).Flatten(1)
	return v.fcMu.Forward(result), v.fcVar.Forward(result), nil
}

// Decode maps latent codes z (N, latent) onto image space (N, C, H, W).
func (v *VAE) Decode(z *Tensor) (*Tensor, error) {
	if !v.built {
		return nil, ErrNotBuilt
	}
	if z == nil || len(z.shape) != 2 || z.shape[1] != v.cfg.LatentDim {
		return nil, fmt.Errorf("%w: expected (N, %d) latent codes", ErrShapeMismatch, v.cfg.LatentDim)
	}
	v.last = nil
	result := v.decoderInput.Forward(z)
	result = result.Reshape(append([]int{-1}, v.encoderShape...)...)
	result = v.decoder.Forward(result)
	result = v.finalLayer.Forward(result)
	return v.outputLayer.Forward(result), nil
}

// Reparameterize samples z ~ N(mu, exp(logVar)) as
//
//	z = eps * exp(0.5 * logVar) + mu,  eps ~ N(0, I)
//
// The noise is kept for the next Backward.
//
// Encode, Decode and Reparameterize overwrite the state cached by Forward, so
// after any of them Backward returns ErrStaleForward until Forward runs again.
func (v *VAE) Reparameterize(mu, logVar *Tensor) *Tensor {
	if !shapeEqual(mu.shape, logVar.shape) {
		panic(fmt.Sprintf("vae: mu %v and logVar %v differ", mu.shape, logVar.shape))
	}
	v.last = nil
	eps := Randn(v.src, mu.shape...)
	z := NewTensor(mu.shape...)
	for i := range z.data {
		z.data[i] = eps.data[i]*math.Exp(0.5*logVar.data[i]) + mu.data[i]
	}
	v.eps = eps
	return z
}

// Forward encodes x, samples a latent code and decodes it.
func (v *VAE) Forward(x *Tensor) (*ForwardResult, error) {
	mu, logVar, err := v.Encode(x)
	if err != nil {
		return nil, err
	}
	z := v.Reparameterize(mu, logVar)
	recon, err := v.Decode(z)
	if err != nil {
		return nil, err
	}
	res := &ForwardResult{
		Reconstruction: recon,
		Input:          x,
		Mu:             mu,
		LogVar:         logVar,
	}
	v.last = res
	return res, nil
}

// Loss computes the VAE objective for a forward result. kldWeight accounts
// for the minibatch fraction of the dataset.
func (v *VAE) Loss(res *ForwardResult, kldWeight float64) (LossResult, error) {
	if !v.built {
		return LossResult{}, ErrNotBuilt
	}
	if err := v.checkResult(res); err != nil {
		return LossResult{}, err
	}
	return ComputeLoss(res.Reconstruction, res.Input, res.Mu, res.LogVar, kldWeight)
}

// checkResult rejects forward results whose shapes do not fit this model.
func (v *VAE) checkResult(res *ForwardResult) error {
	if res == nil || res.Input == nil || res.Reconstruction == nil || res.Mu == nil || res.LogVar == nil {
		return fmt.Errorf("%w: incomplete forward result", ErrInvalidShape)
	}
	if err := v.checkInput(res.Input); err != nil {
		return err
	}
	if !shapeEqual(res.Reconstruction.shape, res.Input.shape) {
		return fmt.Errorf("%w: reconstruction %v does not match input %v",
			ErrShapeMismatch, res.Reconstruction.shape, res.Input.shape)
	}
	latent := []int{res.Input.shape[0], v.cfg.LatentDim}
	if !shapeEqual(res.Mu.shape, latent) || !shapeEqual(res.LogVar.shape, latent) {
		return fmt.Errorf("%w: expected mu and logVar of shape %v, got %v and %v",
			ErrShapeMismatch, latent, res.Mu.shape, res.LogVar.shape)
	}
	return nil
}

// Backward accumulates ∂Loss/∂param into every parameter's gradient for the
// result of the most recent Forward.
func (v *VAE) Backward(res *ForwardResult, kldWeight float64) error {
	if !v.built {
		return ErrNotBuilt
	}
	if res == nil || res != v.last {
		return ErrStaleForward
	}
	n := res.Input.shape[0]

	// Reconstruction path
	grad := MSEBackward(res.Reconstruction, res.Input, 1)
	grad = v.outputLayer.Backward(grad)
	grad = v.finalLayer.Backward(grad)
	grad = v.decoder.Backward(grad)
	gradZ := v.decoderInput.Backward(grad.Reshape(n, -1))

	gradMu, gradLogVar := ReparameterizeBackward(res.LogVar, v.eps, gradZ)

	// KL path
	kldMu, kldLogVar := KLDBackward(res.Mu, res.LogVar, kldWeight)
	gradMu = Add(gradMu, kldMu)
	gradLogVar = Add(gradLogVar, kldLogVar)

	gradFlat := Add(v.fcMu.Backward(gradMu), v.fcVar.Backward(gradLogVar))
	v.encoder.Backward(gradFlat.Reshape(append([]int{n}, v.encoderShape...)...))
	return nil
}

// Sample draws n latent codes from N(0, I) and decodes them.
func (v *VAE) Sample(n int) (*Tensor, error) {
	if !v.built {
		return nil, ErrNotBuilt
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: sample count must be positive, got %d", ErrInvalidShape, n)
	}
	z := Randn(v.src, n, v.cfg.LatentDim)
	return v.Decode(z)
}

// Generate returns the reconstruction of x.
func (v *VAE) Generate(x *Tensor) (*Tensor, error) {
	res, err := v.Forward(x)
	if err != nil {
		return nil, err
	}
	return res.Reconstruction, nil
}

// Parameters returns all trainable parameters in a fixed order.
func (v *VAE) Parameters() []*Tensor {
	if !v.built {
		return nil
	}
	var params []*Tensor
	params = append(params, v.encoder.Parameters()...)
	params = append(params, v.fcMu.Parameters()...)
	params = append(params, v.fcVar.Parameters()...)
	params = append(params, v.decoderInput.Parameters()...)
	params = append(params, v.decoder.Parameters()...)
	params = append(params, v.finalLayer.Parameters()...)
	params = append(params, v.outputLayer.Parameters()...)
	return params
}

// NumParameters returns the total number of trainable scalars.
func (v *VAE) NumParameters() int { return countParameters(v.Parameters()) }

// Buffers returns the non-trainable state (BatchNorm running statistics).
func (v *VAE) Buffers() []*Tensor {
	if !v.built {
		return nil
	}
	var bufs []*Tensor
	bufs = append(bufs, v.encoder.Buffers()...)
	bufs = append(bufs, v.decoder.Buffers()...)
	bufs = append(bufs, v.finalLayer.Buffers()...)
	return bufs
}

// ZeroGrad clears every parameter gradient.
func (v *VAE) ZeroGrad() {
	for _, p := range v.Parameters() {
		p.ZeroGrad()
	}
}

// SetTraining switches BatchNorm between batch statistics (true) and running
// statistics (false).
func (v *VAE) SetTraining(training bool) {
	v.training = training
	if !v.built {
		return
	}
	for _, s := range []*Sequential{v.encoder, v.decoder, v.finalLayer} {
		s.setTraining(training)
	}
}

// Training reports whether the model is in training mode.
func (v *VAE) Training() bool { return v.training }

// SetComputeConfig sets the parallelism used by this model's layers instead
// of the global configuration.
func (v *VAE) SetComputeConfig(cfg ComputeConfig) {
	v.compute = &cfg
	if !v.built {
		return
	}
	for _, s := range []*Sequential{v.encoder, v.decoder, v.finalLayer} {
		s.setCompute(cfg)
	}
	v.outputLayer.setCompute(cfg)
}

// Summary lists every leaf layer with its output shape for a single image.
func (v *VAE) Summary() ([]LayerInfo, error) {
	if !v.built {
		return nil, ErrNotBuilt
	}
	var out []LayerInfo
	shape := summarize("encoder", v.encoder, append([]int{1}, v.inputShape...), &out)
	flat := []int{1, shapeProduct(shape[1:])}
	summarize("fc_mu", v.fcMu, flat, &out)
	summarize("fc_var", v.fcVar, flat, &out)
	shape = summarize("decoder_input", v.decoderInput, []int{1, v.cfg.LatentDim}, &out)
	shape = append([]int{shape[0]}, v.encoderShape...)
	shape = summarize("decoder", v.decoder, shape, &out)
	shape = summarize("final_layer", v.finalLayer, shape, &out)
	summarize("output_layer", v.outputLayer, shape, &out)
	return out, nil
}
