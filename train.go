package vae

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Optimization for the VAE: optimizers, a learning-rate schedule and the
// single training step that ties Forward, Loss and Backward together.
//
// THE TRAINING STEP:
//
// 1. Forward:  x → encode → reparameterize → decode → recon
// 2. Loss:     MSE(recon, x) + kldWeight * KL(q(z|x) ‖ N(0, I))
// 3. Backward: ∂Loss/∂param for every parameter (vae.go Backward)
// 4. Clip:     rescale gradients if their global norm is too large
// 5. Update:   param -= lr * direction (SGD or Adam)
//
// The KLD weight plays the role of the minibatch fraction of the dataset:
// with B images per batch out of D total, kldWeight = B / D keeps the KL
// term on the same footing as a per-pixel reconstruction error.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements Stochastic Gradient Descent.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters using SGD: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			grad := p.grad[i] + opt.weightDecay*p.data[i]
			p.data[i] -= lr * grad
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam optimization algorithm.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	// State (one per parameter)
	m []*Tensor // First moment (momentum)
	v []*Tensor // Second moment (variance)
	t int       // Time step (for bias correction)
}

// NewAdamOptimizer creates an Adam optimizer.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step performs Adam update. params must be the slice the optimizer was
// created with.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	if len(params) != len(opt.m) {
		panic(fmt.Sprintf("adam: created for %d parameters, stepped with %d", len(opt.m), len(params)))
	}
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i].data, opt.v[i].data
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]

			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler implements learning rate scheduling.
type LRScheduler struct {
	baseLR      float64
	minLR       float64
	warmupSteps int
	decaySteps  int
	step        int
}

// NewLRScheduler creates a learning rate scheduler. decaySteps <= warmupSteps
// keeps the rate at baseLR after warmup.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, decaySteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		decaySteps:  decaySteps,
	}
}

// GetLR advances the schedule and returns the current learning rate.
// Uses linear warmup followed by cosine decay.
func (sched *LRScheduler) GetLR() float64 {
	sched.step++

	// Phase 1: Linear warmup
	if sched.step < sched.warmupSteps {
		return sched.baseLR * float64(sched.step) / float64(sched.warmupSteps)
	}

	if sched.decaySteps <= sched.warmupSteps {
		return sched.baseLR
	}

	// Phase 2: Cosine decay
	if sched.step < sched.decaySteps {
		progress := float64(sched.step-sched.warmupSteps) / float64(sched.decaySteps-sched.warmupSteps)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
		return sched.minLR + (sched.baseLR-sched.minLR)*cosine
	}

	// Phase 3: Constant minimum
	return sched.minLR
}

// clipGradients clips gradients by global norm and returns the norm before
// clipping.
func clipGradients(params []*Tensor, maxNorm float64) float64 {
	sumSq := 0.0
	for _, p := range params {
		n := floats.Norm(p.grad, 2)
		sumSq += n * n
	}
	globalNorm := math.Sqrt(sumSq)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			floats.Scale(scale, p.grad)
		}
	}
	return globalNorm
}

// TrainStep performs a single optimization step on batch. The model is built
// from the batch's shape if it has not been built yet. clip <= 0 disables
// gradient clipping.
//
// The optimizer must have been created for model.Parameters(). Trainer
// handles the lazy case by creating it after the first Build.
func TrainStep(model *VAE, batch *Tensor, optimizer Optimizer, lr, kldWeight, clip float64) (LossResult, error) {
	if err := model.Build(batch); err != nil {
		return LossResult{}, fmt.Errorf("build: %w", err)
	}
	params := model.Parameters()
	optimizer.ZeroGrad(params)

	res, err := model.Forward(batch)
	if err != nil {
		return LossResult{}, fmt.Errorf("forward: %w", err)
	}
	loss, err := model.Loss(res, kldWeight)
	if err != nil {
		return LossResult{}, fmt.Errorf("loss: %w", err)
	}
	if math.IsNaN(loss.Loss) || math.IsInf(loss.Loss, 0) {
		return loss, fmt.Errorf("loss diverged: %v", loss.Loss)
	}
	if err := model.Backward(res, kldWeight); err != nil {
		return LossResult{}, fmt.Errorf("backward: %w", err)
	}

	clipGradients(params, clip)
	optimizer.Step(params, lr)
	return loss, nil
}

// StepReport is passed to the Trainer callback after every step.
type StepReport struct {
	Step  int
	Epoch int
	Batch int
	LR    float64
	LossResult
}

// Trainer runs epochs of TrainStep over an in-memory dataset.
type Trainer struct {
	Model  *VAE
	Config TrainingConfig

	// OnStep, if set, is called after every step.
	OnStep func(StepReport)

	optimizer Optimizer
	scheduler *LRScheduler
	rng       *rand.Rand
	step      int
}

// NewTrainer creates a trainer. The optimizer is created on the first step,
// once the model has been built.
func NewTrainer(model *VAE, cfg TrainingConfig, seed uint64) *Trainer {
	return &Trainer{
		Model:     model,
		Config:    cfg,
		scheduler: NewLRScheduler(cfg.LearningRate, cfg.MinLR, cfg.WarmupSteps, cfg.DecaySteps),
		rng:       rand.New(rand.NewPCG(seed, seed+1)),
	}
}

// Steps returns the number of steps run so far.
func (tr *Trainer) Steps() int { return tr.step }

// Fit trains on data, an (N, C, H, W) tensor, shuffling every epoch.
// It stops early when ctx is cancelled or MaxSteps is reached.
func (tr *Trainer) Fit(ctx context.Context, data *Tensor) error {
	if data == nil || len(data.shape) != 4 {
		return fmt.Errorf("%w: training data must be (N, C, H, W)", ErrInvalidShape)
	}
	cfg := tr.Config
	n := data.shape[0]
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}
	tr.Model.SetTraining(true)

	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		order := tr.rng.Perm(n)
		for start, batchIdx := 0, 0; start < n; start, batchIdx = start+batchSize, batchIdx+1 {
			if err := ctx.Err(); err != nil {
				return err
			}

			end := min(start+batchSize, n)
			batch := GatherBatch(data, order[start:end])
			if err := tr.Model.Build(batch); err != nil {
				return err
			}
			if tr.optimizer == nil {
				opt, err := cfg.NewOptimizer(tr.Model.Parameters())
				if err != nil {
					return err
				}
				tr.optimizer = opt
			}

			lr := tr.scheduler.GetLR()
			loss, err := TrainStep(tr.Model, batch, tr.optimizer, lr, cfg.KLDWeight, cfg.GradientClipValue)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %w", epoch+1, batchIdx, err)
			}
			tr.step++

			report := StepReport{Step: tr.step, Epoch: epoch, Batch: batchIdx, LR: lr, LossResult: loss}
			if tr.OnStep != nil {
				tr.OnStep(report)
			}
			if cfg.LogInterval > 0 && tr.step%cfg.LogInterval == 0 {
				slog.Info("train step",
					"step", tr.step,
					"epoch", epoch+1,
					"loss", loss.Loss,
					"recons", loss.ReconstructionLoss,
					"kld", loss.KLD,
					"lr", lr)
			}

			if cfg.MaxSteps > 0 && tr.step >= cfg.MaxSteps {
				slog.Info("reached max steps", "max_steps", cfg.MaxSteps)
				return nil
			}
		}
	}
	return nil
}

// Evaluate returns the mean loss over data in eval mode, batch by batch.
// The model's training mode is restored afterwards.
func Evaluate(model *VAE, data *Tensor, batchSize int, kldWeight float64) (LossResult, error) {
	if data == nil || len(data.shape) != 4 {
		return LossResult{}, fmt.Errorf("%w: evaluation data must be (N, C, H, W)", ErrInvalidShape)
	}
	n := data.shape[0]
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}

	wasTraining := model.Training()
	model.SetTraining(false)
	defer model.SetTraining(wasTraining)

	var total LossResult
	batches := 0
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		res, err := model.Forward(GatherBatch(data, idx))
		if err != nil {
			return LossResult{}, err
		}
		loss, err := model.Loss(res, kldWeight)
		if err != nil {
			return LossResult{}, err
		}
		total.Loss += loss.Loss
		total.ReconstructionLoss += loss.ReconstructionLoss
		total.KLD += loss.KLD
		batches++
	}

	b := float64(batches)
	return LossResult{
		Loss:               total.Loss / b,
		ReconstructionLoss: total.ReconstructionLoss / b,
		KLD:                total.KLD / b,
	}, nil
}

// GatherBatch copies the samples at idx out of data into a new tensor.
func GatherBatch(data *Tensor, idx []int) *Tensor {
	sample := shapeProduct(data.shape[1:])
	shape := append([]int{len(idx)}, data.shape[1:]...)
	out := NewTensor(shape...)
	for i, j := range idx {
		copy(out.data[i*sample:(i+1)*sample], data.data[j*sample:(j+1)*sample])
	}
	return out
}
