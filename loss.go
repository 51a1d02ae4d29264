package vae

import (
	"fmt"
	"math"
)

// LossResult holds the VAE objective and its two components.
//
// KLD is reported with the sign flipped relative to the term added to Loss,
// i.e. it is the (non-positive) negative KL divergence.
type LossResult struct {
	Loss               float64
	ReconstructionLoss float64
	KLD                float64
}

// ComputeLoss evaluates
//
//	recons = mean((recon - input)²)
//	kld    = mean_b(-0.5 * Σ_d (1 + logVar - mu² - exp(logVar)))
//	loss   = recons + kldWeight * kld
//
// KL(N(mu, σ²) ‖ N(0, 1)) = log(1/σ) + (σ² + mu²)/2 - 1/2 per dimension.
func ComputeLoss(recon, input, mu, logVar *Tensor, kldWeight float64) (LossResult, error) {
	if recon == nil || input == nil || mu == nil || logVar == nil {
		return LossResult{}, fmt.Errorf("%w: nil loss operand", ErrInvalidShape)
	}
	if !shapeEqual(recon.shape, input.shape) {
		return LossResult{}, fmt.Errorf("%w: reconstruction %v vs input %v", ErrShapeMismatch, recon.shape, input.shape)
	}
	if len(mu.shape) != 2 || !shapeEqual(mu.shape, logVar.shape) {
		return LossResult{}, fmt.Errorf("%w: mu %v vs logVar %v", ErrShapeMismatch, mu.shape, logVar.shape)
	}

	recons := 0.0
	for i, r := range recon.data {
		d := r - input.data[i]
		recons += d * d
	}
	recons /= float64(len(recon.data))

	batch, latent := mu.shape[0], mu.shape[1]
	kld := 0.0
	for b := 0; b < batch; b++ {
		sum := 0.0
		for d := 0; d < latent; d++ {
			m, lv := mu.data[b*latent+d], logVar.data[b*latent+d]
			sum += 1 + lv - m*m - math.Exp(lv)
		}
		kld += -0.5 * sum
	}
	kld /= float64(batch)

	return LossResult{
		Loss:               recons + kldWeight*kld,
		ReconstructionLoss: recons,
		KLD:                -kld,
	}, nil
}
