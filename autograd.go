package vae

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Backward functions for the operations the VAE uses outside its layers.
// Layers (Linear, Conv2D, ...) carry their own Backward; the functions here
// cover the glue: activations, the loss terms and the reparameterization.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and L = g(y)
// Chain rule: ∂L/∂x = ∂L/∂y · ∂y/∂x
//
// THE VAE GRAPH:
//
//   x ─ encoder ─┬─ fcMu ──── mu ─────┬─ z = mu + eps * exp(0.5 logVar) ─ decode ─ recon
//                └─ fcVar ─── logVar ─┘
//
//   L = mean((recon - x)²) + w * mean_b(-0.5 Σ_d (1 + logVar - mu² - exp(logVar)))
//
// mu and logVar receive gradient from two places: the KL term directly and
// the reconstruction term through z. Both contributions are summed before
// flowing back into fcMu / fcVar.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// LeakyReLUBackward computes gradient for LeakyReLU.
//
//	∂y/∂x = 1 if x > 0, else slope
func LeakyReLUBackward(x, gradY *Tensor, slope float64) *Tensor {
	gradX := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			gradX.data[i] = gradY.data[i]
		} else {
			gradX.data[i] = slope * gradY.data[i]
		}
	}
	return gradX
}

// MSEBackward computes ∂L/∂pred for L = mean((pred - target)²), scaled by
// upstream:
//
//	∂L/∂pred[i] = upstream * 2 (pred[i] - target[i]) / n
func MSEBackward(pred, target *Tensor, upstream float64) *Tensor {
	if !shapeEqual(pred.shape, target.shape) {
		panic(fmt.Sprintf("mse: shapes %v and %v differ", pred.shape, target.shape))
	}
	grad := NewTensor(pred.shape...)
	scale := upstream * 2 / float64(len(pred.data))
	for i := range pred.data {
		grad.data[i] = scale * (pred.data[i] - target.data[i])
	}
	return grad
}

// KLDBackward computes gradients of
//
//	kld = mean_b(-0.5 Σ_d (1 + logVar - mu² - exp(logVar)))
//
// scaled by upstream (the KLD weight):
//
//	∂kld/∂mu     = mu / B
//	∂kld/∂logVar = 0.5 (exp(logVar) - 1) / B
func KLDBackward(mu, logVar *Tensor, upstream float64) (gradMu, gradLogVar *Tensor) {
	batch := float64(mu.shape[0])
	gradMu = NewTensor(mu.shape...)
	gradLogVar = NewTensor(logVar.shape...)
	for i := range mu.data {
		gradMu.data[i] = upstream * mu.data[i] / batch
		gradLogVar.data[i] = upstream * 0.5 * (math.Exp(logVar.data[i]) - 1) / batch
	}
	return gradMu, gradLogVar
}

// ReparameterizeBackward computes gradients for z = mu + eps * exp(0.5 logVar)
// with eps held fixed:
//
//	∂z/∂mu     = 1
//	∂z/∂logVar = 0.5 * eps * exp(0.5 logVar)
func ReparameterizeBackward(logVar, eps, gradZ *Tensor) (gradMu, gradLogVar *Tensor) {
	gradMu = gradZ.Clone()
	gradLogVar = NewTensor(logVar.shape...)
	for i := range gradZ.data {
		gradLogVar.data[i] = gradZ.data[i] * 0.5 * eps.data[i] * math.Exp(0.5*logVar.data[i])
	}
	return gradMu, gradLogVar
}
