package vae

import "strconv"

// Layer is a differentiable building block.
//
// Forward caches whatever Backward needs, so a layer holds the state of its
// most recent forward pass. Backward takes ∂L/∂output, accumulates parameter
// gradients into the parameters' grad buffers and returns ∂L/∂input.
type Layer interface {
	Forward(x *Tensor) *Tensor
	Backward(gradOut *Tensor) *Tensor
	Parameters() []*Tensor

	// OutputShape maps an input shape (including batch) to the output shape
	// without running the layer.
	OutputShape(in []int) []int
}

// modeSetter is implemented by layers that behave differently while training.
type modeSetter interface {
	setTraining(training bool)
}

// computeSetter is implemented by layers that fan work out over goroutines.
type computeSetter interface {
	setCompute(cfg ComputeConfig)
}

// bufferHolder is implemented by layers with non-trainable state
// (BatchNorm running statistics).
type bufferHolder interface {
	Buffers() []*Tensor
}

// describer is implemented by layers that can report themselves in a summary.
type describer interface {
	describe() string
}

// Sequential chains layers. Backward runs them in reverse.
type Sequential struct {
	layers []Layer
}

// NewSequential creates a Sequential from the given layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

// Len returns the number of layers.
func (s *Sequential) Len() int { return len(s.layers) }

// Layers returns the contained layers.
func (s *Sequential) Layers() []Layer { return s.layers }

func (s *Sequential) Forward(x *Tensor) *Tensor {
	for _, l := range s.layers {
		x = l.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(gradOut *Tensor) *Tensor {
	for i := len(s.layers) - 1; i >= 0; i-- {
		gradOut = s.layers[i].Backward(gradOut)
	}
	return gradOut
}

func (s *Sequential) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *Sequential) Buffers() []*Tensor {
	var bufs []*Tensor
	for _, l := range s.layers {
		if b, ok := l.(bufferHolder); ok {
			bufs = append(bufs, b.Buffers()...)
		}
	}
	return bufs
}

func (s *Sequential) OutputShape(in []int) []int {
	shape := cloneShape(in)
	for _, l := range s.layers {
		shape = l.OutputShape(shape)
	}
	return shape
}

func (s *Sequential) setCompute(cfg ComputeConfig) {
	for _, l := range s.layers {
		if c, ok := l.(computeSetter); ok {
			c.setCompute(cfg)
		}
	}
}

func (s *Sequential) setTraining(training bool) {
	for _, l := range s.layers {
		if m, ok := l.(modeSetter); ok {
			m.setTraining(training)
		}
	}
}

// LayerInfo describes one leaf layer for a model summary.
type LayerInfo struct {
	Name        string
	Kind        string
	OutputShape []int
	Params      int
}

// summarize walks layers depth-first, threading the shape through.
func summarize(prefix string, l Layer, in []int, out *[]LayerInfo) []int {
	if seq, ok := l.(*Sequential); ok {
		shape := in
		for i, child := range seq.layers {
			shape = summarize(joinName(prefix, i), child, shape, out)
		}
		return shape
	}

	shape := l.OutputShape(in)
	kind := "layer"
	if d, ok := l.(describer); ok {
		kind = d.describe()
	}
	*out = append(*out, LayerInfo{
		Name:        prefix,
		Kind:        kind,
		OutputShape: shape,
		Params:      countParameters(l.Parameters()),
	})
	return shape
}

func joinName(prefix string, i int) string {
	if prefix == "" {
		return strconv.Itoa(i)
	}
	return prefix + "." + strconv.Itoa(i)
}

// countParameters returns the total number of scalar parameters.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}
