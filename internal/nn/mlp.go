package nn

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-volley/internal/tensor"
)

// MLP is a stack of Linear layers. It is the standard fixture for the
// data-parallel parity runs: small enough to step quickly, deep enough that a
// reduce bucket spans several gradient tensors.
type MLP struct {
	Layers []*Linear

	// Autocast round-trips the input and every activation through fp16,
	// emulating a half-precision forward pass. Both models of a parity pair
	// must agree on this flag.
	Autocast bool

	buffers []*Buffer

	// cached per-layer activations for the backward chain
	activations []*tensor.Tensor
}

// NewMLP builds a Linear(in, hidden) followed by extra Linear(hidden, hidden)
// layers, initialized from rng.
func NewMLP(in, hidden, layers int, rng *rand.Rand) *MLP {
	m := &MLP{}
	m.Layers = append(m.Layers, NewLinear(in, hidden, rng, "layers.0"))
	for i := 1; i < layers; i++ {
		m.Layers = append(m.Layers, NewLinear(hidden, hidden, rng, fmt.Sprintf("layers.%d", i)))
	}
	return m
}

// RegisterBuffer attaches a named non-trainable tensor to the model.
func (m *MLP) RegisterBuffer(name string, t *tensor.Tensor) {
	m.buffers = append(m.buffers, &Buffer{Name: name, Data: t})
}

func (m *MLP) Parameters() []*Parameter {
	params := make([]*Parameter, 0, 2*len(m.Layers))
	for _, l := range m.Layers {
		params = append(params, l.W, l.B)
	}
	return params
}

func (m *MLP) Buffers() []*Buffer { return m.buffers }

// Forward runs the layer chain, caching activations for Backward.
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.Autocast {
		x = x.Clone()
		tensor.RoundTripFP16(x.Data)
	}
	m.activations = m.activations[:0]
	m.activations = append(m.activations, x)
	cur := x
	for i, l := range m.Layers {
		y, err := l.Forward(cur)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if m.Autocast {
			tensor.RoundTripFP16(y.Data)
		}
		m.activations = append(m.activations, y)
		cur = y
	}
	return cur, nil
}

// Backward propagates gradOut (gradient of the loss w.r.t. the final
// activation) back through the chain, accumulating parameter gradients.
func (m *MLP) Backward(gradOut *tensor.Tensor) error {
	if len(m.activations) != len(m.Layers)+1 {
		return fmt.Errorf("backward before forward")
	}
	grad := gradOut
	for i := len(m.Layers) - 1; i >= 0; i-- {
		var err error
		grad, err = m.Layers[i].Backward(grad, i > 0)
		if err != nil {
			return fmt.Errorf("layer %d backward: %w", i, err)
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient.
func (m *MLP) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// Clone deep-copies the model: parameters, trainability flags and buffers.
// Gradients and cached activations are not carried over.
func (m *MLP) Clone() *MLP {
	out := &MLP{Autocast: m.Autocast}
	for _, l := range m.Layers {
		nl := &Linear{
			W:   &Parameter{Name: l.W.Name, Data: l.W.Data.Clone(), RequiresGrad: l.W.RequiresGrad},
			B:   &Parameter{Name: l.B.Name, Data: l.B.Data.Clone(), RequiresGrad: l.B.RequiresGrad},
			in:  l.in,
			out: l.out,
		}
		out.Layers = append(out.Layers, nl)
	}
	for _, b := range m.buffers {
		out.buffers = append(out.buffers, &Buffer{Name: b.Name, Data: b.Data.Clone()})
	}
	return out
}

// AbsSumLoss returns loss = sum(|out|) and its gradient w.r.t. out, scaled by
// gradScale. This is the canonical parity-run loss.
func AbsSumLoss(out *tensor.Tensor, gradScale float32) (float32, *tensor.Tensor) {
	loss := out.AbsSum()
	grad := tensor.New(out.Rows, out.Cols)
	for i, v := range out.Data {
		switch {
		case v > 0:
			grad.Data[i] = gradScale
		case v < 0:
			grad.Data[i] = -gradScale
		}
	}
	return loss, grad
}
