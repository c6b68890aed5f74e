package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Parameter is a trainable tensor with its accumulated gradient. Grad is nil
// until the first backward pass touches it, mirroring lazy gradient
// allocation in the usual training frameworks.
type Parameter struct {
	Name         string
	Data         *tensor.Tensor
	Grad         *tensor.Tensor
	RequiresGrad bool
}

// ZeroGrad clears the accumulated gradient if one exists.
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
}

func (p *Parameter) ensureGrad() *tensor.Tensor {
	if p.Grad == nil {
		p.Grad = tensor.New(p.Data.Rows, p.Data.Cols)
	}
	return p.Grad
}

// Buffer is a non-trainable named tensor carried by a module, kept in sync
// across ranks by buffer broadcast rather than by gradient reduction.
type Buffer struct {
	Name string
	Data *tensor.Tensor
}

// Module is the surface the data-parallel wrappers need: a forward pass plus
// access to the parameter and buffer lists in registration order.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Buffers() []*Buffer
}

// Linear computes y = x*W^T + b with a manual backward pass. W is stored
// out x in, one output neuron per row.
type Linear struct {
	W *Parameter
	B *Parameter

	in  int
	out int

	// cached forward input, consumed by Backward
	lastInput *tensor.Tensor
}

// NewLinear creates a Linear layer with uniform init in
// [-1/sqrt(in), 1/sqrt(in)] for both weight and bias, drawn from rng in a
// fixed order so that identical seeds give identical layers.
func NewLinear(in, out int, rng *rand.Rand, name string) *Linear {
	bound := float32(1.0 / math.Sqrt(float64(in)))
	w := tensor.New(out, in)
	w.RandUniformRange(rng, -bound, bound)
	b := tensor.New(1, out)
	b.RandUniformRange(rng, -bound, bound)
	return &Linear{
		W:   &Parameter{Name: name + ".weight", Data: w, RequiresGrad: true},
		B:   &Parameter{Name: name + ".bias", Data: b, RequiresGrad: true},
		in:  in,
		out: out,
	}
}

// Forward computes the affine map for a batch x (batch x in).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Cols != l.in {
		return nil, fmt.Errorf("linear %s: input has %d features, want %d", l.W.Name, x.Cols, l.in)
	}
	l.lastInput = x
	y := tensor.New(x.Rows, l.out)
	for bi := 0; bi < x.Rows; bi++ {
		for o := 0; o < l.out; o++ {
			acc := l.B.Data.Data[o]
			wRow := l.W.Data.Data[o*l.in : (o+1)*l.in]
			xRow := x.Data[bi*l.in : (bi+1)*l.in]
			for i, xv := range xRow {
				acc += xv * wRow[i]
			}
			y.Data[bi*l.out+o] = acc
		}
	}
	return y, nil
}

// Backward accumulates parameter gradients for the cached input and returns
// the gradient with respect to the input. needInputGrad skips the dX compute
// for the first layer of a chain. Frozen parameters accumulate nothing.
func (l *Linear) Backward(gradOut *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	x := l.lastInput
	if x == nil {
		return nil, fmt.Errorf("linear %s: backward before forward", l.W.Name)
	}
	if gradOut.Rows != x.Rows || gradOut.Cols != l.out {
		return nil, fmt.Errorf("linear %s: grad shape %dx%d, want %dx%d", l.W.Name, gradOut.Rows, gradOut.Cols, x.Rows, l.out)
	}

	if l.W.RequiresGrad {
		gw := l.W.ensureGrad()
		for o := 0; o < l.out; o++ {
			for i := 0; i < l.in; i++ {
				var acc float32
				for bi := 0; bi < x.Rows; bi++ {
					acc += gradOut.Data[bi*l.out+o] * x.Data[bi*l.in+i]
				}
				gw.Data[o*l.in+i] += acc
			}
		}
	}
	if l.B.RequiresGrad {
		gb := l.B.ensureGrad()
		for o := 0; o < l.out; o++ {
			var acc float32
			for bi := 0; bi < x.Rows; bi++ {
				acc += gradOut.Data[bi*l.out+o]
			}
			gb.Data[o] += acc
		}
	}

	if !needInputGrad {
		return nil, nil
	}
	gx := tensor.New(x.Rows, l.in)
	for bi := 0; bi < x.Rows; bi++ {
		for i := 0; i < l.in; i++ {
			var acc float32
			for o := 0; o < l.out; o++ {
				acc += gradOut.Data[bi*l.out+o] * l.W.Data.Data[o*l.in+i]
			}
			gx.Data[bi*l.in+i] = acc
		}
	}
	return gx, nil
}
