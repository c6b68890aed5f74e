// Package optim implements the optimizers driven by the parity harness: a
// plain SGD with momentum, the OSS optimizer-state-sharding wrapper, and the
// loss-scaling gradient scalers.
package optim

import (
	"context"

	"github.com/23skdu/longbow-volley/internal/nn"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Optimizer is the stepping surface shared by SGD and OSS. Closures recompute
// the loss (zero grads, forward, backward, gradient reduction) before the
// parameter update, so sharded and unsharded optimizers step the same way.
type Optimizer interface {
	// Step applies one update. A nil closure steps on the gradients already
	// in place.
	Step(ctx context.Context, closure func() error) error
	// ZeroGrad clears the gradients of every managed parameter.
	ZeroGrad()
	// Params returns every parameter the optimizer manages.
	Params() []*nn.Parameter
	// LocalParams returns the parameters this rank actually updates. For an
	// unsharded optimizer this is the same as Params.
	LocalParams() []*nn.Parameter
}

// SGD implements stochastic gradient descent with classical momentum:
//
//	buf = momentum*buf + grad
//	p  -= lr*buf
//
// The momentum buffer is created lazily on the first step that sees a
// gradient for the parameter. Parameters whose gradient was never allocated
// are skipped; parameters with an allocated all-zero gradient are still
// stepped, so a parameter frozen mid-training keeps coasting on its momentum.
type SGD struct {
	params   []*nn.Parameter
	lr       float32
	momentum float32
	bufs     map[*nn.Parameter]*tensor.Tensor
}

func NewSGD(params []*nn.Parameter, lr, momentum float32) *SGD {
	return &SGD{
		params:   params,
		lr:       lr,
		momentum: momentum,
		bufs:     make(map[*nn.Parameter]*tensor.Tensor),
	}
}

func (o *SGD) Params() []*nn.Parameter      { return o.params }
func (o *SGD) LocalParams() []*nn.Parameter { return o.params }

func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

func (o *SGD) Step(ctx context.Context, closure func() error) error {
	_ = ctx
	if closure != nil {
		if err := closure(); err != nil {
			return err
		}
	}
	for _, p := range o.params {
		o.applyUpdate(p)
	}
	return nil
}

// applyUpdate steps a single parameter in place.
func (o *SGD) applyUpdate(p *nn.Parameter) {
	if p.Grad == nil {
		return
	}
	g := p.Grad
	if o.momentum != 0 {
		buf, ok := o.bufs[p]
		if !ok {
			buf = g.Clone()
			o.bufs[p] = buf
		} else {
			for i := range buf.Data {
				buf.Data[i] = o.momentum*buf.Data[i] + g.Data[i]
			}
		}
		g = buf
	}
	for i := range p.Data.Data {
		p.Data.Data[i] -= o.lr * g.Data[i]
	}
}
