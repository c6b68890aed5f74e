// Package ddp holds the two data-parallel wrappers the parity suite drives
// against each other: a baseline DataParallel that allreduces every gradient,
// and ShardedDataParallel, which reduces each gradient only to the rank that
// owns its optimizer state.
//
// Both wrappers share one gradient reduction pipeline (fp16 round-trip,
// rank-ordered float32 sum, averaging, fp16 round-trip), so a correct sharded
// implementation is bit-identical to the baseline.
package ddp

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/nn"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// TrainModule is what the wrappers need from a model: the nn.Module surface
// plus the backward chain and gradient reset.
type TrainModule interface {
	nn.Module
	Backward(gradOut *tensor.Tensor) error
	ZeroGrad()
}

// syncModule broadcasts every parameter and buffer from rank 0, so all ranks
// start from identical state regardless of their local initialization.
func syncModule(ctx context.Context, pg comm.ProcessGroup, m nn.Module) error {
	for _, p := range m.Parameters() {
		if err := pg.Broadcast(ctx, p.Data.Data, 0); err != nil {
			return fmt.Errorf("broadcast param %s: %w", p.Name, err)
		}
	}
	return syncBuffers(ctx, pg, m)
}

func syncBuffers(ctx context.Context, pg comm.ProcessGroup, m nn.Module) error {
	for _, b := range m.Buffers() {
		if err := pg.Broadcast(ctx, b.Data.Data, 0); err != nil {
			return fmt.Errorf("broadcast buffer %s: %w", b.Name, err)
		}
	}
	return nil
}

// fp16Compress is the compression hook shared by the baseline comm hook and
// the sharded reduce_fp16 path: the local contribution is rounded to fp16
// before the wire and the averaged result is rounded again after it.
func fp16Compress(data []float32) {
	tensor.RoundTripFP16(data)
}

// DataParallel is the reference wrapper: every rank keeps full optimizer
// state and gradients are allreduced (averaged) across the group at the end
// of backward.
type DataParallel struct {
	module TrainModule
	group  comm.ProcessGroup

	broadcastBuffers bool
	fp16Hook         bool
	noSync           bool
}

// DataParallelOptions configure the baseline wrapper.
type DataParallelOptions struct {
	BroadcastBuffers bool
	// FP16Compress turns on the fp16 gradient compression comm hook.
	FP16Compress bool
}

func NewDataParallel(ctx context.Context, module TrainModule, group comm.ProcessGroup, opts DataParallelOptions) (*DataParallel, error) {
	m := &DataParallel{
		module:           module,
		group:            group,
		broadcastBuffers: opts.BroadcastBuffers,
		fp16Hook:         opts.FP16Compress,
	}
	if err := syncModule(ctx, group, module); err != nil {
		return nil, fmt.Errorf("data parallel init: %w", err)
	}
	return m, nil
}

func (m *DataParallel) Module() TrainModule { return m.module }
func (m *DataParallel) Parameters() []*nn.Parameter { return m.module.Parameters() }
func (m *DataParallel) Buffers() []*nn.Buffer { return m.module.Buffers() }
func (m *DataParallel) ZeroGrad() { m.module.ZeroGrad() }

// Forward re-broadcasts buffers (when configured) and runs the module.
func (m *DataParallel) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if m.broadcastBuffers {
		if err := syncBuffers(ctx, m.group, m.module); err != nil {
			return nil, err
		}
	}
	return m.module.Forward(x)
}

// Backward runs the module's backward chain and, unless inside NoSync,
// averages the gradients across the group.
func (m *DataParallel) Backward(ctx context.Context, gradOut *tensor.Tensor) error {
	if err := m.module.Backward(gradOut); err != nil {
		return err
	}
	if m.noSync {
		return nil
	}
	return m.reduceGrads(ctx)
}

// NoSync runs fn with gradient reduction disabled, so gradients accumulate
// locally across micro-batches.
func (m *DataParallel) NoSync(fn func() error) error {
	m.noSync = true
	defer func() { m.noSync = false }()
	return fn()
}

func (m *DataParallel) reduceGrads(ctx context.Context) error {
	invWorld := 1.0 / float32(m.group.WorldSize())
	for _, p := range m.module.Parameters() {
		if !p.RequiresGrad || p.Grad == nil {
			continue
		}
		buf := p.Grad.Data
		if m.fp16Hook {
			fp16Compress(buf)
		}
		if err := m.group.AllReduceSum(ctx, buf); err != nil {
			return fmt.Errorf("allreduce grad %s: %w", p.Name, err)
		}
		for i := range buf {
			buf[i] *= invWorld
		}
		if m.fp16Hook {
			fp16Compress(buf)
		}
	}
	return nil
}
