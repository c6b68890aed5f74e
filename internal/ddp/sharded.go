package ddp

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/nn"
	"github.com/23skdu/longbow-volley/internal/optim"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// bucket is one reduction unit: a run of trainable parameters owned by the
// same rank, flattened into a single wire buffer. A bucket with one oversized
// parameter is a direct reduction.
type bucket struct {
	dst    int
	params []*nn.Parameter
	elems  int
	direct bool
}

// ShardedDataParallel is the wrapper under test. Instead of allreducing every
// gradient to every rank, it reduces each gradient only to the rank owning
// the matching optimizer shard, buffering small gradients together per
// destination to cut down on collective calls. After the owners step, OSS
// broadcasts the fresh parameters back out.
type ShardedDataParallel struct {
	module     TrainModule
	group      comm.ProcessGroup
	optimizers []*optim.OSS

	broadcastBuffers bool
	reduceBufferSize int
	reduceFP16       bool

	noSync    bool
	buckets   []bucket
	signature []bool
}

// ShardedOptions configure the sharded wrapper.
type ShardedOptions struct {
	BroadcastBuffers bool
	// ReduceBufferSize caps each reduce bucket, in bytes. Zero disables
	// bucketing: every gradient is reduced on its own.
	ReduceBufferSize int
	// ReduceFP16 round-trips gradient buffers through fp16 around the wire.
	ReduceFP16 bool
}

// NewShardedDataParallel wires module to its sharded optimizer(s) and
// synchronizes all ranks to rank 0's parameters and buffers.
func NewShardedDataParallel(ctx context.Context, module TrainModule, group comm.ProcessGroup, optimizers []*optim.OSS, opts ShardedOptions) (*ShardedDataParallel, error) {
	if len(optimizers) == 0 {
		return nil, fmt.Errorf("sharded data parallel needs at least one sharded optimizer")
	}
	s := &ShardedDataParallel{
		module:           module,
		group:            group,
		optimizers:       optimizers,
		broadcastBuffers: opts.BroadcastBuffers,
		reduceBufferSize: opts.ReduceBufferSize,
		reduceFP16:       opts.ReduceFP16,
	}
	if err := s.buildBuckets(); err != nil {
		return nil, err
	}
	if err := syncModule(ctx, group, module); err != nil {
		return nil, fmt.Errorf("sharded data parallel init: %w", err)
	}
	return s, nil
}

func (s *ShardedDataParallel) Module() TrainModule { return s.module }
func (s *ShardedDataParallel) Parameters() []*nn.Parameter { return s.module.Parameters() }
func (s *ShardedDataParallel) Buffers() []*nn.Buffer { return s.module.Buffers() }
func (s *ShardedDataParallel) ZeroGrad() { s.module.ZeroGrad() }

// owner resolves which rank's optimizer shard will step p.
func (s *ShardedDataParallel) owner(p *nn.Parameter) (int, error) {
	for _, o := range s.optimizers {
		if r, ok := o.Owner(p); ok {
			return r, nil
		}
	}
	return -1, fmt.Errorf("parameter %s is not covered by any sharded optimizer", p.Name)
}

// buildBuckets groups the trainable parameters by owner rank, in parameter
// order, chunked to the reduce buffer size. It also records the trainability
// signature the buckets were built for.
func (s *ShardedDataParallel) buildBuckets() error {
	params := s.module.Parameters()
	s.signature = trainabilitySignature(params)

	maxElems := s.reduceBufferSize / 4
	s.buckets = s.buckets[:0]
	for dst := 0; dst < s.group.WorldSize(); dst++ {
		var cur bucket
		flush := func() {
			if len(cur.params) > 0 {
				s.buckets = append(s.buckets, cur)
			}
			cur = bucket{dst: dst}
		}
		cur = bucket{dst: dst}
		for _, p := range params {
			if !p.RequiresGrad {
				continue
			}
			owner, err := s.owner(p)
			if err != nil {
				return err
			}
			if owner != dst {
				continue
			}
			n := p.Data.Len()
			if maxElems <= 0 || n > maxElems {
				flush()
				s.buckets = append(s.buckets, bucket{dst: dst, params: []*nn.Parameter{p}, elems: n, direct: true})
				continue
			}
			if cur.elems+n > maxElems {
				flush()
			}
			cur.params = append(cur.params, p)
			cur.elems += n
		}
		flush()
	}
	return nil
}

func trainabilitySignature(params []*nn.Parameter) []bool {
	sig := make([]bool, len(params))
	for i, p := range params {
		sig[i] = p.RequiresGrad
	}
	return sig
}

// RefreshTrainable re-buckets after the set of trainable parameters changed.
// It is also called lazily by the next reduction, so flipping requires-grad
// between steps needs no explicit call.
func (s *ShardedDataParallel) RefreshTrainable() error {
	metrics.TrainableRefreshes.Inc()
	return s.buildBuckets()
}

func (s *ShardedDataParallel) trainabilityChanged() bool {
	sig := trainabilitySignature(s.module.Parameters())
	if len(sig) != len(s.signature) {
		return true
	}
	for i := range sig {
		if sig[i] != s.signature[i] {
			return true
		}
	}
	return false
}

// Forward re-broadcasts buffers (when configured) and runs the module.
func (s *ShardedDataParallel) Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	if s.broadcastBuffers {
		if err := syncBuffers(ctx, s.group, s.module); err != nil {
			return nil, err
		}
	}
	return s.module.Forward(x)
}

// Backward runs the module's backward chain and, unless inside NoSync,
// reduces gradients to their owner ranks.
func (s *ShardedDataParallel) Backward(ctx context.Context, gradOut *tensor.Tensor) error {
	if err := s.module.Backward(gradOut); err != nil {
		return err
	}
	if s.noSync {
		return nil
	}
	return s.Reduce(ctx)
}

// NoSync runs fn with gradient reduction disabled, so gradients accumulate
// locally across micro-batches.
func (s *ShardedDataParallel) NoSync(fn func() error) error {
	s.noSync = true
	defer func() { s.noSync = false }()
	return fn()
}

// Reduce ships every trainable gradient to its owner rank, averaged across
// the group. It may be called manually after a NoSync backward; the usual
// path is through Backward. Non-owned gradients are zeroed afterwards, they
// have no further use on this rank.
func (s *ShardedDataParallel) Reduce(ctx context.Context) error {
	if s.trainabilityChanged() {
		if err := s.RefreshTrainable(); err != nil {
			return err
		}
	}

	rank := s.group.Rank()
	invWorld := 1.0 / float32(s.group.WorldSize())
	for _, b := range s.buckets {
		flat := make([]float32, b.elems)
		off := 0
		for _, p := range b.params {
			if p.Grad != nil {
				copy(flat[off:off+p.Data.Len()], p.Grad.Data)
			}
			off += p.Data.Len()
		}

		if s.reduceFP16 {
			fp16Compress(flat)
		}
		if err := s.group.ReduceSum(ctx, flat, b.dst); err != nil {
			return fmt.Errorf("reduce bucket for rank %d: %w", b.dst, err)
		}
		if b.direct {
			metrics.DirectReductions.Inc()
		} else {
			metrics.BucketFlushes.Inc()
		}

		if rank == b.dst {
			for i := range flat {
				flat[i] *= invWorld
			}
			if s.reduceFP16 {
				fp16Compress(flat)
			}
			off = 0
			for _, p := range b.params {
				grad := p.Grad
				if grad == nil {
					grad = tensor.New(p.Data.Rows, p.Data.Cols)
					p.Grad = grad
				}
				copy(grad.Data, flat[off:off+p.Data.Len()])
				off += p.Data.Len()
			}
		} else {
			for _, p := range b.params {
				if p.Grad != nil {
					p.Grad.Zero()
				}
			}
		}
	}
	return nil
}
