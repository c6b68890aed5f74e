package parity

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/ddp"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/nn"
	"github.com/23skdu/longbow-volley/internal/optim"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// wrapper is the common surface of DataParallel and ShardedDataParallel, the
// two sides of a parity pair. The closure below is written against it so the
// call pattern is the exact same for both.
type wrapper interface {
	Forward(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(ctx context.Context, gradOut *tensor.Tensor) error
	NoSync(fn func() error) error
	ZeroGrad()
	Parameters() []*nn.Parameter
	Buffers() []*nn.Buffer
}

// scaler is satisfied by both GradScaler and ShardedGradScaler.
type scaler interface {
	ScaleFactor() float32
	Step(ctx context.Context, opt optim.Optimizer) error
	Update()
}

// StepObserver receives the latency of every completed train step. The health
// monitor implements it; a nil observer is allowed.
type StepObserver interface {
	RecordStep(time.Duration)
}

func recordStep(obs StepObserver, start time.Time) {
	metrics.RecordStep(start)
	if obs != nil {
		obs.RecordStep(time.Since(start))
	}
}

// newFixture builds the rank's copy of the model fixture: the six-layer MLP,
// a per-rank buffer to prove buffer broadcast works, and the first parameter
// frozen so bucket assignment is exercised when trainability changes later.
func newFixture(cfg config.Config, rank int, rng *rand.Rand, freezeFirst bool) *nn.MLP {
	model := nn.NewMLP(cfg.InputDim, cfg.HiddenDim, cfg.Layers, rng)
	model.RegisterBuffer("test_buffer", tensor.Full(1, 1, float32(rank)))
	model.Autocast = cfg.AMP
	if freezeFirst {
		model.Parameters()[0].RequiresGrad = false
	}
	return model
}

// closure runs one loss computation on m: zero grads, then forward/backward
// once per accumulation micro-step, with reduction suppressed on all but the
// last. With manual reduction, the last backward also skips reduction and
// reduceFn fires it explicitly.
func closure(ctx context.Context, cfg config.Config, m wrapper, sc scaler, input *tensor.Tensor, reduceFn func(context.Context) error) func() error {
	return func() error {
		m.ZeroGrad()

		step := func() error {
			out, err := m.Forward(ctx, input)
			if err != nil {
				return err
			}
			gradScale := float32(1)
			if sc != nil {
				gradScale = sc.ScaleFactor()
			}
			_, grad := nn.AbsSumLoss(out, gradScale)
			return m.Backward(ctx, grad)
		}

		if cfg.GradAccumulation {
			if err := m.NoSync(func() error {
				for i := 0; i < cfg.AccumulateSteps-1; i++ {
					if err := step(); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}
		}

		if reduceFn == nil {
			return step()
		}
		if err := m.NoSync(step); err != nil {
			return err
		}
		return reduceFn(ctx)
	}
}

// driveStep advances one wrapper by one optimizer step, through the scaler
// when mixed precision is on.
func driveStep(ctx context.Context, m wrapper, sc scaler, opt optim.Optimizer, cl func() error) error {
	if sc != nil {
		if err := cl(); err != nil {
			return err
		}
		if err := sc.Step(ctx, opt); err != nil {
			return err
		}
		sc.Update()
		return nil
	}
	return opt.Step(ctx, cl)
}

// RunConfig executes one full parity configuration on this rank: it builds
// the sharded and baseline pairs, trains them side by side and checks model
// state after construction and after every step. Any mismatch is returned as
// an error.
func RunConfig(ctx context.Context, pg comm.ProcessGroup, cfg config.Config, log *logger.Logger, obs StepObserver) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rank := pg.Rank()
	rng := rand.New(rand.NewSource(cfg.Seed + int64(rank)))

	log.Debug("checking configuration",
		"accumulate", cfg.GradAccumulation,
		"change_train_graph", cfg.ChangeTrainGraph,
		"amp", cfg.AMP,
		"manual_reduction", cfg.ManualReduction,
		"buffer", cfg.ReduceBufferSize,
	)

	model := newFixture(cfg, rank, rng, true)

	shardedOpt, err := optim.NewOSS(pg, model.Parameters(), cfg.LR, cfg.Momentum)
	if err != nil {
		return err
	}
	sharded, err := ddp.NewShardedDataParallel(ctx, model, pg, []*optim.OSS{shardedOpt}, ddp.ShardedOptions{
		BroadcastBuffers: cfg.BroadcastBuffers,
		ReduceBufferSize: cfg.ReduceBufferSize,
		ReduceFP16:       cfg.FP16Reduction,
	})
	if err != nil {
		return err
	}

	baselineModel := model.Clone()
	baselineOpt := optim.NewSGD(baselineModel.Parameters(), cfg.LR, cfg.Momentum)
	baseline, err := ddp.NewDataParallel(ctx, baselineModel, pg, ddp.DataParallelOptions{
		BroadcastBuffers: cfg.BroadcastBuffers,
		FP16Compress:     cfg.FP16Reduction,
	})
	if err != nil {
		return err
	}

	var baselineScaler, shardedScaler scaler
	if cfg.AMP {
		baselineScaler = optim.NewGradScaler()
		shardedScaler = optim.NewShardedGradScaler(pg)
	}

	// Construction must already have synchronized the ranks.
	if err := CheckSameModelParams(sharded, baseline, fmt.Sprintf("rank %d: construction sync", rank)); err != nil {
		return err
	}

	var manualReduce func(context.Context) error
	if cfg.ManualReduction {
		manualReduce = sharded.Reduce
	}

	input := tensor.New(cfg.BatchSize, cfg.InputDim)
	for i := 0; i < cfg.Batches; i++ {
		start := time.Now()
		input.RandUniform(rng)

		baselineClosure := closure(ctx, cfg, baseline, baselineScaler, input, nil)
		shardedClosure := closure(ctx, cfg, sharded, shardedScaler, input, manualReduce)

		if err := driveStep(ctx, baseline, baselineScaler, baselineOpt, baselineClosure); err != nil {
			return fmt.Errorf("baseline step %d: %w", i, err)
		}
		if err := driveStep(ctx, sharded, shardedScaler, shardedOpt, shardedClosure); err != nil {
			return fmt.Errorf("sharded step %d: %w", i, err)
		}
		recordStep(obs, start)

		if err := CheckSameModelParams(sharded, baseline, fmt.Sprintf("rank %d: step %d broke", rank, i)); err != nil {
			return err
		}

		// Flip the trainability of the first parameter after the first step,
		// so the next reduction has to re-bucket.
		if i == 0 && cfg.ChangeTrainGraph {
			first := sharded.Parameters()[0]
			first.RequiresGrad = !first.RequiresGrad
			baselineFirst := baseline.Parameters()[0]
			baselineFirst.RequiresGrad = !baselineFirst.RequiresGrad
			if err := CheckSameModelParams(sharded, baseline, fmt.Sprintf("rank %d: trainability refresh %d broke", rank, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunTwoOptim executes the two-optimizer parity scenario: the parameter list
// is split in half across two OSS instances over the same group, against a
// baseline with two plain SGD instances, stepped without closures.
func RunTwoOptim(ctx context.Context, pg comm.ProcessGroup, cfg config.Config, log *logger.Logger, obs StepObserver) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	rank := pg.Rank()
	rng := rand.New(rand.NewSource(cfg.Seed + int64(rank)))

	log.Debug("checking two-optimizer configuration", "buffer", cfg.ReduceBufferSize)

	model := newFixture(cfg, rank, rng, false)
	params := model.Parameters()
	nHalf := len(params) / 2

	ossA, err := optim.NewOSS(pg, params[:nHalf], cfg.LR, cfg.Momentum)
	if err != nil {
		return err
	}
	ossB, err := optim.NewOSS(pg, params[nHalf:], cfg.LR, cfg.Momentum)
	if err != nil {
		return err
	}
	sharded, err := ddp.NewShardedDataParallel(ctx, model, pg, []*optim.OSS{ossA, ossB}, ddp.ShardedOptions{
		BroadcastBuffers: cfg.BroadcastBuffers,
		ReduceBufferSize: cfg.ReduceBufferSize,
	})
	if err != nil {
		return err
	}

	baselineModel := model.Clone()
	baselineParams := baselineModel.Parameters()
	sgdA := optim.NewSGD(baselineParams[:nHalf], cfg.LR, cfg.Momentum)
	sgdB := optim.NewSGD(baselineParams[nHalf:], cfg.LR, cfg.Momentum)
	baseline, err := ddp.NewDataParallel(ctx, baselineModel, pg, ddp.DataParallelOptions{
		BroadcastBuffers: cfg.BroadcastBuffers,
	})
	if err != nil {
		return err
	}

	if err := CheckSameModelParams(sharded, baseline,
		fmt.Sprintf("rank %d: two-optim differing at startup, buffers %d", rank, cfg.ReduceBufferSize)); err != nil {
		return err
	}

	input := tensor.New(cfg.BatchSize, cfg.InputDim)
	for i := 0; i < cfg.Batches; i++ {
		start := time.Now()
		input.RandUniform(rng)

		// Baseline: zero, forward, backward (allreduce), step both halves.
		sgdA.ZeroGrad()
		sgdB.ZeroGrad()
		out, err := baseline.Forward(ctx, input)
		if err != nil {
			return fmt.Errorf("baseline forward %d: %w", i, err)
		}
		_, grad := nn.AbsSumLoss(out, 1)
		if err := baseline.Backward(ctx, grad); err != nil {
			return fmt.Errorf("baseline backward %d: %w", i, err)
		}
		if err := sgdA.Step(ctx, nil); err != nil {
			return err
		}
		if err := sgdB.Step(ctx, nil); err != nil {
			return err
		}

		// Sharded: same sequence against the two OSS shards.
		ossA.ZeroGrad()
		ossB.ZeroGrad()
		out, err = sharded.Forward(ctx, input)
		if err != nil {
			return fmt.Errorf("sharded forward %d: %w", i, err)
		}
		_, grad = nn.AbsSumLoss(out, 1)
		if err := sharded.Backward(ctx, grad); err != nil {
			return fmt.Errorf("sharded backward %d: %w", i, err)
		}
		if err := ossA.Step(ctx, nil); err != nil {
			return err
		}
		if err := ossB.Step(ctx, nil); err != nil {
			return err
		}
		recordStep(obs, start)

		if err := CheckSameModelParams(sharded, baseline,
			fmt.Sprintf("rank %d: two-optim step %d, buffers %d", rank, i, cfg.ReduceBufferSize)); err != nil {
			return err
		}
	}
	return nil
}
