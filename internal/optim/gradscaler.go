package optim

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/metrics"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

// Loss-scale defaults.
const (
	defaultInitScale      = 65536.0
	defaultGrowthFactor   = 2.0
	defaultBackoffFactor  = 0.5
	defaultGrowthInterval = 2000
)

// GradScaler implements loss-scale based mixed-precision stepping: the loss
// is multiplied by the scale before backward, gradients are unscaled before
// the update, and the step is skipped entirely when any unscaled gradient is
// NaN or infinite. Update then grows or backs off the scale.
type GradScaler struct {
	scale          float32
	growthFactor   float32
	backoffFactor  float32
	growthInterval int
	growthTracker  int
	foundInf       bool
	stepped        bool
}

func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          defaultInitScale,
		growthFactor:   defaultGrowthFactor,
		backoffFactor:  defaultBackoffFactor,
		growthInterval: defaultGrowthInterval,
	}
}

// ScaleFactor returns the current loss scale.
func (s *GradScaler) ScaleFactor() float32 { return s.scale }

// Scale returns the loss multiplied by the current scale.
func (s *GradScaler) Scale(loss float32) float32 { return loss * s.scale }

// unscaleAndCheck divides the optimizer's local gradients by the scale and
// reports whether any of them overflowed.
func (s *GradScaler) unscaleAndCheck(opt Optimizer) bool {
	inv := 1.0 / s.scale
	found := false
	for _, p := range opt.LocalParams() {
		if p.Grad == nil {
			continue
		}
		p.Grad.Scale(inv)
		if tensor.SliceHasNaNOrInf(p.Grad.Data) {
			found = true
		}
	}
	return found
}

func (s *GradScaler) finishStep(ctx context.Context, opt Optimizer, foundInf bool) error {
	s.foundInf = foundInf
	s.stepped = true
	if foundInf {
		metrics.ScalerOverflows.Inc()
		return nil
	}
	return opt.Step(ctx, nil)
}

// Step unscales the gradients and applies the optimizer update unless an
// overflow was found. The caller is expected to have run forward/backward
// with the scaled loss already.
func (s *GradScaler) Step(ctx context.Context, opt Optimizer) error {
	return s.finishStep(ctx, opt, s.unscaleAndCheck(opt))
}

// Update adjusts the loss scale based on what Step observed.
func (s *GradScaler) Update() {
	if !s.stepped {
		return
	}
	if s.foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker >= s.growthInterval {
			s.scale *= s.growthFactor
			s.growthTracker = 0
		}
	}
	s.stepped = false
	s.foundInf = false
	metrics.ScalerScale.Set(float64(s.scale))
}

// ShardedGradScaler is the scaler to pair with OSS: each rank checks its own
// optimizer shard for overflow, then the verdict is agreed across the process
// group so every rank skips (or takes) the step together.
type ShardedGradScaler struct {
	GradScaler
	group comm.ProcessGroup
}

func NewShardedGradScaler(group comm.ProcessGroup) *ShardedGradScaler {
	return &ShardedGradScaler{GradScaler: *NewGradScaler(), group: group}
}

func (s *ShardedGradScaler) Step(ctx context.Context, opt Optimizer) error {
	found := s.unscaleAndCheck(opt)
	flag := []float32{0}
	if found {
		flag[0] = 1
	}
	if err := s.group.AllReduceSum(ctx, flag); err != nil {
		return fmt.Errorf("sync found-inf flag: %w", err)
	}
	return s.finishStep(ctx, opt, flag[0] > 0)
}
