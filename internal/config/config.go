package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config describes one parity run: the shared training hyperparameters plus
// the knobs that distinguish the sharded wrapper configurations under test.
type Config struct {
	WorldSize int
	Seed      int64

	// Model fixture
	InputDim  int
	HiddenDim int
	Layers    int

	// Training loop
	Batches   int
	BatchSize int
	LR        float32
	Momentum  float32

	// Wrapper knobs
	ReduceBufferSize int
	GradAccumulation bool
	AccumulateSteps  int
	ChangeTrainGraph bool
	FP16Reduction    bool
	AMP              bool
	ManualReduction  bool

	BroadcastBuffers bool
}

func (c *Config) Validate() error {
	if c.WorldSize < 2 {
		return fmt.Errorf("invalid world_size: %d (must be >= 2)", c.WorldSize)
	}
	if c.InputDim <= 0 {
		return fmt.Errorf("invalid input_dim: %d (must be positive)", c.InputDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Batches <= 0 {
		return fmt.Errorf("invalid batches: %d (must be positive)", c.Batches)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("invalid lr: %v (must be positive)", c.LR)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("invalid momentum: %v (must be in [0, 1))", c.Momentum)
	}
	if c.ReduceBufferSize < 0 {
		return fmt.Errorf("invalid reduce_buffer_size: %d (must be non-negative)", c.ReduceBufferSize)
	}
	if c.GradAccumulation && c.AccumulateSteps < 2 {
		return fmt.Errorf("invalid accumulate_steps: %d (must be >= 2 when accumulation is on)", c.AccumulateSteps)
	}
	if c.ManualReduction && (c.GradAccumulation || c.ChangeTrainGraph) {
		return fmt.Errorf("manual reduction cannot be combined with accumulation or train-graph changes")
	}
	return nil
}

// Default is the canonical parity configuration: the six-layer MLP fixture
// driven for five batches of eight samples with SGD lr=1e-4 momentum=0.99.
func Default() Config {
	return Config{
		WorldSize: WorldSizeFromEnv(),
		Seed:      0,

		InputDim:  2,
		HiddenDim: 3,
		Layers:    6,

		Batches:   5,
		BatchSize: 8,
		LR:        1e-4,
		Momentum:  0.99,

		AccumulateSteps:  3,
		BroadcastBuffers: true,
	}
}

// WorldSizeFromEnv reads VOLLEY_WORLD_SIZE, defaulting to 2.
func WorldSizeFromEnv() int {
	if v := os.Getenv("VOLLEY_WORLD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 {
			return n
		}
	}
	return 2
}
