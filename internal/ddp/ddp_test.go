package ddp

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/nn"
	"github.com/23skdu/longbow-volley/internal/optim"
	"github.com/23skdu/longbow-volley/internal/tensor"
)

func eachRank(t *testing.T, worldSize int, fn func(pg comm.ProcessGroup) error) {
	t.Helper()
	groups := comm.LocalGroups(worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(groups[rank])
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

// singleRankSharded builds a sharded wrapper over a one-rank group, which is
// enough to inspect bucket layout without coordinating goroutines.
func singleRankSharded(t *testing.T, model *nn.MLP, reduceBufferSize int) *ShardedDataParallel {
	t.Helper()
	pg := comm.LocalGroups(1)[0]
	oss, err := optim.NewOSS(pg, model.Parameters(), 0.1, 0)
	if err != nil {
		t.Fatalf("NewOSS failed: %v", err)
	}
	s, err := NewShardedDataParallel(context.Background(), model, pg, []*optim.OSS{oss}, ShardedOptions{
		ReduceBufferSize: reduceBufferSize,
	})
	if err != nil {
		t.Fatalf("NewShardedDataParallel failed: %v", err)
	}
	return s
}

func trainableElems(params []*nn.Parameter) int {
	n := 0
	for _, p := range params {
		if p.RequiresGrad {
			n += p.Data.Len()
		}
	}
	return n
}

func TestBucketsDirectWhenUnbuffered(t *testing.T) {
	model := nn.NewMLP(2, 3, 3, rand.New(rand.NewSource(1)))
	s := singleRankSharded(t, model, 0)

	if got, want := len(s.buckets), len(model.Parameters()); got != want {
		t.Fatalf("got %d buckets, want one per parameter (%d)", got, want)
	}
	for i, b := range s.buckets {
		if !b.direct {
			t.Errorf("bucket %d is not direct with buffering disabled", i)
		}
		if len(b.params) != 1 {
			t.Errorf("bucket %d holds %d params, want 1", i, len(b.params))
		}
	}
}

func TestBucketsChunkToBufferSize(t *testing.T) {
	model := nn.NewMLP(2, 3, 3, rand.New(rand.NewSource(1)))
	// 32 bytes = 8 elements: the 3x3 weights (9 elements) do not fit and go
	// direct, everything else is chunked.
	s := singleRankSharded(t, model, 32)

	maxElems := 32 / 4
	total := 0
	directs := 0
	for i, b := range s.buckets {
		total += b.elems
		if b.direct {
			directs++
			continue
		}
		if b.elems > maxElems {
			t.Errorf("bucket %d has %d elements, exceeds cap %d", i, b.elems, maxElems)
		}
	}
	if want := trainableElems(model.Parameters()); total != want {
		t.Errorf("buckets cover %d elements, want %d", total, want)
	}
	if directs != 2 {
		t.Errorf("got %d direct buckets, want 2 oversized weights", directs)
	}
}

func TestBucketsSkipFrozenParams(t *testing.T) {
	model := nn.NewMLP(2, 3, 3, rand.New(rand.NewSource(1)))
	model.Parameters()[0].RequiresGrad = false
	s := singleRankSharded(t, model, 1<<20)

	total := 0
	for _, b := range s.buckets {
		total += b.elems
		for _, p := range b.params {
			if !p.RequiresGrad {
				t.Errorf("frozen parameter %s landed in a bucket", p.Name)
			}
		}
	}
	if want := trainableElems(model.Parameters()); total != want {
		t.Errorf("buckets cover %d elements, want %d", total, want)
	}
}

func TestTrainabilityChangeRebuckets(t *testing.T) {
	model := nn.NewMLP(2, 3, 3, rand.New(rand.NewSource(1)))
	model.Parameters()[0].RequiresGrad = false
	s := singleRankSharded(t, model, 1<<20)

	if s.trainabilityChanged() {
		t.Fatal("signature should match right after construction")
	}
	before := trainableElems(model.Parameters())

	model.Parameters()[0].RequiresGrad = true
	if !s.trainabilityChanged() {
		t.Fatal("flipping requires-grad must be detected")
	}
	if err := s.RefreshTrainable(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	total := 0
	for _, b := range s.buckets {
		total += b.elems
	}
	if want := before + model.Parameters()[0].Data.Len(); total != want {
		t.Errorf("rebucketed coverage = %d elements, want %d", total, want)
	}
}

// TestNoSyncAccumulatesLocally drives different inputs on each rank: inside
// NoSync the gradients stay rank-local, the next synchronized backward
// averages them back into agreement.
func TestNoSyncAccumulatesLocally(t *testing.T) {
	ctx := context.Background()
	const world = 2

	var mu sync.Mutex
	local := make([][]float32, world)
	synced := make([][]float32, world)
	eachRank(t, world, func(pg comm.ProcessGroup) error {
		model := nn.NewMLP(2, 3, 2, rand.New(rand.NewSource(7)))
		dp, err := NewDataParallel(ctx, model, pg, DataParallelOptions{})
		if err != nil {
			return err
		}

		x := tensor.Full(4, 2, float32(pg.Rank()+1))
		step := func() error {
			out, err := dp.Forward(ctx, x)
			if err != nil {
				return err
			}
			_, grad := nn.AbsSumLoss(out, 1)
			return dp.Backward(ctx, grad)
		}

		if err := dp.NoSync(step); err != nil {
			return err
		}
		mu.Lock()
		local[pg.Rank()] = append([]float32(nil), model.Parameters()[0].Grad.Data...)
		mu.Unlock()

		if err := step(); err != nil {
			return err
		}
		mu.Lock()
		synced[pg.Rank()] = append([]float32(nil), model.Parameters()[0].Grad.Data...)
		mu.Unlock()
		return nil
	})

	sameLocal := true
	for i := range local[0] {
		if local[0][i] != local[1][i] {
			sameLocal = false
		}
	}
	if sameLocal {
		t.Error("unsynced gradients should differ across ranks fed different inputs")
	}
	for i := range synced[0] {
		if synced[0][i] != synced[1][i] {
			t.Fatalf("synchronized gradients differ at %d: %v vs %v", i, synced[0][i], synced[1][i])
		}
	}
}

// TestConstructionSyncsToRankZero gives each rank its own initialization and
// expects everyone to end up on rank 0's weights and buffers.
func TestConstructionSyncsToRankZero(t *testing.T) {
	ctx := context.Background()
	const world = 3

	var mu sync.Mutex
	params := make([][]float32, world)
	buffers := make([][]float32, world)
	eachRank(t, world, func(pg comm.ProcessGroup) error {
		model := nn.NewMLP(2, 3, 2, rand.New(rand.NewSource(int64(pg.Rank()))))
		model.RegisterBuffer("test_buffer", tensor.Full(1, 1, float32(pg.Rank())))
		if _, err := NewDataParallel(ctx, model, pg, DataParallelOptions{BroadcastBuffers: true}); err != nil {
			return err
		}
		mu.Lock()
		params[pg.Rank()] = append([]float32(nil), model.Parameters()[0].Data.Data...)
		buffers[pg.Rank()] = append([]float32(nil), model.Buffers()[0].Data.Data...)
		mu.Unlock()
		return nil
	})

	for rank := 1; rank < world; rank++ {
		for i := range params[0] {
			if params[rank][i] != params[0][i] {
				t.Fatalf("rank %d weights differ from rank 0 after construction", rank)
			}
		}
		if buffers[rank][0] != 0 {
			t.Errorf("rank %d buffer = %v, want rank 0's value 0", rank, buffers[rank][0])
		}
	}
}

// TestShardedReduceZeroesNonOwnedGrads checks the owner keeps the averaged
// gradient and everyone else ends up with zeros.
func TestShardedReduceZeroesNonOwnedGrads(t *testing.T) {
	ctx := context.Background()
	const world = 2

	var mu sync.Mutex
	grads := make([][][]float32, world)
	owners := make([][]int, world)
	eachRank(t, world, func(pg comm.ProcessGroup) error {
		model := nn.NewMLP(2, 3, 2, rand.New(rand.NewSource(7)))
		oss, err := optim.NewOSS(pg, model.Parameters(), 0.1, 0)
		if err != nil {
			return err
		}
		s, err := NewShardedDataParallel(ctx, model, pg, []*optim.OSS{oss}, ShardedOptions{})
		if err != nil {
			return err
		}

		x := tensor.Full(4, 2, 1)
		out, err := s.Forward(ctx, x)
		if err != nil {
			return err
		}
		_, grad := nn.AbsSumLoss(out, 1)
		if err := s.Backward(ctx, grad); err != nil {
			return err
		}

		mu.Lock()
		for _, p := range model.Parameters() {
			owner, _ := oss.Owner(p)
			owners[pg.Rank()] = append(owners[pg.Rank()], owner)
			grads[pg.Rank()] = append(grads[pg.Rank()], append([]float32(nil), p.Grad.Data...))
		}
		mu.Unlock()
		return nil
	})

	for rank := 0; rank < world; rank++ {
		for i, g := range grads[rank] {
			owned := owners[rank][i] == rank
			allZero := true
			for _, v := range g {
				if v != 0 {
					allZero = false
				}
			}
			if !owned && !allZero {
				t.Errorf("rank %d kept a gradient it does not own (param %d)", rank, i)
			}
			if owned && allZero {
				t.Errorf("rank %d owns param %d but its reduced gradient is all zero", rank, i)
			}
		}
	}
}
