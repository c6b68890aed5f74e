package optim

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/nn"
)

// OSS shards optimizer state across the ranks of a process group. Each
// parameter is assigned to exactly one owner rank; only the owner holds the
// momentum buffer and computes the update, after which the fresh parameter
// values are broadcast so every rank ends the step with identical weights.
//
// The partition is greedy by element count: parameters are assigned, in
// registration order, to the rank with the least elements so far. It is fixed
// at construction; trainability changes re-bucket the gradient reduction (in
// the data-parallel wrapper) but do not move ownership.
type OSS struct {
	group comm.ProcessGroup

	params     []*nn.Parameter
	partitions [][]*nn.Parameter
	owner      map[*nn.Parameter]int

	local *SGD
}

// NewOSS partitions params across group and builds the local optimizer over
// this rank's shard.
func NewOSS(group comm.ProcessGroup, params []*nn.Parameter, lr, momentum float32) (*OSS, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to shard")
	}
	world := group.WorldSize()

	o := &OSS{
		group:      group,
		params:     params,
		partitions: make([][]*nn.Parameter, world),
		owner:      make(map[*nn.Parameter]int, len(params)),
	}

	sizes := make([]int, world)
	for _, p := range params {
		dst := 0
		for r := 1; r < world; r++ {
			if sizes[r] < sizes[dst] {
				dst = r
			}
		}
		o.partitions[dst] = append(o.partitions[dst], p)
		o.owner[p] = dst
		sizes[dst] += p.Data.Len()
	}

	o.local = NewSGD(o.partitions[group.Rank()], lr, momentum)
	return o, nil
}

func (o *OSS) Params() []*nn.Parameter      { return o.params }
func (o *OSS) LocalParams() []*nn.Parameter { return o.partitions[o.group.Rank()] }

// Owner returns the rank whose optimizer shard holds p.
func (o *OSS) Owner(p *nn.Parameter) (int, bool) {
	r, ok := o.owner[p]
	return r, ok
}

func (o *OSS) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step runs the closure (if any), updates the local shard, and broadcasts the
// updated values from their owners. Every rank must call Step for the
// broadcasts to line up.
func (o *OSS) Step(ctx context.Context, closure func() error) error {
	if closure != nil {
		if err := closure(); err != nil {
			return err
		}
	}
	if err := o.local.Step(ctx, nil); err != nil {
		return err
	}
	return o.syncParams(ctx)
}

// syncParams broadcasts every parameter from its owner rank.
func (o *OSS) syncParams(ctx context.Context) error {
	for _, p := range o.params {
		if err := o.group.Broadcast(ctx, p.Data.Data, o.owner[p]); err != nil {
			return fmt.Errorf("sync %s from rank %d: %w", p.Name, o.owner[p], err)
		}
	}
	return nil
}
