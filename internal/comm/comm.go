// Package comm provides the collective communication layer shared by the
// data-parallel wrappers: an in-process backend for tests and an Arrow Flight
// backend for multi-process runs.
//
// Reductions are always applied in rank order, so every backend produces
// bit-identical float32 sums on every rank. The parity suite depends on this.
package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-volley/internal/metrics"
)

// ProcessGroup is one rank's handle on a set of communicating participants.
// All collectives are synchronous: every rank of the group must issue the
// same sequence of calls with matching operation, peer and length.
type ProcessGroup interface {
	Rank() int
	WorldSize() int

	// AllReduceSum sums data elementwise across ranks; every rank gets the sum.
	AllReduceSum(ctx context.Context, data []float32) error
	// ReduceSum sums data elementwise across ranks into dst's buffer only.
	ReduceSum(ctx context.Context, data []float32, dst int) error
	// Broadcast overwrites data on every rank with src's buffer.
	Broadcast(ctx context.Context, data []float32, src int) error
	// Barrier blocks until all ranks arrive.
	Barrier(ctx context.Context) error

	Close() error
}

type opKind string

const (
	opAllReduce opKind = "allreduce"
	opReduce    opKind = "reduce"
	opBroadcast opKind = "broadcast"
	opBarrier   opKind = "barrier"
)

// pendingOp collects one collective in flight. ready is closed once the
// result is computed or the op is found inconsistent.
type pendingOp struct {
	kind     opKind
	peer     int
	n        int
	contribs [][]float32
	arrived  int
	departed int
	result   []float32
	err      error
	ready    chan struct{}
}

// Hub matches up collectives by sequence number and computes their results.
// Every rank issues an identical stream of collectives, so the i-th call on
// one rank pairs with the i-th call on every other.
type Hub struct {
	mu    sync.Mutex
	world int
	ops   map[uint64]*pendingOp
}

// NewHub creates a hub for worldSize ranks.
func NewHub(worldSize int) *Hub {
	return &Hub{world: worldSize, ops: make(map[uint64]*pendingOp)}
}

func (h *Hub) WorldSize() int { return h.world }

func (h *Hub) deposit(seq uint64, rank int, kind opKind, peer int, data []float32) (*pendingOp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.ops[seq]
	if !ok {
		p = &pendingOp{
			kind:     kind,
			peer:     peer,
			n:        len(data),
			contribs: make([][]float32, h.world),
			ready:    make(chan struct{}),
		}
		h.ops[seq] = p
	}
	if p.err == nil {
		switch {
		case p.kind != kind || p.peer != peer:
			p.err = fmt.Errorf("collective mismatch at seq %d: rank %d issued %s(peer=%d), group has %s(peer=%d)",
				seq, rank, kind, peer, p.kind, p.peer)
		case p.n != len(data):
			p.err = fmt.Errorf("collective length mismatch at seq %d: rank %d sent %d elements, group has %d",
				seq, rank, len(data), p.n)
		case p.contribs[rank] != nil:
			p.err = fmt.Errorf("collective at seq %d: rank %d deposited twice", seq, rank)
		}
		if p.err != nil {
			close(p.ready)
			return p, nil
		}
	}

	p.contribs[rank] = data
	p.arrived++
	if p.arrived == h.world && p.err == nil {
		p.result = h.compute(p)
		close(p.ready)
	}
	return p, nil
}

// compute runs under h.mu once all contributions are in. Summation is in
// strict rank order, elementwise, in float32.
func (h *Hub) compute(p *pendingOp) []float32 {
	out := make([]float32, p.n)
	switch p.kind {
	case opAllReduce, opReduce:
		for rank := 0; rank < h.world; rank++ {
			c := p.contribs[rank]
			for i := range out {
				out[i] += c[i]
			}
		}
	case opBroadcast:
		copy(out, p.contribs[p.peer])
	case opBarrier:
		// nothing to move
	}
	return out
}

func (h *Hub) await(ctx context.Context, seq uint64) (*pendingOp, error) {
	h.mu.Lock()
	p, ok := h.ops[seq]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no collective pending at seq %d", seq)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ready:
		return p, p.err
	}
}

func (h *Hub) depart(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.ops[seq]
	if !ok {
		return
	}
	p.departed++
	if p.departed == h.world {
		delete(h.ops, seq)
	}
}

// LocalGroup is the in-process backend: ranks are goroutines sharing a Hub.
type LocalGroup struct {
	hub  *Hub
	rank int
	seq  uint64
}

// LocalGroups creates one connected group handle per rank over a fresh hub.
func LocalGroups(worldSize int) []ProcessGroup {
	hub := NewHub(worldSize)
	groups := make([]ProcessGroup, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		groups[rank] = &LocalGroup{hub: hub, rank: rank}
	}
	return groups
}

func (g *LocalGroup) Rank() int { return g.rank }
func (g *LocalGroup) WorldSize() int { return g.hub.world }
func (g *LocalGroup) Close() error { return nil }

func (g *LocalGroup) collective(ctx context.Context, kind opKind, peer int, data []float32) error {
	start := time.Now()
	seq := g.seq
	g.seq++

	if _, err := g.hub.deposit(seq, g.rank, kind, peer, data); err != nil {
		return err
	}
	p, err := g.hub.await(ctx, seq)
	if err == nil {
		switch kind {
		case opAllReduce:
			copy(data, p.result)
		case opReduce:
			if g.rank == peer {
				copy(data, p.result)
			}
		case opBroadcast:
			if g.rank != peer {
				copy(data, p.result)
			}
		}
	}
	g.hub.depart(seq)
	metrics.RecordCollective(string(kind), 4*len(data), start)
	return err
}

func (g *LocalGroup) AllReduceSum(ctx context.Context, data []float32) error {
	return g.collective(ctx, opAllReduce, -1, data)
}

func (g *LocalGroup) ReduceSum(ctx context.Context, data []float32, dst int) error {
	if dst < 0 || dst >= g.hub.world {
		return fmt.Errorf("invalid reduce destination %d (world size %d)", dst, g.hub.world)
	}
	return g.collective(ctx, opReduce, dst, data)
}

func (g *LocalGroup) Broadcast(ctx context.Context, data []float32, src int) error {
	if src < 0 || src >= g.hub.world {
		return fmt.Errorf("invalid broadcast source %d (world size %d)", src, g.hub.world)
	}
	return g.collective(ctx, opBroadcast, src, data)
}

func (g *LocalGroup) Barrier(ctx context.Context) error {
	return g.collective(ctx, opBarrier, -1, nil)
}
