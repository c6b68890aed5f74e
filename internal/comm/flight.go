package comm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-volley/internal/metrics"
)

// The Flight backend runs one rank per OS process. Rank 0 hosts the hub
// behind an Arrow Flight service; the other ranks ship contributions with
// DoPut and fetch results with DoGet. Rendezvous goes through a shared file,
// the same way a file:// init method works: rank 0 writes its listen address,
// everyone else polls for it.

var flightSchema = arrow.NewSchema([]arrow.Field{
	{Name: "values", Type: arrow.PrimitiveTypes.Float32},
}, nil)

// hubService serves the rank-0 side of the collectives.
type hubService struct {
	flight.BaseFlightServer
	hub *Hub
}

// DoPut accepts one contribution per stream. The descriptor path carries
// seq/kind/peer/rank; the single record carries the float32 payload.
func (s *hubService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("put: record reader: %w", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) != 4 {
		return fmt.Errorf("put: descriptor must carry seq/kind/peer/rank")
	}
	seq, err := strconv.ParseUint(desc.Path[0], 10, 64)
	if err != nil {
		return fmt.Errorf("put: bad seq %q: %w", desc.Path[0], err)
	}
	kind := opKind(desc.Path[1])
	peer, err := strconv.Atoi(desc.Path[2])
	if err != nil {
		return fmt.Errorf("put: bad peer %q: %w", desc.Path[2], err)
	}
	rank, err := strconv.Atoi(desc.Path[3])
	if err != nil {
		return fmt.Errorf("put: bad rank %q: %w", desc.Path[3], err)
	}
	if rank < 0 || rank >= s.hub.world {
		return fmt.Errorf("put: rank %d out of range (world size %d)", rank, s.hub.world)
	}

	var data []float32
	if rdr.Next() {
		rec := rdr.Record()
		if rec.NumCols() != 1 {
			return fmt.Errorf("put: want 1 column, got %d", rec.NumCols())
		}
		vals := rec.Column(0).(*array.Float32).Float32Values()
		data = make([]float32, len(vals))
		copy(data, vals)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("put: read: %w", err)
	}

	if _, err := s.hub.deposit(seq, rank, kind, peer, data); err != nil {
		return err
	}
	// Ack so the client knows the deposit landed before it issues DoGet.
	return stream.Send(&flight.PutResult{})
}

// DoGet blocks until the collective named by the ticket completes, then
// streams the result back.
func (s *hubService) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	parts := strings.Split(string(tkt.Ticket), "/")
	if len(parts) != 2 {
		return fmt.Errorf("get: ticket must carry seq/rank")
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("get: bad seq %q: %w", parts[0], err)
	}

	p, err := s.hub.await(fs.Context(), seq)
	if err != nil {
		return err
	}
	defer s.hub.depart(seq)

	wr := flight.NewRecordWriter(fs, ipc.WithSchema(flightSchema))
	defer wr.Close()
	rec := recordFromSlice(p.result)
	defer rec.Release()
	if err := wr.Write(rec); err != nil {
		return fmt.Errorf("get: write: %w", err)
	}
	return nil
}

func recordFromSlice(data []float32) arrow.Record {
	b := array.NewFloat32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(data, nil)
	arr := b.NewFloat32Array()
	defer arr.Release()
	return array.NewRecord(flightSchema, []arrow.Array{arr}, int64(len(data)))
}

// FlightGroup is the multi-process ProcessGroup backend.
type FlightGroup struct {
	rank  int
	world int
	seq   uint64

	hub    *Hub          // rank 0 only
	server flight.Server // rank 0 only
	client flight.Client // ranks > 0
}

// NewFlightGroup joins the group at rendezvousPath. Rank 0 starts the hub
// service on a loopback port and publishes its address; other ranks poll the
// file and connect.
func NewFlightGroup(ctx context.Context, rendezvousPath string, rank, worldSize int) (*FlightGroup, error) {
	if worldSize < 2 {
		return nil, fmt.Errorf("invalid world size %d (must be >= 2)", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("invalid rank %d (world size %d)", rank, worldSize)
	}

	g := &FlightGroup{rank: rank, world: worldSize}

	if rank == 0 {
		g.hub = NewHub(worldSize)
		srv := flight.NewServerWithMiddleware(nil)
		if err := srv.Init("127.0.0.1:0"); err != nil {
			return nil, fmt.Errorf("hub listen: %w", err)
		}
		srv.RegisterFlightService(&hubService{hub: g.hub})
		go srv.Serve() //nolint:errcheck // shut down via Close
		g.server = srv

		tmp := rendezvousPath + ".tmp"
		if err := os.WriteFile(tmp, []byte(srv.Addr().String()), 0o644); err != nil {
			srv.Shutdown()
			return nil, fmt.Errorf("rendezvous write: %w", err)
		}
		if err := os.Rename(tmp, rendezvousPath); err != nil {
			srv.Shutdown()
			return nil, fmt.Errorf("rendezvous publish: %w", err)
		}
		return g, nil
	}

	addr, err := waitForRendezvous(ctx, rendezvousPath)
	if err != nil {
		return nil, err
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("hub dial %s: %w", addr, err)
	}
	g.client = client
	return g, nil
}

func waitForRendezvous(ctx context.Context, path string) (string, error) {
	for {
		data, err := os.ReadFile(filepath.Clean(path))
		if err == nil && len(data) > 0 {
			return strings.TrimSpace(string(data)), nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("rendezvous at %s: %w", path, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (g *FlightGroup) Rank() int { return g.rank }
func (g *FlightGroup) WorldSize() int { return g.world }

func (g *FlightGroup) Close() error {
	if g.server != nil {
		g.drain(5 * time.Second)
		g.server.Shutdown()
	}
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// drain gives remote ranks a window to collect outstanding results before the
// listener goes away.
func (g *FlightGroup) drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		g.hub.mu.Lock()
		pending := len(g.hub.ops)
		g.hub.mu.Unlock()
		if pending == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (g *FlightGroup) collective(ctx context.Context, kind opKind, peer int, data []float32) error {
	start := time.Now()
	seq := g.seq
	g.seq++

	var result []float32
	var err error
	if g.rank == 0 {
		result, err = g.rootCollective(ctx, seq, kind, peer, data)
	} else {
		result, err = g.remoteCollective(ctx, seq, kind, peer, data)
	}
	if err != nil {
		return err
	}

	switch kind {
	case opAllReduce:
		copy(data, result)
	case opReduce:
		if g.rank == peer {
			copy(data, result)
		}
	case opBroadcast:
		if g.rank != peer {
			copy(data, result)
		}
	}
	metrics.RecordCollective(string(kind), 4*len(data), start)
	return nil
}

func (g *FlightGroup) rootCollective(ctx context.Context, seq uint64, kind opKind, peer int, data []float32) ([]float32, error) {
	if _, err := g.hub.deposit(seq, 0, kind, peer, data); err != nil {
		return nil, err
	}
	p, err := g.hub.await(ctx, seq)
	if err != nil {
		return nil, err
	}
	defer g.hub.depart(seq)
	return p.result, nil
}

func (g *FlightGroup) remoteCollective(ctx context.Context, seq uint64, kind opKind, peer int, data []float32) ([]float32, error) {
	put, err := g.client.DoPut(ctx)
	if err != nil {
		return nil, fmt.Errorf("doput: %w", err)
	}
	wr := flight.NewRecordWriter(put, ipc.WithSchema(flightSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{
			strconv.FormatUint(seq, 10),
			string(kind),
			strconv.Itoa(peer),
			strconv.Itoa(g.rank),
		},
	})
	rec := recordFromSlice(data)
	werr := wr.Write(rec)
	rec.Release()
	if werr != nil {
		return nil, fmt.Errorf("doput write: %w", werr)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("doput flush: %w", err)
	}
	if err := put.CloseSend(); err != nil {
		return nil, fmt.Errorf("doput close: %w", err)
	}
	if _, err := put.Recv(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("doput ack: %w", err)
	}

	get, err := g.client.DoGet(ctx, &flight.Ticket{
		Ticket: []byte(fmt.Sprintf("%d/%d", seq, g.rank)),
	})
	if err != nil {
		return nil, fmt.Errorf("doget: %w", err)
	}
	rdr, err := flight.NewRecordReader(get)
	if err != nil {
		return nil, fmt.Errorf("doget reader: %w", err)
	}
	defer rdr.Release()

	result := make([]float32, 0, len(data))
	for rdr.Next() {
		vals := rdr.Record().Column(0).(*array.Float32).Float32Values()
		result = append(result, vals...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("doget read: %w", err)
	}
	return result, nil
}

func (g *FlightGroup) AllReduceSum(ctx context.Context, data []float32) error {
	return g.collective(ctx, opAllReduce, -1, data)
}

func (g *FlightGroup) ReduceSum(ctx context.Context, data []float32, dst int) error {
	if dst < 0 || dst >= g.world {
		return fmt.Errorf("invalid reduce destination %d (world size %d)", dst, g.world)
	}
	return g.collective(ctx, opReduce, dst, data)
}

func (g *FlightGroup) Broadcast(ctx context.Context, data []float32, src int) error {
	if src < 0 || src >= g.world {
		return fmt.Errorf("invalid broadcast source %d (world size %d)", src, g.world)
	}
	return g.collective(ctx, opBroadcast, src, data)
}

func (g *FlightGroup) Barrier(ctx context.Context) error {
	return g.collective(ctx, opBarrier, -1, nil)
}
