package distributed

import (
	"bufio"
	"net"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Mesh is the TCP Collective for separate worker processes, organized
// hub-and-spoke: rank 0 listens and relays, ranks 1..W-1 dial in. An
// all-gather is one frame up to the hub and the concatenated global batch
// back down; a reduce-scatter is the global tensor up and the summed own
// slice back down.
//
// A session UUID minted by the hub is exchanged at handshake and carried
// on every frame, so a worker from a stale run cannot silently join. Each
// collective bumps a shared sequence number; a mismatch means the ranks
// diverged in their call pattern and is fatal.
type Mesh struct {
	rank      int
	worldSize int
	session   string
	seq       uint64

	// Hub state (rank 0): one connection per spoke rank, index 0 unused.
	listener net.Listener
	spokes   []*meshConn

	// Spoke state (rank > 0): the single connection to the hub.
	hub *meshConn
}

type meshConn struct {
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
	bw   *bufio.Writer
}

func newMeshConn(conn net.Conn) *meshConn {
	bw := bufio.NewWriter(conn)
	return &meshConn{
		conn: conn,
		enc:  msgpack.NewEncoder(bw),
		dec:  msgpack.NewDecoder(bufio.NewReader(conn)),
		bw:   bw,
	}
}

func (c *meshConn) send(f *frame) error {
	if err := writeFrame(c.enc, f); err != nil {
		return err
	}
	return errors.Wrap(c.bw.Flush(), "flushing mesh frame")
}

// NewMeshHub binds addr, waits for worldSize-1 spokes to dial and
// complete their handshake, and returns the rank-0 collective. It blocks
// until the full world is connected.
func NewMeshHub(addr string, worldSize int) (*Mesh, error) {
	if worldSize < 2 {
		return nil, errors.Errorf("a mesh needs world size >= 2, got %d (use Single instead)", worldSize)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "mesh hub failed to listen on %s", addr)
	}
	return NewMeshHubWithListener(listener, worldSize)
}

// NewMeshHubWithListener is NewMeshHub on an already-bound listener, so
// callers can bind port 0 and learn the address before the world dials in.
func NewMeshHubWithListener(listener net.Listener, worldSize int) (*Mesh, error) {
	if worldSize < 2 {
		_ = listener.Close()
		return nil, errors.Errorf("a mesh needs world size >= 2, got %d (use Single instead)", worldSize)
	}
	m := &Mesh{
		rank:      0,
		worldSize: worldSize,
		session:   uuid.NewString(),
		listener:  listener,
		spokes:    make([]*meshConn, worldSize),
	}
	klog.V(1).Infof("mesh hub listening on %s, session %s, waiting for %d workers", listener.Addr(), m.session, worldSize-1)
	for connected := 0; connected < worldSize-1; {
		conn, err := listener.Accept()
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, "mesh hub accept")
		}
		mc := newMeshConn(conn)
		hello, err := readFrame(mc.dec)
		if err != nil || hello.Op != opHello {
			_ = conn.Close()
			klog.Warningf("mesh hub: rejecting connection from %s: bad hello (%v)", conn.RemoteAddr(), err)
			continue
		}
		if hello.Rank <= 0 || hello.Rank >= worldSize || hello.World != worldSize {
			_ = mc.send(&frame{Op: opHelloAck, Session: "", Rank: 0, World: worldSize})
			_ = conn.Close()
			klog.Warningf("mesh hub: rejecting rank %d (world %d) from %s", hello.Rank, hello.World, conn.RemoteAddr())
			continue
		}
		if m.spokes[hello.Rank] != nil {
			_ = conn.Close()
			klog.Warningf("mesh hub: duplicate rank %d from %s", hello.Rank, conn.RemoteAddr())
			continue
		}
		if err := mc.send(&frame{Op: opHelloAck, Session: m.session, Rank: 0, World: worldSize}); err != nil {
			_ = conn.Close()
			continue
		}
		m.spokes[hello.Rank] = mc
		connected++
		klog.V(1).Infof("mesh hub: rank %d joined from %s (%d/%d)", hello.Rank, conn.RemoteAddr(), connected, worldSize-1)
	}
	return m, nil
}

// DialMesh connects a spoke of the given rank to the hub at addr and
// completes the session handshake.
func DialMesh(addr string, rank, worldSize int) (*Mesh, error) {
	if rank <= 0 || rank >= worldSize {
		return nil, errors.Errorf("spoke rank must be in [1,%d), got %d", worldSize, rank)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d failed to dial mesh hub %s", rank, addr)
	}
	mc := newMeshConn(conn)
	if err := mc.send(&frame{Op: opHello, Rank: rank, World: worldSize}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := readFrame(mc.dec)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.Op != opHelloAck || ack.Session == "" {
		_ = conn.Close()
		return nil, errors.Errorf("rank %d rejected by mesh hub %s", rank, addr)
	}
	klog.V(1).Infof("mesh rank %d joined session %s via %s", rank, ack.Session, addr)
	return &Mesh{
		rank:      rank,
		worldSize: worldSize,
		session:   ack.Session,
		hub:       mc,
	}, nil
}

func (m *Mesh) Rank() int      { return m.rank }
func (m *Mesh) WorldSize() int { return m.worldSize }

// Addr returns the hub's bound listen address ("" on spokes). Useful when
// the hub was started with port 0.
func (m *Mesh) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Mesh) AllGather(local *tensors.Tensor) (*tensors.Tensor, error) {
	m.seq++
	if m.rank != 0 {
		return m.spokeRoundTrip(opAllGather, local)
	}
	parts, err := m.hubCollect(opAllGather, local)
	if err != nil {
		return nil, err
	}
	global, err := concatTensors(parts)
	if err != nil {
		return nil, err
	}
	if err := m.hubBroadcast(func(int) *tensors.Tensor { return global }); err != nil {
		return nil, err
	}
	return global, nil
}

func (m *Mesh) ReduceScatter(global *tensors.Tensor) (*tensors.Tensor, error) {
	m.seq++
	if m.rank != 0 {
		return m.spokeRoundTrip(opReduceScatter, global)
	}
	parts, err := m.hubCollect(opReduceScatter, global)
	if err != nil {
		return nil, err
	}
	sum, err := sumTensors(parts)
	if err != nil {
		return nil, err
	}
	slices := make([]*tensors.Tensor, m.worldSize)
	for r := 0; r < m.worldSize; r++ {
		slices[r], err = splitRows(sum, r, m.worldSize)
		if err != nil {
			return nil, err
		}
	}
	if err := m.hubBroadcast(func(r int) *tensors.Tensor { return slices[r] }); err != nil {
		return nil, err
	}
	return slices[0], nil
}

func (m *Mesh) AllReduce(local *tensors.Tensor) (*tensors.Tensor, error) {
	m.seq++
	if m.rank != 0 {
		return m.spokeRoundTrip(opAllReduce, local)
	}
	parts, err := m.hubCollect(opAllReduce, local)
	if err != nil {
		return nil, err
	}
	sum, err := sumTensors(parts)
	if err != nil {
		return nil, err
	}
	if err := m.hubBroadcast(func(int) *tensors.Tensor { return sum }); err != nil {
		return nil, err
	}
	return sum, nil
}

// spokeRoundTrip sends the local tensor up to the hub and blocks on the
// result frame for this sequence number.
func (m *Mesh) spokeRoundTrip(op uint8, t *tensors.Tensor) (*tensors.Tensor, error) {
	f := &frame{Session: m.session, Seq: m.seq, Op: op, Rank: m.rank, World: m.worldSize}
	tensorToFrame(t, f)
	if err := m.hub.send(f); err != nil {
		return nil, err
	}
	reply, err := readFrame(m.hub.dec)
	if err != nil {
		return nil, err
	}
	if reply.Session != m.session || reply.Seq != m.seq || reply.Op != opResult {
		return nil, errors.Errorf("rank %d: collective call mismatch (got op %d seq %d, expected seq %d)", m.rank, reply.Op, reply.Seq, m.seq)
	}
	return frameToTensor(reply)
}

// hubCollect reads one frame from every spoke in parallel and returns the
// world's tensors in rank order, the hub's own contribution at index 0.
func (m *Mesh) hubCollect(op uint8, own *tensors.Tensor) ([]*tensors.Tensor, error) {
	parts := make([]*tensors.Tensor, m.worldSize)
	parts[0] = own
	var group errgroup.Group
	for r := 1; r < m.worldSize; r++ {
		group.Go(func() error {
			f, err := readFrame(m.spokes[r].dec)
			if err != nil {
				return err
			}
			if f.Session != m.session {
				return errors.Errorf("rank %d sent session %q, hub session is %q", r, f.Session, m.session)
			}
			if f.Seq != m.seq || f.Op != op {
				return errors.Errorf("rank %d diverged: sent op %d seq %d, hub at op %d seq %d", r, f.Op, f.Seq, op, m.seq)
			}
			if f.Rank != r {
				return errors.Errorf("connection for rank %d sent frame claiming rank %d", r, f.Rank)
			}
			parts[r], err = frameToTensor(f)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// hubBroadcast sends each spoke its result tensor for the current round.
func (m *Mesh) hubBroadcast(resultFor func(rank int) *tensors.Tensor) error {
	var group errgroup.Group
	for r := 1; r < m.worldSize; r++ {
		group.Go(func() error {
			f := &frame{Session: m.session, Seq: m.seq, Op: opResult, Rank: 0, World: m.worldSize}
			tensorToFrame(resultFor(r), f)
			return m.spokes[r].send(f)
		})
	}
	return group.Wait()
}

func (m *Mesh) Close() error {
	var firstErr error
	if m.listener != nil {
		firstErr = m.listener.Close()
	}
	for _, s := range m.spokes {
		if s != nil {
			if err := s.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if m.hub != nil {
		if err := m.hub.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
