package detector

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/cluster"
	serrors "github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/metrics"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/wire"
)

type packet struct {
	b    []byte
	from netip.AddrPort
}

// memNet is an in-process datagram network with loss injection
type memNet struct {
	mu    sync.Mutex
	boxes map[netip.AddrPort]chan packet
	drop  func(from, to netip.AddrPort, op wire.Opcode) bool
}

func newMemNet() *memNet {
	return &memNet{boxes: make(map[netip.AddrPort]chan packet)}
}

func (n *memNet) setDrop(f func(from, to netip.AddrPort, op wire.Opcode) bool) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

func (n *memNet) listen(addr netip.AddrPort) *memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	inbox := make(chan packet, 1024)
	n.boxes[addr] = inbox
	return &memTransport{net: n, addr: addr, inbox: inbox, closed: make(chan struct{})}
}

type memTransport struct {
	net    *memNet
	addr   netip.AddrPort
	inbox  chan packet
	once   sync.Once
	closed chan struct{}
}

func (t *memTransport) Send(to netip.AddrPort, b []byte) error {
	t.net.mu.Lock()
	box, ok := t.net.boxes[to]
	drop := t.net.drop
	t.net.mu.Unlock()

	if !ok || (drop != nil && drop(t.addr, to, wire.Opcode(b[:4]))) {
		return nil
	}
	select {
	case box <- packet{b: append([]byte(nil), b...), from: t.addr}:
	default:
	}
	return nil
}

func (t *memTransport) Recv() ([]byte, netip.AddrPort, error) {
	select {
	case p := <-t.inbox:
		return p.b, p.from, nil
	case <-t.closed:
		return nil, netip.AddrPort{}, net.ErrClosed
	}
}

func (t *memTransport) Close() error {
	t.once.Do(func() {
		t.net.mu.Lock()
		delete(t.net.boxes, t.addr)
		t.net.mu.Unlock()
		close(t.closed)
	})
	return nil
}

type recordingListener struct {
	mu     sync.Mutex
	joined []int
	failed []int
}

func (r *recordingListener) NodeJoined(slot int) {
	r.mu.Lock()
	r.joined = append(r.joined, slot)
	r.mu.Unlock()
}

func (r *recordingListener) NodeFailed(slot int) {
	r.mu.Lock()
	r.failed = append(r.failed, slot)
	r.mu.Unlock()
}

func (r *recordingListener) sawFailed(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.failed, slot)
}

func (r *recordingListener) sawJoined(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.joined, slot)
}

type testNode struct {
	det       *Detector
	listener  *recordingListener
	metrics   *metrics.Metrics
	transport *memTransport
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func (n *testNode) stop() {
	n.cancel()
	<-n.done
}

func testConfig() *Config {
	return &Config{
		ProbeInterval:     40 * time.Millisecond,
		ProbeTimeout:      60 * time.Millisecond,
		IndirectProbes:    3,
		JoinRetryInterval: 20 * time.Millisecond,
		GossipWorkers:     4,
	}
}

func startCluster(t *testing.T, network *memNet, size int) []*testNode {
	t.Helper()

	peers := make([]cluster.Peer, size)
	for i := range peers {
		ip := netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", i+1))
		peers[i] = cluster.Peer{
			Host:       ip.String(),
			Membership: netip.AddrPortFrom(ip, 4950),
			Storage:    netip.AddrPortFrom(ip, 4951),
		}
	}
	slots, err := cluster.NewSlotTable(peers)
	require.NoError(t, err)

	nodes := make([]*testNode, size)
	for i := range nodes {
		self := model.Member{
			NodeIdentity: model.NodeIdentity{BirthTime: uint64(1000 + i), Addr: peers[i].Membership},
			Slot:         i + 1,
		}
		tr := network.listen(peers[i].Membership)
		l := &recordingListener{}
		m := metrics.NewMetrics(prometheus.NewRegistry(), fmt.Sprint(i+1))
		ctx, cancel := context.WithCancel(context.Background())

		n := &testNode{
			det:       NewDetector(testConfig(), self, slots, tr, l, m, zap.NewNop()),
			listener:  l,
			metrics:   m,
			transport: tr,
			cancel:    cancel,
			done:      make(chan struct{}),
		}
		go func() {
			n.err = n.det.Run(ctx)
			close(n.done)
		}()
		nodes[i] = n
		t.Cleanup(func() {
			cancel()
			select {
			case <-n.done:
			case <-time.After(2 * time.Second):
			}
		})
	}
	return nodes
}

func joinAll(t *testing.T, nodes []*testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, nodes[0].det.Join(ctx, 1))
	for _, n := range nodes[1:] {
		require.NoError(t, n.det.Join(ctx, 1))
	}
	requireConverged(t, nodes, len(nodes))
}

func requireConverged(t *testing.T, nodes []*testNode, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if len(n.det.Members()) != want {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func slotsOf(members []model.Member) []int {
	out := make([]int, 0, len(members))
	for _, m := range members {
		out = append(out, m.Slot)
	}
	slices.Sort(out)
	return out
}

func TestJoinConvergence(t *testing.T) {
	nodes := startCluster(t, newMemNet(), 5)
	joinAll(t, nodes)

	for _, n := range nodes {
		assert.Equal(t, []int{1, 2, 3, 4, 5}, slotsOf(n.det.Members()))
		assert.Equal(t, model.NodeStateJoined, n.det.State())
	}

	// the introducer and the last joiner both learned everyone
	require.Eventually(t, func() bool {
		for slot := 2; slot <= 5; slot++ {
			if !nodes[0].listener.sawJoined(slot) {
				return false
			}
		}
		for slot := 1; slot <= 4; slot++ {
			if !nodes[4].listener.sawJoined(slot) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJoinTwiceRejected(t *testing.T) {
	nodes := startCluster(t, newMemNet(), 1)
	require.NoError(t, nodes[0].det.Join(context.Background(), 1))

	err := nodes[0].det.Join(context.Background(), 1)
	assert.Equal(t, serrors.ErrCodeAlreadyJoined, serrors.GetCode(err))
}

func TestJoinWithoutIntroducerTimesOut(t *testing.T) {
	nodes := startCluster(t, newMemNet(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := nodes[1].det.Join(ctx, 1)
	assert.Equal(t, serrors.ErrCodeTimeout, serrors.GetCode(err))
	assert.Equal(t, model.NodeStateUnjoined, nodes[1].det.State())
}

func TestFailureDetectedAndGossiped(t *testing.T) {
	nodes := startCluster(t, newMemNet(), 5)
	joinAll(t, nodes)

	nodes[2].stop()
	survivors := []*testNode{nodes[0], nodes[1], nodes[3], nodes[4]}
	requireConverged(t, survivors, 4)

	var detected float64
	for _, n := range survivors {
		assert.Equal(t, []int{1, 2, 4, 5}, slotsOf(n.det.Members()))
		assert.Eventually(t, func() bool { return n.listener.sawFailed(3) }, time.Second, 10*time.Millisecond)
		detected += testutil.ToFloat64(n.metrics.FailuresDetectedTotal)
	}
	assert.GreaterOrEqual(t, detected, 1.0)
}

func TestLeaveIsGossiped(t *testing.T) {
	nodes := startCluster(t, newMemNet(), 4)
	joinAll(t, nodes)

	require.NoError(t, nodes[3].det.Leave())
	assert.Equal(t, model.NodeStateLeft, nodes[3].det.State())

	requireConverged(t, nodes[:3], 3)
	for _, n := range nodes[:3] {
		assert.True(t, n.listener.sawFailed(4))
	}

	assert.Equal(t, serrors.ErrCodeNotJoined, serrors.GetCode(nodes[3].det.Leave()))
}

func TestSlowDirectAckIsNotFailure(t *testing.T) {
	network := newMemNet()
	nodes := startCluster(t, network, 3)
	joinAll(t, nodes)

	a := nodes[0].det.Self().Addr
	b := nodes[1].det.Self().Addr
	// B never gets a direct ack back to A, but answers relayed probes
	network.setDrop(func(from, to netip.AddrPort, op wire.Opcode) bool {
		return from == b && to == a && op == wire.OpAck
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(nodes[0].metrics.ProbesTotal.WithLabelValues("indirect")) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	for _, n := range nodes {
		assert.Equal(t, 3, len(n.det.Members()))
		assert.False(t, n.listener.sawFailed(2))
		assert.Equal(t, 0.0, testutil.ToFloat64(n.metrics.FailuresDetectedTotal))
	}
	assert.Greater(t, testutil.ToFloat64(nodes[0].metrics.IndirectProbesTotal), 0.0)
}

func TestSingleHelperlessPeerGetsSecondPing(t *testing.T) {
	network := newMemNet()
	nodes := startCluster(t, network, 2)
	joinAll(t, nodes)

	a := nodes[0].det.Self().Addr
	dropped := map[netip.AddrPort]bool{}
	var mu sync.Mutex
	// drop only the first PING from A to B of every pair of probes
	network.setDrop(func(from, to netip.AddrPort, op wire.Opcode) bool {
		if from != a || op != wire.OpPing {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		dropped[to] = !dropped[to]
		return dropped[to]
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(nodes[0].metrics.ProbesTotal.WithLabelValues("indirect")) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, nodes[0].det.Members(), 2)
	assert.Equal(t, 0.0, testutil.ToFloat64(nodes[0].metrics.FailuresDetectedTotal))
}

func TestProtocolViolationStopsRun(t *testing.T) {
	network := newMemNet()
	nodes := startCluster(t, network, 2)
	joinAll(t, nodes)

	intruder := network.listen(netip.MustParseAddrPort("10.0.0.99:4950"))
	require.NoError(t, intruder.Send(nodes[0].det.Self().Addr, []byte("BOGUS-DATAGRAM")))

	select {
	case <-nodes[0].done:
		require.Error(t, nodes[0].err)
		assert.True(t, wire.IsProtocolError(nodes[0].err))
		assert.Equal(t, serrors.ErrCodeProtocolViolation, serrors.GetCode(nodes[0].err))
	case <-time.After(2 * time.Second):
		t.Fatal("detector kept running after protocol violation")
	}
}
