package storage

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/cluster"
	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/ring"
	"github.com/devrev/swimfs/internal/wire"
)

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.RequestTimeout = 2 * time.Second
	cfg.ListTimeout = 300 * time.Millisecond
	cfg.PushRetries = 3
	cfg.PushRetryDelay = 20 * time.Millisecond
	cfg.RepairRate = 1000
	cfg.RepairBurst = 100
	cfg.Workers = 4
	cfg.QueueSize = 64
	cfg.MaxFileSize = 1 << 20
	return cfg
}

// loopNet routes messages between in-process services through the wire
// codec and delivers them asynchronously, like one TCP connection each
type loopNet struct {
	mu    sync.Mutex
	nodes map[int]*Service
	down  map[int]bool
	sent  atomic.Int64
}

func (n *loopNet) setDown(slot int, down bool) {
	n.mu.Lock()
	n.down[slot] = down
	n.mu.Unlock()
}

func (n *loopNet) Send(_ context.Context, slot int, m *wire.Message) error {
	n.mu.Lock()
	target, down := n.nodes[slot], n.down[slot]
	n.mu.Unlock()
	if target == nil || down {
		return fmt.Errorf("slot %d unreachable", slot)
	}
	n.sent.Add(1)

	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, m); err != nil {
		return err
	}
	msg, err := wire.ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		return err
	}
	go target.dispatch(context.Background(), msg)
	return nil
}

type failingSender struct{ t *testing.T }

func (f failingSender) Send(_ context.Context, slot int, m *wire.Message) error {
	f.t.Errorf("unexpected network send of %s to slot %d", m.Tag(), slot)
	return fmt.Errorf("no network")
}

func newTestService(t *testing.T, size, self int, sender Sender) *Service {
	t.Helper()
	s, err := NewService(testConfig(t), self, ring.New(size, self), sender, nil, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestCluster starts size services with every slot alive. The returned
// slice is indexed by slot; index 0 is unused.
func newTestCluster(t *testing.T, size int) ([]*Service, *loopNet) {
	t.Helper()
	netw := &loopNet{nodes: make(map[int]*Service), down: make(map[int]bool)}
	nodes := make([]*Service, size+1)
	for slot := 1; slot <= size; slot++ {
		s := newTestService(t, size, slot, netw)
		for other := 1; other <= size; other++ {
			s.ring.MarkAlive(other)
		}
		nodes[slot] = s
		netw.nodes[slot] = s
	}
	return nodes, netw
}

// nameAt returns a file name whose hash lands on slot
func nameAt(t *testing.T, size, slot int, prefix string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		if ring.Hash(name, size) == slot {
			return name
		}
	}
	t.Fatalf("no name hashes to slot %d", slot)
	return ""
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func roleOn(s *Service, name string) model.Role {
	rec, ok := s.blobs.Get(name)
	if !ok {
		return 0
	}
	return rec.Role
}

func TestSingleNodeNeedsNoNetwork(t *testing.T) {
	s := newTestService(t, 3, 1, failingSender{t})
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, writeTemp(t, "hello"), "greeting"))
	assert.Equal(t, model.RolePrimary, roleOn(s, "greeting"))

	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, s.Fetch(ctx, "greeting", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	names, err := s.ListByPrefix(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, names)

	replicas, err := s.Locate(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []model.Replica{{Slot: 1, Role: model.RolePrimary}}, replicas)

	require.NoError(t, s.Delete(ctx, "greeting"))
	require.NoError(t, s.Delete(ctx, "greeting"))
	assert.Equal(t, 0, s.blobs.Len())

	err = s.Fetch(ctx, "greeting", out)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFileNotFound), "got %v", err)
}

func TestStoreRejectsBadInput(t *testing.T) {
	s := newTestService(t, 3, 1, failingSender{t})
	ctx := context.Background()

	err := s.Store(ctx, writeTemp(t, "x"), "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	err = s.Store(ctx, filepath.Join(t.TempDir(), "absent"), "name")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	big := make([]byte, s.cfg.MaxFileSize+1)
	path := filepath.Join(t.TempDir(), "big")
	require.NoError(t, os.WriteFile(path, big, 0o644))
	err = s.Store(ctx, path, "big")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestStoreReplicatesAlongChain(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)
	name := nameAt(t, 5, 2, "chain-")

	require.NoError(t, nodes[2].Store(context.Background(), writeTemp(t, "replicated body"), name))
	assert.Equal(t, model.RolePrimary, roleOn(nodes[2], name))

	require.Eventually(t, func() bool {
		return roleOn(nodes[3], name) == model.RoleSecondary && roleOn(nodes[4], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	a, _ := nodes[2].blobs.Get(name)
	b, _ := nodes[3].blobs.Get(name)
	c, _ := nodes[4].blobs.Get(name)
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.Equal(t, a.Checksum, c.Checksum)
	assert.Equal(t, 0, nodes[1].blobs.Len())
	assert.Equal(t, 0, nodes[5].blobs.Len())
}

func TestStoreFromOutsideChain(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)
	name := nameAt(t, 5, 5, "outside-")

	require.NoError(t, nodes[3].Store(context.Background(), writeTemp(t, "pushed"), name))

	require.Eventually(t, func() bool {
		return roleOn(nodes[5], name) == model.RolePrimary &&
			roleOn(nodes[1], name) == model.RoleSecondary &&
			roleOn(nodes[2], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, nodes[3].blobs.Len())
}

func TestFetchFromRemote(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 1, "remote-")

	require.NoError(t, nodes[1].Store(ctx, writeTemp(t, "remote body"), name))

	out := filepath.Join(t.TempDir(), "fetched")
	require.NoError(t, nodes[4].Fetch(ctx, name, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "remote body", string(data))
	assert.Equal(t, 0, nodes[4].blobs.Len())
}

func TestFetchWalksDownChain(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 3, "walk-")

	require.NoError(t, nodes[3].Store(ctx, writeTemp(t, "walked"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[5], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	nodes[3].blobs.Remove(name)
	nodes[4].blobs.Remove(name)

	out := filepath.Join(t.TempDir(), "fetched")
	require.NoError(t, nodes[1].Fetch(ctx, name, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "walked", string(data))
}

func TestFetchMissingFile(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)

	err := nodes[2].Fetch(context.Background(), "never-stored", filepath.Join(t.TempDir(), "out"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeFileNotFound), "got %v", err)
}

func TestDeleteRemovesWholeChain(t *testing.T) {
	nodes, netw := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 4, "gone-")

	require.NoError(t, nodes[4].Store(ctx, writeTemp(t, "doomed"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[1], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, nodes[2].Delete(ctx, name))
	require.Eventually(t, func() bool {
		for slot := 1; slot <= 5; slot++ {
			if _, ok := nodes[slot].blobs.Get(name); ok {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	before := netw.sent.Load()
	require.NoError(t, nodes[2].Delete(ctx, name))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before+1, netw.sent.Load(), "repeated delete stops at the primary")
}

func TestListByPrefix(t *testing.T) {
	nodes, netw := newTestCluster(t, 5)
	ctx := context.Background()

	var want []string
	for slot := 1; slot <= 5; slot++ {
		name := nameAt(t, 5, slot, fmt.Sprintf("logs/%d-", slot))
		want = append(want, name)
		require.NoError(t, nodes[slot].Store(ctx, writeTemp(t, name), name))
	}
	require.NoError(t, nodes[1].Store(ctx, writeTemp(t, "x"), nameAt(t, 5, 1, "other/")))

	names, err := nodes[3].ListByPrefix(ctx, "logs/")
	require.NoError(t, err)
	assert.ElementsMatch(t, want, names)

	all, err := nodes[3].ListByPrefix(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	netw.setDown(5, true)
	names, err = nodes[3].ListByPrefix(ctx, "logs/")
	require.NoError(t, err)
	assert.Len(t, names, 4)
}

func TestLocate(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 4, "where-")

	require.NoError(t, nodes[4].Store(ctx, writeTemp(t, "here"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[1], name) == model.RoleTertiary && roleOn(nodes[5], name) == model.RoleSecondary
	}, 3*time.Second, 10*time.Millisecond)

	replicas, err := nodes[2].Locate(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []model.Replica{
		{Slot: 4, Role: model.RolePrimary},
		{Slot: 5, Role: model.RoleSecondary},
		{Slot: 1, Role: model.RoleTertiary},
	}, replicas)
}

func TestFailureRepairsChain(t *testing.T) {
	nodes, netw := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 2, "survivor-")

	require.NoError(t, nodes[2].Store(ctx, writeTemp(t, "must survive"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[4], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)
	want, _ := nodes[2].blobs.Get(name)

	netw.setDown(2, true)
	for _, slot := range []int{1, 3, 4, 5} {
		nodes[slot].NodeFailed(2)
	}

	require.Eventually(t, func() bool {
		return roleOn(nodes[3], name) == model.RolePrimary &&
			roleOn(nodes[4], name) == model.RoleSecondary &&
			roleOn(nodes[5], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	repaired, _ := nodes[5].blobs.Get(name)
	assert.Equal(t, want.Checksum, repaired.Checksum)

	out := filepath.Join(t.TempDir(), "after")
	require.NoError(t, nodes[1].Fetch(ctx, name, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "must survive", string(data))
}

func TestFailureOfDistantNodeKeepsRoles(t *testing.T) {
	nodes, _ := newTestCluster(t, 6)
	name := nameAt(t, 6, 1, "steady-")

	require.NoError(t, nodes[1].Store(context.Background(), writeTemp(t, "steady"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[3], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	nodes[2].NodeFailed(5)
	assert.False(t, nodes[2].ring.IsAlive(5))
	assert.Equal(t, model.RoleSecondary, roleOn(nodes[2], name))
}

func TestJoinThenNeighbourFailureRebalances(t *testing.T) {
	nodes, netw := newTestCluster(t, 6)
	ctx := context.Background()
	name := nameAt(t, 6, 4, "late-")

	netw.setDown(4, true)
	for slot := 1; slot <= 6; slot++ {
		if slot != 4 {
			nodes[slot].ring.MarkDead(4)
		}
	}
	require.NoError(t, nodes[5].Store(ctx, writeTemp(t, "rebalanced"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[6], name) == model.RoleSecondary && roleOn(nodes[1], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)
	want, _ := nodes[5].blobs.Get(name)

	// slot 4 comes back and owns the name, but nothing moves yet
	netw.setDown(4, false)
	for slot := 1; slot <= 6; slot++ {
		nodes[slot].NodeJoined(4)
	}
	assert.Equal(t, 0, nodes[4].blobs.Len())

	netw.setDown(2, true)
	for _, slot := range []int{1, 3, 4, 5, 6} {
		nodes[slot].NodeFailed(2)
	}
	require.Eventually(t, func() bool {
		_, stale := nodes[1].blobs.Get(name)
		return roleOn(nodes[4], name) == model.RolePrimary &&
			roleOn(nodes[5], name) == model.RoleSecondary &&
			roleOn(nodes[6], name) == model.RoleTertiary &&
			!stale
	}, 3*time.Second, 10*time.Millisecond)
	moved, _ := nodes[4].blobs.Get(name)
	assert.Equal(t, want.Checksum, moved.Checksum)

	// the rebalanced chain survives the next failure
	netw.setDown(5, true)
	for _, slot := range []int{1, 3, 4, 6} {
		nodes[slot].NodeFailed(5)
	}
	require.Eventually(t, func() bool {
		return roleOn(nodes[4], name) == model.RolePrimary &&
			roleOn(nodes[6], name) == model.RoleSecondary &&
			roleOn(nodes[1], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, nodes[3].Fetch(ctx, name, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "rebalanced", string(data))
}

func TestHandoffKeepsCopyUntilChainHoldsIt(t *testing.T) {
	nodes, netw := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 3, "keep-")

	netw.setDown(3, true)
	for slot := 1; slot <= 5; slot++ {
		if slot != 3 {
			nodes[slot].ring.MarkDead(3)
		}
	}
	require.NoError(t, nodes[4].Store(ctx, writeTemp(t, "kept"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[1], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)

	// slot 3 rejoins but is unreachable when the handoff runs
	nodes[1].NodeJoined(3)
	nodes[1].NodeFailed(2)
	require.Eventually(t, func() bool {
		return roleOn(nodes[5], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		_, ok := nodes[1].blobs.Get(name)
		return !ok
	}, 300*time.Millisecond, 10*time.Millisecond)
}

func TestFetchSkipsCorruptReplica(t *testing.T) {
	nodes, _ := newTestCluster(t, 5)
	ctx := context.Background()
	name := nameAt(t, 5, 2, "rot-")

	require.NoError(t, nodes[2].Store(ctx, writeTemp(t, "pristine"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[4], name) == model.RoleTertiary
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(nodes[2].blobs.path(name), []byte("tainted!"), 0o644))

	for _, slot := range []int{1, 2} {
		out := filepath.Join(t.TempDir(), "out")
		require.NoError(t, nodes[slot].Fetch(ctx, name, out))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, "pristine", string(data), "fetch from slot %d", slot)
	}
}

func TestIncomingReplicaSizeLimit(t *testing.T) {
	s := newTestService(t, 3, 1, failingSender{t})
	big := make([]byte, s.cfg.MaxFileSize+1)

	s.dispatch(context.Background(), &wire.Message{
		Op: wire.OpPut, Role: model.RoleSecondary, Name: "huge", Size: uint32(len(big)), Body: bytes.NewReader(big),
	})
	_, ok := s.blobs.Get("huge")
	assert.False(t, ok)
}

func TestLateListingReplyIsDropped(t *testing.T) {
	nodes, _ := newTestCluster(t, 3)
	ctx := context.Background()
	name := nameAt(t, 3, 2, "logs/")
	require.NoError(t, nodes[2].Store(ctx, writeTemp(t, "x"), name))

	// a reply to a listing that already gave up on slot 3
	nodes[1].dispatch(ctx, &wire.Message{Op: wire.OpNames, Sender: 3, Names: []string{"logs/ghost"}})

	names, err := nodes[1].ListByPrefix(ctx, "logs/")
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestTCPTransport(t *testing.T) {
	lns := []net.Listener{listenLoopback(t), listenLoopback(t)}
	var peers []cluster.Peer
	for i, ln := range lns {
		addr := ln.Addr().(*net.TCPAddr).AddrPort()
		peers = append(peers, cluster.Peer{
			Slot:       i + 1,
			Host:       "127.0.0.1",
			Membership: netip.AddrPortFrom(addr.Addr(), addr.Port()+1),
			Storage:    addr,
		})
	}
	slots, err := cluster.NewSlotTable(peers)
	require.NoError(t, err)
	sender := NewTCPSender(slots, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var nodes []*Service
	for i, ln := range lns {
		s := newTestService(t, 2, i+1, sender)
		s.ring.MarkAlive(1)
		s.ring.MarkAlive(2)
		nodes = append(nodes, s)
		go s.Serve(ctx, ln)
	}

	name := nameAt(t, 2, 1, "tcp-")
	require.NoError(t, nodes[0].Store(ctx, writeTemp(t, "over tcp"), name))
	require.Eventually(t, func() bool {
		return roleOn(nodes[1], name) == model.RoleSecondary
	}, 3*time.Second, 10*time.Millisecond)

	out := filepath.Join(t.TempDir(), "out")
	nodes[0].blobs.Remove(name)
	require.NoError(t, nodes[0].Fetch(ctx, name, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "over tcp", string(data))
}

func TestServeStopsOnProtocolViolation(t *testing.T) {
	s := newTestService(t, 3, 1, failingSender{t})
	ln := listenLoopback(t)

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("ZZZZ"))
	require.NoError(t, err)
	conn.Close()

	select {
	case err := <-errc:
		assert.True(t, wire.IsProtocolError(err), "got %v", err)
		assert.Equal(t, errors.ErrCodeProtocolViolation, errors.GetCode(err))
	case <-time.After(3 * time.Second):
		t.Fatal("server kept running after a protocol violation")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := newTestService(t, 3, 1, failingSender{t})
	ln := listenLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
