package cluster

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/swimfs/internal/config"
)

type fakeResolver map[string]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ip, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []netip.Addr{netip.MustParseAddr(ip)}, nil
}

func TestFromConfigHostPattern(t *testing.T) {
	r := fakeResolver{
		"node-01.local": "10.0.0.1",
		"node-02.local": "10.0.0.2",
		"node-03.local": "::ffff:10.0.0.3",
	}
	cfg := &config.ClusterConfig{PoolSize: 3, HostPattern: "node-%02d.local", MembershipPort: 4950, StoragePort: 4951}

	st, err := FromConfig(context.Background(), cfg, r)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Size())

	p, ok := st.Peer(3)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.3:4950"), p.Membership)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.3:4951"), p.Storage)

	slot, ok := st.SlotOf(netip.MustParseAddrPort("[::ffff:10.0.0.2]:4950"))
	require.True(t, ok)
	assert.Equal(t, 2, slot)

	_, ok = st.Peer(0)
	assert.False(t, ok)
	_, ok = st.Peer(4)
	assert.False(t, ok)
}

func TestFromConfigUnresolvableHost(t *testing.T) {
	cfg := &config.ClusterConfig{PoolSize: 2, HostPattern: "node-%02d.local", MembershipPort: 1, StoragePort: 2}
	_, err := FromConfig(context.Background(), cfg, fakeResolver{"node-01.local": "10.0.0.1"})
	assert.ErrorContains(t, err, "slot 2")
}

func TestFromConfigExplicitPeersShareHost(t *testing.T) {
	cfg := &config.ClusterConfig{
		PoolSize: 2,
		Peers: []config.PeerConfig{
			{Host: "127.0.0.1", MembershipPort: 5001, StoragePort: 6001},
			{Host: "127.0.0.1", MembershipPort: 5002, StoragePort: 6002},
		},
	}
	st, err := FromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)

	slot, ok := st.SlotOf(netip.MustParseAddrPort("127.0.0.1:5002"))
	require.True(t, ok)
	assert.Equal(t, 2, slot)
}

func TestNewSlotTableRejectsDuplicates(t *testing.T) {
	ap := netip.MustParseAddrPort("127.0.0.1:5001")
	_, err := NewSlotTable([]Peer{{Membership: ap}, {Membership: ap}})
	assert.Error(t, err)
}
