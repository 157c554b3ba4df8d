// Package cluster holds the fixed, slot-indexed pool of peer addresses.
package cluster

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/devrev/swimfs/internal/config"
)

// Peer is the address pair of the node occupying a slot
type Peer struct {
	Slot       int
	Host       string
	Membership netip.AddrPort // UDP
	Storage    netip.AddrPort // TCP
}

// SlotTable maps slots 1..N to peer addresses. It is built once at startup
// and never changes.
type SlotTable struct {
	peers  []Peer // peers[slot-1]
	bySelf map[netip.AddrPort]int
}

// NewSlotTable builds a table from resolved peers, ordered by slot
func NewSlotTable(peers []Peer) (*SlotTable, error) {
	st := &SlotTable{
		peers:  make([]Peer, len(peers)),
		bySelf: make(map[netip.AddrPort]int, len(peers)),
	}
	for i, p := range peers {
		p.Slot = i + 1
		p.Membership = unmap(p.Membership)
		p.Storage = unmap(p.Storage)
		if other, dup := st.bySelf[p.Membership]; dup {
			return nil, fmt.Errorf("slots %d and %d share membership address %s", other, p.Slot, p.Membership)
		}
		st.peers[i] = p
		st.bySelf[p.Membership] = p.Slot
	}
	return st, nil
}

// Resolver looks up IPv4 addresses for a host
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// FromConfig resolves every slot of the configured pool. An unresolvable
// host is an error: the pool is fixed and must be fully addressable.
func FromConfig(ctx context.Context, cfg *config.ClusterConfig, r Resolver) (*SlotTable, error) {
	if r == nil {
		r = net.DefaultResolver
	}

	peers := make([]Peer, cfg.PoolSize)
	for i := range peers {
		slot := i + 1
		host := ""
		mport, sport := cfg.MembershipPort, cfg.StoragePort
		if len(cfg.Peers) > 0 {
			p := cfg.Peers[i]
			host, mport, sport = p.Host, p.MembershipPort, p.StoragePort
		} else {
			host = fmt.Sprintf(cfg.HostPattern, slot)
		}

		ip, err := resolve(ctx, r, host)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot, err)
		}
		peers[i] = Peer{
			Host:       host,
			Membership: netip.AddrPortFrom(ip, uint16(mport)),
			Storage:    netip.AddrPortFrom(ip, uint16(sport)),
		}
	}
	return NewSlotTable(peers)
}

func resolve(ctx context.Context, r Resolver, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip = ip.Unmap(); !ip.Is4() {
			return netip.Addr{}, fmt.Errorf("host %s is not an IPv4 address", host)
		}
		return ip, nil
	}
	ips, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip = ip.Unmap(); ip.Is4() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("resolve %s: no IPv4 address", host)
}

// Size is the number of slots N
func (t *SlotTable) Size() int {
	return len(t.peers)
}

// Valid reports whether slot is within 1..N
func (t *SlotTable) Valid(slot int) bool {
	return slot >= 1 && slot <= len(t.peers)
}

// Peer returns the addresses of slot
func (t *SlotTable) Peer(slot int) (Peer, bool) {
	if !t.Valid(slot) {
		return Peer{}, false
	}
	return t.peers[slot-1], true
}

// SlotOf maps a membership endpoint back to its slot
func (t *SlotTable) SlotOf(addr netip.AddrPort) (int, bool) {
	slot, ok := t.bySelf[unmap(addr)]
	return slot, ok
}

// Peers returns every slot's addresses in slot order
func (t *SlotTable) Peers() []Peer {
	out := make([]Peer, len(t.peers))
	copy(out, t.peers)
	return out
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
