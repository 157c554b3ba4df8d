package model

import (
	"fmt"
	"net/netip"
	"time"
)

// NodeIdentity identifies one incarnation of a node process. BirthTime is the
// microsecond join timestamp; it doubles as the unique ID and tie-break.
type NodeIdentity struct {
	BirthTime uint64
	Addr      netip.AddrPort // membership (UDP) endpoint
}

// NewNodeIdentity stamps an identity with the current wall clock
func NewNodeIdentity(addr netip.AddrPort) NodeIdentity {
	return NodeIdentity{
		BirthTime: uint64(time.Now().UnixMicro()),
		Addr:      addr,
	}
}

func (id NodeIdentity) String() string {
	return fmt.Sprintf("%d@%s", id.BirthTime, id.Addr)
}

// Member is a NodeIdentity resolved to its slot in the address pool
type Member struct {
	NodeIdentity
	Slot int
}

// NodeState is the lifecycle state of the local failure detector
type NodeState int32

const (
	NodeStateUnjoined NodeState = iota
	NodeStateJoining
	NodeStateJoined
	NodeStateLeft
)

func (s NodeState) String() string {
	switch s {
	case NodeStateUnjoined:
		return "unjoined"
	case NodeStateJoining:
		return "joining"
	case NodeStateJoined:
		return "joined"
	case NodeStateLeft:
		return "left"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
