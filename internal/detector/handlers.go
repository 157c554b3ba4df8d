package detector

import (
	"context"
	"net/netip"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/wire"
)

func (d *Detector) handle(ctx context.Context, dg *wire.Datagram, from netip.AddrPort) {
	switch dg.Op {
	case wire.OpJoin:
		d.handleJoin(ctx, dg.Identity)
	case wire.OpList:
		d.handleList(ctx, dg.Members)
	case wire.OpNewNode:
		d.handleNewNode(ctx, dg, from)
	case wire.OpLeave, wire.OpFail:
		d.handleDeparture(ctx, dg, from)
	case wire.OpPing:
		d.send(dg.Identity.Addr, &wire.Datagram{Op: wire.OpAck, Identity: d.self.NodeIdentity})
	case wire.OpAck:
		if slot, ok := d.slotOf(dg.Identity.Addr); ok {
			d.acks.ack(slot)
		}
	case wire.OpPingReq:
		if peer, ok := d.slots.Peer(int(dg.Target)); ok {
			d.send(peer.Membership, &wire.Datagram{Op: wire.OpPingInd, Target: dg.Target, Requestor: dg.Requestor})
		}
	case wire.OpPingInd:
		d.send(from, &wire.Datagram{Op: wire.OpAckInd, Target: dg.Target, Requestor: dg.Requestor})
	case wire.OpAckInd:
		if peer, ok := d.slots.Peer(int(dg.Requestor)); ok {
			d.send(peer.Membership, &wire.Datagram{Op: wire.OpAckRelay, Target: dg.Target})
		}
	case wire.OpAckRelay:
		d.acks.ack(int(dg.Target))
	}
}

// memberOf resolves an identity to a pool member
func (d *Detector) memberOf(id model.NodeIdentity) (model.Member, bool) {
	slot, ok := d.slotOf(id.Addr)
	if !ok {
		return model.Member{}, false
	}
	return model.Member{NodeIdentity: id, Slot: slot}, true
}

// add inserts m and queues the join notification. Evicted older
// incarnations of the same slot are dropped silently: the slot stays alive.
func (d *Detector) add(ctx context.Context, m model.Member) bool {
	added, evicted := d.table.Add(m)
	for _, old := range evicted {
		d.logger.Info("Replaced stale incarnation",
			zap.Int("member_slot", old.Slot),
			zap.Uint64("old_birth_time", old.BirthTime),
			zap.Uint64("birth_time", m.BirthTime))
	}
	if added {
		d.logger.Info("Member joined",
			zap.Int("member_slot", m.Slot),
			zap.Uint64("birth_time", m.BirthTime))
		d.emit(ctx, m.Slot, true)
	}
	return added
}

// remove erases the member with birth and queues the failure notification
func (d *Detector) remove(ctx context.Context, birth uint64, reason string) (model.Member, bool) {
	m, ok := d.table.Remove(birth)
	if !ok {
		return model.Member{}, false
	}
	d.logger.Info("Member removed",
		zap.String("reason", reason),
		zap.Int("member_slot", m.Slot),
		zap.Uint64("birth_time", m.BirthTime))
	d.emit(ctx, m.Slot, false)
	return m, true
}

// handleJoin runs on the introducer: the joiner gets the full table, every
// other member hears about the joiner.
func (d *Detector) handleJoin(ctx context.Context, id model.NodeIdentity) {
	if d.State() != model.NodeStateJoined {
		return
	}
	joiner, ok := d.memberOf(id)
	if !ok {
		return
	}

	if d.add(ctx, joiner) {
		others := d.table.Random(-1, func(m model.Member) bool { return m.BirthTime == joiner.BirthTime })
		d.fanout(others, &wire.Datagram{Op: wire.OpNewNode, Identity: id})
	}

	snapshot := d.table.Snapshot()
	list := make([]model.NodeIdentity, 0, len(snapshot))
	for _, m := range snapshot {
		list = append(list, m.NodeIdentity)
	}
	d.send(id.Addr, &wire.Datagram{Op: wire.OpList, Members: list})
}

// handleList seeds the table from the introducer's snapshot. Later
// duplicates only add what is missing.
func (d *Detector) handleList(ctx context.Context, ids []model.NodeIdentity) {
	for _, id := range ids {
		if id.BirthTime == d.self.BirthTime {
			continue
		}
		if m, ok := d.memberOf(id); ok {
			d.add(ctx, m)
		}
	}
	d.joinOnce.Do(func() { close(d.joined) })
}

func (d *Detector) handleNewNode(ctx context.Context, dg *wire.Datagram, from netip.AddrPort) {
	m, ok := d.memberOf(dg.Identity)
	if !ok || !d.add(ctx, m) {
		return
	}
	sender, _ := d.slots.SlotOf(from)
	targets := d.table.Random(d.cfg.IndirectProbes, func(o model.Member) bool {
		return o.BirthTime == m.BirthTime || o.Slot == sender
	})
	d.fanout(targets, dg)
}

func (d *Detector) handleDeparture(ctx context.Context, dg *wire.Datagram, from netip.AddrPort) {
	if dg.BirthTime == d.self.BirthTime {
		if dg.Op == wire.OpFail {
			d.logger.Warn("Peers declared this node failed; it stays evicted until restarted")
		}
		return
	}

	reason := "left"
	if dg.Op == wire.OpFail {
		reason = "failed"
	}
	if _, ok := d.remove(ctx, dg.BirthTime, reason); !ok {
		return
	}

	sender, _ := d.slots.SlotOf(from)
	targets := d.table.Random(d.cfg.IndirectProbes, func(o model.Member) bool { return o.Slot == sender })
	d.fanout(targets, dg)
}
