package detector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/wire"
)

func (d *Detector) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if d.State() != model.NodeStateJoined {
			continue
		}
		picked := d.table.Random(1, nil)
		if len(picked) == 0 {
			continue
		}
		target := picked[0]
		if err := d.pool.Go("probe", func(ctx context.Context) error {
			d.probe(ctx, target)
			return nil
		}); err != nil {
			d.logger.Debug("Skipping probe round", zap.Int("target_slot", target.Slot), zap.Error(err))
		}
	}
}

// probe runs one round against target: a direct PING, then indirect probes
// through up to K helpers, then failure. Any ack for the target slot,
// direct or relayed, ends the round.
func (d *Detector) probe(ctx context.Context, target model.Member) {
	acked, ok := d.acks.arm(target.Slot)
	if !ok {
		return
	}
	defer d.acks.disarm(target.Slot)

	ping := &wire.Datagram{Op: wire.OpPing, Identity: d.self.NodeIdentity}
	d.send(target.Addr, ping)
	if d.await(ctx, acked) {
		d.metrics.RecordProbe("direct")
		return
	}
	if ctx.Err() != nil {
		return
	}

	helpers := d.table.Random(d.cfg.IndirectProbes, func(m model.Member) bool { return m.BirthTime == target.BirthTime })
	if len(helpers) == 0 {
		// nobody to relay through: give the target one more direct chance
		d.send(target.Addr, ping)
	} else {
		req := &wire.Datagram{Op: wire.OpPingReq, Target: uint32(target.Slot), Requestor: uint32(d.self.Slot)}
		for _, h := range helpers {
			d.send(h.Addr, req)
		}
		d.metrics.RecordIndirectProbes(len(helpers))
		d.logger.Debug("Direct probe timed out, probing indirectly",
			zap.Int("target_slot", target.Slot),
			zap.Int("helpers", len(helpers)))
	}

	if d.await(ctx, acked) {
		d.metrics.RecordProbe("indirect")
		return
	}
	if ctx.Err() != nil || d.State() != model.NodeStateJoined {
		return
	}

	d.metrics.RecordProbe("failed")
	d.declareFailed(ctx, target)
}

func (d *Detector) await(ctx context.Context, acked <-chan struct{}) bool {
	timer := time.NewTimer(d.cfg.ProbeTimeout)
	defer timer.Stop()

	select {
	case <-acked:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// declareFailed removes target and tells every remaining member
func (d *Detector) declareFailed(ctx context.Context, target model.Member) {
	if _, ok := d.remove(ctx, target.BirthTime, "probe timeout"); !ok {
		return
	}
	d.metrics.RecordFailureDetected()
	d.logger.Warn("Member failed to answer direct and indirect probes",
		zap.Int("target_slot", target.Slot),
		zap.Uint64("birth_time", target.BirthTime))

	d.fanout(d.table.Others(), &wire.Datagram{Op: wire.OpFail, BirthTime: target.BirthTime})
}
