// Package detector implements the SWIM-style failure detector: ping/ack
// probing with indirect probes, and bounded-fanout gossip of join, leave and
// failure events.
package detector

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/swimfs/internal/cluster"
	serrors "github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/membership"
	"github.com/devrev/swimfs/internal/metrics"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/util/workerpool"
	"github.com/devrev/swimfs/internal/wire"
)

// Listener is told about membership changes, in the order they were applied
// to the table. Calls come from a single goroutine.
type Listener interface {
	NodeJoined(slot int)
	NodeFailed(slot int)
}

// Config holds failure detector configuration
type Config struct {
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	IndirectProbes    int
	JoinRetryInterval time.Duration
	GossipWorkers     int
}

// DefaultConfig returns the standard timings: one probe every 500ms, a
// 500ms ack window and K=3 helpers
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:     500 * time.Millisecond,
		ProbeTimeout:      500 * time.Millisecond,
		IndirectProbes:    3,
		JoinRetryInterval: 500 * time.Millisecond,
		GossipWorkers:     4,
	}
}

type event struct {
	slot   int
	joined bool
}

// Detector owns the membership table and runs the membership protocol
type Detector struct {
	cfg       *Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	slots     *cluster.SlotTable
	self      model.Member
	table     *membership.Table
	transport Transport
	listener  Listener
	pool      *workerpool.WorkerPool
	acks      *ackTracker

	state    atomic.Int32
	joined   chan struct{}
	joinOnce sync.Once
	events   chan event
}

// NewDetector creates a detector for self. Nothing is sent until Run is
// started and Join is called.
func NewDetector(cfg *Config, self model.Member, slots *cluster.SlotTable, transport Transport,
	listener Listener, m *metrics.Metrics, logger *zap.Logger) *Detector {
	if m == nil {
		m = metrics.Nop()
	}
	d := &Detector{
		cfg:       cfg,
		logger:    logger.With(zap.Int("slot", self.Slot)),
		metrics:   m,
		slots:     slots,
		self:      self,
		table:     membership.NewTable(self),
		transport: transport,
		listener:  listener,
		acks:      newAckTracker(),
		joined:    make(chan struct{}),
		events:    make(chan event, 1024),
	}
	d.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "detector",
		MaxWorkers: cfg.GossipWorkers,
		QueueSize:  256,
		Logger:     logger,
	})
	d.metrics.UpdateMembers(1)
	return d
}

// Self returns the local member
func (d *Detector) Self() model.Member {
	return d.self
}

// State returns the lifecycle state
func (d *Detector) State() model.NodeState {
	return model.NodeState(d.state.Load())
}

// Members returns the membership table in ascending birth order
func (d *Detector) Members() []model.Member {
	return d.table.Snapshot()
}

// Run serves the membership protocol until ctx is cancelled or a peer sends
// a message that violates the wire format, in which case a ProtocolViolation
// wrapping the *wire.ProtocolError is returned.
func (d *Detector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		d.transport.Close()
		return nil
	})
	g.Go(func() error { return d.receiveLoop(gctx) })
	g.Go(func() error { return d.probeLoop(gctx) })
	g.Go(func() error { return d.notifyLoop(gctx) })

	err := g.Wait()
	if stopErr := d.pool.Stop(time.Second); stopErr != nil {
		d.logger.Warn("Detector workers did not stop", zap.Error(stopErr))
	}
	if wire.IsProtocolError(err) {
		return serrors.ProtocolViolation("membership channel", err)
	}
	return err
}

// Join enters the group through the member at introducer, retrying JOIN
// every JoinRetryInterval until a LIST arrives. A node whose own slot is the
// introducer starts the group by itself.
func (d *Detector) Join(ctx context.Context, introducer int) error {
	if !d.state.CompareAndSwap(int32(model.NodeStateUnjoined), int32(model.NodeStateJoining)) {
		return serrors.AlreadyJoined()
	}

	if introducer == d.self.Slot {
		d.state.Store(int32(model.NodeStateJoined))
		d.logger.Info("Started group as introducer")
		return nil
	}

	peer, ok := d.slots.Peer(introducer)
	if !ok {
		d.state.Store(int32(model.NodeStateUnjoined))
		return serrors.InvalidArgument("introducer slot out of range", nil).WithDetail("slot", introducer)
	}

	ticker := time.NewTicker(d.cfg.JoinRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		d.send(peer.Membership, &wire.Datagram{Op: wire.OpJoin, Identity: d.self.NodeIdentity})

		select {
		case <-d.joined:
			d.state.Store(int32(model.NodeStateJoined))
			d.logger.Info("Joined group",
				zap.Int("introducer", introducer),
				zap.Int("attempts", attempt),
				zap.Int("members", d.table.Len()))
			return nil
		case <-ctx.Done():
			d.state.Store(int32(model.NodeStateUnjoined))
			return serrors.Timeout("join", ctx.Err())
		case <-ticker.C:
			d.logger.Debug("Retrying join", zap.Int("introducer", introducer), zap.Int("attempt", attempt))
		}
	}
}

// Leave announces the departure to every known member. It does not wait for
// acknowledgement; after Leave the detector ignores all traffic.
func (d *Detector) Leave() error {
	if !d.state.CompareAndSwap(int32(model.NodeStateJoined), int32(model.NodeStateLeft)) {
		return serrors.NotJoined("leave")
	}

	var errs error
	for _, m := range d.table.Others() {
		errs = multierr.Append(errs, d.sendErr(m.Addr, &wire.Datagram{Op: wire.OpLeave, BirthTime: d.self.BirthTime}))
	}
	d.logger.Info("Left group", zap.Error(errs))
	return errs
}

func (d *Detector) receiveLoop(ctx context.Context) error {
	for {
		b, from, err := d.transport.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			d.logger.Warn("Membership receive failed", zap.Error(err))
			continue
		}

		dg, err := wire.DecodeDatagram(b)
		if err != nil {
			d.logger.Error("Protocol violation on membership channel",
				zap.String("from", from.String()),
				zap.Error(err))
			return err
		}
		d.metrics.RecordDatagram(string(dg.Op), "in")

		switch d.State() {
		case model.NodeStateJoining, model.NodeStateJoined:
			d.handle(ctx, dg, from)
		}
	}
}

func (d *Detector) notifyLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.events:
			if d.listener == nil {
				continue
			}
			if ev.joined {
				d.listener.NodeJoined(ev.slot)
			} else {
				d.listener.NodeFailed(ev.slot)
			}
		}
	}
}

func (d *Detector) emit(ctx context.Context, slot int, joined bool) {
	d.metrics.UpdateMembers(d.table.Len())
	select {
	case d.events <- event{slot: slot, joined: joined}:
	case <-ctx.Done():
	}
}

// slotOf resolves the pool slot of a membership endpoint
func (d *Detector) slotOf(addr netip.AddrPort) (int, bool) {
	slot, ok := d.slots.SlotOf(addr)
	if !ok {
		d.logger.Warn("Message from address outside the pool", zap.String("addr", addr.String()))
	}
	return slot, ok
}

func (d *Detector) send(to netip.AddrPort, dg *wire.Datagram) {
	if err := d.sendErr(to, dg); err != nil {
		d.logger.Warn("Membership send failed",
			zap.String("op", string(dg.Op)),
			zap.String("to", to.String()),
			zap.Error(err))
	}
}

func (d *Detector) sendErr(to netip.AddrPort, dg *wire.Datagram) error {
	b, err := wire.EncodeDatagram(dg)
	if err != nil {
		return err
	}
	if err := d.transport.Send(to, b); err != nil {
		return err
	}
	d.metrics.RecordDatagram(string(dg.Op), "out")
	return nil
}

// fanout sends dg to every target without blocking the caller
func (d *Detector) fanout(targets []model.Member, dg *wire.Datagram) {
	if len(targets) == 0 {
		return
	}
	relay := func(context.Context) error {
		for _, m := range targets {
			d.send(m.Addr, dg)
		}
		return nil
	}
	if err := d.pool.Go("gossip-"+string(dg.Op), relay); err != nil {
		d.logger.Debug("Gossip pool saturated, relaying inline", zap.Error(err))
		relay(context.Background())
	}
}
