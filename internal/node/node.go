// Package node assembles one swimfs process: the slot table, the failure
// detector, the replication ring and the storage service, with the sockets
// they serve on.
package node

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/swimfs/internal/cluster"
	"github.com/devrev/swimfs/internal/config"
	"github.com/devrev/swimfs/internal/detector"
	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/health"
	"github.com/devrev/swimfs/internal/metrics"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/ring"
	"github.com/devrev/swimfs/internal/storage"
	"github.com/devrev/swimfs/internal/storage/diskmanager"
)

type options struct {
	birthTime uint64
	registry  *prometheus.Registry
	resolver  cluster.Resolver
	transport detector.Transport
	listener  net.Listener
}

// Option customizes a Node
type Option func(*options)

// WithBirthTime fixes the incarnation timestamp instead of using the clock
func WithBirthTime(birth uint64) Option {
	return func(o *options) { o.birthTime = birth }
}

// WithRegistry registers the node's metrics on reg
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithResolver resolves host_pattern names through r
func WithResolver(r cluster.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithSockets serves on already bound sockets instead of binding the
// configured ports
func WithSockets(membership detector.Transport, storage net.Listener) Option {
	return func(o *options) {
		o.transport = membership
		o.listener = storage
	}
}

// Node is one member of the group
type Node struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	slots    *cluster.SlotTable
	peer     cluster.Peer
	ring     *ring.Ring
	disk     *diskmanager.DiskManager
	storage  *storage.Service
	detector *detector.Detector
	health   *health.HealthChecker

	transport detector.Transport
	listener  net.Listener
}

// New resolves the address pool, binds the membership and storage sockets
// and builds every component. Nothing is sent until Run and Join.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (n *Node, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	slots, err := cluster.FromConfig(ctx, &cfg.Cluster, o.resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address pool: %w", err)
	}
	peer, ok := slots.Peer(cfg.Node.Slot)
	if !ok {
		return nil, errors.InvalidArgument("node slot outside the address pool", nil).WithDetail("slot", cfg.Node.Slot)
	}

	nodeID := fmt.Sprintf("node-%02d", cfg.Node.Slot)
	logger = logger.With(zap.String("node_id", nodeID))

	n = &Node{
		cfg:       cfg,
		logger:    logger,
		registry:  o.registry,
		metrics:   metrics.NewMetrics(o.registry, nodeID),
		slots:     slots,
		peer:      peer,
		ring:      ring.New(slots.Size(), cfg.Node.Slot),
		transport: o.transport,
		listener:  o.listener,
	}
	defer func() {
		if err != nil {
			n.closeSockets()
		}
	}()

	if n.transport == nil {
		udp, err := detector.ListenUDP(netip.AddrPortFrom(netip.IPv4Unspecified(), peer.Membership.Port()))
		if err != nil {
			return nil, err
		}
		n.transport = udp
	}
	if n.listener == nil {
		ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", peer.Storage.Port()))
		if err != nil {
			return nil, fmt.Errorf("failed to bind storage socket %s: %w", peer.Storage, err)
		}
		n.listener = ln
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	n.disk, err = diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:          cfg.Storage.DataDir,
		CheckInterval:    cfg.Disk.CheckInterval,
		WarningThreshold: cfg.Disk.WarningThreshold,
		FullThreshold:    cfg.Disk.FullThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}

	n.storage, err = storage.NewService(&storage.Config{
		DataDir:        cfg.Storage.DataDir,
		RequestTimeout: cfg.Storage.RequestTimeout,
		ListTimeout:    cfg.Storage.ListTimeout,
		PushRetries:    cfg.Storage.PushRetries,
		PushRetryDelay: cfg.Storage.PushRetryDelay,
		RepairRate:     cfg.Storage.RepairRate,
		RepairBurst:    cfg.Storage.RepairBurst,
		Workers:        cfg.Storage.Workers,
		QueueSize:      cfg.Storage.QueueSize,
		MaxFileSize:    cfg.Storage.MaxFileSize,
	}, cfg.Node.Slot, n.ring, storage.NewTCPSender(slots, cfg.Storage.DialTimeout), n.disk, n.metrics, logger)
	if err != nil {
		return nil, err
	}

	identity := model.NewNodeIdentity(peer.Membership)
	if o.birthTime != 0 {
		identity.BirthTime = o.birthTime
	}
	n.detector = detector.NewDetector(&detector.Config{
		ProbeInterval:     cfg.Detector.ProbeInterval,
		ProbeTimeout:      cfg.Detector.ProbeTimeout,
		IndirectProbes:    cfg.Detector.IndirectProbes,
		JoinRetryInterval: cfg.Detector.JoinRetryInterval,
		GossipWorkers:     cfg.Detector.GossipWorkers,
	}, model.Member{NodeIdentity: identity, Slot: cfg.Node.Slot}, slots, n.transport, n.storage, n.metrics, logger)

	n.health = health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  nodeID,
		DataDir: cfg.Storage.DataDir,
	}, n, n.disk, logger)

	logger.Info("Node initialized",
		zap.Int("slot", cfg.Node.Slot),
		zap.Uint64("birth_time", identity.BirthTime),
		zap.String("membership_addr", peer.Membership.String()),
		zap.String("storage_addr", peer.Storage.String()),
		zap.Int("pool_size", slots.Size()))
	return n, nil
}

func (n *Node) closeSockets() {
	var errs error
	if n.transport != nil {
		errs = multierr.Append(errs, n.transport.Close())
	}
	if n.listener != nil {
		errs = multierr.Append(errs, n.listener.Close())
	}
	if errs != nil {
		n.logger.Debug("Closing sockets", zap.Error(errs))
	}
}

// Run serves the membership and storage protocols until ctx is cancelled or
// either fails. A protocol violation from a peer is returned as a
// *wire.ProtocolError.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.detector.Run(gctx) })
	g.Go(func() error { return n.storage.Serve(gctx, n.listener) })
	g.Go(func() error {
		n.health.Start(gctx)
		return nil
	})

	err := g.Wait()
	if cerr := n.storage.Close(); cerr != nil {
		n.logger.Warn("Storage workers did not stop", zap.Error(cerr))
	}
	n.logger.Info("Node stopped", zap.Error(err))
	return err
}

// Join enters the group through the node at introducer
func (n *Node) Join(ctx context.Context, introducer int) error {
	if !n.slots.Valid(introducer) {
		return errors.InvalidArgument("introducer slot outside the address pool", nil).WithDetail("slot", introducer)
	}
	return n.detector.Join(ctx, introducer)
}

// Leave announces the departure to the group
func (n *Node) Leave() error {
	return n.detector.Leave()
}

// Self returns the local member
func (n *Node) Self() model.Member {
	return n.detector.Self()
}

// State returns the membership lifecycle state
func (n *Node) State() model.NodeState {
	return n.detector.State()
}

// Members returns the local membership table
func (n *Node) Members() []model.Member {
	return n.detector.Members()
}

// AliveSlots returns the ring slots currently believed alive
func (n *Node) AliveSlots() []int {
	return n.ring.Alive()
}

// Successor returns the next alive slot after this node on the ring
func (n *Node) Successor() int {
	return n.ring.Successor(n.peer.Slot)
}

// LocalFiles returns the records held on this node
func (n *Node) LocalFiles() []model.FileRecord {
	return n.storage.LocalFiles()
}

// HealthMetrics reports the node counters used by health checks
func (n *Node) HealthMetrics() model.HealthMetrics {
	return model.HealthMetrics{
		Members:    len(n.detector.Members()),
		AliveSlots: len(n.ring.Alive()),
		LocalFiles: len(n.storage.LocalFiles()),
		DetectorUp: n.State() == model.NodeStateJoined,
	}
}

// Registry returns the registry holding the node's metrics
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Metrics returns the node's metrics
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Health returns the node's health checker
func (n *Node) Health() *health.HealthChecker {
	return n.health
}

// Disk returns the data directory guard
func (n *Node) Disk() *diskmanager.DiskManager {
	return n.disk
}

func (n *Node) requireJoined(op string) error {
	if n.State() != model.NodeStateJoined {
		return errors.NotJoined(op)
	}
	return nil
}

// operation logs the start and outcome of a user operation under one id
func (n *Node) operation(op string, fields ...zap.Field) func(error) {
	start := time.Now()
	logger := n.logger.With(append(fields, zap.String("op", op), zap.String("op_id", uuid.NewString()))...)
	logger.Debug("Operation started")
	return func(err error) {
		if err != nil && !errors.IsCode(err, errors.ErrCodeFileNotFound) {
			logger.Warn("Operation failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
			return
		}
		logger.Debug("Operation finished", zap.Duration("elapsed", time.Since(start)))
	}
}

// Put stores the local file at localPath as name
func (n *Node) Put(ctx context.Context, localPath, name string) (err error) {
	done := n.operation("put", zap.String("file", name), zap.String("path", localPath))
	defer func() { done(err) }()

	if err := n.requireJoined("put"); err != nil {
		return err
	}
	return n.storage.Store(ctx, localPath, name)
}

// Get copies name into localPath
func (n *Node) Get(ctx context.Context, name, localPath string) (err error) {
	done := n.operation("get", zap.String("file", name), zap.String("path", localPath))
	defer func() { done(err) }()

	if err := n.requireJoined("get"); err != nil {
		return err
	}
	return n.storage.Fetch(ctx, name, localPath)
}

// Delete removes name from the store
func (n *Node) Delete(ctx context.Context, name string) (err error) {
	done := n.operation("delete", zap.String("file", name))
	defer func() { done(err) }()

	if err := n.requireJoined("delete"); err != nil {
		return err
	}
	return n.storage.Delete(ctx, name)
}

// Locate returns the nodes holding name and their roles
func (n *Node) Locate(ctx context.Context, name string) (replicas []model.Replica, err error) {
	done := n.operation("locate", zap.String("file", name))
	defer func() { done(err) }()

	if err := n.requireJoined("locate"); err != nil {
		return nil, err
	}
	return n.storage.Locate(ctx, name)
}

// ListPrefix returns the stored names starting with prefix
func (n *Node) ListPrefix(ctx context.Context, prefix string) (names []string, err error) {
	done := n.operation("list", zap.String("prefix", prefix))
	defer func() { done(err) }()

	if err := n.requireJoined("list"); err != nil {
		return nil, err
	}
	return n.storage.ListByPrefix(ctx, prefix)
}
