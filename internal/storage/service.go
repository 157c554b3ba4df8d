// Package storage implements the ring-replicated file store. Every file has
// a chain of up to three alive slots (primary, secondary, tertiary) derived
// from the ring; each node keeps the bodies of the files it holds and the
// role it plays for them.
package storage

import (
	"context"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/metrics"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/ring"
	"github.com/devrev/swimfs/internal/storage/diskmanager"
	"github.com/devrev/swimfs/internal/util/workerpool"
	"github.com/devrev/swimfs/internal/validation"
	"github.com/devrev/swimfs/internal/wire"
)

// Config holds storage service configuration
type Config struct {
	DataDir        string
	RequestTimeout time.Duration
	ListTimeout    time.Duration
	PushRetries    int
	PushRetryDelay time.Duration
	RepairRate     float64
	RepairBurst    int
	Workers        int
	QueueSize      int
	MaxFileSize    int64
}

// DefaultConfig returns storage defaults rooted at dataDir
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		RequestTimeout: 10 * time.Second,
		ListTimeout:    5 * time.Second,
		PushRetries:    5,
		PushRetryDelay: time.Second,
		RepairRate:     50,
		RepairBurst:    10,
		Workers:        8,
		QueueSize:      1024,
		MaxFileSize:    1 << 30,
	}
}

// Service is the local storage node
type Service struct {
	cfg       *Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	self      int
	ring      *ring.Ring
	blobs     *BlobStore
	disk      *diskmanager.DiskManager
	validator *validation.Validator
	sender    Sender
	pool      *workerpool.WorkerPool
	repairs   *rate.Limiter

	missingMu sync.Mutex
	missing   map[string]model.Role

	fetches *fetchWaiters
	locates *locateWaiters

	listMu    sync.Mutex // one listing at a time
	listingMu sync.Mutex
	listing   *nameCollector

	distMu      sync.Mutex
	joinedSince atomic.Bool
}

// NewService opens the blob store under cfg.DataDir. disk may be nil.
func NewService(cfg *Config, self int, r *ring.Ring, sender Sender, disk *diskmanager.DiskManager,
	m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	logger = logger.With(zap.Int("slot", self))
	blobs, err := OpenBlobStore(cfg.DataDir, logger)
	if err != nil {
		return nil, errors.InternalError("failed to open blob store", err)
	}
	if m == nil {
		m = metrics.Nop()
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		self:      self,
		ring:      r,
		blobs:     blobs,
		disk:      disk,
		validator: validation.NewValidatorWithLimits(validation.MaxFileNameSize, cfg.MaxFileSize),
		sender:    sender,
		repairs:   rate.NewLimiter(rate.Limit(cfg.RepairRate), cfg.RepairBurst),
		missing:   make(map[string]model.Role),
		fetches:   newFetchWaiters(),
		locates:   newLocateWaiters(),
	}
	s.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "storage",
		MaxWorkers: cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Logger:     logger,
	})
	s.refreshFileGauge()
	return s, nil
}

// Close stops background pushes and repairs
func (s *Service) Close() error {
	return s.pool.Stop(5 * time.Second)
}

// Ring returns the placement view the service uses
func (s *Service) Ring() *ring.Ring {
	return s.ring
}

// LocalFiles lists the files held on this node
func (s *Service) LocalFiles() []model.FileRecord {
	return s.blobs.List()
}

func (s *Service) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = errors.GetCode(err).String()
	}
	s.metrics.RecordStorageRequest(op, result, time.Since(start).Seconds())
}

// Store places the local file at localPath into the store as name. When
// this node is in the file's chain it keeps a copy under its role; the other
// chain members receive role-tagged PUTs in the background, retried on
// transient failures. Only a local I/O failure is returned.
func (s *Service) Store(ctx context.Context, localPath, name string) (err error) {
	start := time.Now()
	defer func() { s.observe("store", start, err) }()

	if err := s.validator.ValidateFileName(name); err != nil {
		return err
	}
	if err := s.validator.ValidateLocalPath(localPath); err != nil {
		return err
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return errors.InvalidArgument("cannot read local file", err).WithDetail("path", localPath)
	}
	if err := s.validator.ValidateFileSize(st.Size()); err != nil {
		return err
	}

	chain := s.ring.Chain(name)
	pos := slices.Index(chain, s.self)

	if pos >= 0 {
		if err := s.checkDisk(uint64(st.Size())); err != nil {
			return err
		}
		rec, err := s.blobs.PutFile(name, model.RoleAt(pos), localPath)
		if err != nil {
			return errors.InternalError("failed to store local copy", err).WithDetail("file", name)
		}
		s.refreshFileGauge()
		s.logger.Info("Stored file",
			zap.String("file", name),
			zap.String("role", rec.Role.String()),
			zap.Ints("chain", chain))

		s.replicate(name, chain, pos, func() (*os.File, int64, error) {
			f, rec, err := s.blobs.Open(name)
			return f, rec.Size, err
		}, nil)
		return nil
	}

	staged, size, err := s.blobs.Stage(localPath)
	if err != nil {
		return errors.InternalError("failed to stage local file", err).WithDetail("path", localPath)
	}
	s.logger.Info("Forwarding file to its chain", zap.String("file", name), zap.Ints("chain", chain))
	s.replicate(name, chain, -1, func() (*os.File, int64, error) {
		f, err := os.Open(staged)
		return f, size, err
	}, func() { os.Remove(staged) })
	return nil
}

// replicate pushes name to every chain member except position skip in the
// background. open yields a fresh reader per attempt; done runs after every
// push finished.
func (s *Service) replicate(name string, chain []int, skip int, open func() (*os.File, int64, error), done func()) {
	if len(chain) == 1 && skip == 0 {
		if done != nil {
			done()
		}
		return
	}
	task := func(ctx context.Context) error {
		if done != nil {
			defer done()
		}
		s.pushChain(ctx, name, chain, skip, open)
		return nil
	}

	if err := s.pool.Go("replicate", task); err != nil {
		s.logger.Warn("Replication queue full, pushing inline", zap.String("file", name), zap.Error(err))
		go task(context.Background())
	}
}

// pushChain sends name with its chain role to every member except position
// skip, retrying each push. It returns how many members could not be reached.
func (s *Service) pushChain(ctx context.Context, name string, chain []int, skip int, open func() (*os.File, int64, error)) int {
	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range chain {
		if i == skip {
			continue
		}
		role := model.RoleAt(i)
		g.Go(func() error {
			err := workerpool.Retry(gctx, s.cfg.PushRetries, s.cfg.PushRetryDelay, func(ctx context.Context) error {
				f, size, err := open()
				if err != nil {
					return err
				}
				defer f.Close()
				return s.send(ctx, slot, &wire.Message{
					Op: wire.OpPut, Role: role, Name: name, Size: uint32(size), Body: f,
				})
			})
			if err != nil {
				failed.Add(1)
				s.metrics.RecordReplicaPush("failed")
				s.logger.Warn("Replica push abandoned",
					zap.String("file", name),
					zap.Int("target_slot", slot),
					zap.String("role", role.String()),
					zap.Error(err))
				return nil
			}
			s.metrics.RecordReplicaPush("ok")
			return nil
		})
	}
	g.Wait()
	return int(failed.Load())
}

// Fetch copies name into localPath. A local copy is used when present;
// otherwise the primary is asked and the request walks down the chain.
func (s *Service) Fetch(ctx context.Context, name, localPath string) (err error) {
	start := time.Now()
	defer func() { s.observe("fetch", start, err) }()

	if err := s.validator.ValidateFileName(name); err != nil {
		return err
	}
	if err := s.validator.ValidateLocalPath(localPath); err != nil {
		return err
	}

	switch err := s.blobs.Verify(name); {
	case err == nil:
		if _, err := s.blobs.CopyTo(name, localPath); err != nil {
			return errors.InternalError("failed to copy local file", err).WithDetail("path", localPath)
		}
		return nil
	case !os.IsNotExist(err):
		s.logger.Error("Local replica failed verification, fetching from the chain", zap.String("file", name), zap.Error(err))
	}

	wait, ok := s.fetches.register(localPath)
	if !ok {
		return errors.InvalidArgument("a fetch into this path is already in progress", nil).WithDetail("path", localPath)
	}
	defer s.fetches.cancel(localPath)

	primary := s.ring.Location(name)
	if err := s.send(ctx, primary, &wire.Message{
		Op: wire.OpGet, Role: model.RolePrimary, Sender: uint32(s.self), Name: name, LocalName: localPath,
	}); err != nil {
		return errors.Unavailable("primary unreachable", err).WithDetail("slot", primary)
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		return errors.Timeout("fetch", nil).WithDetail("file", name)
	case <-ctx.Done():
		return errors.Timeout("fetch", ctx.Err()).WithDetail("file", name)
	}
}

// Delete removes name from its whole chain. The primary drops its copy and
// forwards down the chain; deleting an absent file does nothing.
func (s *Service) Delete(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	if err := s.validator.ValidateFileName(name); err != nil {
		return err
	}
	primary := s.ring.Location(name)
	if err := s.send(ctx, primary, &wire.Message{Op: wire.OpDelete, Name: name}); err != nil {
		return errors.Unavailable("primary unreachable", err).WithDetail("slot", primary)
	}
	return nil
}

// ListByPrefix returns the names of primary copies matching prefix across
// every alive node. Nodes that do not answer within the list timeout are
// left out of the result.
func (s *Service) ListByPrefix(ctx context.Context, prefix string) (names []string, err error) {
	start := time.Now()
	defer func() { s.observe("list", start, err) }()

	if err := s.validator.ValidatePrefix(prefix); err != nil {
		return nil, err
	}

	s.listMu.Lock()
	defer s.listMu.Unlock()

	var peers []int
	for _, slot := range s.ring.Alive() {
		if slot != s.self {
			peers = append(peers, slot)
		}
	}
	c := newNameCollector(peers)
	for _, rec := range s.blobs.WithPrefix(prefix, model.RolePrimary) {
		c.add([]string{rec.Name})
	}

	s.listingMu.Lock()
	s.listing = c
	s.listingMu.Unlock()
	defer func() {
		s.listingMu.Lock()
		s.listing = nil
		s.listingMu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range peers {
		g.Go(func() error {
			if err := s.send(gctx, slot, &wire.Message{Op: wire.OpListReq, Sender: uint32(s.self), Name: prefix}); err != nil {
				s.logger.Warn("Listing request failed", zap.Int("target_slot", slot), zap.Error(err))
				c.answered(slot, nil)
			}
			return nil
		})
	}
	g.Wait()

	timer := time.NewTimer(s.cfg.ListTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	names, missing := c.result()
	if len(missing) > 0 {
		s.logger.Warn("Listing incomplete", zap.String("prefix", prefix), zap.Ints("unanswered", missing))
	}
	return names, nil
}

// Locate asks the chain of name which nodes hold it and in which role
func (s *Service) Locate(ctx context.Context, name string) (replicas []model.Replica, err error) {
	start := time.Now()
	defer func() { s.observe("locate", start, err) }()

	if err := s.validator.ValidateFileName(name); err != nil {
		return nil, err
	}

	chain := s.ring.Chain(name)
	w := s.locates.register(name, len(chain))
	if err := s.send(ctx, chain[0], &wire.Message{Op: wire.OpQuery, Sender: uint32(s.self), Name: name}); err != nil {
		s.locates.finish(name, w)
		return nil, errors.Unavailable("primary unreachable", err).WithDetail("slot", chain[0])
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.locates.finish(name, w), nil
}

// NodeJoined marks slot alive. Files are not moved: new members receive data
// on the next write, or from the redistribution run by the next failure.
func (s *Service) NodeJoined(slot int) {
	s.ring.MarkAlive(slot)
	s.joinedSince.Store(true)
	s.logger.Debug("Ring slot alive", zap.Int("member_slot", slot))
}

// NodeFailed marks slot dead and re-derives the roles of the local files
// when slot was a ring neighbour of this node or a member joined since the
// last redistribution
func (s *Service) NodeFailed(slot int) {
	neighbour := s.ring.IsNeighbour(slot)
	s.ring.MarkDead(slot)
	stale := s.joinedSince.Swap(false)
	s.logger.Info("Ring slot dead",
		zap.Int("member_slot", slot),
		zap.Bool("neighbour", neighbour),
		zap.Bool("pending_join", stale))
	if !neighbour && !stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.pool.SubmitWithContext(ctx, workerpool.Task{
		ID:   uuid.NewString(),
		Name: "redistribute",
		Fn: func(ctx context.Context) error {
			s.redistribute(ctx)
			return nil
		},
	}); err != nil {
		s.logger.Error("Failed to schedule redistribution", zap.Error(err))
	}
}

func (s *Service) checkDisk(size uint64) error {
	if s.disk == nil {
		return nil
	}
	return s.disk.CheckBeforeWrite(size)
}

func (s *Service) refreshFileGauge() {
	s.metrics.UpdateFiles(s.blobs.CountByRole())
}

// send delivers m to slot. Messages to the local slot are handled in place.
func (s *Service) send(ctx context.Context, slot int, m *wire.Message) error {
	if slot == s.self {
		s.dispatch(ctx, m)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	if err := s.sender.Send(ctx, slot, m); err != nil {
		return err
	}
	s.metrics.RecordStorageMessage(string(m.Op), "out")
	if m.Body != nil {
		s.metrics.RecordBytes("out", int64(m.Size))
	}
	return nil
}
