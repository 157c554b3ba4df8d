package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/errors"
)

// Usage is a point-in-time view of the filesystem holding the data dir
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// UsagePercent returns the used share of the filesystem in percent
func (u Usage) UsagePercent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// StatFunc reports filesystem usage for a directory
type StatFunc func(dir string) (Usage, error)

// Statfs is the default StatFunc
func Statfs(dir string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return Usage{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}

// DiskManager refuses incoming file bodies once the data directory's
// filesystem crosses the full threshold or cannot fit the body.
type DiskManager struct {
	dataDir string
	logger  *zap.Logger
	stat    StatFunc

	mu            sync.Mutex
	lastCheck     time.Time
	cached        Usage
	checkInterval time.Duration

	warningThreshold float64
	fullThreshold    float64
	full             bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir          string
	CheckInterval    time.Duration
	WarningThreshold float64
	FullThreshold    float64
	Stat             StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:          dataDir,
		CheckInterval:    10 * time.Second,
		WarningThreshold: 85.0,
		FullThreshold:    95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	stat := cfg.Stat
	if stat == nil {
		stat = Statfs
	}

	dm := &DiskManager{
		dataDir:          cfg.DataDir,
		logger:           logger,
		stat:             stat,
		checkInterval:    cfg.CheckInterval,
		warningThreshold: cfg.WarningThreshold,
		fullThreshold:    cfg.FullThreshold,
	}

	dm.mu.Lock()
	err := dm.refreshLocked()
	dm.mu.Unlock()
	if err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// CheckBeforeWrite returns a DiskFull error when size bytes should not be
// written to the data directory
func (dm *DiskManager) CheckBeforeWrite(size uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.full || size > dm.cached.AvailableBytes {
		return errors.DiskFull(dm.cached.UsagePercent(), dm.cached.AvailableBytes).
			WithDetail("requested_bytes", size)
	}
	return nil
}

// Usage returns the cached usage, refreshing it if stale
func (dm *DiskManager) Usage() Usage {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	return dm.cached
}

func (dm *DiskManager) refreshLocked() error {
	u, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	dm.cached = u
	dm.lastCheck = time.Now()

	percent := u.UsagePercent()
	wasFull := dm.full
	dm.full = percent >= dm.fullThreshold

	switch {
	case dm.full && !wasFull:
		dm.logger.Error("Disk full, refusing file bodies",
			zap.String("data_dir", dm.dataDir),
			zap.Float64("usage_percent", percent),
			zap.Uint64("available_bytes", u.AvailableBytes))
	case !dm.full && wasFull:
		dm.logger.Info("Disk below full threshold, accepting file bodies",
			zap.Float64("usage_percent", percent))
	case percent >= dm.warningThreshold && !dm.full:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", percent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// Thresholds returns the warning and full usage percentages
func (dm *DiskManager) Thresholds() (warning, full float64) {
	return dm.warningThreshold, dm.fullThreshold
}
