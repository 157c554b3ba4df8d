package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/storage/diskmanager"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// Reporter exposes the node state the checks inspect
type Reporter interface {
	State() model.NodeState
	HealthMetrics() model.HealthMetrics
}

// HealthChecker performs health checks for the node
type HealthChecker struct {
	nodeID        string
	dataDir       string
	checkInterval time.Duration
	reporter      Reporter
	disk          *diskmanager.DiskManager
	logger        *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	DataDir       string
	CheckInterval time.Duration
}

// NewHealthChecker creates a new health checker. disk may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, reporter Reporter, disk *diskmanager.DiskManager, logger *zap.Logger) *HealthChecker {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:        cfg.NodeID,
		dataDir:       cfg.DataDir,
		checkInterval: interval,
		reporter:      reporter,
		disk:          disk,
		logger:        logger,
		checks:        make(map[string]CheckResult),
		livenessOK:    true,
		status:        model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the overall status
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkMembership,
		h.checkDiskSpace,
		h.checkDataDirAccessible,
		h.checkFileDescriptors,
	}
	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	metrics := h.reporter.HealthMetrics()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	metrics.MemoryAllocs = mem.Alloc
	if h.disk != nil {
		metrics.DiskUsage = h.disk.Usage().UsagePercent()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.metrics = metrics

	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != statusHealthy {
			allHealthy = false
			if result.Status == statusCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}

	// Liveness: the process is responsive
	h.livenessOK = true
	// Readiness: the node is in the group and can accept file bodies
	h.readinessOK = allReady && h.reporter.State() == model.NodeStateJoined

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

// checkMembership reports the detector lifecycle state
func (h *HealthChecker) checkMembership() CheckResult {
	state := h.reporter.State()
	result := CheckResult{Name: "membership", Timestamp: time.Now()}
	switch state {
	case model.NodeStateJoined:
		result.Status = statusHealthy
		result.Message = fmt.Sprintf("Joined with %d members", h.reporter.HealthMetrics().Members)
	case model.NodeStateLeft:
		result.Status = statusCritical
		result.Message = "Node has left the group"
	default:
		result.Status = statusWarning
		result.Message = fmt.Sprintf("Node is %s", state)
	}
	return result
}

// checkDiskSpace compares data dir usage against the disk manager thresholds
func (h *HealthChecker) checkDiskSpace() CheckResult {
	if h.disk == nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    statusHealthy,
			Message:   "Disk guard disabled",
			Timestamp: time.Now(),
		}
	}

	usage := h.disk.Usage()
	percent := usage.UsagePercent()
	warning, full := h.disk.Thresholds()

	if percent >= full {
		return CheckResult{
			Name:      "disk_space",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", percent),
			Timestamp: time.Now(),
		}
	} else if percent >= warning {
		return CheckResult{
			Name:      "disk_space",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", percent),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", percent, float64(usage.AvailableBytes)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkDataDirAccessible checks if data directory is accessible
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}

	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:      "data_dir_accessible",
		Status:    statusHealthy,
		Message:   "Data directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

// checkFileDescriptors checks if file descriptor usage is acceptable. Every
// storage message holds a connection and usually a file open.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Failed to get rlimit: %v", err),
			Timestamp: time.Now(),
		}
	}

	// Linux only; elsewhere the limit alone is reported
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusHealthy,
			Message:   fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max),
			Timestamp: time.Now(),
		}
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100

	if usagePercent > 90 {
		return CheckResult{
			Name:      "file_descriptors",
			Status:    statusWarning,
			Message:   fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
			Timestamp: time.Now(),
		}
	}

	return CheckResult{
		Name:      "file_descriptors",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
		"checks":  h.GetChecks(),
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":       ready,
		"status":      status.Status,
		"disk_usage":  status.Metrics.DiskUsage,
		"members":     status.Metrics.Members,
		"alive_slots": status.Metrics.AliveSlots,
	})
}
