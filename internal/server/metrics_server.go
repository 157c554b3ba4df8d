package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/swimfs/internal/health"
	"github.com/devrev/swimfs/internal/metrics"
	"github.com/devrev/swimfs/internal/model"
	"github.com/devrev/swimfs/internal/storage/diskmanager"
)

// NodeView is the read-only node state served on the debug routes
type NodeView interface {
	Self() model.Member
	State() model.NodeState
	Members() []model.Member
	AliveSlots() []int
	LocalFiles() []model.FileRecord
}

// MetricsServer serves Prometheus metrics, probes and a membership view via HTTP
type MetricsServer struct {
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Metrics
	node       NodeView
	health     *health.HealthChecker
	disk       *diskmanager.DiskManager
	logger     *zap.Logger
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port        int
	MetricsPath string
	Gatherer    prometheus.Gatherer
}

// NewMetricsServer creates a new metrics server. disk may be nil.
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, node NodeView, hc *health.HealthChecker,
	disk *diskmanager.DiskManager, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()

	s := &MetricsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		node:     node,
		health:   hc,
		disk:     disk,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.HandleFunc("/health", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", hc.ReadinessHandler).Methods(http.MethodGet)

	router.HandleFunc("/membership", s.membershipHandler).Methods(http.MethodGet)
	router.HandleFunc("/files", s.filesHandler).Methods(http.MethodGet)
	router.HandleFunc("/files/{name:.+}", s.fileHandler).Methods(http.MethodGet)

	return s
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// Handler returns the router for testing purposes
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

type memberView struct {
	Slot      int    `json:"slot"`
	BirthTime uint64 `json:"birth_time"`
	Addr      string `json:"addr"`
}

func toMemberView(m model.Member) memberView {
	return memberView{Slot: m.Slot, BirthTime: m.BirthTime, Addr: m.Addr.String()}
}

// membershipHandler serves the local membership table and ring view
func (s *MetricsServer) membershipHandler(w http.ResponseWriter, r *http.Request) {
	members := s.node.Members()
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, toMemberView(m))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"self":        toMemberView(s.node.Self()),
		"state":       s.node.State().String(),
		"members":     views,
		"alive_slots": s.node.AliveSlots(),
	})
}

type fileView struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Size     int64  `json:"size"`
	Checksum uint32 `json:"checksum"`
}

func toFileView(rec model.FileRecord) fileView {
	return fileView{Name: rec.Name, Role: rec.Role.String(), Size: rec.Size, Checksum: rec.Checksum}
}

// filesHandler serves the local store
func (s *MetricsServer) filesHandler(w http.ResponseWriter, r *http.Request) {
	recs := s.node.LocalFiles()
	views := make([]fileView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toFileView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// fileHandler serves the local record of one file
func (s *MetricsServer) fileHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, rec := range s.node.LocalFiles() {
		if rec.Name == name {
			writeJSON(w, http.StatusOK, toFileView(rec))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not held locally", "name": name})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *MetricsServer) updateSystemMetrics() {
	var used, available int64
	if s.disk != nil {
		u := s.disk.Usage()
		used = int64(u.TotalBytes - u.AvailableBytes)
		available = int64(u.AvailableBytes)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(used, available, int64(memStats.Alloc), runtime.NumGoroutine())
}
