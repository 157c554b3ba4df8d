package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// NodeConfig identifies the local node
type NodeConfig struct {
	Slot int `yaml:"slot"`
}

// PeerConfig is one explicit entry of the address pool
type PeerConfig struct {
	Host           string `yaml:"host"`
	MembershipPort int    `yaml:"membership_port"`
	StoragePort    int    `yaml:"storage_port"`
}

// ClusterConfig describes the fixed address pool. Either HostPattern
// (formatted with the slot number) or Peers (indexed by slot-1) is used.
type ClusterConfig struct {
	PoolSize       int          `yaml:"pool_size"`
	HostPattern    string       `yaml:"host_pattern"`
	Peers          []PeerConfig `yaml:"peers"`
	MembershipPort int          `yaml:"membership_port"`
	StoragePort    int          `yaml:"storage_port"`
	Introducer     int          `yaml:"introducer"`
}

// DetectorConfig holds failure detector configuration
type DetectorConfig struct {
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	IndirectProbes    int           `yaml:"indirect_probes"`
	JoinRetryInterval time.Duration `yaml:"join_retry_interval"`
	GossipWorkers     int           `yaml:"gossip_workers"`
}

// StorageConfig holds storage service configuration
type StorageConfig struct {
	DataDir        string        `yaml:"data_dir"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ListTimeout    time.Duration `yaml:"list_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	PushRetries    int           `yaml:"push_retries"`
	PushRetryDelay time.Duration `yaml:"push_retry_delay"`
	RepairRate     float64       `yaml:"repair_rate"`
	RepairBurst    int           `yaml:"repair_burst"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxFileSize    int64         `yaml:"max_file_size"`
}

// DiskConfig holds disk guard thresholds in percent
type DiskConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	WarningThreshold float64       `yaml:"warning_threshold"`
	FullThreshold    float64       `yaml:"full_threshold"`
}

// AdminConfig holds the operator gRPC service configuration
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
}

// Config represents the complete configuration for a node
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Detector DetectorConfig `yaml:"detector"`
	Storage  StorageConfig  `yaml:"storage"`
	Disk     DiskConfig     `yaml:"disk"`
	Admin    AdminConfig    `yaml:"admin"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadConfig loads configuration from a file and applies environment overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and defaults,
// and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("NODE_SLOT"); v != "" {
		slot, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NODE_SLOT: %w", err)
		}
		cfg.Node.Slot = slot
	}
	if v := os.Getenv("INTRODUCER_SLOT"); v != "" {
		slot, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INTRODUCER_SLOT: %w", err)
		}
		cfg.Cluster.Introducer = slot
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	return nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Cluster.PoolSize == 0 {
		if len(cfg.Cluster.Peers) > 0 {
			cfg.Cluster.PoolSize = len(cfg.Cluster.Peers)
		} else {
			cfg.Cluster.PoolSize = 10
		}
	}
	if cfg.Cluster.MembershipPort == 0 {
		cfg.Cluster.MembershipPort = 4950
	}
	if cfg.Cluster.StoragePort == 0 {
		cfg.Cluster.StoragePort = 4951
	}
	if cfg.Cluster.Introducer == 0 {
		cfg.Cluster.Introducer = 1
	}

	if cfg.Detector.ProbeInterval == 0 {
		cfg.Detector.ProbeInterval = 500 * time.Millisecond
	}
	if cfg.Detector.ProbeTimeout == 0 {
		cfg.Detector.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Detector.IndirectProbes == 0 {
		cfg.Detector.IndirectProbes = 3
	}
	if cfg.Detector.JoinRetryInterval == 0 {
		cfg.Detector.JoinRetryInterval = 500 * time.Millisecond
	}
	if cfg.Detector.GossipWorkers == 0 {
		cfg.Detector.GossipWorkers = 4
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = fmt.Sprintf("/var/lib/swimfs/node-%02d", cfg.Node.Slot)
	}
	if cfg.Storage.RequestTimeout == 0 {
		cfg.Storage.RequestTimeout = 10 * time.Second
	}
	if cfg.Storage.ListTimeout == 0 {
		cfg.Storage.ListTimeout = 5 * time.Second
	}
	if cfg.Storage.DialTimeout == 0 {
		cfg.Storage.DialTimeout = 2 * time.Second
	}
	if cfg.Storage.PushRetries == 0 {
		cfg.Storage.PushRetries = 5
	}
	if cfg.Storage.PushRetryDelay == 0 {
		cfg.Storage.PushRetryDelay = time.Second
	}
	if cfg.Storage.RepairRate == 0 {
		cfg.Storage.RepairRate = 50
	}
	if cfg.Storage.RepairBurst == 0 {
		cfg.Storage.RepairBurst = 10
	}
	if cfg.Storage.Workers == 0 {
		cfg.Storage.Workers = 8
	}
	if cfg.Storage.QueueSize == 0 {
		cfg.Storage.QueueSize = 1024
	}
	if cfg.Storage.MaxFileSize == 0 {
		cfg.Storage.MaxFileSize = 1 << 30 // 1GB
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 85.0
	}
	if cfg.Disk.FullThreshold == 0 {
		cfg.Disk.FullThreshold = 95.0
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 7070
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration, reporting every problem found
func (c *Config) Validate() error {
	var errs error

	if c.Cluster.PoolSize < 1 {
		errs = multierr.Append(errs, fmt.Errorf("cluster.pool_size must be at least 1"))
	}
	if c.Node.Slot < 1 || c.Node.Slot > c.Cluster.PoolSize {
		errs = multierr.Append(errs, fmt.Errorf("node.slot must be between 1 and cluster.pool_size (%d)", c.Cluster.PoolSize))
	}
	if c.Cluster.Introducer < 1 || c.Cluster.Introducer > c.Cluster.PoolSize {
		errs = multierr.Append(errs, fmt.Errorf("cluster.introducer must be between 1 and cluster.pool_size (%d)", c.Cluster.PoolSize))
	}
	if c.Cluster.HostPattern == "" && len(c.Cluster.Peers) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("one of cluster.host_pattern or cluster.peers is required"))
	}
	if len(c.Cluster.Peers) > 0 && len(c.Cluster.Peers) != c.Cluster.PoolSize {
		errs = multierr.Append(errs, fmt.Errorf("cluster.peers has %d entries, pool_size is %d", len(c.Cluster.Peers), c.Cluster.PoolSize))
	}
	for i, p := range c.Cluster.Peers {
		if p.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("cluster.peers[%d].host is required", i))
		}
		if !validPort(p.MembershipPort) || !validPort(p.StoragePort) {
			errs = multierr.Append(errs, fmt.Errorf("cluster.peers[%d] ports must be between 1 and 65535", i))
		}
	}
	if !validPort(c.Cluster.MembershipPort) || !validPort(c.Cluster.StoragePort) {
		errs = multierr.Append(errs, fmt.Errorf("cluster ports must be between 1 and 65535"))
	}
	if c.Detector.ProbeTimeout >= c.Detector.ProbeInterval*4 {
		errs = multierr.Append(errs, fmt.Errorf("detector.probe_timeout must be well below probe_interval"))
	}
	if c.Detector.IndirectProbes < 1 {
		errs = multierr.Append(errs, fmt.Errorf("detector.indirect_probes must be at least 1"))
	}
	if c.Storage.PushRetries < 1 {
		errs = multierr.Append(errs, fmt.Errorf("storage.push_retries must be at least 1"))
	}
	if c.Storage.MaxFileSize <= 0 || c.Storage.MaxFileSize > 1<<32-1 {
		errs = multierr.Append(errs, fmt.Errorf("storage.max_file_size must be between 1 and 4294967295"))
	}
	if c.Disk.WarningThreshold > c.Disk.FullThreshold || c.Disk.FullThreshold > 100 {
		errs = multierr.Append(errs, fmt.Errorf("disk thresholds must satisfy warning <= full <= 100"))
	}
	if c.Admin.Enabled && !validPort(c.Admin.Port) {
		errs = multierr.Append(errs, fmt.Errorf("admin.port must be between 1 and 65535"))
	}
	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		errs = multierr.Append(errs, fmt.Errorf("metrics.port must be between 1 and 65535"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.format must be json or console"))
	}

	return errs
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
