package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete daemon configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Socket     SocketConfig     `yaml:"socket"`
	Index      IndexConfig      `yaml:"index"`
	Backends   []BackendConfig  `yaml:"backends"`
	Promoter   PromoterConfig   `yaml:"promoter"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global daemon settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// SocketConfig represents the Unix-domain listener settings
type SocketConfig struct {
	Path        string `yaml:"path"`
	Permissions uint32 `yaml:"permissions"`
	// MaxPipeline caps the pipeline depth the server offers during the
	// V2 handshake; the negotiated value is the minimum of both sides.
	MaxPipeline int `yaml:"max_pipeline"`
}

// IndexConfig represents object index sizing
type IndexConfig struct {
	// Buckets is rounded up to a power of two.
	Buckets    int `yaml:"buckets"`
	MaxOpenFDs int `yaml:"max_open_fds"`
}

// BackendConfig represents one storage tier
type BackendConfig struct {
	Name          string  `yaml:"name"`
	Type          string  `yaml:"type"` // memory, nvme, ssd, hdd, network
	MountPath     string  `yaml:"mount_path"`
	Capacity      string  `yaml:"capacity"`
	EphemeralOnly bool    `yaml:"ephemeral_only"`
	ReadOnly      bool    `yaml:"read_only"`
	Default       bool    `yaml:"default"`
	Ephemeral     bool    `yaml:"ephemeral"`
	Cache         bool    `yaml:"cache"`
	HighWatermark float64 `yaml:"high_watermark"`
	LowWatermark  float64 `yaml:"low_watermark"`
	// MigrationPolicy is one of none, hotness, capacity, hybrid.
	MigrationPolicy  string        `yaml:"migration_policy"`
	HotnessThreshold float64       `yaml:"hotness_threshold"`
	HotnessHalflife  time.Duration `yaml:"hotness_halflife"`
}

// PromoterConfig represents the cache promoter task settings
type PromoterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// Threshold is the minimum hotness for promotion into the cache tier.
	Threshold float64 `yaml:"threshold"`
	// MaxPerScan bounds how many objects one scan iteration may migrate.
	MaxPerScan int `yaml:"max_per_scan"`
}

// NetworkConfig represents client-facing network behavior
type NetworkConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents per-backend circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults: a single
// persistent backend is not assumed, but socket, index sizing, promoter
// cadence, and monitoring all have workable values.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "info",
			MetricsPort: 9090,
			HealthPort:  8080,
		},
		Socket: SocketConfig{
			Path:        "/tmp/objmapper.sock",
			Permissions: 0666,
			MaxPipeline: 256,
		},
		Index: IndexConfig{
			Buckets:    1024 * 1024,
			MaxOpenFDs: 10000,
		},
		Promoter: PromoterConfig{
			Enabled:       true,
			CheckInterval: time.Second,
			Threshold:     0.7,
			MaxPerScan:    64,
		},
		Network: NetworkConfig{
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return nil
}

// LoadFromEnv applies environment variable overrides
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("OBJMAPPER_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("OBJMAPPER_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("OBJMAPPER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("OBJMAPPER_SOCKET_PATH"); val != "" {
		c.Socket.Path = val
	}
	if val := os.Getenv("OBJMAPPER_SOCKET_PERMISSIONS"); val != "" {
		if perm, err := strconv.ParseUint(val, 8, 32); err == nil {
			c.Socket.Permissions = uint32(perm)
		}
	}
	if val := os.Getenv("OBJMAPPER_MAX_PIPELINE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Socket.MaxPipeline = n
		}
	}
	if val := os.Getenv("OBJMAPPER_INDEX_BUCKETS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Index.Buckets = n
		}
	}
	if val := os.Getenv("OBJMAPPER_PROMOTER_ENABLED"); val != "" {
		c.Promoter.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("OBJMAPPER_PROMOTER_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Promoter.CheckInterval = d
		}
	}
	if val := os.Getenv("OBJMAPPER_PROMOTER_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.Promoter.Threshold = f
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *Configuration) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(c.Global.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", c.Global.LogLevel)
	}

	if c.Socket.Path == "" {
		return fmt.Errorf("socket path cannot be empty")
	}
	if c.Socket.MaxPipeline <= 0 {
		return fmt.Errorf("max_pipeline must be positive: %d", c.Socket.MaxPipeline)
	}

	if c.Index.Buckets <= 0 {
		return fmt.Errorf("index buckets must be positive: %d", c.Index.Buckets)
	}

	defaults, ephemerals, caches := 0, 0, 0
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.validate(); err != nil {
			return fmt.Errorf("backend %q: %w", b.Name, err)
		}
		if b.Default {
			defaults++
			if b.EphemeralOnly {
				return fmt.Errorf("backend %q: default backend must not be ephemeral-only", b.Name)
			}
		}
		if b.Ephemeral {
			ephemerals++
			if !b.EphemeralOnly {
				return fmt.Errorf("backend %q: ephemeral backend must be ephemeral-only", b.Name)
			}
		}
		if b.Cache {
			caches++
			if b.Type != "memory" {
				return fmt.Errorf("backend %q: cache backend must be of type memory", b.Name)
			}
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one default backend may be designated, got %d", defaults)
	}
	if ephemerals > 1 {
		return fmt.Errorf("at most one ephemeral backend may be designated, got %d", ephemerals)
	}
	if caches > 1 {
		return fmt.Errorf("at most one cache backend may be designated, got %d", caches)
	}

	if c.Promoter.CheckInterval <= 0 {
		return fmt.Errorf("promoter check_interval must be positive: %v", c.Promoter.CheckInterval)
	}
	if c.Promoter.Threshold < 0 || c.Promoter.Threshold > 1 {
		return fmt.Errorf("promoter threshold must be in [0,1]: %f", c.Promoter.Threshold)
	}

	return nil
}

func (b *BackendConfig) validate() error {
	validTypes := map[string]bool{"memory": true, "nvme": true, "ssd": true, "hdd": true, "network": true}
	if !validTypes[b.Type] {
		return fmt.Errorf("invalid backend type: %s", b.Type)
	}
	if b.MountPath == "" {
		return fmt.Errorf("mount_path cannot be empty")
	}
	if b.Capacity != "" {
		if _, err := ParseSize(b.Capacity); err != nil {
			return fmt.Errorf("invalid capacity: %w", err)
		}
	}
	if b.HighWatermark != 0 || b.LowWatermark != 0 {
		if b.LowWatermark < 0 || b.HighWatermark > 1 || b.LowWatermark >= b.HighWatermark {
			return fmt.Errorf("watermarks must satisfy 0 <= low < high <= 1, got low=%f high=%f",
				b.LowWatermark, b.HighWatermark)
		}
	}
	switch b.MigrationPolicy {
	case "", "none", "hotness", "capacity", "hybrid":
	default:
		return fmt.Errorf("invalid migration policy: %s", b.MigrationPolicy)
	}
	return nil
}

// CapacityBytes parses the backend's capacity string into bytes.
func (b *BackendConfig) CapacityBytes() (int64, error) {
	if b.Capacity == "" {
		return 0, nil
	}
	return ParseSize(b.Capacity)
}

// ParseSize parses a human-readable size string like "512MB" or "1GB" into bytes
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multipliers := []struct {
		suffix string
		value  int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			return int64(num * float64(m.value)), nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %s", s)
	}
	return num, nil
}
