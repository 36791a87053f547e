package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Liveness policy names
const (
	PolicyStandard  = "standard"
	PolicyHeartbeat = "heartbeat"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RTSPCORE_"

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Liveness LivenessConfig `yaml:"liveness"`
	Worker   WorkerConfig   `yaml:"worker"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains the control connection listener configuration
type ServerConfig struct {
	BindAddress    string `yaml:"bind_address"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`  // admission cap per process
	ReadBufferSize int    `yaml:"read_buffer_size"` // bytes per read
	MaxInputSize   int    `yaml:"max_input_size"`   // bytes of unparsed input before the peer is dropped
	WriteTimeout   int    `yaml:"write_timeout"`    // seconds
}

// LivenessConfig contains idle detection thresholds
type LivenessConfig struct {
	Policy           string `yaml:"policy"`
	SoftTimeout      int    `yaml:"soft_timeout"`      // seconds
	HardTimeout      int    `yaml:"hard_timeout"`      // seconds
	SweepInterval    int    `yaml:"sweep_interval"`    // seconds, 0 means hard_timeout
	HeartbeatEnabled bool   `yaml:"heartbeat_enabled"` // only read by the heartbeat policy
	HeartbeatTimeout int    `yaml:"heartbeat_timeout"` // seconds
}

// WorkerConfig contains process isolation settings
type WorkerConfig struct {
	Isolation    bool `yaml:"isolation"`
	PollInterval int  `yaml:"poll_interval"` // seconds
	RTPPortMin   int  `yaml:"rtp_port_min"`
	RTPPortMax   int  `yaml:"rtp_port_max"`
}

// HTTPConfig contains admin API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with the built-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    "0.0.0.0",
			Port:           554,
			MaxConnections: 100,
			ReadBufferSize: 4096,
			MaxInputSize:   64 * 1024,
			WriteTimeout:   5,
		},
		Liveness: LivenessConfig{
			Policy:           PolicyStandard,
			SoftTimeout:      6,
			HardTimeout:      12,
			HeartbeatTimeout: 60,
		},
		Worker: WorkerConfig{
			PollInterval: 5,
			RTPPortMin:   5000,
			RTPPortMax:   6000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// A missing .env is fine; system environment and file values still apply.
	_ = godotenv.Load()

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overrides configuration values from RTSPCORE_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"PORT":              &c.Server.Port,
		"MAX_CONNECTIONS":   &c.Server.MaxConnections,
		"READ_BUFFER_SIZE":  &c.Server.ReadBufferSize,
		"MAX_INPUT_SIZE":    &c.Server.MaxInputSize,
		"WRITE_TIMEOUT":     &c.Server.WriteTimeout,
		"SOFT_TIMEOUT":      &c.Liveness.SoftTimeout,
		"HARD_TIMEOUT":      &c.Liveness.HardTimeout,
		"SWEEP_INTERVAL":    &c.Liveness.SweepInterval,
		"HEARTBEAT_TIMEOUT": &c.Liveness.HeartbeatTimeout,
		"WORKER_POLL":       &c.Worker.PollInterval,
		"RTP_PORT_MIN":      &c.Worker.RTPPortMin,
		"RTP_PORT_MAX":      &c.Worker.RTPPortMax,
		"HTTP_PORT":         &c.HTTP.Port,
	}
	for key, dst := range ints {
		s, ok := lookup(EnvPrefix + key)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"HEARTBEAT_ENABLED": &c.Liveness.HeartbeatEnabled,
		"WORKER_ISOLATION":  &c.Worker.Isolation,
		"HTTP_ENABLED":      &c.HTTP.Enabled,
	}
	for key, dst := range bools {
		s, ok := lookup(EnvPrefix + key)
		if !ok || s == "" {
			continue
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	strs := map[string]*string{
		"BIND_ADDRESS":    &c.Server.BindAddress,
		"LIVENESS_POLICY": &c.Liveness.Policy,
		"HTTP_ADDRESS":    &c.HTTP.Address,
		"LOG_LEVEL":       &c.Logging.Level,
		"LOG_FORMAT":      &c.Logging.Format,
		"LOG_OUTPUT":      &c.Logging.Output,
	}
	for key, dst := range strs {
		if s, ok := lookup(EnvPrefix + key); ok && s != "" {
			*dst = strings.TrimSpace(s)
		}
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Liveness.Validate(); err != nil {
		return fmt.Errorf("liveness config: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.ReadBufferSize < 512 {
		return fmt.Errorf("read_buffer_size must be at least 512 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxInputSize < 1024 {
		return fmt.Errorf("max_input_size must be at least 1024 bytes, got %d", s.MaxInputSize)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates liveness configuration
func (l *LivenessConfig) Validate() error {
	if l.Policy != PolicyStandard && l.Policy != PolicyHeartbeat {
		return fmt.Errorf("policy must be '%s' or '%s', got '%s'", PolicyStandard, PolicyHeartbeat, l.Policy)
	}

	if l.SoftTimeout < 1 {
		return fmt.Errorf("soft_timeout must be at least 1 second, got %d", l.SoftTimeout)
	}

	if l.HardTimeout < l.SoftTimeout {
		return fmt.Errorf("hard_timeout (%d) must not be shorter than soft_timeout (%d)",
			l.HardTimeout, l.SoftTimeout)
	}

	if l.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval cannot be negative, got %d", l.SweepInterval)
	}

	if l.HeartbeatTimeout < 1 {
		return fmt.Errorf("heartbeat_timeout must be at least 1 second, got %d", l.HeartbeatTimeout)
	}

	return nil
}

// Validate validates worker configuration
func (w *WorkerConfig) Validate() error {
	if !w.Isolation {
		return nil
	}

	if w.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 second, got %d", w.PollInterval)
	}

	if w.RTPPortMin < 1024 || w.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp_port_min must be an even port >= 1024, got %d", w.RTPPortMin)
	}

	if w.RTPPortMax > 65535 || w.RTPPortMax <= w.RTPPortMin+1 {
		return fmt.Errorf("rtp_port_max (%d) must leave room for at least one pair above rtp_port_min (%d)",
			w.RTPPortMax, w.RTPPortMin)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// Address returns the listener address in host:port form
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// GetWriteTimeoutDuration returns the write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetSoftTimeoutDuration returns the soft timeout as a time.Duration
func (l *LivenessConfig) GetSoftTimeoutDuration() time.Duration {
	return time.Duration(l.SoftTimeout) * time.Second
}

// GetHardTimeoutDuration returns the hard timeout as a time.Duration
func (l *LivenessConfig) GetHardTimeoutDuration() time.Duration {
	return time.Duration(l.HardTimeout) * time.Second
}

// GetSweepIntervalDuration returns the liveness sweep period, defaulting to the hard timeout
func (l *LivenessConfig) GetSweepIntervalDuration() time.Duration {
	if l.SweepInterval == 0 {
		return l.GetHardTimeoutDuration()
	}
	return time.Duration(l.SweepInterval) * time.Second
}

// GetHeartbeatTimeoutDuration returns the dead-peer threshold as a time.Duration
func (l *LivenessConfig) GetHeartbeatTimeoutDuration() time.Duration {
	return time.Duration(l.HeartbeatTimeout) * time.Second
}

// GetPollIntervalDuration returns the worker reap poll period as a time.Duration
func (w *WorkerConfig) GetPollIntervalDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}
