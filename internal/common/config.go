package common

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the AM's own tunables, each with a documented default that
// may be overridden by a config file or environment variable.
type Config struct {
	ZKConnect             string        `yaml:"zk_connect"`
	ZKSessionTimeout      time.Duration `yaml:"zk_session_timeout"`
	RMAddress             string        `yaml:"rm_address"`
	TrackerBindAddress    string        `yaml:"tracker_bind_address"`
	LogBrokerZKPath       string        `yaml:"log_broker_zk_path"`
	ProvisionTickInterval time.Duration `yaml:"provision_tick_interval"`
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	DrainTimeout          time.Duration `yaml:"drain_timeout"`
	ReservedMemoryMB      int64         `yaml:"reserved_memory_mb"`
}

// DefaultConfig returns sane values for a standalone run, overridden
// piecewise by environment variables or a config file in production.
func DefaultConfig() *Config {
	return &Config{
		ZKConnect:             "localhost:2181",
		ZKSessionTimeout:      10 * time.Second,
		RMAddress:             "http://localhost:8088",
		TrackerBindAddress:    "0.0.0.0:0",
		ProvisionTickInterval: 1 * time.Second,
		DefaultTimeout:        60 * time.Second,
		DrainTimeout:          5 * time.Second,
		ReservedMemoryMB:      200,
	}
}

// ApplyEnv overlays the WEAVE_* environment variables onto a config
// loaded from file, environment taking precedence.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("WEAVE_ZK_CONNECT"); v != "" {
		c.ZKConnect = v
	}
	if v := os.Getenv("WEAVE_LOG_KAFKA_ZK"); v != "" {
		c.LogBrokerZKPath = v
	}
	if v := os.Getenv("WEAVE_RESERVED_MEMORY_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.ReservedMemoryMB = n
		}
	}
}

// LoadConfig reads an optional YAML config file; a missing file is not an
// error (defaults apply), a malformed one is.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		c.ApplyEnv()
		return c, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c.ApplyEnv()
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.ApplyEnv()
	return c, nil
}
