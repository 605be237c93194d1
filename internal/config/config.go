package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LANConfig holds the virtual LAN emulation parameters for the agent.
type LANConfig struct {
	GatewayIP    string `yaml:"gateway_ip"`
	SubnetMask   string `yaml:"subnet_mask"`
	Lease        string `yaml:"lease"`
	HostTimeout  string `yaml:"host_timeout"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// SessionConfig holds the relay session timing parameters.
type SessionConfig struct {
	KeepaliveInterval string `yaml:"keepalive_interval"`
	TimeoutMultiple   int    `yaml:"timeout_multiple"`
	MaxRetries        int    `yaml:"max_retries"`
}

// DispatchConfig holds the dispatcher queue sizing.
type DispatchConfig struct {
	TransmitQueueSize int `yaml:"transmit_queue_size"`
	CaptureQueueSize  int `yaml:"capture_queue_size"`
}

// TraceConfig enables the optional pcap trace of tunneled frames.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AgentConfig is the configuration for the capture agent (ll-agent).
type AgentConfig struct {
	Interface  string         `yaml:"interface"`
	RelayAddr  string         `yaml:"relay_addr"`
	ClientName string         `yaml:"client_name"`
	LAN        LANConfig      `yaml:"lan"`
	Session    SessionConfig  `yaml:"session"`
	Dispatch   DispatchConfig `yaml:"dispatch"`
	Trace      TraceConfig    `yaml:"trace"`
}

// AdminConfig holds the relay's HTTP admin API settings.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// NotifyConfig holds the optional NATS event publisher settings.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig holds the connection settings for the stats sink.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StatsConfig holds the optional ClickHouse traffic-stats writer settings.
type StatsConfig struct {
	Enabled       bool             `yaml:"enabled"`
	FlushInterval string           `yaml:"flush_interval"`
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
}

// RelayConfig is the configuration for the relay server (ll-relay).
type RelayConfig struct {
	ListenAddr  string       `yaml:"listen_addr"`
	MaxSessions int          `yaml:"max_sessions"`
	IdleTimeout string       `yaml:"idle_timeout"`
	Admin       AdminConfig  `yaml:"admin"`
	Notify      NotifyConfig `yaml:"notify"`
	Stats       StatsConfig  `yaml:"stats"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
	Relay RelayConfig `yaml:"relay"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	return &cfg, nil
}

// Duration parses s as a time.Duration, falling back to def when s is empty
// or invalid. Durations appear in the YAML as strings like "10s" or "1h".
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
