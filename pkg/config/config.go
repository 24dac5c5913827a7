package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration, read from a YAML file
// with environment-variable overrides layered on top.
type Config struct {
	// Namespace prefixes every bus subject; one namespace per
	// control-plane deployment.
	Namespace string `yaml:"namespace"`

	Broker  BrokerConfig  `yaml:"broker"`
	Data    DataConfig    `yaml:"data"`
	DHCP    DHCPConfig    `yaml:"dhcp"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Tasks   TaskConfig    `yaml:"tasks"`
	Metrics MetricsConfig `yaml:"metrics"`
	Admin   AdminConfig   `yaml:"admin"`
}

// BrokerConfig locates the message broker.
type BrokerConfig struct {
	URL       string        `yaml:"url"`
	KeepAlive time.Duration `yaml:"keepAlive"`
}

// DataConfig locates persistent storage.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// DHCPConfig parameterizes the address allocator.
type DHCPConfig struct {
	Mask     string `yaml:"mask"`
	Reserved []int  `yaml:"reserved"`
	Probe    bool   `yaml:"probe"`
}

// ProxyConfig locates the managed reverse-proxy file.
type ProxyConfig struct {
	ConfigPath string `yaml:"configPath"`
}

// TaskConfig tunes the dispatcher.
type TaskConfig struct {
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AdminConfig carries the sysadmin bootstrap credentials agents use to join.
type AdminConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Namespace: "helmsman",
		Broker: BrokerConfig{
			URL:       "nats://127.0.0.1:4222",
			KeepAlive: 30 * time.Second,
		},
		Data: DataConfig{
			Dir: "/var/lib/helmsman",
		},
		DHCP: DHCPConfig{
			Mask:     "10.0.0",
			Reserved: []int{1},
			Probe:    true,
		},
		Proxy: ProxyConfig{
			ConfigPath: "/etc/helmsman/proxy.conf",
		},
		Tasks: TaskConfig{
			StaleAfter: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads path (optional, "" skips the file) over the defaults, then
// applies HELMSMAN_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HELMSMAN_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("HELMSMAN_BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("HELMSMAN_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("HELMSMAN_DHCP_MASK"); v != "" {
		c.DHCP.Mask = v
	}
	if v := os.Getenv("HELMSMAN_DHCP_RESERVED"); v != "" {
		reserved, err := parseOctetList(v)
		if err != nil {
			return fmt.Errorf("HELMSMAN_DHCP_RESERVED: %w", err)
		}
		c.DHCP.Reserved = reserved
	}
	if v := os.Getenv("HELMSMAN_DHCP_PROBE"); v != "" {
		probe, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HELMSMAN_DHCP_PROBE: %w", err)
		}
		c.DHCP.Probe = probe
	}
	if v := os.Getenv("HELMSMAN_PROXY_CONFIG"); v != "" {
		c.Proxy.ConfigPath = v
	}
	if v := os.Getenv("HELMSMAN_TASK_STALE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HELMSMAN_TASK_STALE_AFTER: %w", err)
		}
		c.Tasks.StaleAfter = d
	}
	if v := os.Getenv("HELMSMAN_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("HELMSMAN_ADMIN_USER"); v != "" {
		c.Admin.User = v
	}
	if v := os.Getenv("HELMSMAN_ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace must not be empty")
	}
	if strings.ContainsAny(c.Namespace, ".*> ") {
		return fmt.Errorf("namespace %q contains subject delimiter characters", c.Namespace)
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker url must not be empty")
	}
	if strings.Count(c.DHCP.Mask, ".") != 2 {
		return fmt.Errorf("dhcp mask %q must be a three-octet prefix", c.DHCP.Mask)
	}
	for _, octet := range c.DHCP.Reserved {
		if octet < 0 || octet > 255 {
			return fmt.Errorf("reserved octet %d out of range", octet)
		}
	}
	if c.Tasks.StaleAfter <= 0 {
		return fmt.Errorf("task staleAfter must be positive")
	}
	return nil
}

func parseOctetList(s string) ([]int, error) {
	var octets []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid octet %q", part)
		}
		octets = append(octets, n)
	}
	return octets, nil
}
