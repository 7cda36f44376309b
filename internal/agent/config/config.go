package config

import (
	"fmt"
	"os"

	"candy-panel/util/common"

	"gopkg.in/yaml.v3"
)

type InterfaceConfig struct {
	WG           int    `yaml:"wg"`
	AddressRange string `yaml:"address_range"`
	Port         int    `yaml:"port"`
}

type Config struct {
	ListenAddr   string            `yaml:"listen_addr"`
	APIKey       string            `yaml:"api_key"`
	ServerIP     string            `yaml:"server_ip"`
	DNS          string            `yaml:"dns"`
	MTU          int               `yaml:"mtu"`
	SyncInterval string            `yaml:"sync_interval"`
	LogLevel     string            `yaml:"log_level"`
	Interfaces   []InterfaceConfig `yaml:"interfaces"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return common.NewError("config is nil")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":1212"
	}
	if c.DNS == "" {
		c.DNS = "8.8.8.8"
	}
	if c.MTU == 0 {
		c.MTU = 1420
	}
	if c.SyncInterval == "" {
		c.SyncInterval = "5m"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Interfaces) == 0 {
		c.Interfaces = []InterfaceConfig{{WG: 0, AddressRange: "10.0.0.1/24", Port: 51820}}
	}
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return common.NewError("api_key is required")
	}
	if c.MTU < 576 || c.MTU > 9000 {
		return common.NewErrorf("mtu %d out of range", c.MTU)
	}
	seen := make(map[int]bool, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		if iface.AddressRange == "" || iface.Port <= 0 || iface.Port > 65535 {
			return common.NewErrorf("interface wg%d needs address_range and a valid port", iface.WG)
		}
		if seen[iface.WG] {
			return common.NewErrorf("interface wg%d declared twice", iface.WG)
		}
		seen[iface.WG] = true
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s server_ip=%s interfaces=%d", c.ListenAddr, c.ServerIP, len(c.Interfaces))
}
