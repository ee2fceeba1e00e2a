// Package brokercfg loads the broker's configuration from a YAML file with
// environment-variable overrides, following the teacher's core/mdp.Config /
// LoadConfig pattern (default struct, file load, env override, Validate)
// but via spf13/viper rather than hand-rolled os.Getenv calls, matching the
// pack's client/cmd cobra+viper usage.
package brokercfg

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix LoadConfig registers with
// viper, e.g. RDMNET_BROKER_SCOPE overrides scope.
const EnvPrefix = "RDMNET_BROKER"

// LokiConfig configures the optional Loki logging sink, matching
// core/config.LokiConfig's shape (address + static labels).
type LokiConfig struct {
	Address string            `yaml:"address" mapstructure:"address"`
	Labels  map[string]string `yaml:"labels" mapstructure:"labels"`
}

// LogConfig configures internal/rlog, matching core/config.LogConfig's shape.
type LogConfig struct {
	Formatter string     `yaml:"formatter" mapstructure:"formatter"`
	Level     string     `yaml:"level" mapstructure:"level"`
	Loki      LokiConfig `yaml:"loki" mapstructure:"loki"`
}

// UIDConfig is spec.md §6's "uid: {static RdmUid} or dynamic-to-assign,
// required, one-of".
type UIDConfig struct {
	Dynamic      bool   `yaml:"dynamic" mapstructure:"dynamic"`
	Manufacturer uint16 `yaml:"manufacturer" mapstructure:"manufacturer"`
	Device       uint32 `yaml:"device" mapstructure:"device"`
}

// TXTItem is one {key, value bytes} pair of spec.md §6's
// dns.additional_txt_items.
type TXTItem struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Value string `yaml:"value" mapstructure:"value"`
}

// DNSConfig holds the dns.* discovery metadata options of spec.md §6.
type DNSConfig struct {
	Manufacturer        string    `yaml:"manufacturer" mapstructure:"manufacturer"`
	Model               string    `yaml:"model" mapstructure:"model"`
	ServiceInstanceName string    `yaml:"service_instance_name" mapstructure:"service_instance_name"`
	AdditionalTXTItems  []TXTItem `yaml:"additional_txt_items" mapstructure:"additional_txt_items"`
}

// Config is the full set of spec.md §6 configuration options.
type Config struct {
	CID string    `yaml:"cid" mapstructure:"cid"`
	UID UIDConfig `yaml:"uid" mapstructure:"uid"`

	Scope string `yaml:"scope" mapstructure:"scope"`

	ListenPort  uint16   `yaml:"listen_port" mapstructure:"listen_port"`
	ListenAddrs []string `yaml:"listen_addrs" mapstructure:"listen_addrs"`
	ListenMACs  []string `yaml:"listen_macs" mapstructure:"listen_macs"`

	MaxConnections        int `yaml:"max_connections" mapstructure:"max_connections"`
	MaxControllers        int `yaml:"max_controllers" mapstructure:"max_controllers"`
	MaxDevices            int `yaml:"max_devices" mapstructure:"max_devices"`
	MaxRejectConnections  int `yaml:"max_reject_connections" mapstructure:"max_reject_connections"`
	MaxControllerMessages int `yaml:"max_controller_messages" mapstructure:"max_controller_messages"`
	MaxDeviceMessages     int `yaml:"max_device_messages" mapstructure:"max_device_messages"`

	DNS DNSConfig `yaml:"dns" mapstructure:"dns"`
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with the teacher's style of sensible
// defaults for every non-required field. CID and UID have no meaningful
// default (spec.md §6 marks both required) and are left zero-valued;
// LoadConfig generates a CID when one is still empty after loading.
func DefaultConfig() *Config {
	return &Config{
		Scope:                 "default",
		MaxConnections:        0,
		MaxControllers:        0,
		MaxDevices:            0,
		MaxRejectConnections:  4,
		MaxControllerMessages: 500,
		MaxDeviceMessages:     500,
		DNS: DNSConfig{
			Manufacturer:        "RDMnet-sub004",
			Model:               "RDMnet Broker",
			ServiceInstanceName: "RDMnet Broker",
		},
		Log: LogConfig{
			Formatter: "text",
			Level:     "info",
		},
	}
}

// LoadConfig reads filename (if non-empty and it exists) as YAML into a
// Config seeded from DefaultConfig, then applies RDMNET_BROKER_-prefixed
// environment overrides via viper, then validates. An empty filename loads
// defaults plus environment overrides only.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so each key that can be
	// overridden from the environment is bound explicitly.
	for _, key := range []string{
		"cid", "uid.dynamic", "uid.manufacturer", "uid.device", "scope",
		"listen_port", "listen_addrs", "listen_macs",
		"max_connections", "max_controllers", "max_devices", "max_reject_connections",
		"max_controller_messages", "max_device_messages",
		"dns.manufacturer", "dns.model", "dns.service_instance_name",
		"log.formatter", "log.level", "log.loki.address",
	} {
		_ = v.BindEnv(key)
	}

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("brokercfg: failed to read config file %s: %w", filename, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("brokercfg: failed to decode configuration: %w", err)
	}

	if cfg.CID == "" {
		cfg.CID = uuid.New().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §6 implies: a parseable CID, a
// scope within the 62-byte limit, and non-negative caps.
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.CID); err != nil {
		return fmt.Errorf("brokercfg: invalid cid %q: %w", c.CID, err)
	}
	if len(c.Scope) == 0 || len(c.Scope) > 62 {
		return fmt.Errorf("brokercfg: scope must be 1-62 bytes, got %d", len(c.Scope))
	}
	if !c.UID.Dynamic {
		if c.UID.Device == 0 || c.UID.Device == 0xFFFFFFFF {
			return fmt.Errorf("brokercfg: static uid device field cannot be 0 or the broadcast sentinel")
		}
	}
	if c.ListenPort == 0 && len(c.ListenAddrs) > 1 {
		return fmt.Errorf("brokercfg: listen_port 0 (ephemeral) is only allowed with a single listen address")
	}
	for _, n := range []int{c.MaxConnections, c.MaxControllers, c.MaxDevices, c.MaxRejectConnections, c.MaxControllerMessages, c.MaxDeviceMessages} {
		if n < 0 {
			return fmt.Errorf("brokercfg: capacity fields cannot be negative")
		}
	}
	return nil
}
