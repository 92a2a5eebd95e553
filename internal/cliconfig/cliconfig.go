// Package cliconfig loads the relay's YAML configuration file into the
// shapes internal/cli and internal/relay consume. It follows the same
// os.Open + yaml.NewDecoder(file).Decode idiom the rest of this codebase
// uses for config loading, with defaults filled in for anything the file
// leaves zero.
package cliconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qmedia/quicrq/internal/observability"
	"github.com/qmedia/quicrq/internal/relay"
)

// Config is the fully-resolved configuration for one relay process:
// listener addresses, TLS material, the relay's wire-behavior knobs, and
// the observability exporter endpoints.
type Config struct {
	Address       string
	StatusAddr    string
	CertFile      string
	KeyFile       string
	RelayConfig   relay.Config
	Observability observability.Config
}

type yamlConfig struct {
	Server struct {
		Address    string `yaml:"address"`
		StatusAddr string `yaml:"status_addr"`
		CertFile   string `yaml:"cert_file"`
		KeyFile    string `yaml:"key_file"`
	} `yaml:"server"`

	Relay struct {
		NodeID          string `yaml:"node_id"`
		Region          string `yaml:"region"`
		TransportMode   string `yaml:"transport_mode"`
		Upstream        string `yaml:"upstream"`
		SubscribeIntent string `yaml:"subscribe_intent"`
		SubscribeOrder  string `yaml:"subscribe_order"`
		GroupCacheSize  int    `yaml:"group_cache_size"`
		FrameCapacity   int    `yaml:"frame_capacity"`
	} `yaml:"relay"`

	Cache struct {
		CacheDurationMaxSec int `yaml:"cache_duration_max_sec"`
	} `yaml:"cache"`

	Congestion struct {
		Mode     string `yaml:"mode"`
		MaxFlags int    `yaml:"max_flags"`
	} `yaml:"congestion"`

	ExtraRepeat struct {
		Policy  string `yaml:"policy"` // "on_nack" or "after_delay"
		DelayMS int    `yaml:"delay_ms"`
	} `yaml:"extra_repeat"`

	Observability struct {
		Service   string `yaml:"service"`
		TraceAddr string `yaml:"trace_addr"`
		LogAddr   string `yaml:"log_addr"`
		Metrics   bool   `yaml:"metrics"`
	} `yaml:"observability"`
}

// Load reads and decodes filename into a Config, applying defaults for any
// field the file leaves unset.
func Load(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("cliconfig: open %s: %w", filename, err)
	}
	defer file.Close()

	var y yamlConfig
	if err := yaml.NewDecoder(file).Decode(&y); err != nil {
		return nil, fmt.Errorf("cliconfig: decode %s: %w", filename, err)
	}

	cfg := &Config{
		Address:    y.Server.Address,
		StatusAddr: y.Server.StatusAddr,
		CertFile:   y.Server.CertFile,
		KeyFile:    y.Server.KeyFile,
		RelayConfig: relay.Config{
			NodeID:                y.Relay.NodeID,
			Region:                y.Relay.Region,
			TransportMode:         y.Relay.TransportMode,
			Upstream:              y.Relay.Upstream,
			SubscribeIntent:       y.Relay.SubscribeIntent,
			SubscribeOrder:        y.Relay.SubscribeOrder,
			GroupCacheSize:        y.Relay.GroupCacheSize,
			FrameCapacity:         y.Relay.FrameCapacity,
			CacheDurationMax:      time.Duration(y.Cache.CacheDurationMaxSec) * time.Second,
			CongestionControlMode: y.Congestion.Mode,
		},
		Observability: observability.Config{
			Service:   y.Observability.Service,
			TraceAddr: y.Observability.TraceAddr,
			LogAddr:   y.Observability.LogAddr,
			Metrics:   y.Observability.Metrics,
		},
	}

	if y.Congestion.MaxFlags > 0 {
		cfg.RelayConfig.CongestionMaxFlags = uint8(y.Congestion.MaxFlags)
	}

	switch y.ExtraRepeat.Policy {
	case "after_delay":
		cfg.RelayConfig.ExtraRepeatPolicy = relay.ExtraRepeatAfterDelay
	default:
		cfg.RelayConfig.ExtraRepeatPolicy = relay.ExtraRepeatOnNACK
	}
	if y.ExtraRepeat.DelayMS > 0 {
		cfg.RelayConfig.ExtraRepeatDelay = time.Duration(y.ExtraRepeat.DelayMS) * time.Millisecond
	}

	// Defaults mirroring the teacher's loadConfig fallback-to-sane-value
	// pattern: a config that omits relay tuning still runs.
	if cfg.RelayConfig.FrameCapacity == 0 {
		cfg.RelayConfig.FrameCapacity = relay.DefaultNewFrameCapacity
	}
	if cfg.RelayConfig.GroupCacheSize == 0 {
		cfg.RelayConfig.GroupCacheSize = relay.DefaultGroupCacheSize
	}

	return cfg, nil
}
