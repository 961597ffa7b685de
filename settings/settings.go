// Package settings loads and saves the safespace configuration file. The
// file lives under the user's config directory and carries only named
// options; unknown keys are ignored. Facets receive their own subsystem
// struct rather than the whole value.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// General holds options that apply across subsystems.
type General struct {
	SudoPasswordTimeoutMinutes int    `yaml:"sudo_password_timeout"`
	DefaultLogLevel            string `yaml:"default_log_level"`
	DefaultInternalMode        bool   `yaml:"default_internal_mode"`
}

// Network holds the network isolation defaults.
type Network struct {
	DefaultEnabled bool   `yaml:"default_enabled"`
	DefaultSubnet  string `yaml:"default_subnet"`
	EnableNAT      bool   `yaml:"enable_nat"`
	CreateTapDevice bool  `yaml:"create_tap_device"`

	// Condition-simulation defaults.
	SimulateConditions      bool    `yaml:"simulate_conditions"`
	DefaultLatency          string  `yaml:"default_latency"`
	DefaultJitter           string  `yaml:"default_jitter"`
	DefaultPacketLoss       float64 `yaml:"default_packet_loss"`
	DefaultPacketCorruption float64 `yaml:"default_packet_corruption"`
	DefaultPacketReordering float64 `yaml:"default_packet_reordering"`
	DefaultBandwidth        string  `yaml:"default_bandwidth"`
}

// VM holds the virtual machine defaults.
type VM struct {
	DefaultMemory        string `yaml:"default_memory"`
	DefaultCPUs          int    `yaml:"default_cpus"`
	DefaultDiskSize      string `yaml:"default_disk_size"`
	DefaultUseKVM        bool   `yaml:"default_use_kvm"`
	DefaultHeadless      bool   `yaml:"default_headless"`
	DefaultAlpineVersion string `yaml:"default_alpine_version"`
}

// Container holds the container defaults.
type Container struct {
	DefaultImage          string  `yaml:"default_image"`
	DefaultMemory         string  `yaml:"default_memory"`
	DefaultCPUs           float64 `yaml:"default_cpus"`
	DefaultStorageSize    string  `yaml:"default_storage_size"`
	DefaultNetworkEnabled bool    `yaml:"default_network_enabled"`
	DefaultPrivileged     bool    `yaml:"default_privileged"`
	DefaultMountWorkspace bool    `yaml:"default_mount_workspace"`
	PreferPodman          bool    `yaml:"prefer_podman"`
}

// Resources holds resource manager options.
type Resources struct {
	MaxCacheSizePercent int `yaml:"max_cache_size_percent"`
	LogRetentionDays    int `yaml:"log_retention_days"`
}

// Settings is the root configuration value. It is treated as immutable
// once loaded.
type Settings struct {
	General   General   `yaml:"general"`
	Network   Network   `yaml:"network"`
	VM        VM        `yaml:"vm"`
	Container Container `yaml:"container"`
	Resources Resources `yaml:"resources"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		General: General{
			SudoPasswordTimeoutMinutes: 15,
			DefaultLogLevel:            "info",
		},
		Network: Network{
			DefaultSubnet:    "192.168.100.0/24",
			EnableNAT:        true,
			CreateTapDevice:  true,
			DefaultLatency:   "50ms",
			DefaultJitter:    "10ms",
			DefaultBandwidth: "10mbit",
		},
		VM: VM{
			DefaultMemory:        "1024M",
			DefaultCPUs:          2,
			DefaultDiskSize:      "10G",
			DefaultUseKVM:        true,
			DefaultHeadless:      true,
			DefaultAlpineVersion: "3.19.1",
		},
		Container: Container{
			DefaultImage:          "alpine:latest",
			DefaultMemory:         "512m",
			DefaultCPUs:           1.0,
			DefaultStorageSize:    "5G",
			DefaultMountWorkspace: true,
		},
		Resources: Resources{
			MaxCacheSizePercent: 10,
			LogRetentionDays:    7,
		},
	}
}

// DefaultPath returns the standard settings file location,
// ~/.config/safespace/config.yaml.
func DefaultPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(cfgDir, "safespace", "config.yaml"), nil
}

// Load reads settings from path. A missing file yields the defaults; a
// present file is decoded over the defaults so partial files work.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("parse settings: %w", err)
	}
	return s, nil
}

// Save writes settings to path, creating parent directories as needed.
func Save(s Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
