package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BusConfig is the on-disk configuration for a process hosting a driver,
// its admin surface and clients.
type BusConfig struct {
	Client ClientConfig `toml:"client"`
	Driver DriverConfig `toml:"driver"`
	Admin  AdminConfig  `toml:"admin"`
}

type ClientConfig struct {
	Name               string `toml:"name"`
	KeepaliveInterval  string `toml:"keepalive_interval"`
	DriverTimeout      string `toml:"driver_timeout"`
	ResourceLinger     string `toml:"resource_linger"`
	IdleSleepMax       string `toml:"idle_sleep_max"`
	MaxPendingCommands int    `toml:"max_pending_commands"`
	PreTouchMappedLogs bool   `toml:"pre_touch_mapped_logs"`
}

type DriverConfig struct {
	TermLength            string `toml:"term_length"`
	IPCTermLength         string `toml:"ipc_term_length"`
	MTU                   string `toml:"mtu"`
	PublicationLinger     string `toml:"publication_linger"`
	ClientLivenessTimeout string `toml:"client_liveness_timeout"`
	TimerInterval         string `toml:"timer_interval"`
	CountersCapacity      int    `toml:"counters_capacity"`
	CommandQueueCapacity  int    `toml:"command_queue_capacity"`
	ResponseQueueCapacity int    `toml:"response_queue_capacity"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	// Token, when set, is required as a bearer token on /resources and /counters.
	Token string `toml:"token"`
}

// Default mirrors the built-in defaults of the driver and client packages.
func Default() BusConfig {
	return BusConfig{
		Client: ClientConfig{
			KeepaliveInterval:  "500ms",
			DriverTimeout:      "10s",
			ResourceLinger:     "3s",
			IdleSleepMax:       "1ms",
			MaxPendingCommands: 1024,
		},
		Driver: DriverConfig{
			TermLength:            "1m",
			IPCTermLength:         "1m",
			MTU:                   "1408",
			PublicationLinger:     "5s",
			ClientLivenessTimeout: "10s",
			TimerInterval:         "1ms",
			CountersCapacity:      1024,
			CommandQueueCapacity:  4096,
			ResponseQueueCapacity: 4096,
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:7070",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (BusConfig, error) {
	cfg := Default()
	if err := loadToml(path, &cfg); err != nil {
		return BusConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return BusConfig{}, err
	}
	return cfg, nil
}

// Parse decodes a config document held in memory.
func Parse(data []byte) (BusConfig, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return BusConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return BusConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Encode renders cfg as TOML.
func Encode(cfg BusConfig) ([]byte, error) {
	return toml.Marshal(cfg)
}

func Validate(cfg BusConfig) error {
	if _, err := cfg.Driver.ToDriver(); err != nil {
		return fmt.Errorf("driver config invalid: %w", err)
	}
	if err := cfg.Client.validate(); err != nil {
		return fmt.Errorf("client config invalid: %w", err)
	}
	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		return fmt.Errorf("admin config missing addr")
	}
	return nil
}
