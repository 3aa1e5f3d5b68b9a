package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bus":
		return busTemplate, nil
	case "busctl":
		return busctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const busTemplate = `[client]
name = "termbus-client"
keepalive_interval = "500ms"
driver_timeout = "10s"
resource_linger = "3s"
idle_sleep_max = "1ms"
max_pending_commands = 1024
pre_touch_mapped_logs = false

[driver]
term_length = "1m"
ipc_term_length = "1m"
mtu = "1408"
publication_linger = "5s"
client_liveness_timeout = "10s"
timer_interval = "1ms"
counters_capacity = 1024
command_queue_capacity = 4096
response_queue_capacity = 4096

[admin]
addr = "127.0.0.1:7070"
cors_origins = ["http://localhost:3000"]
token = ""
`

const busctlTemplate = `bus_config = "cmd/busctl/bus.toml"
listen = "127.0.0.1:7070"
channel = "termbus:ipc"
stream_id = 1001
messages = 10000
message_size = 256
`

// profileKeys mirrors the keys busctl reads from its profile.
type profileKeys struct {
	BusConfig   string `toml:"bus_config"`
	Listen      string `toml:"listen"`
	Channel     string `toml:"channel"`
	StreamID    int32  `toml:"stream_id"`
	Messages    int    `toml:"messages"`
	MessageSize int    `toml:"message_size"`
}

// ValidateProfile checks that a busctl profile only uses known keys and that
// the bus config it points at, if any, loads.
func ValidateProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("profile load failed (%s): %w", path, err)
	}
	var keys profileKeys
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&keys); err != nil {
		return fmt.Errorf("profile parse failed (%s): %w", path, err)
	}
	if ref := strings.TrimSpace(keys.BusConfig); ref != "" {
		if _, err := Load(ref); err != nil {
			return err
		}
	}
	return nil
}
