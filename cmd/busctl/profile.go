package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/termbus/internal/channel"
)

const defaultProfilePath = "cmd/busctl/config.toml"

// profile holds the busctl-level settings that sit beside the bus config.
type profile struct {
	BusConfig   string
	Listen      string
	Channel     string
	StreamID    int32
	Messages    int
	MessageSize int
}

type fileProfile struct {
	BusConfig   string `toml:"bus_config"`
	Listen      string `toml:"listen"`
	Channel     string `toml:"channel"`
	StreamID    int64  `toml:"stream_id"`
	Messages    int    `toml:"messages"`
	MessageSize int    `toml:"message_size"`
}

func defaultProfile() profile {
	return profile{
		Listen:      "127.0.0.1:7070",
		Channel:     channel.IPC,
		StreamID:    1001,
		Messages:    10000,
		MessageSize: 256,
	}
}

// loadProfile overlays the keys defined in path onto the defaults. A missing
// file yields the defaults when allowMissing is set.
func loadProfile(path string, allowMissing bool) (profile, error) {
	p := defaultProfile()

	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return profile{}, fmt.Errorf("load busctl profile: %w", err)
	}

	if meta.IsDefined("bus_config") {
		p.BusConfig = strings.TrimSpace(raw.BusConfig)
	}
	if meta.IsDefined("listen") {
		p.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("channel") {
		p.Channel = strings.TrimSpace(raw.Channel)
	}
	if meta.IsDefined("stream_id") {
		if raw.StreamID == 0 || raw.StreamID != int64(int32(raw.StreamID)) {
			return profile{}, fmt.Errorf("stream_id must be a non-zero int32, got %d", raw.StreamID)
		}
		p.StreamID = int32(raw.StreamID)
	}
	if meta.IsDefined("messages") {
		p.Messages = raw.Messages
	}
	if meta.IsDefined("message_size") {
		p.MessageSize = raw.MessageSize
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return profile{}, fmt.Errorf("unknown busctl profile key %q", undecoded[0].String())
	}
	if err := p.validate(); err != nil {
		return profile{}, err
	}
	return p, nil
}

func (p profile) validate() error {
	if _, err := channel.Parse(p.Channel); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if p.Listen == "" {
		return errors.New("listen must not be empty")
	}
	if p.Messages <= 0 {
		return fmt.Errorf("messages must be positive, got %d", p.Messages)
	}
	if p.MessageSize < 8 {
		return fmt.Errorf("message_size must be at least 8, got %d", p.MessageSize)
	}
	return nil
}
