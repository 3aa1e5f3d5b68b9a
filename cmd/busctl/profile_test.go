package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/termbus/internal/channel"
	"github.com/danmuck/termbus/internal/config"
)

func TestLoadProfileTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteTemplate(path, "busctl", false); err != nil {
		t.Fatalf("write template: %v", err)
	}

	p, err := loadProfile(path, false)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if p.BusConfig != "cmd/busctl/bus.toml" {
		t.Fatalf("unexpected bus config: %q", p.BusConfig)
	}
	if p.Channel != channel.IPC || p.StreamID != 1001 {
		t.Fatalf("unexpected channel/stream: %q/%d", p.Channel, p.StreamID)
	}
	if p.Messages != 10000 || p.MessageSize != 256 {
		t.Fatalf("unexpected workload: %d x %d", p.Messages, p.MessageSize)
	}
}

func TestLoadProfileOverlaysOnlyDefinedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := "channel = \"termbus:udp?endpoint=localhost:24325\"\nmessages = 5\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	p, err := loadProfile(path, false)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	def := defaultProfile()
	if p.Channel != "termbus:udp?endpoint=localhost:24325" || p.Messages != 5 {
		t.Fatalf("overlay not applied: %+v", p)
	}
	if p.StreamID != def.StreamID || p.MessageSize != def.MessageSize || p.Listen != def.Listen {
		t.Fatalf("undefined keys changed: %+v", p)
	}
	if p.BusConfig != "" {
		t.Fatalf("expected no bus config, got %q", p.BusConfig)
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")

	p, err := loadProfile(path, true)
	if err != nil {
		t.Fatalf("missing profile should fall back to defaults: %v", err)
	}
	if p != defaultProfile() {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if _, err := loadProfile(path, false); err == nil {
		t.Fatalf("expected explicit missing profile to fail")
	}
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	cases := []struct{ doc, want string }{
		{"stream_id = 0\n", "stream_id"},
		{"stream_id = 4294967296\n", "stream_id"},
		{"channel = \"udp://x\"\n", "channel"},
		{"channel = \"termbus:udp\"\n", "channel"},
		{"message_size = 4\n", "message_size"},
		{"messages = 0\n", "messages"},
		{"listen = \"\"\n", "listen"},
		{"unknown_key = true\n", "unknown_key"},
	}
	dir := t.TempDir()
	for i, tc := range cases {
		path := filepath.Join(dir, fmt.Sprintf("bad-%d.toml", i))
		if err := os.WriteFile(path, []byte(tc.doc), 0o600); err != nil {
			t.Fatalf("write profile: %v", err)
		}
		_, err := loadProfile(path, false)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("profile %q: expected error mentioning %q, got %v", tc.doc, tc.want, err)
		}
	}
}
