package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/termbus/internal/client"
	"github.com/danmuck/termbus/internal/testutil/testlog"
)

func TestBusTemplateLoadsAndValidates(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "bus.toml")
	if err := WriteTemplate(path, "bus", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "bus", false); err == nil {
		t.Fatalf("expected overwrite protection")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dc, err := cfg.Driver.ToDriver()
	if err != nil {
		t.Fatalf("driver config: %v", err)
	}
	if dc.TermLength != 1<<20 || dc.MTU != 1408 || dc.PublicationLinger != 5*time.Second {
		t.Fatalf("unexpected driver config: %+v", dc)
	}
	if cfg.Admin.Addr != "127.0.0.1:7070" {
		t.Fatalf("unexpected admin addr: %q", cfg.Admin.Addr)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := Parse([]byte(`
[client]
name = "ingest"
keepalive_interval = "100ms"

[driver]
term_length = "64k"
publication_linger = "0s"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dc, err := cfg.Driver.ToDriver()
	if err != nil {
		t.Fatalf("driver config: %v", err)
	}
	if dc.TermLength != 64*1024 || dc.PublicationLinger != 0 {
		t.Fatalf("overrides not applied: %+v", dc)
	}
	if dc.IPCTermLength != 1<<20 {
		t.Fatalf("defaults lost: ipc term length %d", dc.IPCTermLength)
	}

	ctx := client.NewContext(nil)
	if err := cfg.Client.Apply(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ctx.ClientName != "ingest" || ctx.KeepaliveInterval != 100*time.Millisecond || ctx.DriverTimeout != 10*time.Second {
		t.Fatalf("client overrides not applied: name=%q keepalive=%v timeout=%v", ctx.ClientName, ctx.KeepaliveInterval, ctx.DriverTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"term length not a power of two": "[driver]\nterm_length = \"100k\"\n",
		"bad duration":                   "[client]\nresource_linger = \"soon\"\n",
		"timeout under keepalive":        "[client]\nkeepalive_interval = \"5s\"\ndriver_timeout = \"1s\"\n",
		"empty admin addr":               "[admin]\naddr = \"\"\n",
		"mtu larger than term":           "[driver]\nterm_length = \"64k\"\nmtu = \"128k\"\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEncodeRoundTripsDefaults(t *testing.T) {
	testlog.Start(t)

	data, err := Encode(Default())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), "term_length") {
		t.Fatalf("encoded config missing driver section: %s", data)
	}
	if _, err := Parse(data); err != nil {
		t.Fatalf("encoded defaults do not parse: %v", err)
	}
}

func TestUnknownTemplateKind(t *testing.T) {
	testlog.Start(t)

	if _, err := Template("cluster"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	path := filepath.Join(t.TempDir(), "x.toml")
	if err := WriteTemplate(path, "nope", true); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("unexpected file")
	}
}

func TestValidateProfile(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	busPath := filepath.Join(dir, "bus.toml")
	if err := WriteTemplate(busPath, "bus", false); err != nil {
		t.Fatalf("write bus template: %v", err)
	}
	profilePath := filepath.Join(dir, "config.toml")
	doc := "bus_config = \"" + filepath.ToSlash(busPath) + "\"\nstream_id = 7\n"
	if err := os.WriteFile(profilePath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if err := ValidateProfile(profilePath); err != nil {
		t.Fatalf("validate profile: %v", err)
	}

	if err := os.WriteFile(profilePath, []byte("stream = 7\n"), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if err := ValidateProfile(profilePath); err == nil {
		t.Fatalf("expected unknown key to fail")
	}

	missing := "bus_config = \"" + filepath.ToSlash(filepath.Join(dir, "absent.toml")) + "\"\n"
	if err := os.WriteFile(profilePath, []byte(missing), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if err := ValidateProfile(profilePath); err == nil {
		t.Fatalf("expected missing bus config to fail")
	}
}
