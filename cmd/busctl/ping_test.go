package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/termbus/internal/client"
	"github.com/danmuck/termbus/internal/config"
	"github.com/danmuck/termbus/internal/driver"
	"github.com/danmuck/termbus/internal/testutil/testlog"
)

func startTestBus(t *testing.T) (*driver.Embedded, *client.Client) {
	t.Helper()
	busCfg = config.Default()
	d, err := startDriver()
	if err != nil {
		t.Fatalf("start driver: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	c, err := startClient(d)
	if err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return d, c
}

func TestRunPingDeliversEveryMessage(t *testing.T) {
	testlog.Start(t)
	_, c := startTestBus(t)

	p := defaultProfile()
	p.Messages = 500
	p.MessageSize = 64
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := runPing(ctx, c, p)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Sent != p.Messages || res.Received != p.Messages {
		t.Fatalf("sent=%d received=%d want %d", res.Sent, res.Received, p.Messages)
	}
	if len(res.Latencies) != p.Messages {
		t.Fatalf("expected one latency per message, got %d", len(res.Latencies))
	}
	if res.percentile(0.5) > res.percentile(1) {
		t.Fatalf("latencies not sorted")
	}

	var out bytes.Buffer
	printPing(&out, p, res)
	if !strings.Contains(out.String(), "received:") || !strings.Contains(out.String(), "p99=") {
		t.Fatalf("unexpected summary: %s", out.String())
	}
}

func TestRunPingFragmentedMessages(t *testing.T) {
	testlog.Start(t)
	_, c := startTestBus(t)

	p := defaultProfile()
	p.Messages = 20
	p.MessageSize = 4000
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := runPing(ctx, c, p)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if res.Received != p.Messages {
		t.Fatalf("received=%d want %d", res.Received, p.Messages)
	}
}

func TestRunPingHonorsDeadline(t *testing.T) {
	testlog.Start(t)
	_, c := startTestBus(t)

	p := defaultProfile()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := runPing(ctx, c, p); err == nil {
		t.Fatalf("expected cancelled ping to fail")
	}
}
