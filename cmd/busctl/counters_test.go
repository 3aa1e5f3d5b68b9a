package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/termbus/internal/auth"
	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/server"
	"github.com/danmuck/termbus/internal/testutil/testlog"
)

func TestFetchCountersFromAdmin(t *testing.T) {
	testlog.Start(t)
	d, c := startTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.AddCounter(ctx, 1001, []byte("k"), "busctl-test"); err != nil {
		t.Fatalf("add counter: %v", err)
	}

	admin := server.New("127.0.0.1:0", nil, d)
	ts := httptest.NewServer(admin.Router())
	defer ts.Close()

	all, err := fetchCounters(ctx, ts.Client(), ts.URL, "", nil)
	if err != nil {
		t.Fatalf("fetch counters: %v", err)
	}
	found := false
	for _, info := range all {
		if info.Label == "busctl-test" && info.TypeID == 1001 {
			found = true
		}
	}
	if !found {
		t.Fatalf("user counter missing from %+v", all)
	}

	heartbeat := counters.TypeClientHeartbeat
	filtered, err := fetchCounters(ctx, ts.Client(), ts.URL, "", &heartbeat)
	if err != nil {
		t.Fatalf("fetch filtered counters: %v", err)
	}
	if len(filtered) != 1 || filtered[0].TypeID != counters.TypeClientHeartbeat {
		t.Fatalf("expected one heartbeat counter, got %+v", filtered)
	}

	var out bytes.Buffer
	printCounters(&out, filtered)
	if !strings.HasPrefix(out.String(), "ID") {
		t.Fatalf("unexpected table: %q", out.String())
	}
}

func TestFetchCountersReportsHTTPError(t *testing.T) {
	testlog.Start(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := fetchCounters(context.Background(), ts.Client(), ts.URL, "", nil)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

func TestFetchCountersSendsToken(t *testing.T) {
	testlog.Start(t)
	d, _ := startTestBus(t)

	admin := server.New("127.0.0.1:0", nil, d)
	admin.RequireToken(auth.StaticToken{Token: "s3cret"})
	ts := httptest.NewServer(admin.Router())
	defer ts.Close()

	ctx := context.Background()
	if _, err := fetchCounters(ctx, ts.Client(), ts.URL, "", nil); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	if _, err := fetchCounters(ctx, ts.Client(), ts.URL, "s3cret", nil); err != nil {
		t.Fatalf("fetch with token: %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	if got := baseURL("127.0.0.1:7070"); got != "http://127.0.0.1:7070" {
		t.Fatalf("unexpected base url: %q", got)
	}
	if got := baseURL("https://bus.local/"); got != "https://bus.local" {
		t.Fatalf("unexpected base url: %q", got)
	}
}
