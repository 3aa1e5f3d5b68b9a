package client

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/termbus/internal/testutil/testlog"
)

func TestAsyncResolvesExactlyOnce(t *testing.T) {
	testlog.Start(t)

	var a async[*int]
	if v, err := a.poll(); v != nil || err != nil {
		t.Fatalf("pending poll should be (nil, nil), got (%v, %v)", v, err)
	}
	x := 7
	if !a.resolve(&x) {
		t.Fatalf("first resolve should win")
	}
	if a.resolve(&x) || a.fail(errors.New("late")) {
		t.Fatalf("second completion must be ignored")
	}
	v, err := a.poll()
	if err != nil || v == nil || *v != 7 {
		t.Fatalf("expected resolved value, got (%v, %v)", v, err)
	}
	if _, err := a.poll(); !errors.Is(err, ErrAsyncConsumed) {
		t.Fatalf("expected ErrAsyncConsumed, got %v", err)
	}
}

func TestAsyncFailureIsTerminal(t *testing.T) {
	testlog.Start(t)

	var a async[*int]
	a.fail(ErrDriverTimeout)
	if _, err := a.poll(); !errors.Is(err, ErrDriverTimeout) {
		t.Fatalf("expected ErrDriverTimeout, got %v", err)
	}
	if _, err := a.poll(); !errors.Is(err, ErrAsyncConsumed) {
		t.Fatalf("expected ErrAsyncConsumed after failure, got %v", err)
	}
}

func TestAsyncConcurrentPollersSeeOneResult(t *testing.T) {
	testlog.Start(t)

	var a async[*int]
	x := 1
	a.resolve(&x)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.poll()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case v != nil && err == nil:
				wins++
			case errors.Is(err, ErrAsyncConsumed):
				other++
			}
		}()
	}
	wg.Wait()
	if wins != 1 || other != 15 {
		t.Fatalf("expected one winner and 15 consumed, got wins=%d consumed=%d", wins, other)
	}
}

func TestOfferStatusHelpers(t *testing.T) {
	testlog.Start(t)

	for _, status := range []int64{NotConnected, BackPressured, AdminAction} {
		if !IsRetryable(status) {
			t.Fatalf("%s should be retryable", StatusName(status))
		}
	}
	for _, status := range []int64{PublicationClosed, MaxPositionExceeded, MessageTooLong} {
		if IsRetryable(status) {
			t.Fatalf("%s should not be retryable", StatusName(status))
		}
	}
	if !errors.Is(ErrorForStatus(BackPressured), ErrBackPressured) {
		t.Fatalf("back pressure error mismatch")
	}
	if ErrorForStatus(4096) != nil || StatusName(4096) != "ok" {
		t.Fatalf("positions are not errors")
	}
}

func TestContextValidate(t *testing.T) {
	testlog.Start(t)

	if err := NewContext(nil).Validate(); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("missing driver should fail, got %v", err)
	}
	var nilCtx *Context
	if err := nilCtx.Validate(); !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("nil context should fail, got %v", err)
	}
	ctx := NewContext(nil)
	if ctx.ClientName == "" {
		t.Fatalf("default client name should be set")
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ctx.Close(); err != nil || !ctx.IsClosed() {
		t.Fatalf("close should be idempotent: err=%v closed=%v", err, ctx.IsClosed())
	}
}
