package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/termbus/internal/driver"
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/testutil/testlog"
)

const testStreamID int32 = 1001

var testChannels = []struct {
	name string
	uri  string
}{
	{name: "ipc", uri: "termbus:ipc"},
	{name: "udp", uri: "termbus:udp?endpoint=localhost:24325"},
}

func withParam(uri, param string) string {
	if strings.Contains(uri, "?") {
		return uri + "|" + param
	}
	return uri + "?" + param
}

func newTestDriver(t *testing.T, mutate func(*driver.Config)) *driver.Embedded {
	t.Helper()
	cfg := driver.DefaultConfig()
	cfg.TermLength = 64 * 1024
	cfg.IPCTermLength = 64 * 1024
	cfg.PublicationLinger = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := driver.New(cfg)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start driver: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func initTestClient(t *testing.T, d *driver.Embedded, mutate func(*Context)) *Client {
	t.Helper()
	ctx := NewContext(d)
	ctx.ResourceLinger = 10 * time.Millisecond
	if mutate != nil {
		mutate(ctx)
	}
	c, err := Init(ctx)
	if err != nil {
		t.Fatalf("init client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTestClient(t *testing.T, d *driver.Embedded, mutate func(*Context)) *Client {
	t.Helper()
	c := initTestClient(t, d, mutate)
	if err := c.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func resolve[T any](t *testing.T, what string, poll func() (*T, error)) *T {
	t.Helper()
	var out *T
	waitFor(t, what, func() bool {
		v, err := poll()
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
		out = v
		return v != nil
	})
	return out
}

func addPublication(t *testing.T, c *Client, uri string) *Publication {
	t.Helper()
	h, err := c.AsyncAddPublication(uri, testStreamID)
	if err != nil {
		t.Fatalf("async add publication: %v", err)
	}
	return resolve(t, "publication", h.Poll)
}

func addSubscription(t *testing.T, c *Client, uri string, onAvailable, onUnavailable ImageHandler) *Subscription {
	t.Helper()
	h, err := c.AsyncAddSubscription(uri, testStreamID, onAvailable, onUnavailable)
	if err != nil {
		t.Fatalf("async add subscription: %v", err)
	}
	return resolve(t, "subscription", h.Poll)
}

type offerer interface {
	Offer(buf []byte, reserved logbuffer.ReservedValueSupplier) int64
	IsConnected() bool
}

func offerUntil(t *testing.T, pub offerer, msg []byte, sub *Subscription, handler logbuffer.FragmentHandler) int64 {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		result := pub.Offer(msg, nil)
		if result > 0 {
			return result
		}
		if !IsRetryable(result) {
			t.Fatalf("offer failed: %s", StatusName(result))
		}
		if sub != nil {
			sub.Poll(handler, 10)
		}
		if time.Now().After(deadline) {
			t.Fatalf("offer still %s at deadline", StatusName(result))
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func TestAddAndClosePublication(t *testing.T) {
	for _, ch := range testChannels {
		t.Run(ch.name, func(t *testing.T) {
			testlog.Start(t)
			d := newTestDriver(t, nil)
			c := newTestClient(t, d, nil)

			h, err := c.AsyncAddPublication(ch.uri, testStreamID)
			if err != nil {
				t.Fatalf("async add: %v", err)
			}
			pub := resolve(t, "publication", h.Poll)
			if pub.RegistrationID() != h.RegistrationID() {
				t.Fatalf("registration id %d != correlation id %d", pub.RegistrationID(), h.RegistrationID())
			}
			if _, err := h.Poll(); !errors.Is(err, ErrAsyncConsumed) {
				t.Fatalf("expected consumed handle, got %v", err)
			}
			consts, err := pub.Constants()
			if err != nil {
				t.Fatalf("constants: %v", err)
			}
			if consts.Channel != ch.uri || consts.StreamID != testStreamID || consts.TermBufferLength != 64*1024 {
				t.Fatalf("unexpected constants: %+v", consts)
			}

			var closed atomic.Int32
			if err := pub.Close(func() { closed.Add(1) }); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := pub.Close(nil); !errors.Is(err, ErrAlreadyClosed) {
				t.Fatalf("second close should fail with ErrAlreadyClosed, got %v", err)
			}
			if _, err := pub.Constants(); !errors.Is(err, ErrResourceClosed) {
				t.Fatalf("constants after close should fail, got %v", err)
			}
			waitFor(t, "close callback", func() bool { return closed.Load() == 1 })
			time.Sleep(5 * time.Millisecond)
			if closed.Load() != 1 {
				t.Fatalf("close callback fired %d times", closed.Load())
			}
		})
	}
}

func TestAddAndCloseExclusivePublication(t *testing.T) {
	for _, ch := range testChannels {
		t.Run(ch.name, func(t *testing.T) {
			testlog.Start(t)
			d := newTestDriver(t, nil)
			c := newTestClient(t, d, nil)

			h, err := c.AsyncAddExclusivePublication(ch.uri, testStreamID)
			if err != nil {
				t.Fatalf("async add: %v", err)
			}
			pub := resolve(t, "exclusive publication", h.Poll)
			if pub.RegistrationID() != h.RegistrationID() {
				t.Fatalf("registration id %d != correlation id %d", pub.RegistrationID(), h.RegistrationID())
			}
			var closed atomic.Bool
			if err := pub.Close(func() { closed.Store(true) }); err != nil {
				t.Fatalf("close: %v", err)
			}
			waitFor(t, "close callback", closed.Load)
			if got := pub.Offer([]byte("late"), nil); got != PublicationClosed {
				t.Fatalf("offer after close should be closed, got %s", StatusName(got))
			}
		})
	}
}

func TestAddAndCloseSubscription(t *testing.T) {
	for _, ch := range testChannels {
		t.Run(ch.name, func(t *testing.T) {
			testlog.Start(t)
			d := newTestDriver(t, nil)
			c := newTestClient(t, d, nil)

			h, err := c.AsyncAddSubscription(ch.uri, testStreamID, nil, nil)
			if err != nil {
				t.Fatalf("async add: %v", err)
			}
			sub := resolve(t, "subscription", h.Poll)
			if sub.RegistrationID() != h.RegistrationID() {
				t.Fatalf("registration id %d != correlation id %d", sub.RegistrationID(), h.RegistrationID())
			}
			if sub.IsConnected() {
				t.Fatalf("subscription without publishers should not be connected")
			}
			var closed atomic.Bool
			if err := sub.Close(func() { closed.Store(true) }); err != nil {
				t.Fatalf("close: %v", err)
			}
			waitFor(t, "close callback", closed.Load)
			if _, err := sub.Constants(); !errors.Is(err, ErrResourceClosed) {
				t.Fatalf("constants after close should fail, got %v", err)
			}
		})
	}
}

func TestAddAndCloseCounter(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)

	var available atomic.Int64
	var unavailable atomic.Int64
	c := newTestClient(t, d, func(ctx *Context) {
		ctx.OnAvailableCounter = func(ev CounterEvent) { available.Store(ev.RegistrationID) }
		ctx.OnUnavailableCounter = func(ev CounterEvent) { unavailable.Store(ev.RegistrationID) }
	})

	h, err := c.AsyncAddCounter(1001, []byte("key"), "my counter")
	if err != nil {
		t.Fatalf("async add counter: %v", err)
	}
	counter := resolve(t, "counter", h.Poll)
	if counter.RegistrationID() != h.RegistrationID() {
		t.Fatalf("registration id %d != correlation id %d", counter.RegistrationID(), h.RegistrationID())
	}
	consts, err := counter.Constants()
	if err != nil || consts.TypeID != 1001 || consts.Label != "my counter" {
		t.Fatalf("unexpected constants %+v err=%v", consts, err)
	}
	counter.Set(40)
	if got := counter.Add(2); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := d.Counters().Get(counter.ID()); got != 42 {
		t.Fatalf("driver store disagrees: %d", got)
	}
	waitFor(t, "available counter callback", func() bool { return available.Load() == counter.RegistrationID() })

	var closed atomic.Bool
	if err := counter.Close(func() { closed.Store(true) }); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "close callback", closed.Load)
	waitFor(t, "unavailable counter callback", func() bool { return unavailable.Load() == counter.RegistrationID() })
}

func TestPublishAndSubscribeOneMessage(t *testing.T) {
	for _, ch := range testChannels {
		t.Run(ch.name, func(t *testing.T) {
			testlog.Start(t)
			d := newTestDriver(t, nil)
			c := newTestClient(t, d, nil)

			sub := addSubscription(t, c, ch.uri, nil, nil)
			pub := addPublication(t, c, ch.uri)
			waitFor(t, "image", func() bool { return sub.ImageCount() == 1 })

			want := []byte("hello over " + ch.name)
			var got []byte
			handler := func(buf []byte, header *logbuffer.Header) {
				got = append([]byte(nil), buf...)
				if header.SessionID() != pub.SessionID() || header.StreamID() != testStreamID {
					t.Errorf("unexpected header session=%d stream=%d", header.SessionID(), header.StreamID())
				}
			}
			position := offerUntil(t, pub, want, nil, nil)
			if want := int64(logbuffer.Align(int32(len(want)) + logbuffer.HeaderLength)); position != want {
				t.Fatalf("position %d, want %d", position, want)
			}
			waitFor(t, "message", func() bool {
				sub.Poll(handler, 1)
				return got != nil
			})
			if !bytes.Equal(got, want) {
				t.Fatalf("got %q, want %q", got, want)
			}
			img, ok := sub.ImageBySessionID(pub.SessionID())
			if !ok || img.Position() != position {
				t.Fatalf("image position mismatch ok=%v", ok)
			}
		})
	}
}

func TestPublishAndSubscribeAcrossThreeTerms(t *testing.T) {
	for _, ch := range testChannels {
		for _, exclusive := range []bool{false, true} {
			name := ch.name + "/shared"
			if exclusive {
				name = ch.name + "/exclusive"
			}
			t.Run(name, func(t *testing.T) {
				testlog.Start(t)
				d := newTestDriver(t, nil)
				c := newTestClient(t, d, nil)
				uri := withParam(ch.uri, "term-length=64k")

				sub := addSubscription(t, c, uri, nil, nil)
				var pub offerer
				if exclusive {
					h, err := c.AsyncAddExclusivePublication(uri, testStreamID)
					if err != nil {
						t.Fatalf("async add: %v", err)
					}
					pub = resolve(t, "exclusive publication", h.Poll)
				} else {
					pub = addPublication(t, c, uri)
				}
				waitFor(t, "image", func() bool { return sub.ImageCount() == 1 })

				const payload = 1024
				frame := int(logbuffer.Align(payload + logbuffer.HeaderLength))
				total := 3*(64*1024/frame) + 1
				received := 0
				handler := func(buf []byte, _ *logbuffer.Header) {
					if len(buf) != payload {
						t.Errorf("message %d has length %d", received, len(buf))
					}
					if seq := int(binary.LittleEndian.Uint32(buf)); seq != received {
						t.Errorf("out of order: got %d, want %d", seq, received)
					}
					received++
				}

				msg := make([]byte, payload)
				for i := 0; i < total; i++ {
					binary.LittleEndian.PutUint32(msg, uint32(i))
					offerUntil(t, pub, msg, sub, handler)
				}
				waitFor(t, "all messages", func() bool {
					sub.Poll(handler, 10)
					return received == total
				})
			})
		}
	}
}

func TestImageUnavailableAfterPublicationClose(t *testing.T) {
	for _, ch := range testChannels {
		for _, pollFirst := range []bool{false, true} {
			name := ch.name + "/no-poll"
			if pollFirst {
				name = ch.name + "/poll"
			}
			t.Run(name, func(t *testing.T) {
				testlog.Start(t)
				d := newTestDriver(t, nil)
				c := newTestClient(t, d, nil)
				uri := withParam(ch.uri, "linger=0")

				var available, unavailable atomic.Int32
				sub := addSubscription(t, c, uri,
					func(*Subscription, *Image) { available.Add(1) },
					func(*Subscription, *Image) { unavailable.Add(1) },
				)
				pub := addPublication(t, c, uri)
				waitFor(t, "available image", func() bool { return available.Load() == 1 })
				if !sub.IsConnected() {
					t.Fatalf("subscription should be connected")
				}

				offerUntil(t, pub, []byte("before close"), nil, nil)
				if pollFirst {
					got := 0
					waitFor(t, "message", func() bool {
						got += sub.Poll(func([]byte, *logbuffer.Header) {}, 10)
						return got == 1
					})
				}
				if err := pub.Close(nil); err != nil {
					t.Fatalf("close publication: %v", err)
				}
				waitFor(t, "unavailable image", func() bool { return unavailable.Load() == 1 })
				if sub.IsConnected() || sub.ImageCount() != 0 {
					t.Fatalf("subscription should have no images left")
				}
				sub.Poll(func([]byte, *logbuffer.Header) {}, 10)
				time.Sleep(5 * time.Millisecond)
				if unavailable.Load() != 1 {
					t.Fatalf("unavailable fired %d times", unavailable.Load())
				}
			})
		}
	}
}

func TestSubscriptionCloseMakesImagesUnavailable(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	var unavailable atomic.Int32
	sub := addSubscription(t, c, "termbus:ipc", nil, func(*Subscription, *Image) { unavailable.Add(1) })
	addPublication(t, c, "termbus:ipc")
	waitFor(t, "image", func() bool { return sub.ImageCount() == 1 })

	if err := sub.Close(nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "unavailable image", func() bool { return unavailable.Load() == 1 })
	if n := sub.Poll(func([]byte, *logbuffer.Header) {}, 10); n != 0 {
		t.Fatalf("closed subscription polled %d fragments", n)
	}
}

func TestSharedPublicationReusesLog(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	first := addPublication(t, c, "termbus:ipc")
	second := addPublication(t, c, "termbus:ipc")
	if first.RegistrationID() == second.RegistrationID() {
		t.Fatalf("shared publications need distinct registration ids")
	}
	a, _ := first.Constants()
	b, _ := second.Constants()
	if a.SessionID != b.SessionID || b.OriginalRegistrationID != first.RegistrationID() {
		t.Fatalf("second add should share the first log: %+v vs %+v", a, b)
	}
}

func TestOfferStatuses(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	pub := addPublication(t, c, "termbus:ipc")
	if got := pub.Offer([]byte("nobody home"), nil); got != NotConnected {
		t.Fatalf("expected not connected, got %s", StatusName(got))
	}
	consts, _ := pub.Constants()
	huge := make([]byte, consts.MaxMessageLength+1)
	if got := pub.Offer(huge, nil); got != MessageTooLong {
		t.Fatalf("expected message too long, got %s", StatusName(got))
	}
	if !strings.Contains(c.LastError(), "too long") {
		t.Fatalf("last error not recorded: %q", c.LastError())
	}
	_ = pub.Close(nil)
	if got := pub.Offer([]byte("x"), nil); got != PublicationClosed {
		t.Fatalf("expected closed, got %s", StatusName(got))
	}
}

func TestReservedValueReachesSubscriber(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	sub := addSubscription(t, c, "termbus:ipc", nil, nil)
	pub := addPublication(t, c, "termbus:ipc")
	waitFor(t, "connected", pub.IsConnected)

	deadline := time.Now().Add(3 * time.Second)
	for pub.Offer([]byte("stamped"), func([]byte) int64 { return 350 }) < 0 {
		if time.Now().After(deadline) {
			t.Fatalf("offer never succeeded")
		}
		time.Sleep(time.Millisecond)
	}
	var reserved int64
	waitFor(t, "message", func() bool {
		sub.Poll(func(_ []byte, h *logbuffer.Header) { reserved = h.ReservedValue() }, 1)
		return reserved != 0
	})
	if reserved != 350 {
		t.Fatalf("reserved value %d", reserved)
	}
}

func TestInvalidAddArguments(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	if _, err := c.AsyncAddPublication("udp://nope", testStreamID); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if _, err := c.AsyncAddSubscription("termbus:ipc", 0, nil, nil); !errors.Is(err, ErrInvalidStreamID) {
		t.Fatalf("expected ErrInvalidStreamID, got %v", err)
	}
	if _, err := c.AsyncAddCounter(1, nil, strings.Repeat("x", 1000)); !errors.Is(err, ErrInvalidCounter) {
		t.Fatalf("expected ErrInvalidCounter, got %v", err)
	}
}

func TestDriverErrorFailsPoll(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	addPublication(t, c, "termbus:ipc?term-length=64k")
	h, err := c.AsyncAddPublication("termbus:ipc?term-length=128k", testStreamID)
	if err != nil {
		t.Fatalf("async add: %v", err)
	}
	var pollErr error
	waitFor(t, "driver error", func() bool {
		_, pollErr = h.Poll()
		return pollErr != nil
	})
	var derr *DriverError
	if !errors.As(pollErr, &derr) || !errors.Is(pollErr, ErrDriverRejected) {
		t.Fatalf("expected *DriverError, got %v", pollErr)
	}
	if derr.CorrelationID != h.RegistrationID() {
		t.Fatalf("error correlation %d != %d", derr.CorrelationID, h.RegistrationID())
	}
	if c.LastError() == "" {
		t.Fatalf("last error should be recorded")
	}
}

func TestClientCloseFailsPendingCommands(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)

	var closedClient atomic.Bool
	c := initTestClient(t, d, func(ctx *Context) {
		ctx.OnCloseClient = func() { closedClient.Store(true) }
	})
	h, err := c.AsyncAddPublication("termbus:ipc", testStreamID)
	if err != nil {
		t.Fatalf("async add: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.Poll(); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
	if !closedClient.Load() {
		t.Fatalf("close client callback did not run")
	}
	if _, err := c.AsyncAddSubscription("termbus:ipc", testStreamID, nil, nil); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("adds after close should fail, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestClientCloseReleasesUnpolledResources(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	if _, err := c.AsyncAddSubscription("termbus:ipc", testStreamID, nil, nil); err != nil {
		t.Fatalf("async add: %v", err)
	}
	waitFor(t, "registered subscription", func() bool { return len(c.Resources()) == 1 })
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "driver releases subscription", func() bool { return len(d.Snapshot().Subscriptions) == 0 })
}

func TestDoWorkWithoutConductor(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := initTestClient(t, d, nil)

	h, err := c.AsyncAddPublication("termbus:ipc", testStreamID)
	if err != nil {
		t.Fatalf("async add: %v", err)
	}
	pub := resolve(t, "publication", func() (*Publication, error) {
		if _, err := c.DoWork(); err != nil {
			return nil, err
		}
		return h.Poll()
	})
	if pub.StreamID() != testStreamID {
		t.Fatalf("unexpected stream %d", pub.StreamID())
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.DoWork(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("DoWork with a running conductor should fail, got %v", err)
	}
}

func TestBlockingAddHonoursContext(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pub, err := c.AddPublication(ctx, "termbus:ipc", testStreamID)
	if err != nil || pub == nil {
		t.Fatalf("add publication: %v", err)
	}

	idle := initTestClient(t, d, nil)
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := idle.AddSubscription(short, "termbus:ipc", testStreamID, nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded from a client that never runs, got %v", err)
	}
}

func TestContextCallbacksRunForNewResources(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)

	var pubEvent atomic.Pointer[PublicationEvent]
	var subEvent atomic.Pointer[SubscriptionEvent]
	c := newTestClient(t, d, func(ctx *Context) {
		ctx.OnNewPublication = func(ev PublicationEvent) { pubEvent.Store(&ev) }
		ctx.OnNewSubscription = func(ev SubscriptionEvent) { subEvent.Store(&ev) }
	})
	sub := addSubscription(t, c, "termbus:ipc", nil, nil)
	pub := addPublication(t, c, "termbus:ipc")

	waitFor(t, "publication event", func() bool { return pubEvent.Load() != nil })
	waitFor(t, "subscription event", func() bool { return subEvent.Load() != nil })
	if ev := pubEvent.Load(); ev.RegistrationID != pub.RegistrationID() || ev.SessionID != pub.SessionID() {
		t.Fatalf("unexpected publication event %+v", *ev)
	}
	if ev := subEvent.Load(); ev.RegistrationID != sub.RegistrationID() || ev.StreamID != testStreamID {
		t.Fatalf("unexpected subscription event %+v", *ev)
	}
}

func TestDriverShutdownTerminatesClient(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)

	var handled atomic.Bool
	c := newTestClient(t, d, func(ctx *Context) {
		ctx.ErrorHandler = func(err error) {
			if errors.Is(err, ErrDriverTimeout) {
				handled.Store(true)
			}
		}
	})
	pub := addPublication(t, c, "termbus:ipc")
	if err := d.Close(); err != nil {
		t.Fatalf("close driver: %v", err)
	}
	waitFor(t, "error handler", handled.Load)
	if !pub.IsClosed() {
		t.Fatalf("publication should be closed once the driver is gone")
	}
	if _, err := c.AsyncAddPublication("termbus:ipc", testStreamID); !errors.Is(err, ErrDriverTimeout) {
		t.Fatalf("expected ErrDriverTimeout, got %v", err)
	}
}

func TestDriverTimesOutSilentClient(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, func(cfg *driver.Config) {
		cfg.Session.KeepaliveInterval = 5 * time.Millisecond
		cfg.Session.ClientLivenessTimeout = 30 * time.Millisecond
	})

	var handled atomic.Bool
	c := newTestClient(t, d, func(ctx *Context) {
		ctx.KeepaliveInterval = time.Minute
		ctx.DriverTimeout = 2 * time.Minute
		ctx.ErrorHandler = func(err error) {
			if errors.Is(err, ErrClientTimedOut) {
				handled.Store(true)
			}
		}
	})
	waitFor(t, "client timeout", handled.Load)
	if _, err := c.AsyncAddCounter(1, nil, "late"); !errors.Is(err, ErrClientTimedOut) {
		t.Fatalf("expected ErrClientTimedOut, got %v", err)
	}
}

func TestPollAfterCloseDrainsLingeringImage(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)
	uri := "termbus:ipc?linger=300ms"

	var unavailable atomic.Int32
	sub := addSubscription(t, c, uri, nil, func(*Subscription, *Image) { unavailable.Add(1) })
	pub := addPublication(t, c, uri)
	waitFor(t, "image", func() bool { return sub.ImageCount() == 1 })
	offerUntil(t, pub, []byte("still here"), nil, nil)

	var closed atomic.Bool
	if err := pub.Close(func() { closed.Store(true) }); err != nil {
		t.Fatalf("close publication: %v", err)
	}
	waitFor(t, "close callback", closed.Load)
	if unavailable.Load() != 0 {
		t.Fatalf("image went unavailable before linger expired")
	}

	var got []byte
	waitFor(t, "lingering message", func() bool {
		sub.Poll(func(buf []byte, _ *logbuffer.Header) { got = append([]byte(nil), buf...) }, 10)
		return got != nil
	})
	if string(got) != "still here" {
		t.Fatalf("got %q after close", got)
	}
	waitFor(t, "unavailable image", func() bool { return unavailable.Load() == 1 })
	sub.Poll(func([]byte, *logbuffer.Header) {}, 10)
	time.Sleep(20 * time.Millisecond)
	if unavailable.Load() != 1 {
		t.Fatalf("unavailable fired %d times", unavailable.Load())
	}
}

func TestSlowClientStillSeesImageUnavailable(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, func(cfg *driver.Config) { cfg.Session.ResponseQueueCapacity = 4 })
	slow := initTestClient(t, d, nil)
	fast := newTestClient(t, d, nil)
	uri := "termbus:ipc?linger=0"

	var available, unavailable atomic.Int32
	h, err := slow.AsyncAddSubscription(uri, testStreamID,
		func(*Subscription, *Image) { available.Add(1) },
		func(*Subscription, *Image) { unavailable.Add(1) },
	)
	if err != nil {
		t.Fatalf("async add subscription: %v", err)
	}
	sub := resolve(t, "subscription", func() (*Subscription, error) {
		if _, err := slow.DoWork(); err != nil {
			return nil, err
		}
		return h.Poll()
	})
	pub := addPublication(t, fast, uri)
	waitFor(t, "available image", func() bool {
		_, _ = slow.DoWork()
		return available.Load() == 1
	})

	// the slow client is not polling while these pile up in its response queue
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 0; i < 6; i++ {
		if _, err := fast.AddCounter(ctx, 1001, nil, "noise"); err != nil {
			t.Fatalf("add counter %d: %v", i, err)
		}
	}
	if err := pub.Close(nil); err != nil {
		t.Fatalf("close publication: %v", err)
	}
	waitFor(t, "publication retired", func() bool { return len(d.Snapshot().Publications) == 0 })

	waitFor(t, "unavailable image", func() bool {
		_, _ = slow.DoWork()
		return unavailable.Load() == 1
	})
	if sub.IsConnected() || sub.ImageCount() != 0 {
		t.Fatalf("subscription should have no images left")
	}
	if _, err := slow.AsyncAddCounter(1, nil, "after backlog"); err != nil {
		t.Fatalf("slow client should still be usable: %v", err)
	}
}

func TestCloseSucceedsWithFullCommandQueue(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := initTestClient(t, d, func(ctx *Context) { ctx.CommandQueueLength = 1 })

	h, err := c.AsyncAddPublication("termbus:ipc?linger=0", testStreamID)
	if err != nil {
		t.Fatalf("async add: %v", err)
	}
	pub := resolve(t, "publication", func() (*Publication, error) {
		if _, err := c.DoWork(); err != nil {
			return nil, err
		}
		return h.Poll()
	})

	if _, err := c.AsyncAddCounter(1, nil, "queued"); err != nil {
		t.Fatalf("first add should fit: %v", err)
	}
	if _, err := c.AsyncAddCounter(1, nil, "overflow"); !errors.Is(err, ErrCommandChannelFull) {
		t.Fatalf("expected ErrCommandChannelFull, got %v", err)
	}

	var closed atomic.Bool
	if err := pub.Close(func() { closed.Store(true) }); err != nil {
		t.Fatalf("close with a full queue: %v", err)
	}
	if got := pub.Offer([]byte("late"), nil); got != PublicationClosed {
		t.Fatalf("offer after close should be closed, got %s", StatusName(got))
	}
	waitFor(t, "close callback", func() bool {
		if _, err := c.DoWork(); err != nil {
			t.Fatalf("do work: %v", err)
		}
		return closed.Load()
	})
	waitFor(t, "driver retires publication", func() bool { return len(d.Snapshot().Publications) == 0 })
}

func TestExclusivePublicationsSharingSessionIDGetSeparateImages(t *testing.T) {
	testlog.Start(t)
	d := newTestDriver(t, nil)
	c := newTestClient(t, d, nil)
	uri := "termbus:ipc?session-id=77|linger=0"

	var available, unavailable atomic.Int32
	sub := addSubscription(t, c, "termbus:ipc",
		func(*Subscription, *Image) { available.Add(1) },
		func(*Subscription, *Image) { unavailable.Add(1) },
	)
	var pubs []*ExclusivePublication
	for i := 0; i < 2; i++ {
		h, err := c.AsyncAddExclusivePublication(uri, testStreamID)
		if err != nil {
			t.Fatalf("async add %d: %v", i, err)
		}
		pubs = append(pubs, resolve(t, "exclusive publication", h.Poll))
	}
	waitFor(t, "two images", func() bool { return available.Load() == 2 })
	if sub.ImageCount() != 2 {
		t.Fatalf("expected 2 images, got %d", sub.ImageCount())
	}

	if err := pubs[0].Close(nil); err != nil {
		t.Fatalf("close first: %v", err)
	}
	waitFor(t, "first image unavailable", func() bool { return unavailable.Load() == 1 })
	if sub.ImageCount() != 1 || !sub.IsConnected() {
		t.Fatalf("second image should remain, count=%d", sub.ImageCount())
	}
	if err := pubs[1].Close(nil); err != nil {
		t.Fatalf("close second: %v", err)
	}
	waitFor(t, "second image unavailable", func() bool { return unavailable.Load() == 2 })
	if sub.ImageCount() != 0 {
		t.Fatalf("expected no images, got %d", sub.ImageCount())
	}
}
