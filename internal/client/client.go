package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/danmuck/termbus/internal/channel"
	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/protocol/schema"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	stateInit int32 = iota
	stateRunning
	stateClosed
)

// Client is one live session with a driver.
type Client struct {
	name      string
	id        int64
	driver    DriverConnector
	transport session.Transport
	counters  *counters.Store
	bus       EventBus.Bus

	keepaliveInterval time.Duration
	driverTimeout     time.Duration
	linger            time.Duration
	maxPending        int64
	queueLength       int
	idle              session.BackoffConfig
	preTouch          bool
	hasErrorHandler   bool

	state    atomic.Int32
	inflight atomic.Int64

	inboxMu sync.Mutex
	inbox   []outbound

	regMu     sync.RWMutex
	resources map[int64]resource

	errMu    sync.Mutex
	lastErr  string
	fatalErr error

	// conductor only
	ops           map[int64]pendingOp
	pending       *session.PendingCommands
	logs          map[string]*mappedLog
	lastKeepalive time.Time
	lastTimer     time.Time
	terminated    bool
	invoking      atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// Init connects a client to ctx.Driver. The client does no work until Start
// or DoWork is called.
func Init(ctx *Context) (*Client, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if !ctx.inUse.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: context already used by another client", ErrInvalidContext)
	}
	transport, err := ctx.Driver.Connect()
	if err != nil {
		ctx.inUse.Store(false)
		return nil, fmt.Errorf("client: connect to driver: %w", err)
	}

	c := &Client{
		name:              ctx.ClientName,
		id:                ctx.Driver.NextCorrelationID(),
		driver:            ctx.Driver,
		transport:         transport,
		counters:          ctx.Driver.Counters(),
		bus:               EventBus.New(),
		keepaliveInterval: ctx.KeepaliveInterval,
		driverTimeout:     ctx.DriverTimeout,
		linger:            ctx.ResourceLinger,
		maxPending:        int64(ctx.MaxPendingCommands),
		queueLength:       ctx.CommandQueueLength,
		idle:              ctx.Idle,
		preTouch:          ctx.PreTouchMappedLogs,
		resources:         make(map[int64]resource),
		ops:               make(map[int64]pendingOp),
		pending:           session.NewPendingCommands(),
		logs:              make(map[string]*mappedLog),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	if err := c.subscribeCallbacks(ctx); err != nil {
		_ = transport.Close()
		ctx.inUse.Store(false)
		return nil, err
	}
	log.Info().
		Str("component", "client").
		Str("client_name", c.name).
		Int64("client_id", c.id).
		Msg("client.Init")
	return c, nil
}

func (c *Client) ID() int64 { return c.id }

func (c *Client) Name() string { return c.name }

// Start launches the conductor goroutine.
func (c *Client) Start() error {
	if !c.state.CompareAndSwap(stateInit, stateRunning) {
		if c.state.Load() == stateClosed {
			return ErrClientClosed
		}
		return ErrAlreadyStarted
	}
	// the conductor goroutine owns the duty cycle from here on
	for !c.invoking.CompareAndSwap(false, true) {
		time.Sleep(50 * time.Microsecond)
	}
	go c.run()
	return nil
}

// DoWork runs one conductor duty cycle on the calling goroutine, for
// applications that drive the client themselves instead of calling Start.
func (c *Client) DoWork() (int, error) {
	switch c.state.Load() {
	case stateRunning:
		return 0, ErrAlreadyStarted
	case stateClosed:
		return 0, ErrClientClosed
	}
	if !c.invoking.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer c.invoking.Store(false)
	return c.doWork(time.Now()), nil
}

// Close releases every resource, fails pending commands with ErrClientClosed
// and stops the conductor. It must not be called from a client callback.
func (c *Client) Close() error {
	prev := c.state.Swap(stateClosed)
	switch prev {
	case stateClosed:
		return nil
	case stateRunning:
		close(c.stop)
		<-c.done
	default:
		for !c.invoking.CompareAndSwap(false, true) {
			time.Sleep(time.Millisecond)
		}
		c.shutdown(time.Now())
	}
	log.Info().Str("component", "client").Int64("client_id", c.id).Msg("client.Client.Close")
	return nil
}

func (c *Client) IsClosed() bool {
	return c.state.Load() == stateClosed
}

// LastError returns the text of the most recent failure recorded on this client.
func (c *Client) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Client) recordError(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	c.lastErr = err.Error()
	c.errMu.Unlock()
}

func (c *Client) fatal() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.fatalErr
}

func (c *Client) checkOpen() error {
	if c.state.Load() == stateClosed {
		return ErrClientClosed
	}
	return c.fatal()
}

func validChannel(uri string) error {
	if _, err := channel.Parse(uri); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChannel, err)
	}
	return nil
}

func validStream(streamID int32) error {
	if streamID == 0 {
		return fmt.Errorf("%w: stream id must be non-zero", ErrInvalidStreamID)
	}
	return nil
}

// AsyncAddPublication starts adding a shared publication. It never blocks.
func (c *Client) AsyncAddPublication(channelURI string, streamID int32) (*AsyncAddPublication, error) {
	if err := c.validateAdd(channelURI, streamID); err != nil {
		return nil, err
	}
	h := &AsyncAddPublication{}
	h.a.correlationID = c.driver.NextCorrelationID()
	err := c.enqueue(outbound{
		cmd: session.Command{Type: schema.MsgAddPublication, CorrelationID: h.a.correlationID, StreamID: streamID, Channel: channelURI},
		op:  &addPublicationOp{channel: channelURI, streamID: streamID, shared: h},
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AsyncAddExclusivePublication starts adding a publication with a log of its own.
func (c *Client) AsyncAddExclusivePublication(channelURI string, streamID int32) (*AsyncAddExclusivePublication, error) {
	if err := c.validateAdd(channelURI, streamID); err != nil {
		return nil, err
	}
	h := &AsyncAddExclusivePublication{}
	h.a.correlationID = c.driver.NextCorrelationID()
	err := c.enqueue(outbound{
		cmd: session.Command{Type: schema.MsgAddExclusivePublication, CorrelationID: h.a.correlationID, StreamID: streamID, Channel: channelURI},
		op:  &addPublicationOp{channel: channelURI, streamID: streamID, exclusive: true, excl: h},
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AsyncAddSubscription starts adding a subscription. The image handlers run on
// the conductor and may be nil.
func (c *Client) AsyncAddSubscription(channelURI string, streamID int32, onAvailable, onUnavailable ImageHandler) (*AsyncAddSubscription, error) {
	if err := c.validateAdd(channelURI, streamID); err != nil {
		return nil, err
	}
	h := &AsyncAddSubscription{}
	h.a.correlationID = c.driver.NextCorrelationID()
	err := c.enqueue(outbound{
		cmd: session.Command{Type: schema.MsgAddSubscription, CorrelationID: h.a.correlationID, StreamID: streamID, Channel: channelURI},
		op: &addSubscriptionOp{
			channel:       channelURI,
			streamID:      streamID,
			onAvailable:   onAvailable,
			onUnavailable: onUnavailable,
			async:         h,
		},
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AsyncAddCounter asks the driver to allocate a counter visible to every client.
func (c *Client) AsyncAddCounter(typeID int32, key []byte, label string) (*AsyncAddCounter, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(key) > counters.MaxKeyLength {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCounter, counters.ErrKeyTooLong)
	}
	if len(label) > counters.MaxLabelLength {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCounter, counters.ErrLabelTooLong)
	}
	if strings.TrimSpace(label) == "" {
		return nil, fmt.Errorf("%w: label is required", ErrInvalidCounter)
	}
	h := &AsyncAddCounter{}
	h.a.correlationID = c.driver.NextCorrelationID()
	err := c.enqueue(outbound{
		cmd: session.Command{
			Type:          schema.MsgAddCounter,
			CorrelationID: h.a.correlationID,
			CounterTypeID: typeID,
			CounterKey:    append([]byte(nil), key...),
			CounterLabel:  label,
		},
		op: &addCounterOp{typeID: typeID, label: label, async: h},
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// AddPublication blocks until the publication is ready or ctx ends.
func (c *Client) AddPublication(ctx context.Context, channelURI string, streamID int32) (*Publication, error) {
	h, err := c.AsyncAddPublication(channelURI, streamID)
	if err != nil {
		return nil, err
	}
	return await(ctx, c.idle, h.Poll)
}

func (c *Client) AddExclusivePublication(ctx context.Context, channelURI string, streamID int32) (*ExclusivePublication, error) {
	h, err := c.AsyncAddExclusivePublication(channelURI, streamID)
	if err != nil {
		return nil, err
	}
	return await(ctx, c.idle, h.Poll)
}

func (c *Client) AddSubscription(ctx context.Context, channelURI string, streamID int32, onAvailable, onUnavailable ImageHandler) (*Subscription, error) {
	h, err := c.AsyncAddSubscription(channelURI, streamID, onAvailable, onUnavailable)
	if err != nil {
		return nil, err
	}
	return await(ctx, c.idle, h.Poll)
}

func (c *Client) AddCounter(ctx context.Context, typeID int32, key []byte, label string) (*Counter, error) {
	h, err := c.AsyncAddCounter(typeID, key, label)
	if err != nil {
		return nil, err
	}
	return await(ctx, c.idle, h.Poll)
}

// await polls until the handle yields a result, backing off between attempts.
func await[T any](ctx context.Context, idle session.BackoffConfig, poll func() (*T, error)) (*T, error) {
	for attempt := 1; ; attempt++ {
		v, err := poll()
		if err != nil || v != nil {
			return v, err
		}
		timer := time.NewTimer(session.NextBackoffDelay(idle, attempt, nil))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) validateAdd(channelURI string, streamID int32) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validChannel(channelURI); err != nil {
		return err
	}
	return validStream(streamID)
}

func (c *Client) closeResource(r resource, onClose func()) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.enqueueRemove(outbound{
		cmd: session.Command{
			Type:           r.removeType(),
			CorrelationID:  c.driver.NextCorrelationID(),
			RegistrationID: r.RegistrationID(),
		},
		op: &removeOp{res: r, onClose: onClose},
	})
}

// enqueue hands a command to the conductor.
func (c *Client) enqueue(o outbound) error {
	if c.inflight.Add(1) > c.maxPending {
		c.inflight.Add(-1)
		return ErrRegistryExhausted
	}
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if err := c.checkOpen(); err != nil {
		c.inflight.Add(-1)
		return err
	}
	if len(c.inbox) >= c.queueLength {
		c.inflight.Add(-1)
		return ErrCommandChannelFull
	}
	c.inbox = append(c.inbox, o)
	return nil
}

// enqueueRemove queues a remove without the inbox or pending limits. Each
// resource sends at most one remove, so the inbox stays bounded.
func (c *Client) enqueueRemove(o outbound) error {
	c.inflight.Add(1)
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if err := c.checkOpen(); err != nil {
		c.inflight.Add(-1)
		return err
	}
	c.inbox = append(c.inbox, o)
	return nil
}
