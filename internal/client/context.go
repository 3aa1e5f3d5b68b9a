package client

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DriverConnector is what a Client needs from the media driver it attaches to.
type DriverConnector interface {
	Connect() (session.Transport, error)
	NextCorrelationID() int64
	MapLog(name string) (*logbuffer.LogBuffers, error)
	Counters() *counters.Store
	HeartbeatTime() time.Time
}

// PublicationEvent describes a publication that became ready on this client.
type PublicationEvent struct {
	Channel        string
	StreamID       int32
	SessionID      int32
	RegistrationID int64
}

// SubscriptionEvent describes a subscription that became ready on this client.
type SubscriptionEvent struct {
	Channel        string
	StreamID       int32
	RegistrationID int64
}

// CounterEvent reports a counter appearing or going away anywhere in the driver.
type CounterEvent struct {
	RegistrationID int64
	CounterID      int32
}

// Context holds client settings and callbacks. It is read-only once a Client
// has been initialised with it.
type Context struct {
	Driver     DriverConnector
	ClientName string

	KeepaliveInterval  time.Duration
	DriverTimeout      time.Duration
	ResourceLinger     time.Duration
	MaxPendingCommands int
	CommandQueueLength int
	Idle               session.BackoffConfig
	PreTouchMappedLogs bool

	ErrorHandler         func(error)
	OnNewPublication     func(PublicationEvent)
	OnNewSubscription    func(SubscriptionEvent)
	OnAvailableCounter   func(CounterEvent)
	OnUnavailableCounter func(CounterEvent)
	OnCloseClient        func()

	inUse  atomic.Bool
	closed atomic.Bool
}

// NewContext returns a Context with defaults taken from the session layer.
func NewContext(driver DriverConnector) *Context {
	s := session.DefaultConfig()
	return &Context{
		Driver:             driver,
		ClientName:         "termbus-client-" + uuid.NewString()[:8],
		KeepaliveInterval:  s.KeepaliveInterval,
		DriverTimeout:      s.DriverTimeout,
		ResourceLinger:     3 * time.Second,
		MaxPendingCommands: 1024,
		CommandQueueLength: s.CommandQueueCapacity,
		Idle:               s.Idle,
	}
}

func (c *Context) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil context", ErrInvalidContext)
	}
	if c.Driver == nil {
		return fmt.Errorf("%w: driver is required", ErrInvalidContext)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("%w: keepalive interval must be > 0", ErrInvalidContext)
	}
	if c.DriverTimeout <= c.KeepaliveInterval {
		return fmt.Errorf("%w: driver timeout %v must exceed keepalive interval %v", ErrInvalidContext, c.DriverTimeout, c.KeepaliveInterval)
	}
	if c.ResourceLinger < 0 {
		return fmt.Errorf("%w: resource linger must be >= 0", ErrInvalidContext)
	}
	if c.MaxPendingCommands <= 0 || c.CommandQueueLength <= 0 {
		return fmt.Errorf("%w: command limits must be > 0", ErrInvalidContext)
	}
	return nil
}

// Close marks the context as finished. A running Client keeps its own copy of
// everything it needs, so closing the context early is harmless.
func (c *Context) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		log.Debug().Str("client_name", c.ClientName).Msg("client.Context.Close")
	}
	return nil
}

func (c *Context) IsClosed() bool {
	return c.closed.Load()
}
