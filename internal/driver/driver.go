package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotRunning     = errors.New("driver: not running")
	ErrAlreadyStarted = errors.New("driver: already started")
	ErrUnknownLog     = errors.New("driver: unknown log")
)

// Embedded runs the driver conductor on its own goroutine inside the process.
type Embedded struct {
	cfg      Config
	id       string
	counters *counters.Store

	correlation atomic.Int64
	heartbeat   atomic.Int64
	running     atomic.Bool
	started     atomic.Bool

	logsMu sync.RWMutex
	logs   map[string]*logbuffer.LogBuffers

	connMu   sync.Mutex
	accepted []*conn

	// conductor state; stateMu is held for each duty cycle and by Snapshot.
	stateMu       sync.Mutex
	conns         []*conn
	clients       map[int64]*clientState
	publications  []*publication
	subscriptions []*subscription
	userCounters  map[int64]*userCounter
	nextSessionID int32

	stop chan struct{}
	done chan struct{}
}

// New builds an embedded driver. It does nothing until Start.
func New(cfg Config) (*Embedded, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store := counters.NewStore(cfg.CountersCapacity)
	store.SetReuseTimeout(cfg.CounterReuseTimeout)
	d := &Embedded{
		cfg:           cfg,
		id:            uuid.NewString(),
		counters:      store,
		logs:          make(map[string]*logbuffer.LogBuffers),
		clients:       make(map[int64]*clientState),
		userCounters:  make(map[int64]*userCounter),
		nextSessionID: int32(uuid.New().ID()),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	return d, nil
}

func (d *Embedded) ID() string {
	return d.id
}

func (d *Embedded) Config() Config {
	return d.cfg
}

// Start launches the conductor goroutine.
func (d *Embedded) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	d.running.Store(true)
	d.heartbeat.Store(time.Now().UnixNano())
	go d.run()
	log.Info().Str("driver", d.id).Msg("driver.Embedded.Start")
	return nil
}

// Run starts the driver and blocks until ctx is done.
func (d *Embedded) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Close()
}

// Close stops the conductor and closes every client transport. Safe to call more than once.
func (d *Embedded) Close() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	close(d.stop)
	<-d.done

	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	for _, c := range d.conns {
		_ = c.transport.Close()
	}
	d.connMu.Lock()
	for _, c := range d.accepted {
		_ = c.transport.Close()
	}
	d.accepted = nil
	d.connMu.Unlock()
	log.Info().Str("driver", d.id).Msg("driver.Embedded.Close")
	return nil
}

// Connect opens a new command channel for one client.
func (d *Embedded) Connect() (session.Transport, error) {
	if !d.running.Load() {
		return nil, ErrNotRunning
	}
	clientEnd, driverEnd := session.NewPipe(d.cfg.Session.CommandQueueCapacity, d.cfg.Session.ResponseQueueCapacity)
	d.connMu.Lock()
	d.accepted = append(d.accepted, &conn{transport: driverEnd, connectedAt: time.Now()})
	d.connMu.Unlock()
	return clientEnd, nil
}

// NextCorrelationID hands out driver-wide unique ids; clients use them as
// correlation ids and the driver reuses them as registration ids.
func (d *Embedded) NextCorrelationID() int64 {
	return d.correlation.Add(1)
}

// MapLog returns the log buffers registered under name.
func (d *Embedded) MapLog(name string) (*logbuffer.LogBuffers, error) {
	d.logsMu.RLock()
	defer d.logsMu.RUnlock()
	l, ok := d.logs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLog, name)
	}
	return l, nil
}

func (d *Embedded) Counters() *counters.Store {
	return d.counters
}

// HeartbeatTime is the last time the conductor completed a duty cycle.
func (d *Embedded) HeartbeatTime() time.Time {
	return time.Unix(0, d.heartbeat.Load())
}

func (d *Embedded) registerLog(l *logbuffer.LogBuffers) {
	d.logsMu.Lock()
	defer d.logsMu.Unlock()
	d.logs[l.Name()] = l
}

func (d *Embedded) unregisterLog(name string) {
	d.logsMu.Lock()
	defer d.logsMu.Unlock()
	delete(d.logs, name)
}
