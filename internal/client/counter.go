package client

import (
	"sync/atomic"

	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/protocol/schema"
)

// CounterConstants are the immutable properties of a user counter.
type CounterConstants struct {
	RegistrationID int64
	CounterID      int32
	TypeID         int32
	Label          string
}

// Counter is a driver-allocated int64 slot visible to every client.
type Counter struct {
	client   *Client
	store    *counters.Store
	consts   CounterConstants
	closing  atomic.Bool
	released atomic.Bool
}

func (c *Counter) kind() string { return "counter" }

func (c *Counter) removeType() uint32 { return schema.MsgRemoveCounter }

func (c *Counter) RegistrationID() int64 { return c.consts.RegistrationID }
func (c *Counter) ID() int32             { return c.consts.CounterID }
func (c *Counter) IsClosed() bool        { return c.closing.Load() }

func (c *Counter) Constants() (CounterConstants, error) {
	if c.closing.Load() {
		return CounterConstants{}, ErrResourceClosed
	}
	return c.consts, nil
}

func (c *Counter) Get() int64 {
	return c.store.Get(c.consts.CounterID)
}

func (c *Counter) Set(v int64) {
	if c.closing.Load() {
		return
	}
	c.store.Set(c.consts.CounterID, v)
}

// Add increments the counter and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	if c.closing.Load() {
		return c.Get()
	}
	return c.store.Add(c.consts.CounterID, delta)
}

func (c *Counter) Increment() int64 {
	return c.Add(1)
}

func (c *Counter) Close(onClose func()) error {
	if !c.closing.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	return c.client.closeResource(c, onClose)
}

func (c *Counter) release() bool {
	c.closing.Store(true)
	return c.released.CompareAndSwap(false, true)
}
