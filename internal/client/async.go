package client

import "sync/atomic"

const (
	asyncPending int32 = iota
	asyncResolving
	asyncReady
	asyncFailed
	asyncConsumed
)

// async is a single-assignment slot written by the conductor and polled by the application.
type async[T any] struct {
	correlationID int64
	state         atomic.Int32
	value         T
	err           error
}

func (a *async[T]) resolve(v T) bool {
	if !a.state.CompareAndSwap(asyncPending, asyncResolving) {
		return false
	}
	a.value = v
	a.state.Store(asyncReady)
	return true
}

func (a *async[T]) fail(err error) bool {
	if !a.state.CompareAndSwap(asyncPending, asyncResolving) {
		return false
	}
	a.err = err
	a.state.Store(asyncFailed)
	return true
}

// poll returns (zero, nil) while pending, then the outcome exactly once.
func (a *async[T]) poll() (T, error) {
	var zero T
	switch s := a.state.Load(); s {
	case asyncReady, asyncFailed:
		if !a.state.CompareAndSwap(s, asyncConsumed) {
			return zero, ErrAsyncConsumed
		}
		if s == asyncFailed {
			return zero, a.err
		}
		return a.value, nil
	case asyncConsumed:
		return zero, ErrAsyncConsumed
	default:
		return zero, nil
	}
}

// AsyncAddPublication resolves to a shared Publication.
type AsyncAddPublication struct {
	a async[*Publication]
}

// Poll returns (nil, nil) until the driver answers.
func (h *AsyncAddPublication) Poll() (*Publication, error) { return h.a.poll() }

func (h *AsyncAddPublication) RegistrationID() int64 { return h.a.correlationID }

// AsyncAddExclusivePublication resolves to an ExclusivePublication.
type AsyncAddExclusivePublication struct {
	a async[*ExclusivePublication]
}

func (h *AsyncAddExclusivePublication) Poll() (*ExclusivePublication, error) { return h.a.poll() }

func (h *AsyncAddExclusivePublication) RegistrationID() int64 { return h.a.correlationID }

// AsyncAddSubscription resolves to a Subscription.
type AsyncAddSubscription struct {
	a async[*Subscription]
}

func (h *AsyncAddSubscription) Poll() (*Subscription, error) { return h.a.poll() }

func (h *AsyncAddSubscription) RegistrationID() int64 { return h.a.correlationID }

// AsyncAddCounter resolves to a Counter.
type AsyncAddCounter struct {
	a async[*Counter]
}

func (h *AsyncAddCounter) Poll() (*Counter, error) { return h.a.poll() }

func (h *AsyncAddCounter) RegistrationID() int64 { return h.a.correlationID }
