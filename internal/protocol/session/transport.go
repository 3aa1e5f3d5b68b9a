package session

import (
	"errors"
	"sync"
)

var (
	ErrTransportFull   = errors.New("session: transport queue full")
	ErrTransportClosed = errors.New("session: transport closed")
)

// Transport moves encoded frames between one client and the driver.
// Send and Recv never block.
type Transport interface {
	Send(frame []byte) error
	Recv() ([]byte, bool)
	Close() error
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

// NewPipe returns the two connected ends of an in-process transport.
// Frames sent on the client end are received on the driver end and vice versa.
// Closing either end closes both.
func NewPipe(toDriverCap, toClientCap int) (client Transport, driver Transport) {
	p := &pipe{done: make(chan struct{})}
	toDriver := make(chan []byte, toDriverCap)
	toClient := make(chan []byte, toClientCap)
	return &pipeEnd{p: p, in: toClient, out: toDriver}, &pipeEnd{p: p, in: toDriver, out: toClient}
}

func (e *pipeEnd) Send(frame []byte) error {
	select {
	case <-e.p.done:
		return ErrTransportClosed
	default:
	}
	select {
	case e.out <- frame:
		return nil
	default:
		return ErrTransportFull
	}
}

// Recv keeps returning queued frames after close until the queue is empty.
func (e *pipeEnd) Recv() ([]byte, bool) {
	select {
	case b := <-e.in:
		return b, true
	default:
		return nil, false
	}
}

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}

// IsClosed reports whether t is a pipe end whose pipe has been closed.
func IsClosed(t Transport) bool {
	e, ok := t.(*pipeEnd)
	if !ok {
		return false
	}
	select {
	case <-e.p.done:
		return true
	default:
		return false
	}
}
