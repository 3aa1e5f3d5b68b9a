package client

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/logbuffer"
)

// ImageHandler is called on the conductor when an image joins or leaves a subscription.
type ImageHandler func(sub *Subscription, img *Image)

// Image is one publisher's stream as seen by one subscription.
type Image struct {
	correlationID              int64
	subscriptionRegistrationID int64
	sessionID                  int32
	streamID                   int32
	sourceIdentity             string
	positionCounterID          int32

	log       *logbuffer.LogBuffers
	counters  *counters.Store
	shift     int
	mu        sync.Mutex
	header    *logbuffer.Header
	assembler *logbuffer.Assembler
	closed    atomic.Bool
	final     atomic.Int64
}

func newImage(lb *logbuffer.LogBuffers, store *counters.Store, correlationID, subscriptionRegistrationID int64, positionCounterID int32, sourceIdentity string) *Image {
	return &Image{
		correlationID:              correlationID,
		subscriptionRegistrationID: subscriptionRegistrationID,
		sessionID:                  lb.SessionID(),
		streamID:                   lb.StreamID(),
		sourceIdentity:             sourceIdentity,
		positionCounterID:          positionCounterID,
		log:                        lb,
		counters:                   store,
		shift:                      lb.PositionBitsToShift(),
		header:                     logbuffer.NewHeader(lb.InitialTermID(), lb.PositionBitsToShift()),
		assembler:                  logbuffer.NewAssembler(int(lb.MTU())),
	}
}

func (i *Image) CorrelationID() int64              { return i.correlationID }
func (i *Image) SubscriptionRegistrationID() int64 { return i.subscriptionRegistrationID }
func (i *Image) SessionID() int32                  { return i.sessionID }
func (i *Image) StreamID() int32                   { return i.streamID }
func (i *Image) SourceIdentity() string            { return i.sourceIdentity }
func (i *Image) InitialTermID() int32              { return i.log.InitialTermID() }
func (i *Image) TermBufferLength() int32           { return i.log.TermLength() }
func (i *Image) IsClosed() bool                    { return i.closed.Load() }

// Position is how far this subscriber has consumed.
func (i *Image) Position() int64 {
	if i.closed.Load() {
		return i.final.Load()
	}
	return i.counters.Get(i.positionCounterID)
}

// IsEndOfStream reports whether the publisher is gone and everything it wrote was consumed.
func (i *Image) IsEndOfStream() bool {
	if i.closed.Load() {
		return true
	}
	return i.counters.Get(i.positionCounterID) >= i.log.EndOfStreamPosition()
}

// Poll delivers up to fragmentLimit messages to handler. Each handler call
// happens before the consumption position moves past that message.
func (i *Image) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int {
	if fragmentLimit <= 0 || i.closed.Load() {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	position := i.counters.Get(i.positionCounterID)
	offset := logbuffer.ComputeTermOffsetFromPosition(position, i.shift)
	term := i.log.Term(logbuffer.IndexByPosition(position, i.shift))
	newOffset, fragments := logbuffer.Read(term, offset, i.header, fragmentLimit, i.assembler.Handler(handler))
	if newOffset > offset && !i.closed.Load() {
		i.counters.Set(i.positionCounterID, position+int64(newOffset-offset))
	}
	return fragments
}

func (i *Image) close() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed.Load() {
		return false
	}
	i.final.Store(i.counters.Get(i.positionCounterID))
	i.closed.Store(true)
	return true
}
