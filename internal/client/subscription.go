package client

import (
	"sync/atomic"

	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/observability"
	"github.com/danmuck/termbus/internal/protocol/schema"
)

// SubscriptionConstants are the immutable properties of a subscription.
type SubscriptionConstants struct {
	Channel        string
	RegistrationID int64
	StreamID       int32
}

// Subscription reads every image that matches its channel and stream.
// Poll may be called from any one goroutine while the conductor swaps images underneath it.
type Subscription struct {
	client        *Client
	consts        SubscriptionConstants
	onAvailable   ImageHandler
	onUnavailable ImageHandler

	images     atomic.Pointer[[]*Image]
	roundRobin atomic.Uint64
	closing    atomic.Bool
	released   atomic.Bool
}

func newSubscription(c *Client, channelURI string, streamID int32, registrationID int64, onAvailable, onUnavailable ImageHandler) *Subscription {
	s := &Subscription{
		client:        c,
		consts:        SubscriptionConstants{Channel: channelURI, RegistrationID: registrationID, StreamID: streamID},
		onAvailable:   onAvailable,
		onUnavailable: onUnavailable,
	}
	s.images.Store(&[]*Image{})
	return s
}

func (s *Subscription) kind() string { return "subscription" }

func (s *Subscription) removeType() uint32 { return schema.MsgRemoveSubscription }

func (s *Subscription) RegistrationID() int64 { return s.consts.RegistrationID }
func (s *Subscription) Channel() string       { return s.consts.Channel }
func (s *Subscription) StreamID() int32       { return s.consts.StreamID }
func (s *Subscription) IsClosed() bool        { return s.closing.Load() }

func (s *Subscription) Constants() (SubscriptionConstants, error) {
	if s.closing.Load() {
		return SubscriptionConstants{}, ErrResourceClosed
	}
	return s.consts, nil
}

// Images returns a snapshot of the current images.
func (s *Subscription) Images() []*Image {
	return append([]*Image(nil), *s.images.Load()...)
}

func (s *Subscription) ImageCount() int {
	return len(*s.images.Load())
}

func (s *Subscription) ImageBySessionID(sessionID int32) (*Image, bool) {
	for _, img := range *s.images.Load() {
		if img.sessionID == sessionID {
			return img, true
		}
	}
	return nil, false
}

func (s *Subscription) imageByCorrelationID(correlationID int64) (*Image, bool) {
	for _, img := range *s.images.Load() {
		if img.correlationID == correlationID {
			return img, true
		}
	}
	return nil, false
}

// IsConnected reports whether any open image is attached.
func (s *Subscription) IsConnected() bool {
	for _, img := range *s.images.Load() {
		if !img.IsClosed() {
			return true
		}
	}
	return false
}

// Poll reads up to fragmentLimit messages across images, starting from a
// different image each call so no publisher starves the others.
func (s *Subscription) Poll(handler logbuffer.FragmentHandler, fragmentLimit int) int {
	if s.closing.Load() {
		return 0
	}
	images := *s.images.Load()
	n := len(images)
	if n == 0 {
		return 0
	}
	start := int(s.roundRobin.Add(1) % uint64(n))
	fragments := 0
	for i := 0; i < n && fragments < fragmentLimit; i++ {
		fragments += images[(start+i)%n].Poll(handler, fragmentLimit-fragments)
	}
	observability.RecordFragments(fragments)
	return fragments
}

// Close asks the driver to remove the subscription. Remaining images go
// unavailable on the conductor first; onClose runs once the driver confirms.
func (s *Subscription) Close(onClose func()) error {
	if !s.closing.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	return s.client.closeResource(s, onClose)
}

// addImage and removeImage run on the conductor only.
func (s *Subscription) addImage(img *Image) {
	current := *s.images.Load()
	next := make([]*Image, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, img)
	s.images.Store(&next)
}

func (s *Subscription) removeImage(correlationID int64) *Image {
	current := *s.images.Load()
	for i, img := range current {
		if img.correlationID != correlationID {
			continue
		}
		next := make([]*Image, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		s.images.Store(&next)
		return img
	}
	return nil
}

func (s *Subscription) takeImages() []*Image {
	current := *s.images.Load()
	s.images.Store(&[]*Image{})
	return current
}

func (s *Subscription) release() bool {
	s.closing.Store(true)
	return s.released.CompareAndSwap(false, true)
}
