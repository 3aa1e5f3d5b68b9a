package client

import (
	"sync/atomic"

	"github.com/danmuck/termbus/internal/counters"
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/observability"
	"github.com/danmuck/termbus/internal/protocol/schema"
)

// PublicationConstants are the immutable properties of a publication.
type PublicationConstants struct {
	Channel                   string
	RegistrationID            int64
	OriginalRegistrationID    int64
	StreamID                  int32
	SessionID                 int32
	InitialTermID             int32
	TermBufferLength          int32
	MaxMessageLength          int32
	MaxPayloadLength          int32
	MaxPossiblePosition       int64
	PositionBitsToShift       int
	PublicationLimitCounterID int32
}

// pubBase is the state shared and exclusive publications have in common.
type pubBase struct {
	client   *Client
	log      *logbuffer.LogBuffers
	counters *counters.Store
	consts   PublicationConstants
	closing  atomic.Bool
	released atomic.Bool
}

func newPubBase(c *Client, lb *logbuffer.LogBuffers, channelURI string, registrationID, originalRegistrationID int64, limitCounterID int32) pubBase {
	return pubBase{
		client:   c,
		log:      lb,
		counters: c.counters,
		consts: PublicationConstants{
			Channel:                   channelURI,
			RegistrationID:            registrationID,
			OriginalRegistrationID:    originalRegistrationID,
			StreamID:                  lb.StreamID(),
			SessionID:                 lb.SessionID(),
			InitialTermID:             lb.InitialTermID(),
			TermBufferLength:          lb.TermLength(),
			MaxMessageLength:          lb.MaxMessageLength(),
			MaxPayloadLength:          logbuffer.MaxPayloadLength(lb.MTU()),
			MaxPossiblePosition:       lb.MaxPossiblePosition(),
			PositionBitsToShift:       lb.PositionBitsToShift(),
			PublicationLimitCounterID: limitCounterID,
		},
	}
}

func (p *pubBase) RegistrationID() int64 { return p.consts.RegistrationID }
func (p *pubBase) Channel() string       { return p.consts.Channel }
func (p *pubBase) StreamID() int32       { return p.consts.StreamID }
func (p *pubBase) SessionID() int32      { return p.consts.SessionID }

// Constants returns the publication's fixed properties until Close is called.
func (p *pubBase) Constants() (PublicationConstants, error) {
	if p.closing.Load() {
		return PublicationConstants{}, ErrResourceClosed
	}
	return p.consts, nil
}

func (p *pubBase) IsClosed() bool { return p.closing.Load() }

// IsConnected reports whether at least one subscriber is consuming the stream.
func (p *pubBase) IsConnected() bool {
	return !p.closing.Load() && p.log.IsConnected()
}

// PositionLimit is how far the publication may currently write.
func (p *pubBase) PositionLimit() int64 {
	if p.closing.Load() {
		return PublicationClosed
	}
	return p.counters.Get(p.consts.PublicationLimitCounterID)
}

func (p *pubBase) termBeginPosition(termID int32) int64 {
	return logbuffer.ComputeTermBeginPosition(termID, p.consts.PositionBitsToShift, p.consts.InitialTermID)
}

func (p *pubBase) checkLength(length int) int64 {
	if length > int(p.consts.MaxMessageLength) {
		p.client.recordError(ErrMessageTooLong)
		return MessageTooLong
	}
	return 0
}

func (p *pubBase) backPressureStatus(position int64, length int32) int64 {
	if position+int64(length) >= p.consts.MaxPossiblePosition {
		return MaxPositionExceeded
	}
	if p.log.IsConnected() {
		return BackPressured
	}
	return NotConnected
}

func (p *pubBase) release() bool {
	p.closing.Store(true)
	return p.released.CompareAndSwap(false, true)
}

func totalLength(parts [][]byte) int {
	n := 0
	for _, part := range parts {
		n += len(part)
	}
	return n
}

func recordOffer(result int64) int64 {
	observability.RecordOffer(StatusName(result))
	return result
}

// Publication appends to a log that other publications on this client or
// others may share. Offer is safe for concurrent use.
type Publication struct {
	pubBase
}

func (p *Publication) kind() string { return "publication" }

func (p *Publication) removeType() uint32 { return schema.MsgRemovePublication }

// Offer appends buf as one message. It returns the new stream position or a
// negative status.
func (p *Publication) Offer(buf []byte, reserved logbuffer.ReservedValueSupplier) int64 {
	return p.OfferParts([][]byte{buf}, reserved)
}

// OfferParts appends the concatenation of parts as one message.
func (p *Publication) OfferParts(parts [][]byte, reserved logbuffer.ReservedValueSupplier) int64 {
	if p.closing.Load() {
		return recordOffer(PublicationClosed)
	}
	length := totalLength(parts)
	if status := p.checkLength(length); status < 0 {
		return recordOffer(status)
	}

	limit := p.counters.Get(p.consts.PublicationLimitCounterID)
	termCount := p.log.ActiveTermCount()
	index := logbuffer.IndexByTermCount(termCount)
	raw := p.log.RawTail(index)
	termOffset := raw & 0xFFFF_FFFF
	termID := logbuffer.TermID(raw)
	if termCount != termID-p.consts.InitialTermID {
		return recordOffer(AdminAction)
	}
	position := p.termBeginPosition(termID) + termOffset
	if position >= limit {
		return recordOffer(p.backPressureStatus(position, int32(length)))
	}

	resultingOffset, claimedTermID := p.log.AppendShared(index, parts, int32(length), reserved)
	return recordOffer(p.newPosition(termCount, claimedTermID, resultingOffset))
}

func (p *Publication) newPosition(termCount, termID, resultingOffset int32) int64 {
	if resultingOffset > 0 {
		return p.termBeginPosition(termID) + int64(resultingOffset)
	}
	if p.termBeginPosition(termID)+int64(p.consts.TermBufferLength) >= p.consts.MaxPossiblePosition {
		return MaxPositionExceeded
	}
	p.log.RotateLog(termCount, termID)
	return AdminAction
}

// Position is the current producer position of the shared log.
func (p *Publication) Position() int64 {
	if p.closing.Load() {
		return PublicationClosed
	}
	return p.log.ProducerPosition()
}

// Close asks the driver to remove this publication. onClose runs on the
// conductor once the driver confirms.
func (p *Publication) Close(onClose func()) error {
	if !p.closing.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	return p.client.closeResource(p, onClose)
}
