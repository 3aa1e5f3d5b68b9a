package client

import (
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/danmuck/termbus/internal/protocol/schema"
)

// ExclusivePublication owns its log outright. Offer must only be called from
// one goroutine at a time; the tail is tracked locally.
type ExclusivePublication struct {
	pubBase

	termID            int32
	termOffset        int32
	termCount         int32
	termBeginPosition int64
}

func newExclusivePublication(base pubBase) *ExclusivePublication {
	e := &ExclusivePublication{pubBase: base}
	e.termCount = e.log.ActiveTermCount()
	raw := e.log.RawTail(logbuffer.IndexByTermCount(e.termCount))
	e.termID = logbuffer.TermID(raw)
	e.termOffset = logbuffer.TermOffset(raw, e.consts.TermBufferLength)
	e.termBeginPosition = e.pubBase.termBeginPosition(e.termID)
	return e
}

func (e *ExclusivePublication) kind() string { return "exclusive_publication" }

func (e *ExclusivePublication) removeType() uint32 { return schema.MsgRemovePublication }

func (e *ExclusivePublication) Offer(buf []byte, reserved logbuffer.ReservedValueSupplier) int64 {
	return e.OfferParts([][]byte{buf}, reserved)
}

func (e *ExclusivePublication) OfferParts(parts [][]byte, reserved logbuffer.ReservedValueSupplier) int64 {
	if e.closing.Load() {
		return recordOffer(PublicationClosed)
	}
	length := totalLength(parts)
	if status := e.checkLength(length); status < 0 {
		return recordOffer(status)
	}

	limit := e.counters.Get(e.consts.PublicationLimitCounterID)
	position := e.termBeginPosition + int64(e.termOffset)
	if position >= limit {
		return recordOffer(e.backPressureStatus(position, int32(length)))
	}
	index := logbuffer.IndexByTermCount(e.termCount)
	result := e.log.AppendExclusive(index, e.termID, e.termOffset, parts, int32(length), reserved)
	return recordOffer(e.newPosition(result))
}

func (e *ExclusivePublication) newPosition(result int32) int64 {
	if result > 0 {
		e.termOffset = result
		return e.termBeginPosition + int64(result)
	}
	if e.termBeginPosition+int64(e.consts.TermBufferLength) >= e.consts.MaxPossiblePosition {
		return MaxPositionExceeded
	}
	e.log.RotateLog(e.termCount, e.termID)
	e.termCount++
	e.termID++
	e.termOffset = 0
	e.termBeginPosition += int64(e.consts.TermBufferLength)
	return AdminAction
}

// Position is the local tail position.
func (e *ExclusivePublication) Position() int64 {
	if e.closing.Load() {
		return PublicationClosed
	}
	return e.termBeginPosition + int64(e.termOffset)
}

func (e *ExclusivePublication) Close(onClose func()) error {
	if !e.closing.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	return e.client.closeResource(e, onClose)
}
