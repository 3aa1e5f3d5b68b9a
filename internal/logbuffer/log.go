package logbuffer

import (
	"sync/atomic"
)

// LogConfig sizes a new log.
type LogConfig struct {
	Name          string
	TermLength    int32
	MTU           int32
	InitialTermID int32
	SessionID     int32
	StreamID      int32
}

// LogBuffers is the shared state of one publication log: three terms, their
// raw tails and the metadata both producers and consumers read.
type LogBuffers struct {
	name                string
	terms               [PartitionCount]*Term
	termLength          int32
	mtu                 int32
	initialTermID       int32
	positionBitsToShift int
	header              frameHeader

	rawTails            [PartitionCount]atomic.Int64
	activeTermCount     atomic.Int32
	connected           atomic.Bool
	endOfStreamPosition atomic.Int64
}

func NewLogBuffers(cfg LogConfig) (*LogBuffers, error) {
	if err := CheckTermLength(cfg.TermLength); err != nil {
		return nil, err
	}
	if err := CheckMTU(cfg.MTU, cfg.TermLength); err != nil {
		return nil, err
	}
	l := &LogBuffers{
		name:                cfg.Name,
		termLength:          cfg.TermLength,
		mtu:                 cfg.MTU,
		initialTermID:       cfg.InitialTermID,
		positionBitsToShift: PositionBitsToShift(cfg.TermLength),
		header:              frameHeader{sessionID: cfg.SessionID, streamID: cfg.StreamID},
	}
	for i := range l.terms {
		l.terms[i] = newTerm(cfg.TermLength)
	}
	l.rawTails[0].Store(PackTail(cfg.InitialTermID, 0))
	for i := 1; i < PartitionCount; i++ {
		l.rawTails[i].Store(PackTail(cfg.InitialTermID-PartitionCount+int32(i), 0))
	}
	l.endOfStreamPosition.Store(MaxPossiblePosition(cfg.TermLength))
	return l, nil
}

func (l *LogBuffers) Name() string                { return l.name }
func (l *LogBuffers) TermLength() int32           { return l.termLength }
func (l *LogBuffers) MTU() int32                  { return l.mtu }
func (l *LogBuffers) InitialTermID() int32        { return l.initialTermID }
func (l *LogBuffers) PositionBitsToShift() int    { return l.positionBitsToShift }
func (l *LogBuffers) SessionID() int32            { return l.header.sessionID }
func (l *LogBuffers) StreamID() int32             { return l.header.streamID }
func (l *LogBuffers) Term(index int) *Term        { return l.terms[index] }
func (l *LogBuffers) ActiveTermCount() int32      { return l.activeTermCount.Load() }
func (l *LogBuffers) RawTail(index int) int64     { return l.rawTails[index].Load() }
func (l *LogBuffers) MaxMessageLength() int32     { return MaxMessageLength(l.termLength) }
func (l *LogBuffers) MaxPossiblePosition() int64  { return MaxPossiblePosition(l.termLength) }
func (l *LogBuffers) IsConnected() bool           { return l.connected.Load() }
func (l *LogBuffers) SetConnected(connected bool) { l.connected.Store(connected) }

func (l *LogBuffers) EndOfStreamPosition() int64 {
	return l.endOfStreamPosition.Load()
}

func (l *LogBuffers) SetEndOfStreamPosition(position int64) {
	l.endOfStreamPosition.Store(position)
}

// ActiveRawTail returns the raw tail of the active partition.
func (l *LogBuffers) ActiveRawTail() int64 {
	return l.rawTails[IndexByTermCount(l.activeTermCount.Load())].Load()
}

// ProducerPosition is the position of the active tail, clamped to the term end.
func (l *LogBuffers) ProducerPosition() int64 {
	raw := l.ActiveRawTail()
	return ComputePosition(TermID(raw), TermOffset(raw, l.termLength), l.positionBitsToShift, l.initialTermID)
}

// RotateLog moves the log from termCount/termID to the next term. The next
// partition's tail is reset only while it still holds the term from three
// rotations ago, so racing producers agree on a single rotation.
func (l *LogBuffers) RotateLog(termCount, termID int32) bool {
	nextTermID := termID + 1
	nextTermCount := termCount + 1
	next := &l.rawTails[IndexByTermCount(nextTermCount)]
	expectedTermID := nextTermID - PartitionCount
	for {
		raw := next.Load()
		if TermID(raw) != expectedTermID {
			break
		}
		if next.CompareAndSwap(raw, PackTail(nextTermID, 0)) {
			break
		}
	}
	return l.activeTermCount.CompareAndSwap(termCount, nextTermCount)
}

// Clean zeroes [from, to) so partitions can be reused. Ranges that span a term
// boundary are cleaned one term at a time. It returns the new clean position.
func (l *LogBuffers) Clean(from, to int64) int64 {
	for from < to {
		index := IndexByPosition(from, l.positionBitsToShift)
		offset := ComputeTermOffsetFromPosition(from, l.positionBitsToShift)
		length := int64(l.termLength - offset)
		if remaining := to - from; remaining < length {
			length = remaining
		}
		l.terms[index].zero(offset, int32(length))
		from += length
	}
	return from
}

const pageSize = 4096

// PreTouch faults in every page of the commit slots so the first offers do
// not pay for it. It returns the number of pages touched.
func (l *LogBuffers) PreTouch() int {
	pages := 0
	stride := pageSize / 4
	for _, t := range l.terms {
		for i := 0; i < len(t.lengths); i += stride {
			t.lengths[i].Load()
			pages++
		}
	}
	return pages
}
