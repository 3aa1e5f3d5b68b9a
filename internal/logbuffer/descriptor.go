package logbuffer

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
)

const (
	PartitionCount = 3

	MinTermLength = 64 * 1024
	MaxTermLength = 1 << 30

	// MaxMessageLengthLimit caps the logical message size regardless of term length.
	MaxMessageLengthLimit = 16 * 1024 * 1024
)

var (
	ErrInvalidTermLength = errors.New("logbuffer: invalid term length")
	ErrInvalidMTU        = errors.New("logbuffer: invalid mtu")
)

// CheckTermLength validates that termLength is a power of two in [MinTermLength, MaxTermLength].
func CheckTermLength(termLength int32) error {
	if termLength < MinTermLength || termLength > MaxTermLength {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidTermLength, termLength, MinTermLength, MaxTermLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of two", ErrInvalidTermLength, termLength)
	}
	return nil
}

// CheckMTU validates that mtu holds at least one frame and stays frame aligned.
func CheckMTU(mtu, termLength int32) error {
	if mtu < 2*HeaderLength || mtu%FrameAlignment != 0 {
		return fmt.Errorf("%w: %d must be a multiple of %d and at least %d", ErrInvalidMTU, mtu, FrameAlignment, 2*HeaderLength)
	}
	if mtu > termLength {
		return fmt.Errorf("%w: %d exceeds term length %d", ErrInvalidMTU, mtu, termLength)
	}
	return nil
}

func MaxMessageLength(termLength int32) int32 {
	return min(termLength/8, MaxMessageLengthLimit)
}

func MaxPayloadLength(mtu int32) int32 {
	return mtu - HeaderLength
}

func PositionBitsToShift(termLength int32) int {
	return bits.TrailingZeros32(uint32(termLength))
}

// MaxPossiblePosition is the position at which the term id space is exhausted.
func MaxPossiblePosition(termLength int32) int64 {
	return int64(termLength) * (1 << 31)
}

func ComputePosition(activeTermID, termOffset int32, positionBitsToShift int, initialTermID int32) int64 {
	termCount := int64(activeTermID - initialTermID)
	return termCount<<positionBitsToShift + int64(termOffset)
}

func ComputeTermBeginPosition(activeTermID int32, positionBitsToShift int, initialTermID int32) int64 {
	return int64(activeTermID-initialTermID) << positionBitsToShift
}

func ComputeTermIDFromPosition(position int64, positionBitsToShift int, initialTermID int32) int32 {
	return int32(position>>positionBitsToShift) + initialTermID
}

func ComputeTermOffsetFromPosition(position int64, positionBitsToShift int) int32 {
	mask := int64(1)<<positionBitsToShift - 1
	return int32(position & mask)
}

func IndexByPosition(position int64, positionBitsToShift int) int {
	return int((position >> positionBitsToShift) % PartitionCount)
}

func IndexByTermCount(termCount int32) int {
	return int(uint32(termCount) % PartitionCount)
}

func IndexByTerm(initialTermID, activeTermID int32) int {
	return IndexByTermCount(activeTermID - initialTermID)
}

func PackTail(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

func TermID(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// TermOffset extracts the offset from a raw tail, clamped to termLength.
// The raw offset keeps growing past the end while producers race a rotation.
func TermOffset(rawTail int64, termLength int32) int32 {
	offset := rawTail & 0xFFFF_FFFF
	return int32(min(offset, int64(termLength)))
}

// Term is one fixed capacity segment of a log.
type Term struct {
	buf     []byte
	lengths []atomic.Int32
}

func newTerm(length int32) *Term {
	return &Term{
		buf:     make([]byte, length),
		lengths: make([]atomic.Int32, length/FrameAlignment),
	}
}

func (t *Term) Capacity() int32 {
	return int32(len(t.buf))
}

// frameLength loads the committed length of the frame at offset, 0 if not yet committed.
func (t *Term) frameLength(offset int32) int32 {
	return t.lengths[offset/FrameAlignment].Load()
}

func (t *Term) commit(offset, frameLength int32) {
	t.lengths[offset/FrameAlignment].Store(frameLength)
}

// zero clears [offset, offset+length). Callers guarantee no producer or consumer
// touches the region concurrently.
func (t *Term) zero(offset, length int32) {
	clear(t.buf[offset : offset+length])
	for slot := offset / FrameAlignment; slot < (offset+length+FrameAlignment-1)/FrameAlignment; slot++ {
		t.lengths[slot].Store(0)
	}
}
