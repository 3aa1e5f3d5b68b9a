package logbuffer

import "encoding/binary"

// Data frame layout, little endian:
//
//	0  frame length   int32
//	4  version        uint8
//	5  flags          uint8
//	6  type           uint16
//	8  term offset    int32
//	12 session id     int32
//	16 stream id      int32
//	20 term id        int32
//	24 reserved value int64
const (
	HeaderLength   = 32
	FrameAlignment = 32

	FrameVersion uint8 = 0

	FlagBegin        uint8 = 0x80
	FlagEnd          uint8 = 0x40
	FlagUnfragmented       = FlagBegin | FlagEnd

	TypePad  uint16 = 0
	TypeData uint16 = 1

	lengthOffset        = 0
	versionOffset       = 4
	flagsOffset         = 5
	typeOffset          = 6
	termOffsetOffset    = 8
	sessionIDOffset     = 12
	streamIDOffset      = 16
	termIDOffset        = 20
	reservedValueOffset = 24
)

// Align rounds length up to the next multiple of FrameAlignment.
func Align(length int32) int32 {
	return (length + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// Header is a view over one frame in a term. It is only valid during the
// handler call that receives it.
type Header struct {
	buf                 []byte
	offset              int32
	initialTermID       int32
	positionBitsToShift int
}

// NewHeader returns a reusable header for frames of a log with the given geometry.
func NewHeader(initialTermID int32, positionBitsToShift int) *Header {
	return &Header{initialTermID: initialTermID, positionBitsToShift: positionBitsToShift}
}

func (h *Header) wrap(buf []byte, offset int32) {
	h.buf = buf
	h.offset = offset
}

func (h *Header) i32(at int) int32 {
	o := int(h.offset) + at
	return int32(binary.LittleEndian.Uint32(h.buf[o : o+4]))
}

func (h *Header) FrameLength() int32 { return h.i32(lengthOffset) }
func (h *Header) Version() uint8     { return h.buf[int(h.offset)+versionOffset] }
func (h *Header) Flags() uint8       { return h.buf[int(h.offset)+flagsOffset] }
func (h *Header) TermOffset() int32  { return h.i32(termOffsetOffset) }
func (h *Header) SessionID() int32   { return h.i32(sessionIDOffset) }
func (h *Header) StreamID() int32    { return h.i32(streamIDOffset) }
func (h *Header) TermID() int32      { return h.i32(termIDOffset) }
func (h *Header) InitialTermID() int32 {
	return h.initialTermID
}

func (h *Header) Type() uint16 {
	o := int(h.offset) + typeOffset
	return binary.LittleEndian.Uint16(h.buf[o : o+2])
}

func (h *Header) ReservedValue() int64 {
	o := int(h.offset) + reservedValueOffset
	return int64(binary.LittleEndian.Uint64(h.buf[o : o+8]))
}

// Position is the stream position just after this frame.
func (h *Header) Position() int64 {
	end := h.TermOffset() + Align(h.FrameLength())
	return ComputePosition(h.TermID(), end, h.positionBitsToShift, h.initialTermID)
}

// frameHeader carries the per-log constant header fields.
type frameHeader struct {
	sessionID int32
	streamID  int32
}

func (fh frameHeader) write(buf []byte, offset, frameLength int32, flags uint8, frameType uint16, termID int32) {
	b := buf[offset : offset+HeaderLength]
	binary.LittleEndian.PutUint32(b[lengthOffset:], uint32(frameLength))
	b[versionOffset] = FrameVersion
	b[flagsOffset] = flags
	binary.LittleEndian.PutUint16(b[typeOffset:], frameType)
	binary.LittleEndian.PutUint32(b[termOffsetOffset:], uint32(offset))
	binary.LittleEndian.PutUint32(b[sessionIDOffset:], uint32(fh.sessionID))
	binary.LittleEndian.PutUint32(b[streamIDOffset:], uint32(fh.streamID))
	binary.LittleEndian.PutUint32(b[termIDOffset:], uint32(termID))
	binary.LittleEndian.PutUint64(b[reservedValueOffset:], 0)
}
