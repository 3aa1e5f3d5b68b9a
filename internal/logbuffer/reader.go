package logbuffer

import "encoding/binary"

// FragmentHandler receives one complete message. buffer and header are only
// valid for the duration of the call.
type FragmentHandler func(buffer []byte, header *Header)

// FrameHandler receives one raw fragment and reports whether it completed a message.
type FrameHandler func(buffer []byte, header *Header) bool

// Read scans committed frames from offset in term, skipping padding, until
// messageLimit messages completed or no committed frame remains. It returns
// the offset after the last frame consumed and the number of messages completed.
func Read(term *Term, offset int32, header *Header, messageLimit int, handler FrameHandler) (int32, int) {
	completed := 0
	capacity := term.Capacity()
	for completed < messageLimit && offset < capacity {
		frameLength := term.frameLength(offset)
		if frameLength <= 0 {
			break
		}
		frameOffset := offset
		offset += Align(frameLength)
		if frameType(term.buf, frameOffset) == TypePad {
			continue
		}
		header.wrap(term.buf, frameOffset)
		if handler(term.buf[frameOffset+HeaderLength:frameOffset+frameLength], header) {
			completed++
		}
	}
	return offset, completed
}

func frameType(buf []byte, offset int32) uint16 {
	o := int(offset) + typeOffset
	return binary.LittleEndian.Uint16(buf[o : o+2])
}

// Assembler rebuilds fragmented messages for one image before they reach a
// FragmentHandler. Unfragmented messages pass through without copying.
type Assembler struct {
	buf    []byte
	active bool
}

func NewAssembler(initialCapacity int) *Assembler {
	return &Assembler{buf: make([]byte, 0, initialCapacity)}
}

// Handler adapts handler into the raw fragment callback Read expects.
func (a *Assembler) Handler(handler FragmentHandler) FrameHandler {
	return func(buffer []byte, header *Header) bool {
		return a.onFragment(handler, buffer, header)
	}
}

func (a *Assembler) onFragment(handler FragmentHandler, buffer []byte, header *Header) bool {
	flags := header.Flags()
	if flags&FlagUnfragmented == FlagUnfragmented {
		handler(buffer, header)
		return true
	}
	if flags&FlagBegin != 0 {
		a.buf = append(a.buf[:0], buffer...)
		a.active = true
		return false
	}
	if !a.active {
		return false
	}
	a.buf = append(a.buf, buffer...)
	if flags&FlagEnd == 0 {
		return false
	}
	a.active = false
	handler(a.buf, header)
	return true
}

// Reset drops any partially assembled message.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.active = false
}
