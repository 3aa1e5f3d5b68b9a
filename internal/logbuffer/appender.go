package logbuffer

import "encoding/binary"

// AppendTripped is returned when a claim crossed the end of the term. The
// caller must rotate the log and retry.
const AppendTripped int32 = -1

// ReservedValueSupplier returns the value stored in a frame's reserved field.
// frame covers the header and body of the frame being committed.
type ReservedValueSupplier func(frame []byte) int64

// AppendShared claims space in partition index with an atomic add on its raw
// tail and writes msg, fragmenting at the mtu when needed. It returns the term
// offset after the message, or AppendTripped, along with the term id that was
// claimed.
func (l *LogBuffers) AppendShared(index int, parts [][]byte, length int32, reserved ReservedValueSupplier) (int32, int32) {
	frameLength := length + HeaderLength
	maxPayload := MaxPayloadLength(l.mtu)
	var claimLength int32
	if length <= maxPayload {
		claimLength = Align(frameLength)
	} else {
		claimLength = fragmentedLength(length, maxPayload)
	}

	raw := l.rawTails[index].Add(int64(claimLength)) - int64(claimLength)
	termID := TermID(raw)
	termOffset := raw & 0xFFFF_FFFF
	resulting := termOffset + int64(claimLength)
	if resulting > int64(l.termLength) {
		l.padToEnd(index, termOffset, termID)
		return AppendTripped, termID
	}

	offset := int32(termOffset)
	if length <= maxPayload {
		l.writeFrame(index, offset, parts, 0, length, FlagUnfragmented, termID, reserved)
	} else {
		l.writeFragments(index, offset, parts, length, maxPayload, termID, reserved)
	}
	return int32(resulting), termID
}

// AppendExclusive writes msg at termOffset without claiming; only one producer
// may use it. The raw tail is published after the write.
func (l *LogBuffers) AppendExclusive(index int, termID, termOffset int32, parts [][]byte, length int32, reserved ReservedValueSupplier) int32 {
	frameLength := length + HeaderLength
	maxPayload := MaxPayloadLength(l.mtu)
	var claimLength int32
	if length <= maxPayload {
		claimLength = Align(frameLength)
	} else {
		claimLength = fragmentedLength(length, maxPayload)
	}

	resulting := int64(termOffset) + int64(claimLength)
	if resulting > int64(l.termLength) {
		l.padToEnd(index, int64(termOffset), termID)
		l.rawTails[index].Store(PackTail(termID, l.termLength))
		return AppendTripped
	}

	if length <= maxPayload {
		l.writeFrame(index, termOffset, parts, 0, length, FlagUnfragmented, termID, reserved)
	} else {
		l.writeFragments(index, termOffset, parts, length, maxPayload, termID, reserved)
	}
	l.rawTails[index].Store(PackTail(termID, int32(resulting)))
	return int32(resulting)
}

func fragmentedLength(length, maxPayload int32) int32 {
	full := length / maxPayload
	total := full * Align(maxPayload+HeaderLength)
	if rest := length % maxPayload; rest > 0 {
		total += Align(rest + HeaderLength)
	}
	return total
}

func (l *LogBuffers) padToEnd(index int, termOffset int64, termID int32) {
	if termOffset >= int64(l.termLength) {
		return
	}
	offset := int32(termOffset)
	padLength := l.termLength - offset
	term := l.terms[index]
	l.header.write(term.buf, offset, padLength, FlagUnfragmented, TypePad, termID)
	term.commit(offset, padLength)
}

func (l *LogBuffers) writeFragments(index int, offset int32, parts [][]byte, length, maxPayload, termID int32, reserved ReservedValueSupplier) {
	var written int32
	flags := FlagBegin
	for written < length {
		chunk := min(length-written, maxPayload)
		if written+chunk == length {
			flags |= FlagEnd
		}
		l.writeFrame(index, offset, parts, written, chunk, flags, termID, reserved)
		offset += Align(chunk + HeaderLength)
		written += chunk
		flags = 0
	}
}

// writeFrame copies length bytes of the gathered message starting at skip into
// a frame at offset and commits it.
func (l *LogBuffers) writeFrame(index int, offset int32, parts [][]byte, skip, length int32, flags uint8, termID int32, reserved ReservedValueSupplier) {
	term := l.terms[index]
	frameLength := length + HeaderLength
	l.header.write(term.buf, offset, frameLength, flags, TypeData, termID)
	gather(term.buf[offset+HeaderLength:offset+frameLength], parts, skip)
	if reserved != nil {
		value := reserved(term.buf[offset : offset+frameLength])
		binary.LittleEndian.PutUint64(term.buf[offset+reservedValueOffset:], uint64(value))
	}
	term.commit(offset, frameLength)
}

// gather fills dst from parts starting skip bytes into their concatenation.
func gather(dst []byte, parts [][]byte, skip int32) {
	pos := int(skip)
	n := 0
	for _, p := range parts {
		if n == len(dst) {
			return
		}
		if pos >= len(p) {
			pos -= len(p)
			continue
		}
		n += copy(dst[n:], p[pos:])
		pos = 0
	}
}
