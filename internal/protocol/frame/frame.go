// Package frame wraps one driver command or response in a fixed header.
//
// Layout, little endian:
//
//	0  magic          u32
//	4  version        u16
//	6  flags          u16
//	8  message type   u32
//	12 payload length u32
//	16 message id     u64 (the correlation id)
//	24 payload
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic   uint32 = 0x7E4B0501
	Version uint16 = 2

	HeaderLen = 24

	FlagIsResponse uint16 = 0x01
	FlagIsError    uint16 = 0x02

	// MaxPayload bounds one command payload; counter keys and labels are the largest fields.
	MaxPayload = 64 * 1024
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic or version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrLengthMismatch  = errors.New("frame: payload length does not match buffer")
)

type Header struct {
	Version     uint16
	Flags       uint16
	MessageType uint32
	MessageID   uint64
	PayloadLen  uint32
}

// Frame is one decoded message. Payload aliases the decoded buffer.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode renders one frame into a fresh buffer.
func Encode(messageID uint64, messageType uint32, flags uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], messageType)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint64(buf[16:24], messageID)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode parses exactly one frame from b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return Frame{}, ErrBadMagic
	}
	h := Header{
		Version:     binary.LittleEndian.Uint16(b[4:6]),
		Flags:       binary.LittleEndian.Uint16(b[6:8]),
		MessageType: binary.LittleEndian.Uint32(b[8:12]),
		PayloadLen:  binary.LittleEndian.Uint32(b[12:16]),
		MessageID:   binary.LittleEndian.Uint64(b[16:24]),
	}
	if h.Version != Version {
		return Frame{}, ErrBadMagic
	}
	if h.PayloadLen > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	if int(h.PayloadLen) != len(b)-HeaderLen {
		return Frame{}, fmt.Errorf("%w: header=%d buffer=%d", ErrLengthMismatch, h.PayloadLen, len(b)-HeaderLen)
	}
	return Frame{Header: h, Payload: b[HeaderLen:]}, nil
}
