package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the frame type carried on the wire.
type Opcode byte

const (
	// OpcodeText carries a UTF-8 message payload.
	OpcodeText Opcode = 0x1
	// OpcodeClose signals an orderly connection shutdown.
	OpcodeClose Opcode = 0x8
	// OpcodePing requests a keep-alive reply.
	OpcodePing Opcode = 0x9
	// OpcodePong answers a ping.
	OpcodePong Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80
	rsvMask = 0x70

	payloadLen16Bit = 126
	payloadLen64Bit = 127

	maxSingleBytePayload = 125
	maxUint16Payload     = 1 << 16

	// maxDeclaredPayload caps the 64-bit length form. Lengths beyond
	// 2^53-1 cannot survive a round trip through clients that store
	// integers as IEEE 754 doubles, so they are treated as corrupt.
	maxDeclaredPayload = 1<<53 - 1

	maskKeyLength = 4
)

var (
	// ErrIncompleteFrame reports that the buffer does not yet hold a
	// whole frame; the caller should read more bytes and retry.
	ErrIncompleteFrame = errors.New("wire: incomplete frame")
	// ErrUnsupportedOpcode reports a frame whose opcode is outside the
	// handled set.
	ErrUnsupportedOpcode = errors.New("wire: unsupported opcode")
	// ErrFragmentedFrame reports a frame with the FIN bit clear.
	ErrFragmentedFrame = errors.New("wire: fragmented frames are not supported")
	// ErrReservedBitsSet reports a frame using reserved header bits.
	ErrReservedBitsSet = errors.New("wire: reserved header bits set")
	// ErrFrameTooLarge reports a declared payload length beyond the
	// supported range.
	ErrFrameTooLarge = errors.New("wire: declared payload length too large")
)

// Frame is one decoded unit of the session protocol.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// DecodeFrame parses the first complete frame from buffer and reports the
// number of bytes it consumed. A partial frame yields ErrIncompleteFrame and
// consumes nothing.
func DecodeFrame(buffer []byte) (Frame, int, error) {
	if len(buffer) < 2 {
		return Frame{}, 0, ErrIncompleteFrame
	}

	header := buffer[0]
	if header&rsvMask != 0 {
		return Frame{}, 0, ErrReservedBitsSet
	}
	if header&finBit == 0 {
		return Frame{}, 0, ErrFragmentedFrame
	}

	opcode := Opcode(header & 0x0F)
	switch opcode {
	case OpcodeText, OpcodeClose, OpcodePing, OpcodePong:
	default:
		return Frame{}, 0, fmt.Errorf("%w: 0x%X", ErrUnsupportedOpcode, byte(opcode))
	}

	masked := buffer[1]&maskBit != 0
	declaredLength := uint64(buffer[1] & 0x7F)
	offset := 2

	switch declaredLength {
	case payloadLen16Bit:
		if len(buffer) < offset+2 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		declaredLength = uint64(binary.BigEndian.Uint16(buffer[offset:]))
		offset += 2
	case payloadLen64Bit:
		if len(buffer) < offset+8 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		declaredLength = binary.BigEndian.Uint64(buffer[offset:])
		offset += 8
		if declaredLength > maxDeclaredPayload {
			return Frame{}, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, declaredLength)
		}
	}

	payloadLength := int(declaredLength)
	if masked {
		if len(buffer) < offset+maskKeyLength {
			return Frame{}, 0, ErrIncompleteFrame
		}
		maskKey := buffer[offset : offset+maskKeyLength]
		offset += maskKeyLength
		if len(buffer) < offset+payloadLength {
			return Frame{}, 0, ErrIncompleteFrame
		}
		payload := make([]byte, payloadLength)
		for index := 0; index < payloadLength; index++ {
			payload[index] = buffer[offset+index] ^ maskKey[index%maskKeyLength]
		}
		return Frame{Opcode: opcode, Payload: payload}, offset + payloadLength, nil
	}

	if len(buffer) < offset+payloadLength {
		return Frame{}, 0, ErrIncompleteFrame
	}
	payload := make([]byte, payloadLength)
	copy(payload, buffer[offset:offset+payloadLength])
	return Frame{Opcode: opcode, Payload: payload}, offset + payloadLength, nil
}

// EncodeFrame serializes an unmasked server-to-client frame using the
// smallest length encoding that fits the payload.
func EncodeFrame(opcode Opcode, payload []byte) []byte {
	payloadLength := len(payload)

	var header []byte
	switch {
	case payloadLength <= maxSingleBytePayload:
		header = []byte{finBit | byte(opcode), byte(payloadLength)}
	case payloadLength < maxUint16Payload:
		header = []byte{finBit | byte(opcode), payloadLen16Bit, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(payloadLength))
	default:
		header = []byte{finBit | byte(opcode), payloadLen64Bit, 0, 0, 0, 0, 0, 0, 0, 0}
		binary.BigEndian.PutUint64(header[2:], uint64(payloadLength))
	}

	encoded := make([]byte, 0, len(header)+payloadLength)
	encoded = append(encoded, header...)
	encoded = append(encoded, payload...)
	return encoded
}
