package protocol

import (
	"errors"
	"io"
)

// Frame header sizes.
const (
	// FrameHeaderSize is the size of a header with a 16-bit length.
	FrameHeaderSize = 4

	// ExtendedHeaderSize is the size of a header with a 32-bit length.
	ExtendedHeaderSize = 6

	// MaxShortPayload is the largest payload a 16-bit length can carry.
	MaxShortPayload = 0xFFFF

	// MaxFramePayload bounds extended frames.
	MaxFramePayload = 16 * 1024 * 1024
)

// FrameType identifies the payload of a frame.
type FrameType uint8

const (
	FrameMessage FrameType = 0x01 // Payload is an encoded Message
	FrameError   FrameType = 0x02 // Payload is an encoded ErrorMessage from the transport
)

// String returns the name of the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameMessage:
		return "Message"
	case FrameError:
		return "Error"
	default:
		return "Unknown"
	}
}

// FrameFlags modify how a frame payload is read.
type FrameFlags uint8

const (
	FlagCompressed FrameFlags = 0x01 // Payload is deflate-compressed
	FlagExtended   FrameFlags = 0x02 // Length is a 32-bit value
)

// Has reports whether flag is set.
func (ff FrameFlags) Has(flag FrameFlags) bool {
	return ff&flag != 0
}

// Frame errors.
var (
	ErrFrameTooLarge    = errors.New("protocol: frame payload too large")
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
)

// Frame is a typed, length-prefixed payload.
//
//	┌────────────┬───────────┬──────────────────────────────────┐
//	│ Frame Type │ Flags     │ Length (2 bytes, or 4 bytes when │
//	│ (1 byte)   │ (1 byte)  │ FlagExtended is set; big-endian) │
//	└────────────┴───────────┴──────────────────────────────────┘
type Frame struct {
	Type    FrameType
	Flags   FrameFlags
	Payload []byte
}

// NewFrame creates a frame with no flags.
func NewFrame(ft FrameType, payload []byte) *Frame {
	return &Frame{Type: ft, Payload: payload}
}

// Encode returns header and payload. FlagExtended is set automatically
// when the payload does not fit a 16-bit length.
func (f *Frame) Encode() ([]byte, error) {
	n := len(f.Payload)
	if n > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}

	flags := f.Flags &^ FlagExtended
	if n > MaxShortPayload {
		flags |= FlagExtended
	}

	e := &Encoder{buf: make([]byte, 0, ExtendedHeaderSize+n)}
	e.WriteByte(byte(f.Type))
	e.WriteByte(byte(flags))
	if flags.Has(FlagExtended) {
		e.WriteUint32(uint32(n))
	} else {
		e.WriteUint16(uint16(n))
	}
	e.buf = append(e.buf, f.Payload...)
	return e.Bytes(), nil
}

// DecodeFrame parses a complete frame.
func DecodeFrame(data []byte) (*Frame, error) {
	d := NewDecoder(data)
	t, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	fb, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	f := &Frame{Type: FrameType(t), Flags: FrameFlags(fb)}

	var n int
	if f.Flags.Has(FlagExtended) {
		v, err := d.ReadUint32()
		if err != nil {
			return nil, err
		}
		if v > MaxFramePayload {
			return nil, ErrFrameTooLarge
		}
		n = int(v)
	} else {
		v, err := d.ReadUint16()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}

	if d.Remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	f.Payload = make([]byte, n)
	copy(f.Payload, data[d.pos:d.pos+n])

	switch f.Type {
	case FrameMessage, FrameError:
		return f, nil
	default:
		return nil, ErrInvalidFrameType
	}
}

// EncodeErrorFrame builds a FrameError payload for em.
func EncodeErrorFrame(em *ErrorMessage) *Frame {
	e := NewEncoder()
	encodeErrorMessage(e, em)
	return NewFrame(FrameError, e.Bytes())
}

// DecodeErrorFrame parses the payload of a FrameError.
func DecodeErrorFrame(payload []byte) (*ErrorMessage, error) {
	return decodeErrorMessage(NewDecoder(payload))
}
