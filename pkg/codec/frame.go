package codec

import (
	"errors"
	"fmt"
)

// MaxFrameSize is the decode budget: opcode + length + 255 units of the
// widest unit (selector + uint32) + checksum, rounded up.
const MaxFrameSize = 1280

// Frame errors
var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrFrameTooLong    = errors.New("frame exceeds decode budget")
	ErrLengthMismatch  = errors.New("length mismatch")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrUnknownSelector = errors.New("unknown selector")
	ErrUnknownAction   = errors.New("unknown action")
)

// DecodeError describes why a frame was rejected. Kind is one of the
// frame errors above and is returned by Unwrap.
type DecodeError struct {
	Kind   error
	Opcode byte
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode opcode 0x%02x: %v", e.Opcode, e.Kind)
	}
	return fmt.Sprintf("decode opcode 0x%02x: %v (%s)", e.Opcode, e.Kind, e.Detail)
}

// Unwrap returns the error kind
func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// Frame is one opcode | length | payload | checksum unit
type Frame struct {
	Opcode   byte
	Length   byte
	Payload  []byte
	Checksum byte
}

// Units returns the payload split into its fixed-width units
func (f *Frame) Units() [][]byte {
	def := lookupOrDefault(f.Opcode)
	width := def.UnitWidth()
	units := make([][]byte, 0, f.Length)
	for i := 0; i+width <= len(f.Payload); i += width {
		units = append(units, f.Payload[i:i+width])
	}
	return units
}

// Bytes re-encodes the frame
func (f *Frame) Bytes() []byte {
	out := make([]byte, 0, len(f.Payload)+3)
	out = append(out, f.Opcode, f.Length)
	out = append(out, f.Payload...)
	return append(out, f.Checksum)
}

// Decode parses and validates a raw frame
func Decode(raw []byte) (*Frame, error) {
	if len(raw) > MaxFrameSize {
		return nil, &DecodeError{Kind: ErrFrameTooLong, Detail: fmt.Sprintf("%d bytes", len(raw))}
	}
	if len(raw) < 3 {
		return nil, &DecodeError{Kind: ErrFrameTooShort, Detail: fmt.Sprintf("%d bytes", len(raw))}
	}

	opcode := raw[0]
	length := raw[1]
	def := lookupOrDefault(opcode)

	want := 2 + int(length)*def.UnitWidth() + 1
	if len(raw) != want {
		return nil, &DecodeError{
			Kind:   ErrLengthMismatch,
			Opcode: opcode,
			Detail: fmt.Sprintf("length %d needs %d bytes, got %d", length, want, len(raw)),
		}
	}

	body := raw[:len(raw)-1]
	checksum := raw[len(raw)-1]
	if expected := def.Checksum.Sum(body); expected != checksum {
		return nil, &DecodeError{
			Kind:   ErrChecksum,
			Opcode: opcode,
			Detail: fmt.Sprintf("%s expected 0x%02x, got 0x%02x", def.Checksum, expected, checksum),
		}
	}

	payload := make([]byte, len(raw)-3)
	copy(payload, raw[2:len(raw)-1])

	return &Frame{
		Opcode:   opcode,
		Length:   length,
		Payload:  payload,
		Checksum: checksum,
	}, nil
}

// Encode builds a frame for opcode and payload, deriving length and checksum
func Encode(opcode byte, payload []byte) ([]byte, error) {
	def := lookupOrDefault(opcode)
	width := def.UnitWidth()

	if len(payload)%width != 0 {
		return nil, fmt.Errorf("encode opcode 0x%02x: %w: %d bytes is not a multiple of unit width %d",
			opcode, ErrLengthMismatch, len(payload), width)
	}
	units := len(payload) / width
	if units > 0xFF {
		return nil, fmt.Errorf("encode opcode 0x%02x: %w: %d units", opcode, ErrFrameTooLong, units)
	}

	out := make([]byte, 0, len(payload)+3)
	out = append(out, opcode, byte(units))
	out = append(out, payload...)
	return append(out, def.Checksum.Sum(out)), nil
}
