package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseHex parses a hex frame, tolerating whitespace, ':' / '-' separators
// and a leading 0x.
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r', '\n', ':', '-':
			continue
		}
		b.WriteRune(r)
	}

	clean := b.String()
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("parse hex: odd number of digits")
	}
	if len(clean)/2 > MaxFrameSize {
		return nil, &DecodeError{Kind: ErrFrameTooLong, Detail: fmt.Sprintf("%d hex digits", len(clean))}
	}

	out, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("parse hex: %w", err)
	}
	return out, nil
}

// FormatHex renders a frame as space separated upper-case bytes
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := strings.ToUpper(hex.EncodeToString(b))
	var out strings.Builder
	out.Grow(len(s) + len(s)/2)
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(s[i : i+2])
	}
	return out.String()
}

// WireEncoding is how frames travel in MQTT payloads
type WireEncoding string

const (
	WireHex    WireEncoding = "hex"
	WireBinary WireEncoding = "binary"
)

// Marshal renders a frame for publishing. Hex frames are sent as compact
// upper-case digits.
func (e WireEncoding) Marshal(frame []byte) []byte {
	if e == WireBinary {
		return append([]byte(nil), frame...)
	}
	return []byte(strings.ToUpper(hex.EncodeToString(frame)))
}

// Unmarshal extracts the raw frame from a received payload
func (e WireEncoding) Unmarshal(payload []byte) ([]byte, error) {
	if e == WireBinary {
		if len(payload) > MaxFrameSize {
			return nil, &DecodeError{Kind: ErrFrameTooLong, Detail: fmt.Sprintf("%d bytes", len(payload))}
		}
		return append([]byte(nil), payload...), nil
	}
	// checked before the copy into a string
	if len(payload) > 4*MaxFrameSize {
		return nil, &DecodeError{Kind: ErrFrameTooLong, Detail: fmt.Sprintf("%d bytes of text", len(payload))}
	}
	return ParseHex(string(payload))
}
