package codec

import (
	"bytes"
	"errors"
	"testing"
)

func mustDecode(t *testing.T, opcode byte, payload []byte) *Frame {
	t.Helper()
	raw, err := Encode(opcode, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func TestExpandSelectorFrame(t *testing.T) {
	f := mustDecode(t, OpPushIO, []byte{0x01, 0x01, 0x02, 0x00, 0x03, 0x01})

	fields, err := Expand(f)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	want := []struct {
		cmd   string
		value bool
	}{
		{"CMD_PUSH_IO_DI1", true},
		{"CMD_PUSH_IO_DI2", false},
		{"CMD_PUSH_IO_DO1", true},
	}
	if len(fields) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(fields))
	}
	for i, w := range want {
		if fields[i].Cmd != w.cmd || fields[i].Value != w.value {
			t.Fatalf("field %d: got %+v, want %s=%v", i, fields[i], w.cmd, w.value)
		}
	}
}

func TestExpandPositionalFrames(t *testing.T) {
	hb := mustDecode(t, OpHeartbeat, []byte{0x00, 0x00, 0x0E, 0x10})
	fields, err := Expand(hb)
	if err != nil {
		t.Fatalf("expand heartbeat: %v", err)
	}
	if len(fields) != 1 || fields[0].Name != "uptime" || fields[0].Value != int64(3600) {
		t.Fatalf("unexpected heartbeat fields: %+v", fields)
	}

	regs := mustDecode(t, OpModbus, []byte{0x00, 0x2A, 0xFF, 0xFF})
	fields, err = Expand(regs)
	if err != nil {
		t.Fatalf("expand modbus: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected 2 registers, got %d", len(fields))
	}
	if fields[0].Name != "register_0" || fields[0].Value != int64(42) {
		t.Fatalf("unexpected register 0: %+v", fields[0])
	}
	if fields[1].Name != "register_1" || fields[1].Value != int64(65535) {
		t.Fatalf("unexpected register 1: %+v", fields[1])
	}
}

func TestExpandWholePayloadKinds(t *testing.T) {
	v := mustDecode(t, OpVersion, []byte("v2.4.1"))
	fields, err := Expand(v)
	if err != nil {
		t.Fatalf("expand version: %v", err)
	}
	if len(fields) != 1 || fields[0].Cmd != "CMD_FIRMWARE_VERSION" || fields[0].Value != "v2.4.1" {
		t.Fatalf("unexpected version fields: %+v", fields)
	}

	s := mustDecode(t, OpSerial, []byte{0xDE, 0xAD})
	fields, err = Expand(s)
	if err != nil {
		t.Fatalf("expand serial: %v", err)
	}
	if len(fields) != 1 || fields[0].Value != "dead" {
		t.Fatalf("unexpected serial fields: %+v", fields)
	}
}

func TestExpandUnknownSelector(t *testing.T) {
	f := mustDecode(t, OpIOControl, []byte{0x7F, 0x01})
	if _, err := Expand(f); !errors.Is(err, ErrUnknownSelector) {
		t.Fatalf("expected ErrUnknownSelector, got %v", err)
	}
}

func TestExpandUnknownOpcode(t *testing.T) {
	f := mustDecode(t, 0x7E, []byte{0x01})
	if _, err := Expand(f); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}
}

func TestParseHex(t *testing.T) {
	want := []byte{0x03, 0x01, 0x07, 0x01, 0xEC}
	for _, in := range []string{"030107 01EC", "03:01:07:01:ec", "0x03010701EC", " 03-01-07-01-EC\n"} {
		got, err := ParseHex(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%q: got % x", in, got)
		}
	}

	if _, err := ParseHex("0301070"); err == nil {
		t.Fatalf("expected error for odd digit count")
	}
	if _, err := ParseHex("zz"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}

	if got := FormatHex(want); got != "03 01 07 01 EC" {
		t.Fatalf("format: got %q", got)
	}
}

func TestBuildStructured(t *testing.T) {
	op, payload, err := BuildStructured(TypeModbusRead, map[string]interface{}{
		"slave":    float64(1),
		"address":  "0x0010",
		"quantity": float64(2),
	})
	if err != nil {
		t.Fatalf("modbus-read: %v", err)
	}
	if op != OpModbus || !bytes.Equal(payload, []byte{0x01, 0x03, 0x00, 0x10, 0x00, 0x02}) {
		t.Fatalf("unexpected modbus-read frame: 0x%02x % x", op, payload)
	}
	if _, err := Encode(op, payload); err != nil {
		t.Fatalf("encode modbus-read: %v", err)
	}

	if _, _, err := BuildStructured(TypeModbusWrite, map[string]interface{}{"slave": float64(1)}); err == nil {
		t.Fatalf("expected error for missing address")
	}
	if _, _, err := BuildStructured(TypeModbusRead, map[string]interface{}{"slave": float64(300), "address": float64(0)}); err == nil {
		t.Fatalf("expected error for slave out of range")
	}

	op, payload, err = BuildStructured(TypeSerialSend, map[string]interface{}{"data": "AA 55"})
	if err != nil || op != OpSerial || !bytes.Equal(payload, []byte{0xAA, 0x55}) {
		t.Fatalf("unexpected serial-send: 0x%02x % x %v", op, payload, err)
	}

	op, _, err = BuildStructured("output2-off", nil)
	if err != nil || op != OpIOControl {
		t.Fatalf("action fallback: 0x%02x %v", op, err)
	}

	if _, _, err := BuildStructured("launch-rocket", nil); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestWireEncoding(t *testing.T) {
	frame := []byte{0x03, 0x01, 0x07, 0x01, 0xEC}

	if got := string(WireHex.Marshal(frame)); got != "03010701EC" {
		t.Fatalf("unexpected hex wire form %q", got)
	}
	back, err := WireHex.Unmarshal([]byte("03 01 07 01 ec"))
	if err != nil || !bytes.Equal(back, frame) {
		t.Fatalf("hex unmarshal: %x, %v", back, err)
	}

	raw, err := WireBinary.Unmarshal(WireBinary.Marshal(frame))
	if err != nil || !bytes.Equal(raw, frame) {
		t.Fatalf("binary round trip: %x, %v", raw, err)
	}

	if _, err := WireBinary.Unmarshal(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("expected ErrFrameTooLong, got %v", err)
	}
}
