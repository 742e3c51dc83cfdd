package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Structured command types
const (
	TypeModbusRead  = "modbus-read"
	TypeModbusWrite = "modbus-write"
	TypeSerialSend  = "serial-send"
)

// BuildStructured builds the opcode and payload of a protocol-specific
// command from loosely typed request fields. Plain action names are accepted
// too and resolve through the action table.
func BuildStructured(typ string, fields map[string]interface{}) (byte, []byte, error) {
	switch typ {
	case TypeModbusRead:
		slave, err := uintField(fields, "slave", 1, 247, -1)
		if err != nil {
			return 0, nil, err
		}
		function, err := uintField(fields, "function", 3, 4, 3)
		if err != nil {
			return 0, nil, err
		}
		address, err := uintField(fields, "address", 0, math.MaxUint16, -1)
		if err != nil {
			return 0, nil, err
		}
		quantity, err := uintField(fields, "quantity", 1, 125, 1)
		if err != nil {
			return 0, nil, err
		}
		return OpModbus, modbusPDU(byte(slave), byte(function), uint16(address), uint16(quantity)), nil

	case TypeModbusWrite:
		slave, err := uintField(fields, "slave", 1, 247, -1)
		if err != nil {
			return 0, nil, err
		}
		address, err := uintField(fields, "address", 0, math.MaxUint16, -1)
		if err != nil {
			return 0, nil, err
		}
		value, err := uintField(fields, "value", 0, math.MaxUint16, -1)
		if err != nil {
			return 0, nil, err
		}
		return OpModbus, modbusPDU(byte(slave), 0x06, uint16(address), uint16(value)), nil

	case TypeSerialSend:
		raw, ok := fields["data"].(string)
		if !ok || raw == "" {
			return 0, nil, fmt.Errorf("serial-send: data is required")
		}
		data, err := ParseHex(raw)
		if err != nil {
			return 0, nil, fmt.Errorf("serial-send: %w", err)
		}
		if len(data) > 0xFF {
			return 0, nil, fmt.Errorf("serial-send: %w: %d bytes", ErrFrameTooLong, len(data))
		}
		return OpSerial, data, nil
	}

	a, ok := LookupAction(typ)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownAction, typ)
	}
	return a.Opcode, a.Payload, nil
}

func modbusPDU(slave, function byte, address, arg uint16) []byte {
	pdu := make([]byte, 6)
	pdu[0] = slave
	pdu[1] = function
	binary.BigEndian.PutUint16(pdu[2:4], address)
	binary.BigEndian.PutUint16(pdu[4:6], arg)
	return pdu
}

// uintField reads fields[key] as an integer in [lo, hi]. A negative def
// marks the field as required.
func uintField(fields map[string]interface{}, key string, lo, hi, def int64) (int64, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		if def < 0 {
			return 0, fmt.Errorf("%s is required", key)
		}
		return def, nil
	}

	var v int64
	switch n := raw.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		v = int64(n)
	case int:
		v = int64(n)
	case int64:
		v = n
	case string:
		parsed, err := strconv.ParseInt(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		v = parsed
	default:
		return 0, fmt.Errorf("%s has unsupported type %T", key, raw)
	}

	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", key, lo, hi)
	}
	return v, nil
}
