package codec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Field is one named, typed value carried by a frame
type Field struct {
	Cmd   string      `json:"cmd"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// Expand resolves the payload of a decoded frame into named fields using
// the payload-name table of its opcode.
func Expand(f *Frame) ([]Field, error) {
	def, ok := LookupOpcode(f.Opcode)
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownOpcode, Opcode: f.Opcode}
	}

	if def.Kind.whole() {
		if len(f.Payload) == 0 || len(def.Fields) == 0 {
			return nil, nil
		}
		fd := def.Fields[0]
		return []Field{{Cmd: fd.Cmd, Name: fd.Name, Value: decodeValue(def.Kind, f.Payload)}}, nil
	}

	units := f.Units()
	fields := make([]Field, 0, len(units))

	for i, unit := range units {
		if def.Selector {
			fd, ok := def.field(unit[0])
			if !ok {
				return nil, &DecodeError{
					Kind:   ErrUnknownSelector,
					Opcode: f.Opcode,
					Detail: fmt.Sprintf("selector 0x%02x", unit[0]),
				}
			}
			fields = append(fields, Field{Cmd: fd.Cmd, Name: fd.Name, Value: decodeValue(def.Kind, unit[1:])})
			continue
		}

		if len(def.Fields) == 0 {
			continue
		}

		var fd FieldDef
		name := ""
		switch {
		case def.Repeated:
			fd = def.Fields[0]
			name = fmt.Sprintf("%s_%d", fd.Name, i)
		case i < len(def.Fields):
			fd = def.Fields[i]
			name = fd.Name
		default:
			fd = def.Fields[len(def.Fields)-1]
			name = fmt.Sprintf("%s_%d", fd.Name, i)
		}
		fields = append(fields, Field{Cmd: fd.Cmd, Name: name, Value: decodeValue(def.Kind, unit)})
	}

	return fields, nil
}

func decodeValue(kind ValueKind, b []byte) interface{} {
	switch kind {
	case KindBool:
		return b[0] != 0
	case KindUint8:
		return int64(b[0])
	case KindUint16:
		return int64(binary.BigEndian.Uint16(b))
	case KindInt16:
		return int64(int16(binary.BigEndian.Uint16(b)))
	case KindUint32:
		return int64(binary.BigEndian.Uint32(b))
	case KindText:
		return string(b)
	default:
		return hex.EncodeToString(b)
	}
}
