package codec

import (
	"sort"
	"time"
)

// Opcode identifiers
const (
	OpHeartbeat  byte = 0x01
	OpPushIO     byte = 0x02
	OpIOControl  byte = 0x03
	OpTCPNotify  byte = 0x04
	OpPushAnalog byte = 0x05
	OpVersion    byte = 0x06
	OpReboot     byte = 0x07
	OpQueryIO    byte = 0x08
	OpModbus     byte = 0x20
	OpSerial     byte = 0x21
)

// ValueKind is the wire type of one payload value
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindUint8
	KindUint16
	KindUint32
	KindInt16
	// KindText and KindHex consume the whole payload as a single value
	KindText
	KindHex
)

// Width returns the encoded size of one value
func (k ValueKind) Width() int {
	switch k {
	case KindUint16, KindInt16:
		return 2
	case KindUint32:
		return 4
	default:
		return 1
	}
}

func (k ValueKind) whole() bool {
	return k == KindText || k == KindHex
}

// FieldDef names one payload field
type FieldDef struct {
	Selector byte   `json:"selector,omitempty"`
	Cmd      string `json:"cmd"`
	Name     string `json:"name"`
}

// OpcodeDef describes the payload layout of one opcode.
//
// Selector opcodes carry (selector, value) units and resolve names through
// Fields by selector. Positional opcodes carry bare values; unit i takes
// Fields[i], and Repeated opcodes reuse Fields[0] with an index suffix.
type OpcodeDef struct {
	Opcode   byte           `json:"opcode"`
	Name     string         `json:"name"`
	Checksum ChecksumFamily `json:"-"`
	Selector bool           `json:"selector"`
	Repeated bool           `json:"repeated,omitempty"`
	Kind     ValueKind      `json:"kind"`
	Fields   []FieldDef     `json:"fields"`
	// Interval is the expected push period of periodic telemetry, zero otherwise
	Interval time.Duration `json:"interval,omitempty"`
}

// UnitWidth returns the byte width of one payload unit
func (d *OpcodeDef) UnitWidth() int {
	if d.Selector {
		return 1 + d.Kind.Width()
	}
	return d.Kind.Width()
}

func (d *OpcodeDef) field(selector byte) (FieldDef, bool) {
	for _, f := range d.Fields {
		if f.Selector == selector {
			return f, true
		}
	}
	return FieldDef{}, false
}

// Action maps a semantic action name to a canonical opcode and payload
type Action struct {
	Name        string `json:"name"`
	Opcode      byte   `json:"opcode"`
	Payload     []byte `json:"-"`
	Description string `json:"description"`
}

var opcodes = map[byte]*OpcodeDef{
	OpHeartbeat: {
		Opcode:   OpHeartbeat,
		Name:     "heartbeat",
		Checksum: ChecksumSum,
		Kind:     KindUint32,
		Fields:   []FieldDef{{Cmd: "CMD_PUSH_HEARTBEAT", Name: "uptime"}},
		Interval: 30 * time.Second,
	},
	OpPushIO: {
		Opcode:   OpPushIO,
		Name:     "push-io",
		Checksum: ChecksumXOR,
		Selector: true,
		Kind:     KindBool,
		Fields: []FieldDef{
			{Selector: 0x01, Cmd: "CMD_PUSH_IO_DI1", Name: "di1"},
			{Selector: 0x02, Cmd: "CMD_PUSH_IO_DI2", Name: "di2"},
			{Selector: 0x03, Cmd: "CMD_PUSH_IO_DO1", Name: "do1"},
			{Selector: 0x04, Cmd: "CMD_PUSH_IO_DO2", Name: "do2"},
		},
		Interval: 60 * time.Second,
	},
	// Relay outputs are reported back on their paired input channel.
	OpIOControl: {
		Opcode:   OpIOControl,
		Name:     "io-control",
		Checksum: ChecksumCRC8,
		Selector: true,
		Kind:     KindBool,
		Fields: []FieldDef{
			{Selector: 0x05, Cmd: "CMD_OUTPUT_CHANNEL1", Name: "output_channel_1"},
			{Selector: 0x06, Cmd: "CMD_OUTPUT_CHANNEL2", Name: "output_channel_2"},
			{Selector: 0x07, Cmd: "CMD_INPUT_CHANNEL1", Name: "input_channel_1"},
			{Selector: 0x08, Cmd: "CMD_INPUT_CHANNEL2", Name: "input_channel_2"},
		},
	},
	OpTCPNotify: {
		Opcode:   OpTCPNotify,
		Name:     "tcp-notify",
		Checksum: ChecksumCRC8,
		Selector: true,
		Kind:     KindBool,
		Fields:   []FieldDef{{Selector: 0x01, Cmd: "CMD_TCP_NOTIFY", Name: "tcp_notify"}},
	},
	OpPushAnalog: {
		Opcode:   OpPushAnalog,
		Name:     "push-analog",
		Checksum: ChecksumSum,
		Selector: true,
		Kind:     KindUint16,
		Fields: []FieldDef{
			{Selector: 0x01, Cmd: "CMD_PUSH_AI1", Name: "ai1"},
			{Selector: 0x02, Cmd: "CMD_PUSH_AI2", Name: "ai2"},
		},
		Interval: 60 * time.Second,
	},
	OpVersion: {
		Opcode:   OpVersion,
		Name:     "version",
		Checksum: ChecksumSum,
		Kind:     KindText,
		Fields:   []FieldDef{{Cmd: "CMD_FIRMWARE_VERSION", Name: "firmware"}},
	},
	OpReboot: {
		Opcode:   OpReboot,
		Name:     "reboot",
		Checksum: ChecksumSum,
		Kind:     KindUint8,
		Fields:   []FieldDef{{Cmd: "CMD_REBOOT", Name: "reason"}},
	},
	OpQueryIO: {
		Opcode:   OpQueryIO,
		Name:     "query-io",
		Checksum: ChecksumSum,
		Kind:     KindUint8,
	},
	OpModbus: {
		Opcode:   OpModbus,
		Name:     "modbus",
		Checksum: ChecksumCRC8,
		Repeated: true,
		Kind:     KindUint16,
		Fields:   []FieldDef{{Cmd: "CMD_MODBUS_REGISTER", Name: "register"}},
	},
	OpSerial: {
		Opcode:   OpSerial,
		Name:     "serial",
		Checksum: ChecksumXOR,
		Kind:     KindHex,
		Fields:   []FieldDef{{Cmd: "CMD_SERIAL_DATA", Name: "data"}},
	},
}

var actions = map[string]Action{
	"output1-on":     {Name: "output1-on", Opcode: OpIOControl, Payload: []byte{0x07, 0x01}, Description: "switch relay output 1 on"},
	"output1-off":    {Name: "output1-off", Opcode: OpIOControl, Payload: []byte{0x07, 0x00}, Description: "switch relay output 1 off"},
	"output2-on":     {Name: "output2-on", Opcode: OpIOControl, Payload: []byte{0x08, 0x01}, Description: "switch relay output 2 on"},
	"output2-off":    {Name: "output2-off", Opcode: OpIOControl, Payload: []byte{0x08, 0x00}, Description: "switch relay output 2 off"},
	"tcp-notify-on":  {Name: "tcp-notify-on", Opcode: OpTCPNotify, Payload: []byte{0x01, 0x01}, Description: "enable TCP state notifications"},
	"tcp-notify-off": {Name: "tcp-notify-off", Opcode: OpTCPNotify, Payload: []byte{0x01, 0x00}, Description: "disable TCP state notifications"},
	"query-io":       {Name: "query-io", Opcode: OpQueryIO, Payload: []byte{}, Description: "request an IO state report"},
	"query-version":  {Name: "query-version", Opcode: OpVersion, Payload: []byte{}, Description: "request the firmware version"},
	"reboot":         {Name: "reboot", Opcode: OpReboot, Payload: []byte{0x00}, Description: "reboot the device"},
}

// LookupOpcode returns the layout of a known opcode
func LookupOpcode(opcode byte) (*OpcodeDef, bool) {
	def, ok := opcodes[opcode]
	return def, ok
}

// lookupOrDefault treats unknown opcodes as byte-wide sum-checked frames so
// that raw frames for opcodes outside the table still round-trip.
func lookupOrDefault(opcode byte) *OpcodeDef {
	if def, ok := opcodes[opcode]; ok {
		return def
	}
	return &OpcodeDef{Opcode: opcode, Checksum: ChecksumSum, Kind: KindUint8}
}

// LookupAction returns the canonical frame definition of an action
func LookupAction(name string) (Action, bool) {
	a, ok := actions[name]
	if !ok {
		return Action{}, false
	}
	a.Payload = append([]byte(nil), a.Payload...)
	return a, true
}

// EncodeAction encodes the canonical frame of a named action
func EncodeAction(name string) ([]byte, error) {
	a, ok := LookupAction(name)
	if !ok {
		return nil, ErrUnknownAction
	}
	return Encode(a.Opcode, a.Payload)
}

// Actions lists the action table sorted by name
func Actions() []Action {
	out := make([]Action, 0, len(actions))
	for name := range actions {
		a, _ := LookupAction(name)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Opcodes lists the opcode table sorted by opcode
func Opcodes() []OpcodeDef {
	out := make([]OpcodeDef, 0, len(opcodes))
	for _, def := range opcodes {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Opcode < out[j].Opcode })
	return out
}

// Intervals returns the expected push period of every periodic command
func Intervals() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, def := range opcodes {
		if def.Interval <= 0 {
			continue
		}
		for _, f := range def.Fields {
			out[f.Cmd] = def.Interval
		}
	}
	return out
}
