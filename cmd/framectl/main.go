// Command framectl decodes and encodes device frames offline.
//
//	framectl decode 03 01 07 01 EC
//	framectl encode -action output1-on
//	framectl encode -opcode 0x05 -payload "01 00 2A"
//	framectl build -type modbus-read slave=1 address=16 quantity=2
//	framectl list
//	framectl token -config config/gateway-server.yml -operator ops
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iotgateway/gateway-core/internal/auth"
	"github.com/iotgateway/gateway-core/internal/config"
	"github.com/iotgateway/gateway-core/pkg/codec"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Error().Err(err).Msg("framectl failed")
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: framectl decode|encode|build|list|token [flags] [args]")

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "decode":
		return decodeCmd(args[1:], out)
	case "encode":
		return encodeCmd(args[1:], out)
	case "build":
		return buildCmd(args[1:], out)
	case "list":
		return listCmd(out)
	case "token":
		return tokenCmd(args[1:], out)
	default:
		return errUsage
	}
}

type decoded struct {
	Opcode   string        `json:"opcode"`
	Name     string        `json:"name,omitempty"`
	Length   int           `json:"length"`
	Payload  string        `json:"payload"`
	Checksum string        `json:"checksum"`
	Fields   []codec.Field `json:"fields"`
}

func decodeCmd(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("decode: frame hex is required")
	}
	raw, err := codec.ParseHex(strings.Join(args, " "))
	if err != nil {
		return err
	}
	frame, err := codec.Decode(raw)
	if err != nil {
		return err
	}

	res := decoded{
		Opcode:   fmt.Sprintf("0x%02X", frame.Opcode),
		Length:   int(frame.Length),
		Payload:  codec.FormatHex(frame.Payload),
		Checksum: fmt.Sprintf("0x%02X", frame.Checksum),
	}
	if def, ok := codec.LookupOpcode(frame.Opcode); ok {
		res.Name = def.Name
		if res.Fields, err = codec.Expand(frame); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func encodeCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	action := fs.String("action", "", "Action name from the command table")
	opcode := fs.String("opcode", "", "Opcode, decimal or 0x hex")
	payload := fs.String("payload", "", "Payload bytes in hex")
	compact := fs.Bool("compact", false, "Print the wire form without spaces")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var frame []byte
	var err error
	switch {
	case *action != "":
		frame, err = codec.EncodeAction(*action)
	case *opcode != "":
		op, perr := strconv.ParseUint(*opcode, 0, 8)
		if perr != nil {
			return fmt.Errorf("encode: bad opcode %q", *opcode)
		}
		var body []byte
		if *payload != "" {
			if body, err = codec.ParseHex(*payload); err != nil {
				return err
			}
		}
		frame, err = codec.Encode(byte(op), body)
	default:
		return errors.New("encode: -action or -opcode is required")
	}
	if err != nil {
		return err
	}

	return printFrame(out, frame, *compact)
}

func buildCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	typ := fs.String("type", "", "Structured command type")
	compact := fs.Bool("compact", false, "Print the wire form without spaces")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *typ == "" {
		return errors.New("build: -type is required")
	}

	// key=value arguments; numbers are passed as numbers
	fields := make(map[string]interface{})
	for _, kv := range fs.Args() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("build: expected key=value, got %q", kv)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil && k != "data" {
			fields[k] = n
			continue
		}
		fields[k] = v
	}

	opcode, payload, err := codec.BuildStructured(*typ, fields)
	if err != nil {
		return err
	}
	frame, err := codec.Encode(opcode, payload)
	if err != nil {
		return err
	}
	return printFrame(out, frame, *compact)
}

func printFrame(out io.Writer, frame []byte, compact bool) error {
	if compact {
		_, err := fmt.Fprintln(out, string(codec.WireHex.Marshal(frame)))
		return err
	}
	_, err := fmt.Fprintln(out, codec.FormatHex(frame))
	return err
}

func listCmd(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACTION\tFRAME\tDESCRIPTION")
	for _, a := range codec.Actions() {
		frame, err := codec.Encode(a.Opcode, a.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, codec.FormatHex(frame), a.Description)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "OPCODE\tNAME\tCHECKSUM\tINTERVAL\tCOMMANDS")
	for _, def := range codec.Opcodes() {
		cmds := make([]string, 0, len(def.Fields))
		for _, f := range def.Fields {
			cmds = append(cmds, f.Cmd)
		}
		interval := "-"
		if def.Interval > 0 {
			interval = def.Interval.String()
		}
		fmt.Fprintf(w, "0x%02X\t%s\t%s\t%s\t%s\n", def.Opcode, def.Name, def.Checksum, interval, strings.Join(cmds, ","))
	}
	return w.Flush()
}

func tokenCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "config/gateway-server.yml", "Configuration file path")
	operator := fs.String("operator", "", "Operator name put in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *operator == "" {
		return errors.New("token: -operator is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	m := auth.NewJWTManager(&cfg.JWT)
	if !m.Enabled() {
		return errors.New("token: jwt.secret is not configured")
	}

	token, err := m.GenerateToken(*operator, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
