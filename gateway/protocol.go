// Package gateway implements the ASCII line-oriented command/record
// protocol the original isoblued.c daemon spoke over its RFCOMM peer
// (original_source/tools/isoblued.c's command_func/print_message), restated
// here as typed records instead of raw sprintf/sscanf.
package gateway

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/purduesensorsw/goisobus/isobus"
)

// Opcodes for the inbound command stream, grounded on isoblued.c's
// SET_FILTERS/SEND_MESG enum plus the replay opcode spec.md §6 adds.
const (
	opSetFilters = 'F'
	opSend       = 'W'
	opGetPast    = 'G'
)

// Command is one parsed line from the command stream.
type Command interface {
	isCommand()
}

// SetFiltersCommand replaces the filter list on an endpoint. An empty Pgns
// means "receive everything", matching isoblued.c's nfilts == 0 branch.
type SetFiltersCommand struct {
	Socket int
	Pgns   []isobus.Pgn
}

func (SetFiltersCommand) isCommand() {}

// SendCommand transmits one message out a bound endpoint.
type SendCommand struct {
	Socket int
	Dest   isobus.Address
	Pgn    isobus.Pgn
	Data   []byte
}

func (SendCommand) isCommand() {}

// GetPastCommand requests replay of historical messages keyed in
// [IDLow, IDHigh) from the replay index.
type GetPastCommand struct {
	IDLow, IDHigh uint32
}

func (GetPastCommand) isCommand() {}

// ParseCommand parses one command line (without its trailing newline).
func ParseCommand(line string) (Command, error) {
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty command line", isobus.ErrInvalidArgument)
	}

	op := line[0]
	fields := strings.Fields(line[1:])

	switch op {
	case opSetFilters:
		return parseSetFilters(fields)
	case opSend:
		return parseSend(fields)
	case opGetPast:
		return parseGetPast(fields)
	default:
		return nil, fmt.Errorf("%w: unknown opcode %q", isobus.ErrInvalidArgument, op)
	}
}

func parseSetFilters(fields []string) (Command, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: SetFilters requires socket and count", isobus.ErrInvalidArgument)
	}
	sock, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad socket index: %v", isobus.ErrInvalidArgument, err)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad filter count: %v", isobus.ErrInvalidArgument, err)
	}
	if n == 0 {
		return SetFiltersCommand{Socket: sock}, nil
	}
	if len(fields) < 2+n {
		return nil, fmt.Errorf("%w: SetFilters declared %d pgns but fewer were given", isobus.ErrInvalidArgument, n)
	}
	pgns := make([]isobus.Pgn, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseUint(fields[2+i], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pgn: %v", isobus.ErrInvalidArgument, err)
		}
		pgns[i] = isobus.Pgn(v)
	}
	return SetFiltersCommand{Socket: sock, Pgns: pgns}, nil
}

func parseSend(fields []string) (Command, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: Send requires socket, dest, pgn, len", isobus.ErrInvalidArgument)
	}
	sock, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: bad socket index: %v", isobus.ErrInvalidArgument, err)
	}
	dest, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: bad dest address: %v", isobus.ErrInvalidArgument, err)
	}
	pgn, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad pgn: %v", isobus.ErrInvalidArgument, err)
	}
	length, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad length: %v", isobus.ErrInvalidArgument, err)
	}
	if len(fields) < 4+length {
		return nil, fmt.Errorf("%w: Send declared %d data bytes but fewer were given", isobus.ErrInvalidArgument, length)
	}
	data := make([]byte, length)
	for i := 0; i < length; i++ {
		b, err := hex.DecodeString(fields[4+i])
		if err != nil || len(b) != 1 {
			return nil, fmt.Errorf("%w: bad data byte %q: %v", isobus.ErrInvalidArgument, fields[4+i], err)
		}
		data[i] = b[0]
	}
	return SendCommand{
		Socket: sock,
		Dest:   isobus.Address(dest),
		Pgn:    isobus.Pgn(pgn),
		Data:   data,
	}, nil
}

func parseGetPast(fields []string) (Command, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: GetPast requires id-low and id-high", isobus.ErrInvalidArgument)
	}
	low, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id-low: %v", isobus.ErrInvalidArgument, err)
	}
	high, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad id-high: %v", isobus.ErrInvalidArgument, err)
	}
	return GetPastCommand{IDLow: uint32(low), IDHigh: uint32(high)}, nil
}

// CommandReader reads newline-terminated commands off a peer stream.
type CommandReader struct {
	scanner *bufio.Scanner
}

// NewCommandReader wraps r for line-at-a-time command parsing.
func NewCommandReader(r io.Reader) *CommandReader {
	return &CommandReader{scanner: bufio.NewScanner(r)}
}

// Next blocks for the next command line. It returns io.EOF once the
// underlying stream is closed.
func (cr *CommandReader) Next() (Command, error) {
	if !cr.scanner.Scan() {
		if err := cr.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return ParseCommand(cr.scanner.Text())
}

// LiveMessage is an outbound record for a message as it arrives, grounded
// on isoblued.c's print_message sprintf line
// ("\n%d %06d %d " + hex bytes + "%ld.%06ld %2x %2x").
type LiveMessage struct {
	Iface  string
	DBKey  uint32
	Pgn    isobus.Pgn
	Data   []byte
	TsSec  int64
	TsUsec int64
	Dest   isobus.Address
	Source isobus.Address
}

// OldMessage is a replayed record returned in response to GetPast; same
// field list as LiveMessage but keyed purely by DBKey since it no longer
// belongs to a live socket.
type OldMessage struct {
	DBKey  uint32
	Pgn    isobus.Pgn
	Data   []byte
	TsSec  int64
	TsUsec int64
	Dest   isobus.Address
	Source isobus.Address
}

// Encode renders a live record as one newline-terminated ASCII line:
// `L <iface> <dbkey> <pgn> <len> <hex...> <ts_sec>.<ts_usec> <da> <sa>\n`.
func (m LiveMessage) Encode() []byte {
	var b strings.Builder
	b.WriteByte('L')
	fmt.Fprintf(&b, " %s %d %d %d", m.Iface, m.DBKey, m.Pgn, len(m.Data))
	for _, d := range m.Data {
		fmt.Fprintf(&b, " %02x", d)
	}
	fmt.Fprintf(&b, " %d.%06d %d %d\n", m.TsSec, m.TsUsec, m.Dest, m.Source)
	return []byte(b.String())
}

// Encode renders a replayed record as `O <dbkey> <pgn> <len> <hex...>
// <ts_sec>.<ts_usec> <da> <sa>\n`.
func (m OldMessage) Encode() []byte {
	var b strings.Builder
	b.WriteByte('O')
	fmt.Fprintf(&b, " %d %d %d", m.DBKey, m.Pgn, len(m.Data))
	for _, d := range m.Data {
		fmt.Fprintf(&b, " %02x", d)
	}
	fmt.Fprintf(&b, " %d.%06d %d %d\n", m.TsSec, m.TsUsec, m.Dest, m.Source)
	return []byte(b.String())
}
