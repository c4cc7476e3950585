// Package command decodes the kserver line protocol.
//
// A record is
//
//	<device_id>|<operation_id>|<arg1>|...|<argN>#\n
//
// Records may be split arbitrarily across transport reads; the Parser
// keeps the unterminated tail between calls to Feed.
package command

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
)

const (
	// DefaultMaxLineLength bounds an unterminated record (64 KiB).
	DefaultMaxLineLength = 64 * 1024

	fieldSep   = '|'
	terminator = '#'

	// maxLineInError truncates offending input quoted in errors.
	maxLineInError = 64
)

// Command is one decoded protocol record.  Args are the raw tokens
// after the device and operation ids.
type Command struct {
	Device    uint32
	Operation uint32
	Args      []string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return fmt.Sprintf("%d|%d|", c.Device, c.Operation)
	}
	return fmt.Sprintf("%d|%d|%s|", c.Device, c.Operation, strings.Join(c.Args, "|"))
}

// Parser reassembles records from a byte stream.  Not safe for
// concurrent use; each session owns one.
type Parser struct {
	maxLine int
	pending []byte
	// discarding is set once a line has outgrown maxLine; input is
	// dropped up to and including its newline.
	discarding bool
}

// NewParser returns a Parser that rejects any record longer than
// maxLine bytes.  maxLine <= 0 selects DefaultMaxLineLength.
func NewParser(maxLine int) *Parser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Parser{maxLine: maxLine}
}

// Record is the outcome of one terminated line: a Command, or the
// error that line produced.
type Record struct {
	Command Command
	Err     error
}

// Feed appends chunk to the pending bytes and returns every complete
// record, in arrival order.  Malformed records produce one error each
// and do not affect their neighbours.
func (p *Parser) Feed(chunk []byte) ([]Command, []error) {
	var (
		cmds []Command
		errs []error
	)
	for _, r := range p.FeedRecords(chunk) {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		cmds = append(cmds, r.Command)
	}
	return cmds, errs
}

// FeedRecords is Feed with commands and errors kept interleaved in
// the order their lines arrived.  A line longer than the bound yields
// one error however the stream is split across calls.
func (p *Parser) FeedRecords(chunk []byte) []Record {
	var recs []Record

	data := chunk
	if len(p.pending) > 0 {
		p.pending = append(p.pending, chunk...)
		data = p.pending
	}

	for {
		i := bytes.IndexByte(data, '\n')
		if p.discarding {
			if i < 0 {
				data = nil
				break
			}
			data = data[i+1:]
			p.discarding = false
			continue
		}
		if i < 0 {
			break
		}
		line := data[:i]
		data = data[i+1:]

		if len(line) > p.maxLine {
			recs = append(recs, Record{Err: p.oversized(line)})
			continue
		}
		cmd, ok, err := parseLine(line)
		switch {
		case err != nil:
			recs = append(recs, Record{Err: err})
		case ok:
			recs = append(recs, Record{Command: cmd})
		}
	}

	if len(data) > p.maxLine {
		recs = append(recs, Record{Err: p.oversized(data)})
		p.discarding = true
		data = nil
	}

	// Copy the tail: chunk belongs to the transport and is reused.
	p.pending = append(p.pending[:0:0], data...)
	return recs
}

func (p *Parser) oversized(line []byte) error {
	return &kerrors.ParseError{
		Line:  truncate(line),
		Field: "line",
		Err:   fmt.Errorf("%w: record longer than %d bytes", kerrors.ErrOversized, p.maxLine),
	}
}

// Remainder returns the bytes of the current unterminated record.
func (p *Parser) Remainder() []byte { return p.pending }

// Reset drops any pending bytes and ends a discard in progress.
func (p *Parser) Reset() {
	p.pending = nil
	p.discarding = false
}

// Parse decodes a single record without its trailing newline.
func Parse(line string) (Command, error) {
	cmd, ok, err := parseLine([]byte(line))
	if err != nil {
		return Command{}, err
	}
	if !ok {
		return Command{}, &kerrors.ParseError{Line: line, Field: "line", Err: fmt.Errorf("empty record")}
	}
	return cmd, nil
}

// parseLine reports ok=false for blank lines.
func parseLine(line []byte) (Command, bool, error) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	line = bytes.TrimSuffix(line, []byte{terminator})
	if len(line) == 0 {
		return Command{}, false, nil
	}
	body := bytes.TrimSuffix(line, []byte{fieldSep})

	fields := strings.Split(string(body), string(fieldSep))
	if len(fields) < 2 {
		return Command{}, false, &kerrors.ParseError{
			Line:  truncate(line),
			Field: "operation",
			Err:   fmt.Errorf("missing operation id"),
		}
	}

	dev, err := parseID(fields[0])
	if err != nil {
		return Command{}, false, &kerrors.ParseError{Line: truncate(line), Field: "device", Err: err}
	}
	op, err := parseID(fields[1])
	if err != nil {
		return Command{}, false, &kerrors.ParseError{Line: truncate(line), Field: "operation", Err: err}
	}

	cmd := Command{Device: dev, Operation: op}
	if len(fields) > 2 {
		cmd.Args = fields[2:]
	}
	return cmd, true, nil
}

// parseID accepts only plain decimal digits that fit in uint32.
func parseID(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty id")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid id %q", s)
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q", kerrors.ErrOutOfRange, s)
	}
	return uint32(v), nil
}

func truncate(b []byte) string {
	if len(b) > maxLineInError {
		return string(b[:maxLineInError]) + "..."
	}
	return string(b)
}
