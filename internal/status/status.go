// Package status encodes and decodes the text replies of the KSERVER
// introspection operations: the running-session list and the per
// session timing points.
package status

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/tvanderbruggen/kserver/internal/transport"
)

// List terminators.
const (
	EndOfSessions = "EORS"
	EndOfPerfs    = "EOSP"
)

// Session is one line of the running-session list.
type Session struct {
	ID          uint32
	ConnType    transport.Kind
	IP          string
	Port        int
	Requests    uint64
	Errors      uint64
	Uptime      int64 // seconds
	Permissions string
}

// TimingPoint is one line of the perf list, in microseconds.
type TimingPoint struct {
	Name string
	Mean float64
	Min  uint64
	Max  uint64
}

// ── Sessions ─────────────────────────────────────────────────────────

// FormatSessions renders sessions followed by the EORS terminator.
func FormatSessions(sessions []Session) string {
	var b strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&b, "%d:%s:%s:%d:%d:%d:%d:%s\n",
			s.ID, s.ConnType, s.IP, s.Port, s.Requests, s.Errors, s.Uptime, s.Permissions)
	}
	b.WriteString(EndOfSessions)
	b.WriteByte('\n')
	return b.String()
}

// ParseSession decodes a single session line without its newline.
// The IP field may itself contain colons (IPv6), so the fixed fields
// are taken from both ends.
func ParseSession(line string) (Session, error) {
	f := strings.Split(line, ":")
	if len(f) < 8 {
		return Session{}, fmt.Errorf("session line %q: want 8 fields, got %d", line, len(f))
	}
	n := len(f)
	ip := strings.Join(f[2:n-5], ":")
	tail := f[n-5:]

	id, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil {
		return Session{}, fmt.Errorf("session line %q: id: %w", line, err)
	}
	kind, err := transport.ParseKind(f[1])
	if err != nil {
		return Session{}, fmt.Errorf("session line %q: %w", line, err)
	}
	port, err := strconv.Atoi(tail[0])
	if err != nil {
		return Session{}, fmt.Errorf("session line %q: port: %w", line, err)
	}
	req, err := strconv.ParseUint(tail[1], 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("session line %q: requests: %w", line, err)
	}
	errs, err := strconv.ParseUint(tail[2], 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("session line %q: errors: %w", line, err)
	}
	uptime, err := strconv.ParseInt(tail[3], 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("session line %q: uptime: %w", line, err)
	}

	return Session{
		ID:          uint32(id),
		ConnType:    kind,
		IP:          ip,
		Port:        port,
		Requests:    req,
		Errors:      errs,
		Uptime:      uptime,
		Permissions: tail[4],
	}, nil
}

// ParseSessions reads session lines from r up to and including EORS.
// Pass a *bufio.Reader to keep reading the same stream afterwards.
func ParseSessions(r io.Reader) ([]Session, error) {
	var out []Session
	err := scanUntil(r, EndOfSessions, func(line string) error {
		s, err := ParseSession(line)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// ── Timing points ────────────────────────────────────────────────────

// FormatPerfs renders timing points followed by the EOSP terminator.
func FormatPerfs(points []TimingPoint) string {
	var b strings.Builder
	for _, p := range points {
		fmt.Fprintf(&b, "%s:%.2f:%d:%d\n", p.Name, p.Mean, p.Min, p.Max)
	}
	b.WriteString(EndOfPerfs)
	b.WriteByte('\n')
	return b.String()
}

// ParsePerf decodes a single timing-point line.
func ParsePerf(line string) (TimingPoint, error) {
	i := strings.LastIndexByte(line, ':')
	j := -1
	k := -1
	if i > 0 {
		j = strings.LastIndexByte(line[:i], ':')
	}
	if j > 0 {
		k = strings.LastIndexByte(line[:j], ':')
	}
	if k <= 0 {
		return TimingPoint{}, fmt.Errorf("perf line %q: want name:mean:min:max", line)
	}

	mean, err := strconv.ParseFloat(line[k+1:j], 64)
	if err != nil || math.IsNaN(mean) {
		return TimingPoint{}, fmt.Errorf("perf line %q: mean: invalid", line)
	}
	minUs, err := strconv.ParseUint(line[j+1:i], 10, 64)
	if err != nil {
		return TimingPoint{}, fmt.Errorf("perf line %q: min: %w", line, err)
	}
	maxUs, err := strconv.ParseUint(line[i+1:], 10, 64)
	if err != nil {
		return TimingPoint{}, fmt.Errorf("perf line %q: max: %w", line, err)
	}
	return TimingPoint{Name: line[:k], Mean: mean, Min: minUs, Max: maxUs}, nil
}

// ParsePerfs reads timing-point lines from r up to and including EOSP.
func ParsePerfs(r io.Reader) ([]TimingPoint, error) {
	var out []TimingPoint
	err := scanUntil(r, EndOfPerfs, func(line string) error {
		p, err := ParsePerf(line)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// scanUntil reads lines one at a time so that nothing past the
// terminator is consumed from a *bufio.Reader supplied by the caller.
func scanUntil(r io.Reader, end string, fn func(string) error) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return fmt.Errorf("missing %s terminator: %w", end, io.ErrUnexpectedEOF)
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == end {
			return nil
		}
		if line != "" {
			if err := fn(line); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return fmt.Errorf("missing %s terminator: %w", end, io.ErrUnexpectedEOF)
		}
	}
}
