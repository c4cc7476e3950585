package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	kerrors "github.com/tvanderbruggen/kserver/internal/errors"
)

// DefaultMaxStringLength bounds a String argument (1 KiB).
const DefaultMaxStringLength = 1024

// ArgKind is the declared type of an operation argument.
type ArgKind int

const (
	Uint32 ArgKind = iota
	Int32
	Uint64
	Float32
	Float64
	Bool
	String
)

func (k ArgKind) String() string {
	switch k {
	case Uint32:
		return "u32"
	case Int32:
		return "i32"
	case Uint64:
		return "u64"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Bool:
		return "bool"
	case String:
		return "string"
	default:
		return "unknown"
	}
}

type value struct {
	kind ArgKind
	u    uint64
	i    int64
	f    float64
	b    bool
	s    string
}

// Args holds decoded arguments in declaration order.  Accessors panic
// when the index or type disagrees with the operation signature; the
// dispatcher turns that into an execution error.
type Args struct {
	vals []value
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a.vals) }

func (a Args) at(i int, k ArgKind) value {
	if i < 0 || i >= len(a.vals) {
		panic(fmt.Sprintf("argument %d out of range (have %d)", i, len(a.vals)))
	}
	v := a.vals[i]
	if v.kind != k {
		panic(fmt.Sprintf("argument %d is %s, not %s", i, v.kind, k))
	}
	return v
}

func (a Args) Uint32(i int) uint32   { return uint32(a.at(i, Uint32).u) }
func (a Args) Int32(i int) int32     { return int32(a.at(i, Int32).i) }
func (a Args) Uint64(i int) uint64   { return a.at(i, Uint64).u }
func (a Args) Float32(i int) float32 { return float32(a.at(i, Float32).f) }
func (a Args) Float64(i int) float64 { return a.at(i, Float64).f }
func (a Args) Bool(i int) bool       { return a.at(i, Bool).b }
func (a Args) String(i int) string   { return a.at(i, String).s }

// decodeArgs converts raw tokens against the signature kinds.
func decodeArgs(kinds []ArgKind, tokens []string, maxStr int, line string) (Args, error) {
	if len(tokens) != len(kinds) {
		return Args{}, &kerrors.ParseError{
			Line:  line,
			Field: "args",
			Err:   fmt.Errorf("%w: got %d, want %d", kerrors.ErrArgCount, len(tokens), len(kinds)),
		}
	}
	vals := make([]value, len(kinds))
	for i, k := range kinds {
		v, err := decodeArg(k, tokens[i], maxStr)
		if err != nil {
			return Args{}, &kerrors.ParseError{Line: line, Field: fmt.Sprintf("arg[%d]", i), Err: err}
		}
		vals[i] = v
	}
	return Args{vals: vals}, nil
}

func decodeArg(k ArgKind, tok string, maxStr int) (value, error) {
	v := value{kind: k}
	var err error
	switch k {
	case Uint32:
		v.u, err = parseUnsigned(tok, 32)
	case Uint64:
		v.u, err = parseUnsigned(tok, 64)
	case Int32:
		v.i, err = strconv.ParseInt(tok, 10, 32)
	case Float32:
		v.f, err = strconv.ParseFloat(tok, 32)
	case Float64:
		v.f, err = strconv.ParseFloat(tok, 64)
	case Bool:
		v.b, err = strconv.ParseBool(tok)
	case String:
		if len(tok) > maxStr {
			return v, fmt.Errorf("%w: string of %d bytes (max %d)", kerrors.ErrOversized, len(tok), maxStr)
		}
		v.s = tok
	default:
		return v, fmt.Errorf("unsupported argument kind %d", k)
	}
	if err != nil {
		var ne *strconv.NumError
		if kerrors.As(err, &ne) && ne.Err == strconv.ErrRange {
			return v, fmt.Errorf("%w: %s %q", kerrors.ErrOutOfRange, k, tok)
		}
		return v, fmt.Errorf("invalid %s %q", k, tok)
	}
	if (k == Float32 || k == Float64) && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return v, fmt.Errorf("invalid %s %q", k, tok)
	}
	return v, nil
}

// parseUnsigned accepts decimal or 0x-prefixed hexadecimal.
func parseUnsigned(tok string, bits int) (uint64, error) {
	if h, ok := strings.CutPrefix(tok, "0x"); ok {
		return strconv.ParseUint(h, 16, bits)
	}
	if h, ok := strings.CutPrefix(tok, "0X"); ok {
		return strconv.ParseUint(h, 16, bits)
	}
	return strconv.ParseUint(tok, 10, bits)
}
