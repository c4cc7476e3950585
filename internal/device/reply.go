package device

import (
	"fmt"

	"github.com/tvanderbruggen/kserver/internal/transport"
)

// ReplyKind selects how a Reply is written to the client.
type ReplyKind int

const (
	ReplyVoid ReplyKind = iota
	ReplyUint32
	ReplyInt32
	ReplyUint64
	ReplyFloat32
	ReplyFloat64
	ReplyUint32Array
	ReplyString
	ReplyCString
)

// Reply is the result of an operation.  The zero value sends nothing.
type Reply struct {
	Kind ReplyKind

	u   uint64
	i   int64
	f   float64
	arr []uint32
	s   string
}

func Void() Reply               { return Reply{} }
func U32(v uint32) Reply        { return Reply{Kind: ReplyUint32, u: uint64(v)} }
func I32(v int32) Reply         { return Reply{Kind: ReplyInt32, i: int64(v)} }
func U64(v uint64) Reply        { return Reply{Kind: ReplyUint64, u: v} }
func F32(v float32) Reply       { return Reply{Kind: ReplyFloat32, f: float64(v)} }
func F64(v float64) Reply       { return Reply{Kind: ReplyFloat64, f: v} }
func U32Array(v []uint32) Reply { return Reply{Kind: ReplyUint32Array, arr: v} }
func Text(s string) Reply       { return Reply{Kind: ReplyString, s: s} }
func CString(s string) Reply    { return Reply{Kind: ReplyCString, s: s} }

// Value returns the payload for inspection in tests and logs.
func (r Reply) Value() any {
	switch r.Kind {
	case ReplyUint32:
		return uint32(r.u)
	case ReplyInt32:
		return int32(r.i)
	case ReplyUint64:
		return r.u
	case ReplyFloat32:
		return float32(r.f)
	case ReplyFloat64:
		return r.f
	case ReplyUint32Array:
		return r.arr
	case ReplyString, ReplyCString:
		return r.s
	}
	return nil
}

// Send writes r to c.
func (r Reply) Send(c transport.Conn) error {
	switch r.Kind {
	case ReplyVoid:
		return nil
	case ReplyUint32:
		return transport.SendScalar(c, uint32(r.u))
	case ReplyInt32:
		return transport.SendScalar(c, int32(r.i))
	case ReplyUint64:
		return transport.SendScalar(c, r.u)
	case ReplyFloat32:
		return transport.SendScalar(c, float32(r.f))
	case ReplyFloat64:
		return transport.SendScalar(c, r.f)
	case ReplyUint32Array:
		return transport.SendArray(c, r.arr)
	case ReplyString:
		return c.SendString(r.s)
	case ReplyCString:
		return c.SendCString(r.s)
	}
	return fmt.Errorf("unknown reply kind %d", r.Kind)
}
