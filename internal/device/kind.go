// Package device is the dispatch framework behind every kserver
// device: kind and status enums, typed argument decoding, reply
// encoding, the per-device operation table and the Manager that owns
// device lifecycle.
//
// The concrete devices live in package devices.
package device

import "fmt"

// Kind identifies a device.  The set is closed: every value returned by
// Kinds must be constructible by the device factory.
type Kind uint32

const (
	NoDevice Kind = iota
	KServer
	Memory
	Echo

	kindCount
)

// Kinds lists every real device kind in id order.
func Kinds() []Kind {
	return []Kind{KServer, Memory, Echo}
}

// Valid reports whether k names a real device.
func (k Kind) Valid() bool { return k > NoDevice && k < kindCount }

func (k Kind) String() string {
	switch k {
	case NoDevice:
		return "NO_DEVICE"
	case KServer:
		return "KSERVER"
	case Memory:
		return "MEMORY"
	case Echo:
		return "ECHO"
	default:
		return fmt.Sprintf("DEVICE_%d", uint32(k))
	}
}

// Status is the lifecycle state of a device.
type Status int

const (
	Off Status = iota
	On
	Fail
)

func (s Status) String() string {
	switch s {
	case Off:
		return "OFF"
	case On:
		return "ON"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}
