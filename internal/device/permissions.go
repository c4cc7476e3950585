package device

import (
	"fmt"
	"strings"
)

// Access is the permission an operation requires.
type Access int

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Permissions are the rights held by a session.
type Permissions struct {
	Read  bool
	Write bool
}

// ReadWrite grants everything.
var ReadWrite = Permissions{Read: true, Write: true}

// Allows reports whether p satisfies a.
func (p Permissions) Allows(a Access) bool {
	switch a {
	case AccessNone:
		return true
	case AccessRead:
		return p.Read
	case AccessWrite:
		return p.Write
	}
	return false
}

// String renders p as "rw", "r", "w" or "none".
func (p Permissions) String() string {
	switch {
	case p.Read && p.Write:
		return "rw"
	case p.Read:
		return "r"
	case p.Write:
		return "w"
	default:
		return "none"
	}
}

// ParsePermissions is the inverse of Permissions.String.  "wr" is
// accepted as a synonym for "rw".
func ParsePermissions(s string) (Permissions, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rw", "wr":
		return ReadWrite, nil
	case "r":
		return Permissions{Read: true}, nil
	case "w":
		return Permissions{Write: true}, nil
	case "none":
		return Permissions{}, nil
	}
	return Permissions{}, fmt.Errorf("invalid permissions %q (want rw, r, w or none)", s)
}
