package util

import (
	"net"
	"strconv"
)

// SplitHostPort splits a peer address into its IP and numeric port.
// Addresses without a port (Unix sockets, pipes) yield ("local", 0).
func SplitHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "local", 0
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String(), a.Port
	case *net.UnixAddr:
		return "local", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "local", 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return host, 0
	}
	return host, p
}
