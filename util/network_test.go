package util

import (
	"net"
	"testing"
)

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     net.Addr
		wantHost string
		wantPort int
	}{
		{"tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 51000}, "127.0.0.1", 51000},
		{"tcp6", &net.TCPAddr{IP: net.ParseIP("::1"), Port: 443}, "::1", 443},
		{"unix", &net.UnixAddr{Name: "/tmp/k.sock", Net: "unix"}, "local", 0},
		{"nil", nil, "local", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := SplitHostPort(tt.addr)
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("SplitHostPort() = (%q, %d), want (%q, %d)",
					host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}
