package status

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvanderbruggen/kserver/internal/transport"
)

func TestParseSession_Example(t *testing.T) {
	got, err := ParseSessions(strings.NewReader("3:TCP:127.0.0.1:51000:10:0:42:rw\nEORS\n"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Session{
		ID:          3,
		ConnType:    transport.TCP,
		IP:          "127.0.0.1",
		Port:        51000,
		Requests:    10,
		Errors:      0,
		Uptime:      42,
		Permissions: "rw",
	}, got[0])
}

func TestSessions_RoundTrip(t *testing.T) {
	in := []Session{
		{ID: 1, ConnType: transport.TCP, IP: "10.0.0.7", Port: 40123, Requests: 5, Errors: 1, Uptime: 3, Permissions: "rw"},
		{ID: 2, ConnType: transport.WebSocket, IP: "::1", Port: 8080, Requests: 0, Errors: 0, Uptime: 0, Permissions: "r"},
		{ID: 7, ConnType: transport.Unix, IP: "local", Port: 0, Requests: 99, Errors: 4, Uptime: 120, Permissions: "none"},
	}
	text := FormatSessions(in)
	assert.True(t, strings.HasSuffix(text, "EORS\n"))

	out, err := ParseSessions(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFormatSessions_Empty(t *testing.T) {
	assert.Equal(t, "EORS\n", FormatSessions(nil))
	out, err := ParseSessions(strings.NewReader("EORS\n"))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseSessions_MissingTerminator(t *testing.T) {
	_, err := ParseSessions(strings.NewReader("1:TCP:1.2.3.4:5:0:0:0:rw\n"))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParseSession_Errors(t *testing.T) {
	for _, line := range []string{
		"1:TCP:1.2.3.4:5:0:0:rw",
		"x:TCP:1.2.3.4:5:0:0:0:rw",
		"1:SERIAL:1.2.3.4:5:0:0:0:rw",
		"1:TCP:1.2.3.4:port:0:0:0:rw",
	} {
		_, err := ParseSession(line)
		assert.Error(t, err, line)
	}
}

func TestParseSessions_LeavesTrailingBytes(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("EORS\nnext\n"))
	_, err := ParseSessions(br)
	require.NoError(t, err)
	rest, _ := br.ReadString('\n')
	assert.Equal(t, "next\n", rest)
}

func TestPerfs_RoundTrip(t *testing.T) {
	in := []TimingPoint{
		{Name: "KSERVER.GET_VERSION", Mean: 12.5, Min: 8, Max: 20},
		{Name: "MEMORY.READ_ARRAY", Mean: 301.25, Min: 290, Max: 340},
	}
	text := FormatPerfs(in)
	assert.Equal(t, "KSERVER.GET_VERSION:12.50:8:20\nMEMORY.READ_ARRAY:301.25:290:340\nEOSP\n", text)

	out, err := ParsePerfs(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParsePerf_Errors(t *testing.T) {
	for _, line := range []string{"", "a:1", "a:x:1:2", "a:1.0:-1:2", ":1.0:1:2"} {
		_, err := ParsePerf(line)
		assert.Error(t, err, line)
	}
}
