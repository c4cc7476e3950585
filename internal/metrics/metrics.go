// Package metrics tracks server-wide runtime statistics.
//
// Counters are kept twice: as atomics for the JSON snapshot returned by
// KSERVER GET_STATS, and as Prometheus collectors on a private registry
// exposed by Handler.  All methods are safe for concurrent use.  A nil
// *Collector is a valid no-op receiver, so callers never need to
// nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tvanderbruggen/kserver/internal/device"
)

const namespace = "kserver"

// Collector tracks runtime metrics for a kserver process.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	commandsTotal  atomic.Int64
	errorsTotal    atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string

	registry       *prometheus.Registry
	promActive     *prometheus.GaugeVec
	promSessions   *prometheus.CounterVec
	promCommands   *prometheus.CounterVec
	promErrors     *prometheus.CounterVec
	promBytesIn    prometheus.Counter
	promBytesOut   prometheus.Counter
	promDevStatus  *prometheus.GaugeVec
	promCmdSeconds *prometheus.HistogramVec
}

// New creates a collector with its own Prometheus registry.  The
// registry also carries the standard Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		promActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open client sessions.",
		}, []string{"transport"}),
		promSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted since start.",
		}, []string{"transport"}),
		promCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed successfully.",
		}, []string{"device"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Commands rejected or failed, by reply code.",
		}, []string{"code"}),
		promBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from clients.",
		}),
		promBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to clients.",
		}),
		promDevStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_status",
			Help:      "Device state: 0 OFF, 1 ON, 2 FAIL.",
		}, []string{"device"}),
		promCmdSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Handler latency per device.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"device"}),
	}
	c.registry.MustRegister(
		c.promActive,
		c.promSessions,
		c.promCommands,
		c.promErrors,
		c.promBytesIn,
		c.promBytesOut,
		c.promDevStatus,
		c.promCmdSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened(transport string) {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
	c.promActive.WithLabelValues(transport).Inc()
	c.promSessions.WithLabelValues(transport).Inc()
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed(transport string) {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
	c.promActive.WithLabelValues(transport).Dec()
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Command metrics ──────────────────────────────────────────────────

// CommandExecuted records a successful command on dev that took d.
func (c *Collector) CommandExecuted(dev string, d time.Duration) {
	if c == nil {
		return
	}
	c.commandsTotal.Add(1)
	c.promCommands.WithLabelValues(dev).Inc()
	c.promCmdSeconds.WithLabelValues(dev).Observe(d.Seconds())
}

// CommandFailed records a rejected or failed command.
func (c *Collector) CommandFailed(code, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.promErrors.WithLabelValues(code).Inc()
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// Commands returns the number of successful commands.
func (c *Collector) Commands() int64 {
	if c == nil {
		return 0
	}
	return c.commandsTotal.Load()
}

// ErrorCount returns the number of failed commands.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from a client.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
	c.promBytesIn.Add(float64(n))
}

// BytesSent records n bytes written to a client.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
	c.promBytesOut.Add(float64(n))
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Devices ──────────────────────────────────────────────────────────

// DeviceStatus records the state of a device.
func (c *Collector) DeviceStatus(name string, s device.Status) {
	if c == nil {
		return
	}
	c.promDevStatus.WithLabelValues(name).Set(float64(s))
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	Commands         int64  `json:"commands"`
	Errors           int64  `json:"errors"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:         time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive: c.sessionsActive.Load(),
		SessionsTotal:  c.sessionsTotal.Load(),
		Commands:       c.commandsTotal.Load(),
		Errors:         c.errorsTotal.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as a compact JSON string.
func (c *Collector) JSON() string {
	data, _ := json.Marshal(c.Snapshot())
	return string(data)
}
