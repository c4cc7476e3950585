package metrics

import (
	"testing"
	"time"
)

// BenchmarkCollector_CommandExecuted measures the per-command cost on
// the hot path (atomics plus labelled Prometheus counters).
func BenchmarkCollector_CommandExecuted(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.CommandExecuted("MEMORY", time.Microsecond)
	}
}

// BenchmarkCollector_BytesSent measures byte-counter overhead.
func BenchmarkCollector_BytesSent(b *testing.B) {
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.BytesSent(32768)
	}
}

// BenchmarkCollector_JSON measures GET_STATS serialisation.
func BenchmarkCollector_JSON(b *testing.B) {
	c := New()
	c.SessionOpened("TCP")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.JSON()
	}
}

// BenchmarkNilCollector verifies nil-receiver calls are free.
func BenchmarkNilCollector(b *testing.B) {
	var c *Collector
	for i := 0; i < b.N; i++ {
		c.BytesReceived(1)
	}
}
