// Package perf keeps per-operation latency statistics for a session.
package perf

import (
	"sort"
	"time"
)

// TimingPoint folds samples into a running mean, min and max without
// retaining them.  Durations are in microseconds.
type TimingPoint struct {
	Name  string
	Count uint64
	Mean  float64
	Min   float64
	Max   float64
}

// Add folds one sample into the point.
func (tp *TimingPoint) Add(d time.Duration) {
	us := float64(d.Nanoseconds()) / 1e3
	tp.Count++
	if tp.Count == 1 {
		tp.Mean, tp.Min, tp.Max = us, us, us
		return
	}
	tp.Mean += (us - tp.Mean) / float64(tp.Count)
	if us < tp.Min {
		tp.Min = us
	}
	if us > tp.Max {
		tp.Max = us
	}
}

// Recorder holds the timing points of one session, keyed by label.
// Not safe for concurrent use.
type Recorder struct {
	points map[string]*TimingPoint
	order  []string
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{points: make(map[string]*TimingPoint)}
}

// Observe records d against name.
func (r *Recorder) Observe(name string, d time.Duration) {
	tp, ok := r.points[name]
	if !ok {
		tp = &TimingPoint{Name: name}
		r.points[name] = tp
		r.order = append(r.order, name)
	}
	tp.Add(d)
}

// Len returns the number of distinct labels.
func (r *Recorder) Len() int { return len(r.points) }

// Snapshot copies every point, ordered by label.
func (r *Recorder) Snapshot() []TimingPoint {
	out := make([]TimingPoint, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.points[name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
