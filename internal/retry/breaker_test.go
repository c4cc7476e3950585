package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var errAccept = fmt.Errorf("accept: too many open files")

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errAccept }); err != errAccept {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
	if b.Remaining() <= 0 {
		t.Error("Remaining should be positive while open")
	}
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	b.Do(func() error { return errAccept }) //nolint:errcheck
	b.Do(func() error { return errAccept }) //nolint:errcheck
	b.Do(func() error { return nil })       //nolint:errcheck
	if b.Failures() != 0 {
		t.Errorf("failures = %d, want 0", b.Failures())
	}
	b.Do(func() error { return errAccept }) //nolint:errcheck
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_ProbeAfterCooldown(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.Do(func() error { return errAccept }) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	// A failed probe re-opens immediately.
	b.Do(func() error { return errAccept }) //nolint:errcheck
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after successful probe", b.State())
	}
}

func TestBreaker_StateChangeAndReset(t *testing.T) {
	b := NewBreaker(1, time.Hour)
	var transitions []string
	b.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b.Do(func() error { return errAccept }) //nolint:errcheck
	b.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
	if b.Remaining() != 0 {
		t.Error("closed breaker should report no remaining cooldown")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateProbing, "probing"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(0, 0)
	if b.threshold != 5 || b.cooldown != time.Second {
		t.Errorf("defaults = %d, %v", b.threshold, b.cooldown)
	}
}
