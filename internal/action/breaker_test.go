package action

import (
	"testing"
	"time"
)

func newTestBreakers(threshold int, cooldown time.Duration) (*BreakerSet, *time.Time) {
	b := NewBreakerSet(threshold, cooldown)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerSet_startsClosed(t *testing.T) {
	b, _ := newTestBreakers(3, time.Second)
	if s := b.State("api.example.com"); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow("api.example.com"); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreakerSet_opensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3, time.Second)
	host := "api.example.com"

	b.Failure(host)
	b.Failure(host)
	if s := b.State(host); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	b.Failure(host)
	if s := b.State(host); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(host); err != ErrBreakerOpen {
		t.Errorf("Allow() error = %v, want ErrBreakerOpen", err)
	}
	if err := b.Allow("other.example.com"); err != nil {
		t.Errorf("other host Allow() error = %v, want nil", err)
	}
}

func TestBreakerSet_successResetsCount(t *testing.T) {
	b, _ := newTestBreakers(2, time.Second)
	host := "h"
	b.Failure(host)
	b.Success(host)
	b.Failure(host)
	if s := b.State(host); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreakerSet_halfOpenProbe(t *testing.T) {
	b, now := newTestBreakers(1, time.Second)
	host := "h"
	var changes []BreakerState
	b.OnStateChange(func(_ string, s BreakerState) { changes = append(changes, s) })

	b.Failure(host)
	*now = now.Add(2 * time.Second)

	if err := b.Allow(host); err != nil {
		t.Fatalf("probe Allow() error = %v, want nil", err)
	}
	if err := b.Allow(host); err != ErrBreakerOpen {
		t.Errorf("second Allow() during probe error = %v, want ErrBreakerOpen", err)
	}
	b.Success(host)
	if s := b.State(host); s != BreakerClosed {
		t.Errorf("state after probe success = %v, want closed", s)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestBreakerSet_probeFailureReopens(t *testing.T) {
	b, now := newTestBreakers(1, time.Second)
	host := "h"
	b.Failure(host)
	*now = now.Add(2 * time.Second)
	_ = b.Allow(host)
	b.Failure(host)
	if s := b.State(host); s != BreakerOpen {
		t.Errorf("state after probe failure = %v, want open", s)
	}
}
