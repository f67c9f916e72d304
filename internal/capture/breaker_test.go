package capture

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/docket/internal/observability"
)

// fakeClock lets tests move a breaker past its cooldown without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(threshold, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if !b.Allow() {
		t.Error("Allow() = false, want true when closed")
	}
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if b.Allow() {
		t.Error("Allow() = true, want false when open")
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreaker_halfOpenAllowsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.advance(time.Minute)

	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", s)
	}
	if !b.Allow() {
		t.Fatal("first Allow() in half-open = false, want true")
	}
	if b.Allow() {
		t.Error("second Allow() in half-open = true, want false while trial outstanding")
	}

	b.Release()
	if !b.Allow() {
		t.Error("Allow() after Release = false, want true")
	}
}

func TestBreaker_trialOutcome(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	clock.advance(time.Minute)
	b.Allow()
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state after failed trial = %v, want open", s)
	}

	clock.advance(time.Minute)
	b.Allow()
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after successful trial = %v, want closed", s)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerHalfOpen, "half-open"},
		{BreakerOpen, "open"},
		{BreakerState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestBreakerSet_publishesState(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	set := NewBreakerSet(2, time.Minute, m)

	set.Failure("fetch")
	set.Failure("fetch")

	if got := testutil.ToFloat64(m.CaptureBreakerState.WithLabelValues("fetch")); got != 2 {
		t.Errorf("breaker gauge = %v, want 2 (open)", got)
	}
	if set.Allow("fetch") {
		t.Error("Allow(fetch) = true, want false")
	}
	if !set.Allow("feed") {
		t.Error("Allow(feed) = false, want true for an unseen strategy")
	}

	states := set.States()
	if states["fetch"] != BreakerOpen || states["feed"] != BreakerClosed {
		t.Errorf("States() = %v", states)
	}
}

func TestBreakerSet_nilIsPermissive(t *testing.T) {
	var set *BreakerSet
	if !set.Allow("any") {
		t.Error("nil set should allow every strategy")
	}
	set.Failure("any")
	set.Success("any")
	set.Release("any")
}
