package reply

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/glcanvas/artio/internal/clock"
	"github.com/glcanvas/artio/internal/metrics"
)

func TestSubmitAndComplete(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(c, time.Second, 16)

	r := reg.Submit("bind", 0, func(rep *Reply) {
		reg.Complete(rep.ID(), "session-handle")
	})
	if r == nil {
		t.Fatal("Submit returned nil, want a Pending Reply")
	}
	if r.State() != Pending {
		t.Fatalf("state = %v, want PENDING before DrainInbox", r.State())
	}
	reg.DrainInbox()
	if r.State() != Completed {
		t.Fatalf("state = %v, want COMPLETED", r.State())
	}
	if r.Result() != "session-handle" {
		t.Fatalf("result = %v", r.Result())
	}
}

func TestExpireOverdueProducesNonEmptyMessage(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(c, 10*time.Millisecond, 16)

	r := reg.Submit("resetSequenceNumber", 0, func(*Reply) {})
	reg.DrainInbox()
	if r.State() != Pending {
		t.Fatalf("state = %v, want PENDING", r.State())
	}

	c.Advance(11 * time.Millisecond)
	reg.ExpireOverdue()

	if r.State() != TimedOut {
		t.Fatalf("state = %v, want TIMED_OUT", r.State())
	}
	if r.Err() == nil || r.Err().Error() == "" {
		t.Fatal("TIMED_OUT reply must carry a non-empty, descriptive message")
	}
}

func TestLateCompletionAfterTimeoutIsDropped(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(c, 10*time.Millisecond, 16)

	r := reg.Submit("initiate", 0, func(*Reply) {})
	reg.DrainInbox()

	c.Advance(20 * time.Millisecond)
	reg.ExpireOverdue()
	if r.State() != TimedOut {
		t.Fatalf("state = %v, want TIMED_OUT", r.State())
	}

	reg.Complete(r.ID(), "too-late")
	if r.State() != TimedOut {
		t.Fatalf("late completion changed state to %v, want it to stay TIMED_OUT", r.State())
	}
}

func TestSubmitReturnsNilWhenInboxFull(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(c, time.Second, 1)

	r1 := reg.Submit("bind", 0, func(*Reply) {})
	if r1 == nil {
		t.Fatal("first Submit should succeed")
	}
	r2 := reg.Submit("bind", 0, func(*Reply) {})
	if r2 != nil {
		t.Fatal("second Submit should return nil: inbox is full")
	}
}

func TestCancelForLibrary(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(c, time.Second, 16)

	r := reg.Submit("requestSession", 0, func(*Reply) {})
	reg.DrainInbox()

	reg.CancelForLibrary([]uuid.UUID{r.ID()})
	if r.State() != Errored {
		t.Fatalf("state = %v, want ERRORED after cancel-on-disconnect", r.State())
	}
	if r.Err() == nil {
		t.Fatal("expected a non-nil error after cancel-on-disconnect")
	}
}

// TestSetMetricsRecordsLatencyOnEveryTerminalTransition guards
// SPEC_FULL.md §6.5's reply-latency histogram: Complete, Error, and
// ExpireOverdue must all report an observation once a Collector is wired in.
func TestSetMetricsRecordsLatencyOnEveryTerminalTransition(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(c, time.Second, 16)
	collector := metrics.NewInMemory()
	reg.SetMetrics(collector)

	r1 := reg.Submit("bind", 0, func(*Reply) {})
	reg.DrainInbox()
	c.Advance(5 * time.Millisecond)
	reg.Complete(r1.ID(), "ok")

	r2 := reg.Submit("unbind", 0, func(*Reply) {})
	reg.DrainInbox()
	reg.Error(r2.ID(), errors.New("boom"))

	r3 := reg.Submit("resetSequenceNumber", 10*time.Millisecond, func(*Reply) {})
	reg.DrainInbox()
	c.Advance(11 * time.Millisecond)
	reg.ExpireOverdue()
	_ = r3

	if got := collector.LatencyCount("bind"); got != 1 {
		t.Fatalf("LatencyCount(bind) = %d, want 1", got)
	}
	if got := collector.LatencyCount("unbind"); got != 1 {
		t.Fatalf("LatencyCount(unbind) = %d, want 1", got)
	}
	if got := collector.LatencyCount("resetSequenceNumber"); got != 1 {
		t.Fatalf("LatencyCount(resetSequenceNumber) = %d, want 1", got)
	}
}
