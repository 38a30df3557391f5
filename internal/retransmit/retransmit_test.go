package retransmit

import "testing"

// TestBatchingScenario exercises spec.md §8 scenario 3: a gap of 5000
// messages must be requested as two chunks of at most 2500.
func TestBatchingScenario(t *testing.T) {
	s := NewState(2500)

	req, ok := s.OnGap(1, 5000)
	if !ok {
		t.Fatalf("expected first gap to issue a request")
	}
	if req.From != 1 || req.Count != 2500 {
		t.Fatalf("first chunk = %+v, want from=1 count=2500", req)
	}

	out := s.OnFill(2500)
	if !out.HasNext {
		t.Fatalf("expected a second chunk after the first fills")
	}
	if out.Next.From != 2501 || out.Next.Count != 2499 {
		t.Fatalf("second chunk = %+v, want from=2501 count=2499", out.Next)
	}

	out = s.OnFill(2499)
	if !out.Cleared {
		t.Fatalf("expected retransmit state cleared once both chunks fill")
	}
	if s.Outstanding() {
		t.Fatalf("expected no outstanding request once cleared")
	}
}

// TestRejectScenario exercises spec.md §8 scenario 4: both chunks
// rejected, state still clears and the session is never terminated by
// this package (rejects are reported by the caller, never fatal here).
func TestRejectScenario(t *testing.T) {
	s := NewState(2500)
	s.OnGap(1, 5000)

	out := s.OnReject()
	if !out.HasNext || out.Next.From != 2501 || out.Next.Count != 2499 {
		t.Fatalf("after first reject, got %+v", out)
	}

	out = s.OnReject()
	if !out.Cleared {
		t.Fatalf("expected cleared after second reject")
	}
}

// TestSingleOutstandingRequest ensures a gap seen while a request is
// already in flight is deferred, not issued concurrently (spec.md §3
// invariant 3; §4.3 "a follow-up request is issued only after the
// previous one fully fills").
func TestSingleOutstandingRequest(t *testing.T) {
	s := NewState(0) // unbounded, like FIX

	_, ok := s.OnGap(1, 10)
	if !ok {
		t.Fatalf("first gap should issue")
	}

	_, ok = s.OnGap(1, 20)
	if ok {
		t.Fatalf("second gap while outstanding must not issue a concurrent request")
	}
	if !s.hasDeferred || s.deferredTo != 20 {
		t.Fatalf("expected deferred gap to 20, got %+v", s)
	}

	out := s.OnFill(9) // fills [1,10)
	if !out.HasNext {
		t.Fatalf("expected deferred gap to trigger a follow-up request")
	}
	if out.Next.From != 10 || out.Next.Count != 10 {
		t.Fatalf("follow-up request = %+v, want from=10 count=10", out.Next)
	}
}

// TestNoFillSentinel checks the NONE-iff-no-request-in-flight invariant.
func TestNoFillSentinel(t *testing.T) {
	s := NewState(100)
	if s.Outstanding() {
		t.Fatalf("fresh state must not be outstanding")
	}
	s.OnGap(1, 50)
	if !s.Outstanding() {
		t.Fatalf("state must be outstanding after OnGap issues a request")
	}
	out := s.OnFill(49)
	if !out.Cleared || s.Outstanding() {
		t.Fatalf("state must clear back to NoFill once filled")
	}
}
