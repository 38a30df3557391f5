package session

import (
	"testing"
	"time"

	"github.com/glcanvas/artio/internal/clock"
)

func newTestFix(t *testing.T) (*FixSession, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Unix(1700000000, 0))
	cfg := FixConfig{
		SenderCompID:   "GATEWAY",
		TargetCompID:   "EXCHANGE",
		HeartBtIntSec:  30,
		LogonResendMax: 2,
	}
	return NewFixSession(1, Initiator, cfg, c), c
}

func TestFixLogonResend(t *testing.T) {
	s, c := newTestFix(t)
	s.Initiate()
	if s.State != Connecting {
		t.Fatalf("state = %v, want CONNECTING", s.State)
	}

	act := s.ChannelUp(c.Now())
	if s.State != SentNegotiate || len(act.Send) != 1 {
		t.Fatalf("ChannelUp: state=%v send=%d", s.State, len(act.Send))
	}

	c.Advance(31 * time.Second)
	act = s.OnHandshakeTimer(c.Now())
	if s.State != SentNegotiate || len(act.Send) != 1 {
		t.Fatalf("first resend: state=%v send=%d", s.State, len(act.Send))
	}

	act = s.OnLogonAck(c.Now())
	if s.State != Established {
		t.Fatalf("OnLogonAck: state=%v", s.State)
	}
	_ = act
}

func TestFixLogonTimeoutAfterMaxResends(t *testing.T) {
	s, c := newTestFix(t)
	s.Initiate()
	s.ChannelUp(c.Now())

	for i := 0; i < 2; i++ {
		c.Advance(31 * time.Second)
		act := s.OnHandshakeTimer(c.Now())
		if s.State != SentNegotiate {
			t.Fatalf("resend %d: state=%v, want SENT_NEGOTIATE", i, s.State)
		}
		_ = act
	}

	c.Advance(31 * time.Second)
	act := s.OnHandshakeTimer(c.Now())
	if s.State != Disconnected {
		t.Fatalf("after max resends: state=%v, want DISCONNECTED", s.State)
	}
	if act.Err == nil || act.Err.Error() == "" {
		t.Fatal("expected a descriptive, non-empty timeout error")
	}
}

func TestFixLowSequenceGuard(t *testing.T) {
	s, c := newTestFix(t)
	s.Initiate()
	s.ChannelUp(c.Now())
	s.OnLogonAck(c.Now())

	s.AcceptInbound(c.Now()) // seq=1 accepted, next_recv_seq -> 2

	act := s.OnMessageSeq(c.Now(), 1, false)
	if s.State != Terminating {
		t.Fatalf("state = %v, want TERMINATING after low-sequence message", s.State)
	}
	if len(act.Send) != 1 {
		t.Fatalf("expected a Logout to be sent, got %d messages", len(act.Send))
	}
}

func TestFixLowSequenceGuardAllowsPossDup(t *testing.T) {
	s, c := newTestFix(t)
	s.Initiate()
	s.ChannelUp(c.Now())
	s.OnLogonAck(c.Now())

	s.AcceptInbound(c.Now())

	act := s.OnMessageSeq(c.Now(), 1, true)
	if s.State != Established {
		t.Fatalf("state = %v, want ESTABLISHED: PossDupFlag should bypass the guard", s.State)
	}
	if len(act.Send) != 0 {
		t.Fatalf("expected no action for an accepted possibly-duplicate message")
	}
}

func TestFixKeepaliveLapseThenRecover(t *testing.T) {
	s, c := newTestFix(t)
	s.Initiate()
	s.ChannelUp(c.Now())
	s.OnLogonAck(c.Now())

	act := s.OnKeepaliveRecvTimer(c.Now())
	if s.State != EstablishedWarn || len(act.Send) != 1 {
		t.Fatalf("OnKeepaliveRecvTimer: state=%v send=%d", s.State, len(act.Send))
	}

	s.AcceptInbound(c.Now())
	if s.State != Established {
		t.Fatalf("state = %v, want ESTABLISHED after any inbound message satisfies the must-reply", s.State)
	}
}

func TestFixGraceTimerTerminates(t *testing.T) {
	s, c := newTestFix(t)
	s.Initiate()
	s.ChannelUp(c.Now())
	s.OnLogonAck(c.Now())
	s.OnKeepaliveRecvTimer(c.Now())

	c.Advance(31 * time.Second)
	act := s.OnGraceTimer(c.Now())
	if s.State != Terminating || len(act.Send) != 1 {
		t.Fatalf("OnGraceTimer: state=%v send=%d", s.State, len(act.Send))
	}
}
