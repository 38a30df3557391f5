package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glcanvas/artio/internal/clock"
	"github.com/glcanvas/artio/internal/errs"
	"github.com/glcanvas/artio/internal/wire/fixcodec"
)

// FixBeginString is the FIX version this gateway speaks (spec.md §6).
const FixBeginString = "FIX.4.4"

// FixConfig is the FIX-specific identifying tuple and handshake
// configuration (spec.md §3).
type FixConfig struct {
	SenderCompID    string
	TargetCompID    string
	SenderSubID     string
	TargetSubID     string
	SenderLocID     string
	TargetLocID     string
	HeartBtIntSec   int
	LogonResendMax  int
}

// FixSession implements the FIX subset of C5's transition table (spec.md
// §4.5): DISCONNECTED → CONNECTING → (SENT_NEGOTIATE, reused here as "sent
// Logon, awaiting ack" since the union state list names no FIX-specific
// state) → ESTABLISHED → TERMINATING → DISCONNECTED.
type FixSession struct {
	Base

	cfg FixConfig

	logonResends int

	sendDeadline      *clock.Deadline
	recvDeadline      *clock.Deadline
	graceDeadline     *clock.Deadline
	handshakeDeadline *clock.Deadline
	terminateDeadline *clock.Deadline

	clk clock.Clock
}

// NewFixSession constructs a FIX session in DISCONNECTED state.
func NewFixSession(sessionID uint64, role Role, cfg FixConfig, clk clock.Clock) *FixSession {
	return &FixSession{
		Base: Base{
			SessionID:   sessionID,
			Role:        role,
			State:       Disconnected,
			NextSentSeq: 1,
			NextRecvSeq: 1,
		},
		cfg:               cfg,
		sendDeadline:      clock.NewDeadline(),
		recvDeadline:      clock.NewDeadline(),
		graceDeadline:     clock.NewDeadline(),
		handshakeDeadline: clock.NewDeadline(),
		terminateDeadline: clock.NewDeadline(),
		clk:               clk,
	}
}

func (s *FixSession) heartbeatInterval() time.Duration {
	sec := s.cfg.HeartBtIntSec
	if sec <= 0 {
		sec = 30
	}
	return time.Duration(sec) * time.Second
}

func (s *FixSession) fields(extra ...fixcodec.Field) []fixcodec.Field {
	f := []fixcodec.Field{
		{Tag: fixcodec.TagSenderCompID, Value: []byte(s.cfg.SenderCompID)},
		{Tag: fixcodec.TagTargetCompID, Value: []byte(s.cfg.TargetCompID)},
		{Tag: fixcodec.TagMsgSeqNum, Value: []byte(strconv.FormatUint(s.NextSentSeq, 10))},
	}
	if s.cfg.SenderSubID != "" {
		f = append(f, fixcodec.Field{Tag: fixcodec.TagSenderSubID, Value: []byte(s.cfg.SenderSubID)})
	}
	if s.cfg.TargetSubID != "" {
		f = append(f, fixcodec.Field{Tag: fixcodec.TagTargetSubID, Value: []byte(s.cfg.TargetSubID)})
	}
	return append(f, extra...)
}

func (s *FixSession) encode(msgType string, extra ...fixcodec.Field) []byte {
	fields := append([]fixcodec.Field{{Tag: fixcodec.TagMsgType, Value: []byte(msgType)}}, s.fields(extra...)...)
	return fixcodec.Encode(FixBeginString, fields)
}

// Initiate is DISCONNECTED --initiate()--> CONNECTING.
func (s *FixSession) Initiate() { s.State = Connecting }

// ChannelUp is CONNECTING --channel up--> (sent Logon, awaiting ack).
func (s *FixSession) ChannelUp(now time.Time) Action {
	s.State = SentNegotiate
	s.logonResends = 0
	msg := s.encode(fixcodec.MsgTypeLogon, fixcodec.Field{Tag: fixcodec.TagHeartBtInt, Value: []byte(strconv.Itoa(int(s.heartbeatInterval().Seconds())))})
	s.handshakeDeadline.Arm(now, s.heartbeatInterval())
	s.Base.TouchSent(now)
	return Action{Send: [][]byte{msg}}
}

// ChannelFail is CONNECTING --channel fail--> DISCONNECTED.
func (s *FixSession) ChannelFail() Action {
	s.State = Disconnected
	return Action{Err: errs.New(errs.KindConnectFailure, s.SessionID, "unable to connect", nil)}
}

// OnHandshakeTimer resends Logon up to LogonResendMax times, then times out.
func (s *FixSession) OnHandshakeTimer(now time.Time) Action {
	if s.State != SentNegotiate {
		return Action{}
	}
	max := s.cfg.LogonResendMax
	if max <= 0 {
		max = 2
	}
	if s.logonResends >= max {
		s.State = Disconnected
		return Action{Err: errs.New(errs.KindHandshakeTimeout, s.SessionID,
			fmt.Sprintf("Logon unacknowledged after %d resends", max), nil), Close: true}
	}
	s.logonResends++
	msg := s.encode(fixcodec.MsgTypeLogon, fixcodec.Field{Tag: fixcodec.TagHeartBtInt, Value: []byte(strconv.Itoa(int(s.heartbeatInterval().Seconds())))})
	s.handshakeDeadline.Arm(now, s.heartbeatInterval())
	s.Base.TouchSent(now)
	return Action{Send: [][]byte{msg}}
}

// OnLogonAck is the peer's Logon acknowledgement: transitions to
// ESTABLISHED and arms the keepalive send/recv deadlines.
func (s *FixSession) OnLogonAck(now time.Time) Action {
	s.State = Established
	interval := s.heartbeatInterval()
	s.sendDeadline.Arm(now, interval)
	s.recvDeadline.Arm(now, interval)
	return Action{}
}

// OnLogonReject handles a Logon the peer refused (e.g. a Reject or Logout
// in reply to our Logon before establishment).
func (s *FixSession) OnLogonReject(reason string) Action {
	s.State = Disconnected
	return Action{Err: errs.New(errs.KindHandshakeReject, s.SessionID, "Logon rejected: "+reason, nil), Close: true}
}

// OnKeepaliveSendTimer sends a Heartbeat and resets the send timer.
func (s *FixSession) OnKeepaliveSendTimer(now time.Time) Action {
	if s.State != Established && s.State != EstablishedWarn {
		return Action{}
	}
	msg := s.encode(fixcodec.MsgTypeHeartbeat)
	s.sendDeadline.Arm(now, s.heartbeatInterval())
	s.Base.TouchSent(now)
	return Action{Send: [][]byte{msg}}
}

// OnKeepaliveRecvTimer sends a TestRequest and starts the grace timer.
func (s *FixSession) OnKeepaliveRecvTimer(now time.Time) Action {
	if s.State != Established {
		return Action{}
	}
	s.State = EstablishedWarn
	msg := s.encode(fixcodec.MsgTypeTestRequest, fixcodec.Field{Tag: fixcodec.TagTestReqID, Value: []byte(strconv.FormatInt(now.UnixNano(), 10))})
	s.graceDeadline.Arm(now, s.heartbeatInterval())
	s.Base.TouchSent(now)
	return Action{Send: [][]byte{msg}}
}

// OnGraceTimer moves to TERMINATING when the TestRequest's must-reply
// window elapses unanswered.
func (s *FixSession) OnGraceTimer(now time.Time) Action {
	if s.State != EstablishedWarn {
		return Action{}
	}
	return s.beginTerminate(now)
}

// Terminate is the local logout() request.
func (s *FixSession) Terminate(now time.Time) Action {
	if s.State != Established && s.State != EstablishedWarn {
		return Action{}
	}
	return s.beginTerminate(now)
}

func (s *FixSession) beginTerminate(now time.Time) Action {
	s.State = Terminating
	msg := s.encode(fixcodec.MsgTypeLogout)
	s.terminateDeadline.Arm(now, s.heartbeatInterval())
	s.Base.TouchSent(now)
	return Action{Send: [][]byte{msg}}
}

// OnTerminateTimer closes the channel if the peer never acknowledged our
// Logout within one heartbeat interval.
func (s *FixSession) OnTerminateTimer() Action {
	if s.State != Terminating {
		return Action{}
	}
	s.State = Disconnected
	return Action{Close: true}
}

// OnPeerLogout handles an inbound Logout.
func (s *FixSession) OnPeerLogout(now time.Time) Action {
	switch s.State {
	case Established, EstablishedWarn:
		s.State = Unbound
		msg := s.encode(fixcodec.MsgTypeLogout)
		s.Base.TouchSent(now)
		return Action{Send: [][]byte{msg}, Close: true}
	case Terminating:
		s.State = Disconnected
		return Action{Close: true}
	default:
		return Action{}
	}
}

// OnMessageSeq applies the low-sequence guard (spec.md §4.5) for FIX: a
// message with PossDupFlag unset and seq below next_recv_seq terminates
// the session.
func (s *FixSession) OnMessageSeq(now time.Time, seq uint64, possDup bool) Action {
	if (s.State == Established || s.State == EstablishedWarn) && seq < s.NextRecvSeq && !possDup {
		return s.beginTerminate(now)
	}
	return Action{}
}

// AcceptInbound records an in-order inbound message.
func (s *FixSession) AcceptInbound(now time.Time) {
	s.Base.TouchRecv(now)
	s.NextRecvSeq++
	if s.State == EstablishedWarn {
		s.State = Established
		s.graceDeadline.Disarm()
	}
	s.recvDeadline.Arm(now, s.heartbeatInterval())
}

// Deadlines exposes the armed deadlines for the Framer's timer wheel.
func (s *FixSession) Deadlines() (send, recv, grace, handshake, terminate *clock.Deadline) {
	return s.sendDeadline, s.recvDeadline, s.graceDeadline, s.handshakeDeadline, s.terminateDeadline
}
