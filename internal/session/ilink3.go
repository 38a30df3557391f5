package session

import (
	"fmt"
	"time"

	"github.com/glcanvas/artio/internal/clock"
	"github.com/glcanvas/artio/internal/errs"
	"github.com/glcanvas/artio/internal/retransmit"
	"github.com/glcanvas/artio/internal/wire/ilink3codec"
)

// ILink3Config is the handshake configuration a Session needs at
// connect/accept time (spec.md §3 "handshake configuration").
type ILink3Config struct {
	SessionIDStr           string
	FirmID                 string
	KeepAliveIntervalMs    uint32
	NegotiateResendMax     int
	RetransmitBatchMax     uint64
	ReEstablishLastSession bool
	PreviousUUID           uint64
	PreviousNextSentSeq    uint64
	PreviousNextRecvSeq    uint64
}

// ILink3Session implements the iLink3 subset of C5's transition table
// (spec.md §4.5), including the UUID policy, keepalive timers, and the
// low-sequence guard.
type ILink3Session struct {
	Base

	cfg  ILink3Config
	uuid uint64

	negotiateResends int
	establishResends int

	sendDeadline       *clock.Deadline
	recvDeadline       *clock.Deadline
	graceDeadline      *clock.Deadline
	handshakeDeadline  *clock.Deadline
	terminateDeadline  *clock.Deadline

	retransmit *retransmit.State

	clk clock.Clock
}

// NewILink3Session constructs a session in DISCONNECTED state. clk is the
// Clock used for the uuid = epoch_nanos_at_connect policy and every timer.
func NewILink3Session(sessionID uint64, role Role, cfg ILink3Config, clk clock.Clock) *ILink3Session {
	return &ILink3Session{
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
		retransmit:        retransmit.NewState(cfg.RetransmitBatchMax),
		clk:               clk,
	}
}

// UUID returns the session's connection-lifetime identifier.
func (s *ILink3Session) UUID() uint64 { return s.uuid }

// Retransmit exposes the per-session retransmit.State for the Framer/
// retransmit engine wiring.
func (s *ILink3Session) Retransmit() *retransmit.State { return s.retransmit }

// Initiate is DISCONNECTED --initiate()--> CONNECTING. The actual Channel
// request goes through transport.Supplier, driven by the Framer; this just
// records the state transition.
func (s *ILink3Session) Initiate() {
	s.State = Connecting
}

// ChannelUp is CONNECTING --channel up--> SENT_NEGOTIATE: send Negotiate,
// start the negotiate timer. A fresh connection mints uuid =
// epoch_nanos_at_connect; a re-establishment sends the prior uuid (spec.md
// §4.5 "UUID policy").
func (s *ILink3Session) ChannelUp(now time.Time) Action {
	if s.cfg.ReEstablishLastSession {
		s.uuid = s.cfg.PreviousUUID
		s.NextSentSeq = s.cfg.PreviousNextSentSeq
		s.NextRecvSeq = s.cfg.PreviousNextRecvSeq
	} else {
		s.uuid = uint64(now.UnixNano())
	}
	s.State = SentNegotiate
	s.negotiateResends = 0
	msg := &ilink3codec.Negotiate{
		UUID:             s.uuid,
		RequestTimestamp: uint64(now.UnixNano()),
		SessionID:        s.cfg.SessionIDStr,
		FirmID:           s.cfg.FirmID,
	}
	s.handshakeDeadline.Arm(now, s.keepAliveInterval())
	s.Base.TouchSentTimer(now)
	return Action{Send: [][]byte{msg.Encode()}}
}

// ChannelFail is CONNECTING --channel fail--> DISCONNECTED.
func (s *ILink3Session) ChannelFail() Action {
	s.State = Disconnected
	return Action{Err: errs.New(errs.KindConnectFailure, s.SessionID, "unable to connect", nil)}
}

func (s *ILink3Session) keepAliveInterval() time.Duration {
	ms := s.cfg.KeepAliveIntervalMs
	if ms == 0 {
		ms = 10000
	}
	return time.Duration(ms) * time.Millisecond
}

// OnHandshakeTimer is SENT_NEGOTIATE/SENT_ESTABLISH --timer--> resend (up
// to negotiate_resend_max) or DISCONNECTED on the Nth timeout (spec.md
// §4.5). It dispatches on the current state.
func (s *ILink3Session) OnHandshakeTimer(now time.Time) Action {
	max := s.cfg.NegotiateResendMax
	if max <= 0 {
		max = 2
	}
	switch s.State {
	case SentNegotiate:
		if s.negotiateResends >= max {
			s.State = Disconnected
			return Action{Err: errs.New(errs.KindHandshakeTimeout, s.SessionID,
				fmt.Sprintf("Negotiate500 unacknowledged after %d resends", max), nil), Close: true}
		}
		s.negotiateResends++
		msg := &ilink3codec.Negotiate{UUID: s.uuid, RequestTimestamp: uint64(now.UnixNano()), SessionID: s.cfg.SessionIDStr, FirmID: s.cfg.FirmID}
		s.handshakeDeadline.Arm(now, s.keepAliveInterval())
		s.Base.TouchSentTimer(now)
		return Action{Send: [][]byte{msg.Encode()}}
	case SentEstablish:
		if s.establishResends >= max {
			s.State = Disconnected
			return Action{Err: errs.New(errs.KindHandshakeTimeout, s.SessionID,
				fmt.Sprintf("Establish503 unacknowledged after %d resends", max), nil), Close: true}
		}
		s.establishResends++
		msg := s.establishMessage(now)
		s.handshakeDeadline.Arm(now, s.keepAliveInterval())
		s.Base.TouchSentTimer(now)
		return Action{Send: [][]byte{msg.Encode()}}
	default:
		return Action{}
	}
}

func (s *ILink3Session) establishMessage(now time.Time) *ilink3codec.Establish {
	return &ilink3codec.Establish{
		UUID:                   s.uuid,
		RequestTimestamp:       uint64(now.UnixNano()),
		NextSeqNo:              s.NextSentSeq,
		KeepAliveIntervalMs:    s.cfg.KeepAliveIntervalMs,
		SessionID:              s.cfg.SessionIDStr,
		FirmID:                 s.cfg.FirmID,
		ReEstablishLastSession: s.cfg.ReEstablishLastSession,
	}
}

// OnNegotiateResponse is SENT_NEGOTIATE --NegotiateResponse--> NEGOTIATED,
// immediately followed by sending Establish and arming the establish
// timer, landing in SENT_ESTABLISH (spec.md §4.5).
func (s *ILink3Session) OnNegotiateResponse(now time.Time) Action {
	if s.State != SentNegotiate {
		return Action{}
	}
	s.State = SentEstablish
	s.establishResends = 0
	msg := s.establishMessage(now)
	s.handshakeDeadline.Arm(now, s.keepAliveInterval())
	s.Base.TouchSentTimer(now)
	return Action{Send: [][]byte{msg.Encode()}}
}

// OnNegotiateReject is SENT_NEGOTIATE --NegotiateReject--> DISCONNECTED.
func (s *ILink3Session) OnNegotiateReject() Action {
	s.State = Disconnected
	return Action{Err: errs.New(errs.KindHandshakeReject, s.SessionID, "Negotiate rejected", nil), Close: true}
}

// OnEstablishAck is NEGOTIATED/SENT_ESTABLISH --EstablishAck--> ESTABLISHED:
// arms the keepalive send/recv deadlines (spec.md §4.5).
func (s *ILink3Session) OnEstablishAck(now time.Time) Action {
	s.State = Established
	interval := s.keepAliveInterval()
	s.sendDeadline.Arm(now, interval)
	s.recvDeadline.Arm(now, interval)
	return Action{}
}

// OnEstablishReject is NEGOTIATED/SENT_ESTABLISH --EstablishReject-->
// DISCONNECTED.
func (s *ILink3Session) OnEstablishReject() Action {
	s.State = Disconnected
	return Action{Err: errs.New(errs.KindHandshakeReject, s.SessionID, "Establishment rejected", nil), Close: true}
}

// OnKeepaliveSendTimer is ESTABLISHED --keepalive-send timer--> ESTABLISHED:
// send Sequence(NotLapsed), reset the send timer.
func (s *ILink3Session) OnKeepaliveSendTimer(now time.Time) Action {
	if s.State != Established && s.State != EstablishedWarn {
		return Action{}
	}
	msg := &ilink3codec.Sequence{UUID: s.uuid, NextSeqNo: s.NextSentSeq, FaultToleranceIndicator: ilink3codec.NotLapsed}
	s.sendDeadline.Arm(now, s.keepAliveInterval())
	s.Base.TouchSentTimer(now)
	return Action{Send: [][]byte{msg.Encode()}}
}

// OnKeepaliveRecvTimer is ESTABLISHED --keepalive-recv timer-->
// ESTABLISHED(warn): send Sequence(Lapsed), start the grace timer.
func (s *ILink3Session) OnKeepaliveRecvTimer(now time.Time) Action {
	if s.State != Established {
		return Action{}
	}
	s.State = EstablishedWarn
	msg := &ilink3codec.Sequence{UUID: s.uuid, NextSeqNo: s.NextSentSeq, FaultToleranceIndicator: ilink3codec.Lapsed}
	s.graceDeadline.Arm(now, s.keepAliveInterval())
	s.Base.TouchSentTimer(now)
	return Action{Send: [][]byte{msg.Encode()}}
}

// OnGraceTimer is ESTABLISHED(warn) --grace timer--> TERMINATING: the
// must-reply window for a Sequence(Lapsed) elapsed with no inbound
// message, so the local side sends Terminate (spec.md §4.5).
func (s *ILink3Session) OnGraceTimer(now time.Time) Action {
	if s.State != EstablishedWarn {
		return Action{}
	}
	return s.beginTerminate(now, 0)
}

// Terminate is the local terminate() request: ESTABLISHED/ESTABLISHED(warn)
// --terminate()--> TERMINATING: send Terminate, start the terminate timer.
func (s *ILink3Session) Terminate(now time.Time, reason uint8) Action {
	if s.State != Established && s.State != EstablishedWarn {
		return Action{}
	}
	return s.beginTerminate(now, reason)
}

func (s *ILink3Session) beginTerminate(now time.Time, reason uint8) Action {
	s.State = Terminating
	msg := &ilink3codec.Terminate{UUID: s.uuid, RequestTimestamp: uint64(now.UnixNano()), Reason: reason}
	s.terminateDeadline.Arm(now, s.keepAliveInterval())
	s.Base.TouchSentTimer(now)
	return Action{Send: [][]byte{msg.Encode()}}
}

// OnTerminateTimer is TERMINATING --timer--> DISCONNECTED: the peer never
// acknowledged our Terminate within one interval; close anyway.
func (s *ILink3Session) OnTerminateTimer() Action {
	if s.State != Terminating {
		return Action{}
	}
	s.State = Disconnected
	return Action{Close: true}
}

// OnPeerTerminate handles an inbound Terminate507. From ESTABLISHED it is
// ESTABLISHED --peer Terminate--> UNBOUND: reply with Terminate, close the
// channel. From TERMINATING it is TERMINATING --peer Terminate-->
// DISCONNECTED: close the channel. An unknown uuid on the incoming
// Terminate causes a local Terminate to be sent, an unbind, and a
// non-fatal "Invalid uuid=<value>" error, regardless of the originating
// state (spec.md §4.5, §8 scenario 6).
func (s *ILink3Session) OnPeerTerminate(now time.Time, peerUUID uint64) Action {
	if peerUUID != s.uuid {
		s.State = Unbound
		reply := &ilink3codec.Terminate{UUID: s.uuid, RequestTimestamp: uint64(now.UnixNano()), Reason: 0}
		s.Base.TouchSentTimer(now)
		return Action{
			Send:  [][]byte{reply.Encode()},
			Close: true,
			Err:   errs.New(errs.KindProtocolViolation, s.SessionID, fmt.Sprintf("Invalid uuid=%d", peerUUID), nil),
		}
	}
	switch s.State {
	case Established, EstablishedWarn:
		s.State = Unbound
		reply := &ilink3codec.Terminate{UUID: s.uuid, RequestTimestamp: uint64(now.UnixNano()), Reason: 0}
		s.Base.TouchSentTimer(now)
		return Action{Send: [][]byte{reply.Encode()}, Close: true}
	case Terminating:
		s.State = Disconnected
		return Action{Close: true}
	default:
		return Action{}
	}
}

// OnMessageSeq applies the low-sequence guard: any post-handshake message
// whose sequence is below next_recv_seq without is_retransmit set
// immediately transitions the session to TERMINATING (spec.md §4.5).
// Callers check this before accepting an inbound application or session
// message's sequence number.
func (s *ILink3Session) OnMessageSeq(now time.Time, seq uint64, isRetransmit bool) Action {
	if (s.State == Established || s.State == EstablishedWarn) && seq < s.NextRecvSeq && !isRetransmit {
		return s.beginTerminate(now, 0)
	}
	return Action{}
}

// AcceptInbound records receipt of an in-order message, advancing
// next_recv_seq and resetting the recv timer (spec.md §3 invariant 2,
// §4.5's "any inbound message...resets the recv timer").
func (s *ILink3Session) AcceptInbound(now time.Time) {
	s.NextRecvSeq++
	s.TouchInbound(now)
}

// TouchInbound resets the recv timer for a session-layer frame that
// carries no application sequence number of its own, such as a Sequence
// heartbeat: next_recv_seq is left untouched (spec.md §3 invariant 2). A
// session warned by a lapsed keepalive returns to ESTABLISHED on any
// inbound message (the must-reply is satisfied).
func (s *ILink3Session) TouchInbound(now time.Time) {
	s.Base.TouchRecv(now)
	if s.State == EstablishedWarn {
		s.State = Established
		s.graceDeadline.Disarm()
	}
	s.recvDeadline.Arm(now, s.keepAliveInterval())
}

// Deadlines exposes the armed deadlines for the Framer's timer wheel to
// poll on every duty cycle.
func (s *ILink3Session) Deadlines() (send, recv, grace, handshake, terminate *clock.Deadline) {
	return s.sendDeadline, s.recvDeadline, s.graceDeadline, s.handshakeDeadline, s.terminateDeadline
}
