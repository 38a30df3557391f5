// Package session implements C5, the Session State Machine, for both wire
// protocols the gateway speaks. It owns no I/O: every transition returns an
// Action (bytes for the Framer to write, a close flag, an error), and the
// Framer applies it and completes any pending reply.Reply, matching the "exception-based handshake control flow...re-expressed as
// explicit state transitions" design note (spec.md §9).
package session

import (
	"time"

	"github.com/glcanvas/artio/internal/clock"
)

// State is the union of states used by either protocol (spec.md §4.5).
// FIX uses {Disconnected, Connecting, SentNegotiate (Logon sent),
// Established, EstablishedWarn, Terminating, Unbound}; iLink3 uses the full
// chain including the negotiate/establish handshake.
type State int

const (
	Disconnected State = iota
	Connecting
	SentNegotiate
	Negotiated
	SentEstablish
	Established
	EstablishedWarn // keepalive-recv lapsed, grace timer running
	Terminating
	Unbound
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case SentNegotiate:
		return "SENT_NEGOTIATE"
	case Negotiated:
		return "NEGOTIATED"
	case SentEstablish:
		return "SENT_ESTABLISH"
	case Established:
		return "ESTABLISHED"
	case EstablishedWarn:
		return "ESTABLISHED(warn)"
	case Terminating:
		return "TERMINATING"
	case Unbound:
		return "UNBOUND"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes who opened the connection, per spec.md §3.
type Role int

const (
	Initiator Role = iota
	Acceptor
)

// Observable reports whether a session in this state is visible to a
// Library, per spec.md §3 invariant 4 ("only while its state ∈
// {ESTABLISHED, TERMINATING}").
func Observable(s State) bool {
	return s == Established || s == EstablishedWarn || s == Terminating
}

// Base holds the fields common to every session, FIX or iLink3, per the
// Session type in spec.md §3.
type Base struct {
	SessionID uint64
	Role      Role
	State     State

	NextSentSeq uint64
	NextRecvSeq uint64

	LastSentTime time.Time
	LastRecvTime time.Time

	clock clock.Clock
}

// TouchSent records that a message was just sent, advancing next_sent_seq
// and resetting the send timer (spec.md §4.5: "any outbound message
// resets the send timer"). Only messages that consume an application
// sequence number call this; iLink3 session-layer frames use
// TouchSentTimer instead (spec.md §4.5, §8 "peer-observed next_sent_seq =
// initial + |S|").
func (b *Base) TouchSent(now time.Time) {
	b.LastSentTime = now
	b.NextSentSeq++
}

// TouchSentTimer resets the send timer without consuming a sequence
// number, for frames that do not advance next_sent_seq.
func (b *Base) TouchSentTimer(now time.Time) {
	b.LastSentTime = now
}

// TouchRecv resets the recv timer on any inbound message, including
// sequence heartbeats (spec.md §4.5).
func (b *Base) TouchRecv(now time.Time) {
	b.LastRecvTime = now
}

// Action is what a transition asks the Framer to do: bytes to write,
// whether to close the channel, and an optional error to pass to the
// error consumer.
type Action struct {
	Send      [][]byte
	Close     bool
	Err       error
	Terminate bool // request the Framer unbind/remove the Session
}
