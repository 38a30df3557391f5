// Package errs centralizes the gateway's error vocabulary:
//   - sentinel errors for common, expected error conditions
//   - typed errors for errors that need additional context
//   - all errors are safe for wrapping with fmt.Errorf("%w", err) and checking
//     with errors.Is / errors.As
//
// Connect failures, handshake rejects and timeouts, protocol violations,
// retransmit rejects, and administrative refusals are represented as typed
// errors below so a Reply completion or an error-consumer callback can carry
// the kind alongside a human-readable, non-empty message.
package errs

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Sentinel errors for conditions with no further context to attach.
var (
	ErrSessionNotFound    = errors.New("artio: session not found")
	ErrInboxFull          = errors.New("artio: reply inbox full")
	ErrEngineClosed       = errors.New("artio: engine is closed")
	ErrSessionConnected   = errors.New("artio: operation refused while session is connected")
	ErrNoRetransmitInFlight = errors.New("artio: no retransmit request in flight")
	ErrRetransmitInFlight = errors.New("artio: retransmit request already in flight")
)

// Kind enumerates the gateway's error categories: each Reply failure and
// each error-consumer callback carries one of these so callers can branch
// on category without string matching.
type Kind string

const (
	KindConnectFailure        Kind = "connect-failure"
	KindHandshakeReject       Kind = "handshake-reject"
	KindHandshakeTimeout      Kind = "handshake-timeout"
	KindProtocolViolation     Kind = "protocol-violation"
	KindRetransmitReject      Kind = "retransmit-reject"
	KindAdministrativeRefused Kind = "administrative-refused"
)

// GatewayError is the typed error carried by Reply.ERRORED and passed to the
// error consumer. Message is always non-empty, including for TIMED_OUT
// replies.
type GatewayError struct {
	Kind      Kind
	SessionID uint64
	Message   string
	Err       error
}

func (e *GatewayError) Error() string {
	if e.SessionID != 0 {
		return fmt.Sprintf("artio: session %d %s: %s", e.SessionID, e.Kind, e.Message)
	}
	return fmt.Sprintf("artio: %s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// New constructs a GatewayError. message must never be empty; callers that
// only have an underlying error should pass its Error() text.
func New(kind Kind, sessionID uint64, message string, cause error) *GatewayError {
	if message == "" {
		message = kind.defaultMessage()
	}
	return &GatewayError{Kind: kind, SessionID: sessionID, Message: message, Err: cause}
}

func (k Kind) defaultMessage() string {
	switch k {
	case KindConnectFailure:
		return "unable to connect"
	case KindHandshakeReject:
		return "handshake rejected by peer"
	case KindHandshakeTimeout:
		return "handshake timed out without a response"
	case KindProtocolViolation:
		return "protocol violation"
	case KindRetransmitReject:
		return "retransmit request rejected by peer"
	case KindAdministrativeRefused:
		return "administrative request refused"
	default:
		return "unknown error"
	}
}

// AdministrativeRefusal builds an administrative-refused error decorated
// with oops context (operation + reason) so a structured log sink or the
// error consumer can pull them back out without re-parsing the message
// string.
func AdministrativeRefusal(operation, reason string) error {
	return oops.
		Code("administrative_refused").
		In("engine").
		With("operation", operation).
		Errorf("%s", reason)
}

// IsFatal reports whether err should terminate the owning session. Protocol
// violations (malformed frames, low-sequence guard, invalid uuid) are fatal;
// retransmit rejects are not (spec.md §4.3 "a reject never kills the
// session").
func IsFatal(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == KindProtocolViolation
	}
	return false
}
