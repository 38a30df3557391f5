// Package library is the public facade for the process that owns business
// logic: the Library connects to an Engine over the inter-process
// transport (C9), requests ownership of sessions, and receives application
// messages and control notifications through a small set of callbacks,
// grounded on the teacher's client_callbacks.go dispatch pattern.
package library

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/glcanvas/artio/internal/errs"
	"github.com/glcanvas/artio/internal/libproto"
	"github.com/glcanvas/artio/internal/logging"
)

// Handler receives the events a Library must react to. Every method is
// called on the Library's own dispatch goroutine; implementations must not
// block it for long, mirroring the Framer's own non-blocking duty cycle.
type Handler interface {
	// OnSessionManaged is called when the Engine hands ownership of a
	// session to this Library, with enough state to resume without
	// re-running the handshake.
	OnSessionManaged(snapshot libproto.SessionSnapshot)

	// OnSessionDisconnected is called when the Engine reclaims ownership
	// (library timeout, engine shutdown, explicit release elsewhere).
	OnSessionDisconnected(sessionID uint64, reason string)

	// OnApplicationMessage is called for every inbound application-level
	// message on a session this Library owns. data is valid only for the
	// duration of the call — copy it if it must outlive the callback. The
	// Engine has no application dictionary of its own (spec.md §1), so it
	// cannot supply the message's sequence number here: an implementation
	// that decodes one calls Library.ReportApplicationSeq to feed it back
	// into the Engine's retransmit engine (C6) and low-sequence guard (C5).
	OnApplicationMessage(sessionID uint64, data []byte)

	// OnError surfaces a gateway error raised for a session this Library
	// owns or for an administrative request it issued.
	OnError(kind errs.Kind, sessionID uint64, message string)
}

// Library is the business-logic-owning process's handle onto the Engine.
type Library struct {
	id        int
	transport libproto.Transport
	handler   Handler
	log       *logrus.Entry

	heartbeatEvery time.Duration
	stop           chan struct{}
}

// New returns a Library identified by id, ready to Connect to an Engine
// over t (spec.md §4.7).
func New(id int, t libproto.Transport, handler Handler, logger *logrus.Logger, heartbeatEvery time.Duration) *Library {
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Second
	}
	return &Library{
		id:             id,
		transport:      t,
		handler:        handler,
		log:            logging.Library(logger, id),
		heartbeatEvery: heartbeatEvery,
		stop:           make(chan struct{}),
	}
}

// Connect announces this Library to the Engine (spec.md §4.7 CONNECT).
func (l *Library) Connect() error {
	l.log.Info("connecting to engine")
	return l.transport.SendToLibrary(l.id, libproto.KindConnect, libproto.Connect{LibraryID: l.id})
}

// RunHeartbeat emits ApplicationHeartbeat on heartbeatEvery until Stop is
// called, satisfying the library_timeout_ms liveness contract (spec.md
// §4.7). Callers that already drive their own event loop should call
// SendHeartbeat directly instead.
func (l *Library) RunHeartbeat(now func() time.Time) {
	t := time.NewTicker(l.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = l.SendHeartbeat(now())
		case <-l.stop:
			return
		}
	}
}

// SendHeartbeat emits a single ApplicationHeartbeat beacon.
func (l *Library) SendHeartbeat(now time.Time) error {
	return l.transport.SendToLibrary(l.id, libproto.KindApplicationHeartbeat, libproto.ApplicationHeartbeat{LibraryID: l.id, Timestamp: now})
}

// RequestSession asks the Engine to hand ownership of sessionID to this
// Library (spec.md §4.7 REQUEST_SESSION).
func (l *Library) RequestSession(sessionID uint64) error {
	return l.transport.SendToLibrary(l.id, libproto.KindRequestSession, libproto.RequestSession{LibraryID: l.id, SessionID: sessionID})
}

// ReleaseSession returns sessionID to the Engine's unowned pool.
func (l *Library) ReleaseSession(sessionID uint64) error {
	return l.transport.SendToLibrary(l.id, libproto.KindReleaseSession, libproto.ReleaseSession{LibraryID: l.id, SessionID: sessionID})
}

// ReportApplicationSeq feeds the sequence number (and retransmit flag) an
// implementation decoded out of an OnApplicationMessage payload back into
// the Engine, so the retransmit engine (C6) and low-sequence guard (C5) act
// on real application traffic and not just the session-layer keepalive
// path (spec.md §8 scenarios 3 and 5).
func (l *Library) ReportApplicationSeq(sessionID uint64, seq uint64, isRetransmit bool) error {
	return l.transport.SendToLibrary(l.id, libproto.KindApplicationSeq, libproto.ApplicationSeq{LibraryID: l.id, SessionID: sessionID, Seq: seq, IsRetransmit: isRetransmit})
}

// Deliver dispatches one Engine→Library frame to the Handler. An embedding
// application wires this to its inter-process transport's receive loop.
func (l *Library) Deliver(kind libproto.MessageKind, payload any) {
	switch kind {
	case libproto.KindManageSession:
		if msg, ok := payload.(libproto.ManageSession); ok {
			l.handler.OnSessionManaged(msg.Snapshot)
		}
	case libproto.KindDisconnect:
		if msg, ok := payload.(libproto.Disconnect); ok {
			l.handler.OnSessionDisconnected(msg.SessionID, msg.Reason)
		}
	case libproto.KindApplicationMessage:
		if msg, ok := payload.(libproto.ApplicationMessage); ok {
			l.handler.OnApplicationMessage(msg.SessionID, msg.Data)
		}
	case libproto.KindControlNotification:
		// Informational only; embedding applications that track the full
		// libraries() snapshot can extend Handler to consume it.
	default:
		l.log.WithField("kind", kind).Warn("unhandled frame from engine")
	}
}

// Stop ends RunHeartbeat's loop.
func (l *Library) Stop() { close(l.stop) }
