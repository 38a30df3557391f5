// Package libproto implements C9, the Engine↔Library protocol: which
// process currently owns a connection, how ownership transfers, and how
// the Library-originated administrative requests are carried across the
// process boundary (spec.md §4.7). The core depends only on the
// inter-process transport's Send/Receive contract (spec.md §6); a real
// shared-memory or Aeron-backed transport is the out-of-scope external
// collaborator (spec.md §1).
package libproto

import (
	"strconv"
	"time"
)

// MessageKind tags every frame carried over the inter-process transport.
type MessageKind uint8

const (
	// Library → Engine
	KindConnect MessageKind = iota + 1
	KindRequestSession
	KindReleaseSession
	KindApplicationHeartbeat
	KindApplicationSeq

	// Engine → Library
	KindManageSession
	KindReleaseComplete
	KindDisconnect
	KindControlNotification
	KindApplicationMessage
)

// Connect is a Library announcing itself to the Engine.
type Connect struct {
	LibraryID int
}

// RequestSession asks the Engine to hand ownership of session_id to the
// requesting Library.
type RequestSession struct {
	LibraryID int
	SessionID uint64
}

// ReleaseSession gives ownership of session_id back to the Engine (the
// unowned pool).
type ReleaseSession struct {
	LibraryID int
	SessionID uint64
}

// ApplicationHeartbeat is the liveness beacon a Library must emit within
// library_timeout_ms (spec.md §4.7).
type ApplicationHeartbeat struct {
	LibraryID int
	Timestamp time.Time
}

// ApplicationSeq is a Library reporting the sequence number (and
// retransmit flag) it decoded from an ApplicationMessage, since the
// Engine has no application dictionary of its own to parse one out
// (spec.md §1's out-of-scope "FIX-dictionary code generation"). The
// Engine's retransmit engine (C6) and low-sequence guard (C5) act on this
// the same way they act on a session-layer sequenced frame.
type ApplicationSeq struct {
	LibraryID    int
	SessionID    uint64
	Seq          uint64
	IsRetransmit bool
}

// SessionSnapshot is the state handed to a Library taking ownership of a
// session: enough to resume without re-running the handshake.
type SessionSnapshot struct {
	SessionID   uint64
	Protocol    string
	State       string
	NextSentSeq uint64
	NextRecvSeq uint64
}

// ManageSession hands a session to a Library.
type ManageSession struct {
	SessionID uint64
	Snapshot  SessionSnapshot
}

// ReleaseComplete acknowledges a RELEASE_SESSION.
type ReleaseComplete struct {
	SessionID uint64
}

// Disconnect tells a Library it no longer owns session_id, with a reason
// (e.g. "library timeout", "engine shutdown").
type Disconnect struct {
	SessionID uint64
	Reason    string
}

// LibrarySnapshot is one entry of a ControlNotification.
type LibrarySnapshot struct {
	LibraryID  int
	SessionIDs []uint64
}

// ControlNotification is the Engine's broadcast of the current
// libraries/ownership snapshot, sent whenever that snapshot changes.
type ControlNotification struct {
	Libraries []LibrarySnapshot
}

// ApplicationMessage is an Engine→Library frame carrying one inbound
// application-level message on a session this Library owns, in the wire
// encoding the session speaks. The Engine passes it through untouched
// (spec.md §4.1: "unknown non-session templates are passed through to the
// Library"); Data is only valid for the duration of the SendToLibrary
// call unless the transport implementation copies it.
type ApplicationMessage struct {
	SessionID uint64
	Data      []byte
}

// Transport is the inter-process transport contract named in spec.md §6: a
// reliable ordered byte stream. The core never implements Send/Receive
// itself — an out-of-scope shared-memory or Aeron transport does — but
// depends on this interface so Coordinator can be driven by a fake in
// tests.
type Transport interface {
	// SendToLibrary delivers an Engine→Library frame.
	SendToLibrary(libraryID int, kind MessageKind, payload any) error
}

// libraryState is the Engine-side bookkeeping for one connected Library.
type libraryState struct {
	id           int
	lastHeartbeat time.Time
	owned        map[uint64]bool
}

// Coordinator runs on the Framer's thread (spec.md §4.7: ownership and
// liveness are Framer-thread state). It tracks which Library owns which
// session, and which libraries have gone quiet past library_timeout_ms.
type Coordinator struct {
	transport      Transport
	libraryTimeout time.Duration

	libraries map[int]*libraryState
	ownerOf   map[uint64]int // session_id -> library_id; absent means unowned

	// onReleased, if set, is invoked by CheckLiveness once for each library
	// disconnected that cycle, with the sessions it owned, so the
	// Framer can drive SPEC_FULL.md §7's cancel-on-disconnect (any Reply
	// that library was still waiting on transitions to ERRORED rather than
	// dangling until its own timeout).
	onReleased func(libraryID int, sessionIDs []uint64)
}

// NewCoordinator returns a Coordinator with no libraries connected.
func NewCoordinator(t Transport, libraryTimeout time.Duration) *Coordinator {
	return &Coordinator{
		transport:      t,
		libraryTimeout: libraryTimeout,
		libraries:      make(map[int]*libraryState),
		ownerOf:        make(map[uint64]int),
	}
}

// SetOnLibraryReleased installs the cancel-on-disconnect callback.
func (c *Coordinator) SetOnLibraryReleased(fn func(libraryID int, sessionIDs []uint64)) {
	c.onReleased = fn
}

// OnConnect registers a newly connected Library.
func (c *Coordinator) OnConnect(msg Connect, now time.Time) {
	c.libraries[msg.LibraryID] = &libraryState{id: msg.LibraryID, lastHeartbeat: now, owned: make(map[uint64]bool)}
	c.broadcastNotification()
}

// OnHeartbeat records a Library's liveness beacon.
func (c *Coordinator) OnHeartbeat(msg ApplicationHeartbeat) {
	if lib, ok := c.libraries[msg.LibraryID]; ok {
		lib.lastHeartbeat = msg.Timestamp
	}
}

// OnRequestSession transfers ownership of session_id to the requesting
// Library, provided it is currently unowned or already owned by that
// Library. snapshot is supplied by the caller (typically from the
// session table) since Coordinator holds no Session state of its own.
func (c *Coordinator) OnRequestSession(msg RequestSession, snapshot SessionSnapshot) error {
	lib, ok := c.libraries[msg.LibraryID]
	if !ok {
		return errNoSuchLibrary(msg.LibraryID)
	}
	if owner, owned := c.ownerOf[msg.SessionID]; owned && owner != msg.LibraryID {
		return errAlreadyOwned(msg.SessionID, owner)
	}
	c.ownerOf[msg.SessionID] = msg.LibraryID
	lib.owned[msg.SessionID] = true
	return c.transport.SendToLibrary(msg.LibraryID, KindManageSession, ManageSession{SessionID: msg.SessionID, Snapshot: snapshot})
}

// OnReleaseSession returns session_id to the unowned pool.
func (c *Coordinator) OnReleaseSession(msg ReleaseSession) error {
	if lib, ok := c.libraries[msg.LibraryID]; ok {
		delete(lib.owned, msg.SessionID)
	}
	delete(c.ownerOf, msg.SessionID)
	return c.transport.SendToLibrary(msg.LibraryID, KindReleaseComplete, ReleaseComplete{SessionID: msg.SessionID})
}

// OwnerOf returns the library_id owning session_id, or ok=false if it is
// in the unowned pool.
func (c *Coordinator) OwnerOf(sessionID uint64) (int, bool) {
	id, ok := c.ownerOf[sessionID]
	return id, ok
}

// DeliverApplicationMessage forwards data for session_id to its owning
// Library, if any. A message for an unowned or not-yet-handed-off session
// is dropped: there is no Library to hand it to (spec.md §4.1).
func (c *Coordinator) DeliverApplicationMessage(sessionID uint64, data []byte) error {
	owner, ok := c.ownerOf[sessionID]
	if !ok {
		return nil
	}
	return c.transport.SendToLibrary(owner, KindApplicationMessage, ApplicationMessage{SessionID: sessionID, Data: data})
}

// CheckLiveness is called once per Framer duty cycle. Any Library that
// missed library_timeout_ms triggers a DISCONNECT of all its owned
// sessions back to the unowned pool (spec.md §4.7).
func (c *Coordinator) CheckLiveness(now time.Time) []uint64 {
	var released []uint64
	for id, lib := range c.libraries {
		if now.Sub(lib.lastHeartbeat) <= c.libraryTimeout {
			continue
		}
		var libSessions []uint64
		for sessionID := range lib.owned {
			delete(c.ownerOf, sessionID)
			released = append(released, sessionID)
			libSessions = append(libSessions, sessionID)
			_ = c.transport.SendToLibrary(id, KindDisconnect, Disconnect{SessionID: sessionID, Reason: "library timeout"})
		}
		delete(c.libraries, id)
		if c.onReleased != nil {
			c.onReleased(id, libSessions)
		}
	}
	if len(released) > 0 {
		c.broadcastNotification()
	}
	return released
}

// LibraryIDs returns the currently connected library ids, for the
// libraries() administrative query (SPEC_FULL.md §7).
func (c *Coordinator) LibraryIDs() []int {
	ids := make([]int, 0, len(c.libraries))
	for id := range c.libraries {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) broadcastNotification() {
	snap := ControlNotification{}
	for id, lib := range c.libraries {
		sessions := make([]uint64, 0, len(lib.owned))
		for sid := range lib.owned {
			sessions = append(sessions, sid)
		}
		snap.Libraries = append(snap.Libraries, LibrarySnapshot{LibraryID: id, SessionIDs: sessions})
	}
	for id := range c.libraries {
		_ = c.transport.SendToLibrary(id, KindControlNotification, snap)
	}
}

type protoError struct{ msg string }

func (e *protoError) Error() string { return e.msg }

func errNoSuchLibrary(id int) error {
	return &protoError{msg: "libproto: no such library " + strconv.Itoa(id)}
}

func errAlreadyOwned(sessionID uint64, owner int) error {
	return &protoError{msg: "libproto: session already owned by another library"}
}
