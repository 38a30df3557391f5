package libproto

import (
	"testing"
	"time"
)

type fakeTransport struct {
	sent []struct {
		libraryID int
		kind      MessageKind
		payload   any
	}
}

func (f *fakeTransport) SendToLibrary(libraryID int, kind MessageKind, payload any) error {
	f.sent = append(f.sent, struct {
		libraryID int
		kind      MessageKind
		payload   any
	}{libraryID, kind, payload})
	return nil
}

func TestRequestSessionGrantsOwnership(t *testing.T) {
	ft := &fakeTransport{}
	c := NewCoordinator(ft, time.Second)
	now := time.Unix(0, 0)

	c.OnConnect(Connect{LibraryID: 1}, now)
	if err := c.OnRequestSession(RequestSession{LibraryID: 1, SessionID: 100}, SessionSnapshot{SessionID: 100}); err != nil {
		t.Fatalf("OnRequestSession: %v", err)
	}
	owner, ok := c.OwnerOf(100)
	if !ok || owner != 1 {
		t.Fatalf("owner = %d, ok=%v, want library 1", owner, ok)
	}
}

func TestRequestSessionRefusesDoubleOwnership(t *testing.T) {
	ft := &fakeTransport{}
	c := NewCoordinator(ft, time.Second)
	now := time.Unix(0, 0)

	c.OnConnect(Connect{LibraryID: 1}, now)
	c.OnConnect(Connect{LibraryID: 2}, now)
	if err := c.OnRequestSession(RequestSession{LibraryID: 1, SessionID: 5}, SessionSnapshot{}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := c.OnRequestSession(RequestSession{LibraryID: 2, SessionID: 5}, SessionSnapshot{}); err == nil {
		t.Fatal("expected an error: session already owned by library 1")
	}
}

func TestCheckLivenessReleasesTimedOutLibrary(t *testing.T) {
	ft := &fakeTransport{}
	c := NewCoordinator(ft, 100*time.Millisecond)
	start := time.Unix(0, 0)

	c.OnConnect(Connect{LibraryID: 1}, start)
	_ = c.OnRequestSession(RequestSession{LibraryID: 1, SessionID: 9}, SessionSnapshot{})

	released := c.CheckLiveness(start.Add(50 * time.Millisecond))
	if len(released) != 0 {
		t.Fatalf("released = %v, want none before the timeout elapses", released)
	}

	released = c.CheckLiveness(start.Add(200 * time.Millisecond))
	if len(released) != 1 || released[0] != 9 {
		t.Fatalf("released = %v, want [9]", released)
	}
	if _, ok := c.OwnerOf(9); ok {
		t.Fatal("session 9 should be unowned after the library timed out")
	}
}

func TestHeartbeatKeepsLibraryAlive(t *testing.T) {
	ft := &fakeTransport{}
	c := NewCoordinator(ft, 100*time.Millisecond)
	start := time.Unix(0, 0)

	c.OnConnect(Connect{LibraryID: 1}, start)
	_ = c.OnRequestSession(RequestSession{LibraryID: 1, SessionID: 9}, SessionSnapshot{})

	c.OnHeartbeat(ApplicationHeartbeat{LibraryID: 1, Timestamp: start.Add(80 * time.Millisecond)})
	released := c.CheckLiveness(start.Add(150 * time.Millisecond))
	if len(released) != 0 {
		t.Fatalf("released = %v, want none: heartbeat refreshed liveness", released)
	}
}
