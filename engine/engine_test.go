package engine

import (
	"net"
	"testing"
	"time"

	"github.com/glcanvas/artio/internal/config"
	"github.com/glcanvas/artio/internal/seqstore"
	"github.com/glcanvas/artio/internal/session"
	"github.com/glcanvas/artio/internal/wire"
	"github.com/glcanvas/artio/internal/wire/fixcodec"
)

func readOneFIX(t *testing.T, conn net.Conn) *fixcodec.Message {
	t.Helper()
	msg, err := readOneFIXErr(conn)
	if err != nil {
		t.Fatalf("readOneFIX: %v", err)
	}
	return msg
}

// readOneFIXErr is the non-fatal variant safe to call from a background
// goroutine, where the testing package forbids Fatal.
func readOneFIXErr(conn net.Conn) (*fixcodec.Message, error) {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	msg, _, err := fixcodec.Decode(wire.NewView(buf[:n]))
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func fixFields(msgType string, extra ...fixcodec.Field) []byte {
	fields := append([]fixcodec.Field{{Tag: fixcodec.TagMsgType, Value: []byte(msgType)}}, extra...)
	return fixcodec.Encode(session.FixBeginString, fields)
}

// TestCloseWaitsForGracefulLogout exercises spec.md §5's "close() waits up
// to reply_timeout_ms for graceful logout of every active session": Close
// must Terminate the one Established session and see it through to
// DISCONNECTED once the peer answers its Logout, without the caller doing
// anything beyond calling Close.
func TestCloseWaitsForGracefulLogout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	cfg := config.Default()
	cfg.ReplyTimeoutMs = 2000

	e, err := New(Options{Name: "test", Config: cfg, StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go e.Run(5 * time.Millisecond)

	tuple := seqstore.Tuple{Protocol: "FIX", SenderCompID: "GATEWAY", TargetCompID: "EXCHANGE"}
	fixCfg := session.FixConfig{SenderCompID: "GATEWAY", TargetCompID: "EXCHANGE", HeartBtIntSec: 30, LogonResendMax: 2}
	if _, err := e.InitiateFIX(ln.Addr().String(), tuple, fixCfg, 2*time.Second); err != nil {
		t.Fatalf("InitiateFIX: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	defer conn.Close()

	readOneFIX(t, conn) // Logon
	if _, err := conn.Write(fixFields(fixcodec.MsgTypeLogon, fixcodec.Field{Tag: fixcodec.TagMsgSeqNum, Value: []byte("1")})); err != nil {
		t.Fatalf("write Logon ack: %v", err)
	}

	go func() {
		msg, err := readOneFIXErr(conn) // our Logout, sent by Close's drainSessions
		if err != nil || msg.MsgType() != fixcodec.MsgTypeLogout {
			return
		}
		_, _ = conn.Write(fixFields(fixcodec.MsgTypeLogout, fixcodec.Field{Tag: fixcodec.TagMsgSeqNum, Value: []byte("2")}))
	}()

	done := make(chan struct{})
	go func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return once the peer completed the logout")
	}

	if ids := e.framer.ActiveSessionIDs(); len(ids) != 0 {
		t.Fatalf("ActiveSessionIDs() = %v after Close, want none active", ids)
	}
}

// TestCloseGivesUpAfterReplyTimeout guards the other half of spec.md §5's
// wait: if the peer never answers the Logout, Close must still return once
// reply_timeout_ms elapses rather than block forever.
func TestCloseGivesUpAfterReplyTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	cfg := config.Default()
	cfg.ReplyTimeoutMs = 60

	e, err := New(Options{Name: "test", Config: cfg, StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go e.Run(5 * time.Millisecond)

	tuple := seqstore.Tuple{Protocol: "FIX", SenderCompID: "GATEWAY", TargetCompID: "EXCHANGE"}
	fixCfg := session.FixConfig{SenderCompID: "GATEWAY", TargetCompID: "EXCHANGE", HeartBtIntSec: 30, LogonResendMax: 2}
	if _, err := e.InitiateFIX(ln.Addr().String(), tuple, fixCfg, 2*time.Second); err != nil {
		t.Fatalf("InitiateFIX: %v", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	defer conn.Close()

	readOneFIX(t, conn) // Logon
	if _, err := conn.Write(fixFields(fixcodec.MsgTypeLogon, fixcodec.Field{Tag: fixcodec.TagMsgSeqNum, Value: []byte("1")})); err != nil {
		t.Fatalf("write Logon ack: %v", err)
	}
	// Never answer the Logout Close's drainSessions sends.

	start := time.Now()
	done := make(chan struct{})
	go func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked past reply_timeout_ms with no peer response")
	}
	if elapsed := time.Since(start); elapsed < cfg.ReplyTimeout() {
		t.Fatalf("Close returned after %s, want at least reply_timeout_ms (%s)", elapsed, cfg.ReplyTimeout())
	}
}
