package seqstore

import (
	"os"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "seqstore-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(dir, "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAssignIsIdempotentPerTuple(t *testing.T) {
	s := openTestStore(t)
	tuple := Tuple{Protocol: "FIX", SenderCompID: "A", TargetCompID: "B"}

	id1, err := s.Assign(tuple)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	id2, err := s.Assign(tuple)
	if err != nil {
		t.Fatalf("Assign again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("Assign returned different ids for the same tuple: %d vs %d", id1, id2)
	}

	entry, ok := s.Get(id1)
	if !ok {
		t.Fatal("Get: entry not found")
	}
	if entry.NextSentSeq != 1 || entry.NextRecvSeq != 1 {
		t.Fatalf("fresh entry seqs = (%d,%d), want (1,1)", entry.NextSentSeq, entry.NextRecvSeq)
	}
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "seqstore-reopen-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	s, err := Open(dir, "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tuple := Tuple{Protocol: "ILINK3", ILinkSessionID: "SESSION-1", FirmID: "FIRM"}
	id, err := s.Assign(tuple)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := s.Update(id, 42, 17, 9999); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, "", "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entry, ok := reopened.Get(id)
	if !ok {
		t.Fatal("entry did not survive reopen")
	}
	if entry.NextSentSeq != 42 || entry.NextRecvSeq != 17 || entry.UUID != 9999 {
		t.Fatalf("entry = %+v, want (42,17,9999)", entry)
	}
}

func TestResetSequenceNumberRefusedWhileConnected(t *testing.T) {
	s := openTestStore(t)
	tuple := Tuple{Protocol: "FIX", SenderCompID: "X", TargetCompID: "Y"}
	id, err := s.Assign(tuple)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := s.ResetSequenceNumber(id, true); err == nil {
		t.Fatal("expected refusal while connected")
	}
	if err := s.ResetSequenceNumber(id, false); err != nil {
		t.Fatalf("ResetSequenceNumber: %v", err)
	}
	entry, _ := s.Get(id)
	if entry.NextSentSeq != 1 || entry.NextRecvSeq != 1 {
		t.Fatalf("entry = %+v, want reset to (1,1)", entry)
	}
}

func TestResetSessionIDsRefusedWhileAnyConnected(t *testing.T) {
	s := openTestStore(t)
	tuple := Tuple{Protocol: "FIX", SenderCompID: "X", TargetCompID: "Y"}
	id, err := s.Assign(tuple)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := s.ResetSessionIDs("", map[uint64]bool{id: true}); err == nil {
		t.Fatal("expected refusal: a session is connected")
	}
	if err := s.ResetSessionIDs("", map[uint64]bool{}); err != nil {
		t.Fatalf("ResetSessionIDs: %v", err)
	}
	if _, ok := s.Get(id); ok {
		t.Fatal("entry should be gone after reset")
	}
}

func TestLookupSessionID(t *testing.T) {
	s := openTestStore(t)
	tuple := Tuple{Protocol: "ILINK3", ILinkSessionID: "S1", FirmID: "F1"}
	id, err := s.Assign(tuple)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	got, ok := s.Lookup(tuple)
	if !ok || got != id {
		t.Fatalf("Lookup = (%d,%v), want (%d,true)", got, ok, id)
	}
	if _, ok := s.Lookup(Tuple{Protocol: "ILINK3", ILinkSessionID: "nope"}); ok {
		t.Fatal("Lookup should miss for an unknown tuple")
	}
}
