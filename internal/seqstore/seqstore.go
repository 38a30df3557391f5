// Package seqstore implements C4, the Sequence Store: a write-through
// mapping session_id → (next_sent_seq, next_recv_seq, uuid), persisted as
// an append-only log with periodic compaction under the per-Engine
// directory named in spec.md §6. Only the sequence-numbers file is used;
// the session-ids name is accepted but nothing is stored under it.
//
// The in-memory index is a github.com/tidwall/btree ordered map so that
// reset_session_ids's backup snapshot and compaction both walk entries by
// session_id in a deterministic order rather than needing a separate sort.
package seqstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/btree"

	"github.com/glcanvas/artio/internal/errs"
)

// Tuple is the protocol-specific identifying tuple named in spec.md §3: for
// FIX, (senderCompID, targetCompID, senderSubID, targetSubID,
// senderLocationID, targetLocationID); for iLink3, (sessionIDStr, firmID).
// Only the fields relevant to a given protocol are populated.
type Tuple struct {
	Protocol        string `json:"protocol"`
	SenderCompID    string `json:"sender_comp_id,omitempty"`
	TargetCompID    string `json:"target_comp_id,omitempty"`
	SenderSubID     string `json:"sender_sub_id,omitempty"`
	TargetSubID     string `json:"target_sub_id,omitempty"`
	SenderLocID     string `json:"sender_location_id,omitempty"`
	TargetLocID     string `json:"target_location_id,omitempty"`
	ILinkSessionID  string `json:"ilink_session_id,omitempty"`
	FirmID          string `json:"firm_id,omitempty"`
}

// key renders a Tuple into a comparable map key for the tuple→id index.
func (t Tuple) key() string {
	b, _ := json.Marshal(t)
	return string(b)
}

// Entry is the persisted state for one session_id, matching spec.md §3's
// Session fields that must survive a restart.
type Entry struct {
	SessionID   uint64 `json:"session_id"`
	Tuple       Tuple  `json:"tuple"`
	NextSentSeq uint64 `json:"next_sent_seq"`
	NextRecvSeq uint64 `json:"next_recv_seq"`
	UUID        uint64 `json:"uuid,omitempty"`
}

// Store is C4. All methods are safe to call only from the Framer's thread
// (spec.md §4.2: "both operations must be enqueued on C7's thread").
type Store struct {
	dir              string
	sessionIDsPath   string
	seqNumbersPath   string

	mu       sync.Mutex
	byID     *btree.Map[uint64, Entry]
	byTuple  map[string]uint64
	nextID   uint64
	logFile  *os.File
	writeCnt int
}

// Open loads (or creates) a Store rooted at dir, replaying the
// sequence-numbers log to rebuild the in-memory index. Each record carries
// its session's tuple; no session-ids file is read or written.
func Open(dir, sessionIDsName, seqNumbersName string) (*Store, error) {
	if sessionIDsName == "" {
		sessionIDsName = "session-ids"
	}
	if seqNumbersName == "" {
		seqNumbersName = "sequence-numbers"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("seqstore: mkdir %s: %w", dir, err)
	}
	s := &Store{
		dir:            dir,
		sessionIDsPath: filepath.Join(dir, sessionIDsName),
		seqNumbersPath: filepath.Join(dir, seqNumbersName),
		byID:           btree.NewMap[uint64, Entry](32),
		byTuple:        make(map[string]uint64),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.seqNumbersPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("seqstore: open append log: %w", err)
	}
	s.logFile = f
	return s, nil
}

// replay rebuilds the in-memory index from the append-only log.
func (s *Store) replay() error {
	f, err := os.Open(s.seqNumbersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("seqstore: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // a truncated final record from a crash mid-write; ignore
		}
		s.byID.Set(e.SessionID, e)
		s.byTuple[e.Tuple.key()] = e.SessionID
		if e.SessionID >= s.nextID {
			s.nextID = e.SessionID + 1
		}
	}
	return scanner.Err()
}

// Assign returns the existing session_id for tuple if one is already
// known, or allocates and persists a fresh session_id with sequence
// numbers initialized to 1 (spec.md §3 invariant 1: next_sent_seq ≥ 1).
func (s *Store) Assign(tuple Tuple) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byTuple[tuple.key()]; ok {
		return id, nil
	}
	id := s.nextID
	s.nextID++
	e := Entry{SessionID: id, Tuple: tuple, NextSentSeq: 1, NextRecvSeq: 1}
	if err := s.appendLocked(e); err != nil {
		return 0, err
	}
	return id, nil
}

// Lookup resolves tuple to a session_id, including for sessions that are
// not currently connected (the lookupSessionId feature named in spec.md
// §4.4 and detailed in SPEC_FULL.md §7).
func (s *Store) Lookup(tuple Tuple) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTuple[tuple.key()]
	return id, ok
}

// Get returns the persisted Entry for session_id.
func (s *Store) Get(sessionID uint64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID.Get(sessionID)
}

// Update write-through persists next_sent_seq/next_recv_seq/uuid for an
// existing session_id (spec.md §3 invariant 5).
func (s *Store) Update(sessionID uint64, nextSentSeq, nextRecvSeq, uuid uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID.Get(sessionID)
	if !ok {
		return errs.ErrSessionNotFound
	}
	e.NextSentSeq = nextSentSeq
	e.NextRecvSeq = nextRecvSeq
	e.UUID = uuid
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("seqstore: marshal entry: %w", err)
	}
	if s.logFile != nil {
		if _, err := s.logFile.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("seqstore: append: %w", err)
		}
	}
	s.byID.Set(e.SessionID, e)
	s.byTuple[e.Tuple.key()] = e.SessionID
	s.writeCnt++
	if s.writeCnt >= compactionThreshold {
		if err := s.compactLocked(); err != nil {
			return err
		}
	}
	return nil
}

// compactionThreshold triggers compaction after this many appended
// records, bounding the log's replay cost on the next restart.
const compactionThreshold = 10000

// compactLocked rewrites the append-only log to hold exactly one record
// per session_id, dropping superseded updates.
func (s *Store) compactLocked() error {
	tmp := s.seqNumbersPath + ".compact"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("seqstore: create compaction file: %w", err)
	}
	w := bufio.NewWriter(f)
	var walkErr error
	s.byID.Scan(func(_ uint64, e Entry) bool {
		b, err := json.Marshal(e)
		if err != nil {
			walkErr = err
			return false
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if walkErr == nil {
		walkErr = w.Flush()
	}
	if walkErr != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("seqstore: compaction: %w", walkErr)
	}
	f.Close()
	if err := s.logFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.seqNumbersPath); err != nil {
		return fmt.Errorf("seqstore: rename compaction file: %w", err)
	}
	lf, err := os.OpenFile(s.seqNumbersPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.logFile = lf
	s.writeCnt = 0
	return nil
}

// ResetSessionIDs atomically copies the current snapshot to backupLocation
// (if non-empty) then clears the store (spec.md §4.2). Refused while any
// session is connected — callers pass connectedIDs so the Store can check.
func (s *Store) ResetSessionIDs(backupLocation string, connectedIDs map[uint64]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range connectedIDs {
		if _, ok := s.byID.Get(id); ok {
			return errs.ErrSessionConnected
		}
	}
	if backupLocation != "" {
		if err := s.backupLocked(backupLocation); err != nil {
			return err
		}
	}
	s.byID.Clear()
	s.byTuple = make(map[string]uint64)
	s.nextID = 0
	if err := s.logFile.Truncate(0); err != nil {
		return fmt.Errorf("seqstore: truncate: %w", err)
	}
	_, err := s.logFile.Seek(0, 0)
	return err
}

func (s *Store) backupLocked(dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("seqstore: create backup: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	var walkErr error
	s.byID.Scan(func(_ uint64, e Entry) bool {
		b, err := json.Marshal(e)
		if err != nil {
			walkErr = err
			return false
		}
		_, err = w.Write(append(b, '\n'))
		if err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	return w.Flush()
}

// ResetSequenceNumber sets both counters for session_id to 1 (spec.md
// §4.2). Refused while the session is connected.
func (s *Store) ResetSequenceNumber(sessionID uint64, connected bool) error {
	if connected {
		return errs.ErrSessionConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID.Get(sessionID)
	if !ok {
		return errs.ErrSessionNotFound
	}
	e.NextSentSeq = 1
	e.NextRecvSeq = 1
	return s.appendLocked(e)
}

// List returns every persisted Entry ordered by session_id, for the
// libraries() administrative query and for tests.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, s.byID.Len())
	s.byID.Scan(func(_ uint64, e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Close flushes and closes the append-only log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logFile == nil {
		return nil
	}
	return s.logFile.Close()
}
