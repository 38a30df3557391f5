// Package metrics defines the gateway's metrics interface. The core never
// ships an exporter (spec.md §1 names monitoring exporters as an out-of-scope
// external collaborator) — it ships only the Collector interface, grounded
// on the teacher's MetricsCollector, plus an in-memory default an embedding
// application can read back for tests and introspection.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector receives counters and gauges from the Framer's duty cycle and
// from the Session state machines. All methods must be non-blocking and safe
// for concurrent use, since they may be called from the Framer's single
// thread on every dispatch.
type Collector interface {
	// IncrementMessagesSent counts an outbound message by its protocol
	// template name (e.g. "Negotiate500", "Logon").
	IncrementMessagesSent(template string)

	// IncrementMessagesReceived counts an inbound message by template name.
	IncrementMessagesReceived(template string)

	// SetActiveSessions updates the gauge of sessions currently in
	// ESTABLISHED or TERMINATING state (the states in which a Session is
	// observable to a Library, per spec.md §3 invariant 4).
	SetActiveSessions(count int)

	// IncrementRetransmitFill counts messages accepted while a retransmit
	// request is in flight for a session.
	IncrementRetransmitFill(sessionID uint64, n int)

	// IncrementRetransmitReject counts a RETRANSMIT_REJECT for a session.
	IncrementRetransmitReject(sessionID uint64)

	// RecordReplyLatency records the time between a Reply's submission and
	// its completion, successful or not.
	RecordReplyLatency(operation string, d time.Duration)

	// IncrementError counts an error surfaced to the error consumer, keyed
	// by its errs.Kind.
	IncrementError(kind string)
}

type latencyStats struct {
	count      uint64
	totalNanos uint64
	minNanos   uint64
	maxNanos   uint64
}

// InMemory is the default Collector: counters and gauges held in memory,
// readable back by tests and by an embedding application that wants a
// cheap snapshot without wiring a real exporter.
type InMemory struct {
	sentMu   sync.RWMutex
	sent     map[string]uint64
	recvMu   sync.RWMutex
	received map[string]uint64

	activeSessions int64

	fillMu  sync.Mutex
	fills   map[uint64]uint64
	rejects map[uint64]uint64

	latencyMu sync.Mutex
	latency   map[string]*latencyStats

	errMu  sync.RWMutex
	errors map[string]uint64
}

// NewInMemory returns an empty in-memory Collector.
func NewInMemory() *InMemory {
	return &InMemory{
		sent:     make(map[string]uint64),
		received: make(map[string]uint64),
		fills:    make(map[uint64]uint64),
		rejects:  make(map[uint64]uint64),
		latency:  make(map[string]*latencyStats),
		errors:   make(map[string]uint64),
	}
}

func (m *InMemory) IncrementMessagesSent(template string) {
	m.sentMu.Lock()
	m.sent[template]++
	m.sentMu.Unlock()
}

func (m *InMemory) IncrementMessagesReceived(template string) {
	m.recvMu.Lock()
	m.received[template]++
	m.recvMu.Unlock()
}

func (m *InMemory) SetActiveSessions(count int) {
	atomic.StoreInt64(&m.activeSessions, int64(count))
}

func (m *InMemory) ActiveSessions() int {
	return int(atomic.LoadInt64(&m.activeSessions))
}

func (m *InMemory) IncrementRetransmitFill(sessionID uint64, n int) {
	m.fillMu.Lock()
	m.fills[sessionID] += uint64(n)
	m.fillMu.Unlock()
}

func (m *InMemory) IncrementRetransmitReject(sessionID uint64) {
	m.fillMu.Lock()
	m.rejects[sessionID]++
	m.fillMu.Unlock()
}

func (m *InMemory) RecordReplyLatency(operation string, d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	s := m.latency[operation]
	if s == nil {
		s = &latencyStats{minNanos: uint64(d)}
		m.latency[operation] = s
	}
	n := uint64(d)
	s.count++
	s.totalNanos += n
	if s.minNanos == 0 || n < s.minNanos {
		s.minNanos = n
	}
	if n > s.maxNanos {
		s.maxNanos = n
	}
}

func (m *InMemory) IncrementError(kind string) {
	m.errMu.Lock()
	m.errors[kind]++
	m.errMu.Unlock()
}

// MessagesSent returns the count of messages sent for a template, for tests.
func (m *InMemory) MessagesSent(template string) uint64 {
	m.sentMu.RLock()
	defer m.sentMu.RUnlock()
	return m.sent[template]
}

// MessagesReceived returns the count of messages received for a template.
func (m *InMemory) MessagesReceived(template string) uint64 {
	m.recvMu.RLock()
	defer m.recvMu.RUnlock()
	return m.received[template]
}

// RetransmitFill returns the accumulated fill count for a session.
func (m *InMemory) RetransmitFill(sessionID uint64) uint64 {
	m.fillMu.Lock()
	defer m.fillMu.Unlock()
	return m.fills[sessionID]
}

// Errors returns the count of errors of a given kind, for tests.
func (m *InMemory) Errors(kind string) uint64 {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.errors[kind]
}

// LatencyCount returns the number of reply-latency observations recorded
// for operation, for tests.
func (m *InMemory) LatencyCount(operation string) uint64 {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	s := m.latency[operation]
	if s == nil {
		return 0
	}
	return s.count
}
