// Package reply implements C8, the Reply Registry: every administrative
// request (bind, unbind, resetSessionIds, resetSequenceNumber,
// lookupSessionId, libraries, pruneArchive, initiate) returns a Reply
// immediately, and the Registry correlates the eventual completion —
// produced on the Framer's thread — back to that Reply (spec.md §4.4).
package reply

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/glcanvas/artio/internal/clock"
	"github.com/glcanvas/artio/internal/metrics"
)

// State is one of the four states a Reply ever occupies; a Reply
// transitions exactly once (spec.md §3 "Reply").
type State int

const (
	Pending State = iota
	Completed
	Errored
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Completed:
		return "COMPLETED"
	case Errored:
		return "ERRORED"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Reply is the future-like handle returned by every administrative
// request. Result and Err are immutable once the Reply leaves Pending; no
// Reply is ever completed twice (spec.md §4.4).
type Reply struct {
	id        uuid.UUID
	operation string
	deadline  time.Time

	mu     sync.Mutex
	state  State
	result any
	err    error
}

// ID is the correlation id the Registry used to enqueue this Reply's
// request; useful for logging.
func (r *Reply) ID() uuid.UUID { return r.id }

// Operation names the administrative request this Reply answers (e.g.
// "bind", "resetSequenceNumber").
func (r *Reply) Operation() string { return r.operation }

// State returns the Reply's current state.
func (r *Reply) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the completed result, or nil if not Completed.
func (r *Reply) Result() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Err returns the error for an Errored or TimedOut Reply, or nil.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// complete transitions state exactly once. A transition attempted on a
// Reply that already left Pending is dropped silently — this is how a late
// completion for an already-timed-out Reply is ignored (spec.md §4.4).
func (r *Reply) complete(s State, result any, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Pending {
		return false
	}
	r.state = s
	r.result = result
	r.err = err
	return true
}

// pending is an in-flight request: its Reply plus the deadline the
// Registry checks on every Framer duty cycle.
type pending struct {
	reply       *Reply
	deadline    time.Time
	submittedAt time.Time
}

// command is a request enqueued into the inbox; run executes it on the
// Framer's thread and must not perform I/O (spec.md §4.6).
type command struct {
	id  uuid.UUID
	run func()
}

// Registry is C8. The Framer owns a single Registry covering all libraries,
// keyed by correlation id.
type Registry struct {
	clock          clock.Clock
	defaultTimeout time.Duration
	inboxCapacity  int
	metrics        metrics.Collector

	mu      sync.Mutex
	inbox   *queue.Queue
	pending map[uuid.UUID]*pending
}

// NewRegistry returns a Registry whose Replies time out after
// defaultTimeout unless overridden per-submission, with an inbox bounded
// to capacity entries (spec.md §4.4: "a null from submission indicates the
// inbox is full; callers must retry").
func NewRegistry(c clock.Clock, defaultTimeout time.Duration, capacity int) *Registry {
	return &Registry{
		clock:          c,
		defaultTimeout: defaultTimeout,
		inboxCapacity:  capacity,
		inbox:          queue.New(),
		pending:        make(map[uuid.UUID]*pending),
	}
}

// SetMetrics wires the Collector every terminal transition records its
// reply-latency observation into (SPEC_FULL.md §6.5). Left nil, latency is
// simply not recorded — tests that construct a bare Registry need not
// supply one.
func (reg *Registry) SetMetrics(m metrics.Collector) {
	reg.metrics = m
}

// Submit enqueues run for execution on the Framer's thread and returns a
// Pending Reply immediately. It returns nil if the inbox is full; the
// caller must retry (spec.md §4.4).
func (reg *Registry) Submit(operation string, timeout time.Duration, run func(r *Reply)) *Reply {
	if timeout <= 0 {
		timeout = reg.defaultTimeout
	}
	id := uuid.New()
	now := reg.clock.Now()
	r := &Reply{id: id, operation: operation, deadline: now.Add(timeout), state: Pending}

	reg.mu.Lock()
	if reg.inboxCapacity > 0 && reg.inbox.Length() >= reg.inboxCapacity {
		reg.mu.Unlock()
		return nil
	}
	reg.pending[id] = &pending{reply: r, deadline: r.deadline, submittedAt: now}
	reg.inbox.Add(command{id: id, run: func() { run(r) }})
	reg.mu.Unlock()
	return r
}

// DrainInbox runs every queued command on the caller's thread — the
// Framer's duty cycle step (i), "poll inbox" (spec.md §4.6). It must be
// called only from the Framer's own goroutine.
func (reg *Registry) DrainInbox() {
	for {
		reg.mu.Lock()
		if reg.inbox.Length() == 0 {
			reg.mu.Unlock()
			return
		}
		cmd := reg.inbox.Remove().(command)
		reg.mu.Unlock()
		cmd.run()
	}
}

// Complete transitions the Reply identified by id to Completed with
// result, dropping the completion if the Reply already left Pending.
func (reg *Registry) Complete(id uuid.UUID, result any) {
	reg.finish(id, func(r *Reply) { r.complete(Completed, result, nil) })
}

// Error transitions the Reply identified by id to Errored with err.
func (reg *Registry) Error(id uuid.UUID, err error) {
	reg.finish(id, func(r *Reply) { r.complete(Errored, nil, err) })
}

// TimeOut transitions the Reply identified by id to TimedOut with err
// immediately, for protocol-level give-ups (e.g. the Nth handshake-resend
// row of spec.md §4.5's transition table) that should not wait on the
// generic reply_timeout_ms deadline ExpireOverdue enforces.
func (reg *Registry) TimeOut(id uuid.UUID, err error) {
	reg.finish(id, func(r *Reply) { r.complete(TimedOut, nil, err) })
}

func (reg *Registry) finish(id uuid.UUID, apply func(*Reply)) {
	reg.mu.Lock()
	p, ok := reg.pending[id]
	if ok {
		delete(reg.pending, id)
	}
	reg.mu.Unlock()
	if ok {
		apply(p.reply)
		reg.recordLatency(p)
	}
}

func (reg *Registry) recordLatency(p *pending) {
	if reg.metrics == nil {
		return
	}
	reg.metrics.RecordReplyLatency(p.reply.operation, reg.clock.Now().Sub(p.submittedAt))
}

// ExpireOverdue is step (iii)'s Reply half: called once per Framer duty
// cycle, it transitions every Reply whose deadline has passed from Pending
// to TimedOut with a descriptive, non-empty message — the core always
// produces one, resolving the open question in spec.md §9.
func (reg *Registry) ExpireOverdue() {
	now := reg.clock.Now()
	reg.mu.Lock()
	var expired []*pending
	for id, p := range reg.pending {
		if !now.Before(p.deadline) {
			expired = append(expired, p)
			delete(reg.pending, id)
		}
	}
	reg.mu.Unlock()

	for _, p := range expired {
		p.reply.complete(TimedOut, nil, fmt.Errorf("artio: %s timed out after %s without a response", p.reply.operation, p.deadline.Sub(p.submittedAt)))
		reg.recordLatency(p)
	}
}

// CancelForLibrary transitions every pending Reply belonging to a
// disconnected Library to Errored("library disconnected") instead of
// leaving it dangling until its timeout — the cancel-on-disconnect feature
// named in SPEC_FULL.md §7, grounded on the original's LibraryTimeoutHandler.
// ids lists the correlation ids the caller has already associated with that
// library.
func (reg *Registry) CancelForLibrary(ids []uuid.UUID) {
	for _, id := range ids {
		reg.Error(id, fmt.Errorf("artio: library disconnected"))
	}
}

// PendingCount returns the number of requests still awaiting completion, for
// tests and introspection.
func (reg *Registry) PendingCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.pending)
}
