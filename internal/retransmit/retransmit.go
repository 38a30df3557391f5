// Package retransmit implements C6: per-session gap detection, a bounded
// single outstanding retransmit request, batching of large ranges, and
// fill accounting, per spec.md §4.3. It holds no I/O of its own — the
// Framer calls into it when a gap is detected or a retransmit-bearing
// message, reject, or non-retransmit message arrives, and acts on the
// Request/Outcome values it returns.
package retransmit

import "github.com/eapache/queue"

// NoFill is the sentinel fill_seq value meaning no request is in flight,
// satisfying spec.md §3 invariant 3 ("retransmit_fill_seq = NONE iff no
// request is in flight").
const NoFill = ^uint64(0)

// Request is a retransmit-request the caller must send on the wire.
type Request struct {
	From  uint64
	Count uint64
}

// chunk is one contiguous slice of a batched gap, issued in order.
type chunk struct {
	from  uint64
	count uint64
}

// split divides [from, from+count) into chunks of at most batchMax.
func split(from, count uint64, batchMax uint64) []chunk {
	if batchMax == 0 {
		return []chunk{{from: from, count: count}}
	}
	var out []chunk
	for count > 0 {
		n := count
		if n > batchMax {
			n = batchMax
		}
		out = append(out, chunk{from: from, count: n})
		from += n
		count -= n
	}
	return out
}

// State is one session's retransmit bookkeeping (spec.md §4.3's
// "{requested_from, requested_count, fill_seq}"), plus the queue of
// not-yet-issued chunks for the current batched gap and any deferred gap
// discovered while a request was already outstanding.
type State struct {
	batchMax uint64

	requestedFrom  uint64
	requestedCount uint64
	fillSeq        uint64

	pending      *queue.Queue // queue of chunk
	deferredFrom uint64
	deferredTo   uint64
	hasDeferred  bool
}

// NewState returns a State with no request in flight. batchMax is
// BATCH_MAX (default 2500 for iLink3, per spec.md §4.3); 0 means
// unbounded (used by FIX, which has no batching requirement).
func NewState(batchMax uint64) *State {
	return &State{batchMax: batchMax, fillSeq: NoFill, pending: queue.New()}
}

// Outstanding reports whether a retransmit request is currently in flight
// (spec.md §3 invariant 3).
func (s *State) Outstanding() bool { return s.fillSeq != NoFill }

// FillSeq returns the current retransmit_fill_seq, or NoFill.
func (s *State) FillSeq() uint64 { return s.fillSeq }

// OnGap is called when an inbound message's sequence r exceeds
// next_recv_seq. If no request is outstanding it returns the Request to
// issue (split into chunks if count > batchMax, only the first chunk is
// returned; the rest are queued). If a request is already outstanding,
// the gap end is buffered as a deferred gap and ok is false — a follow-up
// request is issued only once the current one fully fills or is rejected
// (spec.md §4.3).
func (s *State) OnGap(nextRecvSeq, r uint64) (Request, bool) {
	if s.Outstanding() {
		if !s.hasDeferred || r > s.deferredTo {
			s.deferredFrom = nextRecvSeq
			s.deferredTo = r
			s.hasDeferred = true
		}
		return Request{}, false
	}
	count := r - nextRecvSeq
	chunks := split(nextRecvSeq, count, s.batchMax)
	first := chunks[0]
	for _, c := range chunks[1:] {
		s.pending.Add(c)
	}
	s.requestedFrom = first.from
	s.requestedCount = first.count
	s.fillSeq = first.from
	return Request{From: first.from, Count: first.count}, true
}

// Outcome reports what the caller should do after a fill-advancing event:
// whether a new Request must be sent, and whether the session's retransmit
// state is now fully clear (no chunks left, no deferred gap).
type Outcome struct {
	Next    Request
	HasNext bool
	Cleared bool
}

// OnFill advances fill_seq by n (a batch of n retransmitted messages bearing
// is_retransmit arrived). It returns the Outcome describing whether the
// current chunk completed and, if so, what happens next.
func (s *State) OnFill(n uint64) Outcome {
	if !s.Outstanding() {
		return Outcome{}
	}
	s.fillSeq += n
	if s.fillSeq < s.requestedFrom+s.requestedCount {
		return Outcome{}
	}
	return s.advance()
}

// OnReject is called for a RETRANSMIT_REJECT covering the current chunk.
// Per spec.md §4.3, "the engine treats the chunk as empty (advances
// fill_seq past the range)" — functionally identical to a full fill of the
// current chunk — "and proceeds to the next chunk. A reject never kills
// the session."
func (s *State) OnReject() Outcome {
	if !s.Outstanding() {
		return Outcome{}
	}
	s.fillSeq = s.requestedFrom + s.requestedCount
	return s.advance()
}

// advance handles "fill_seq = requested_from + requested_count": move to
// the next queued chunk of the current batch, or to the deferred gap if
// the batch is exhausted, or clear outstanding state entirely.
func (s *State) advance() Outcome {
	if s.pending.Length() > 0 {
		c := s.pending.Remove().(chunk)
		s.requestedFrom = c.from
		s.requestedCount = c.count
		s.fillSeq = c.from
		return Outcome{Next: Request{From: c.from, Count: c.count}, HasNext: true}
	}
	if s.hasDeferred {
		from, to := s.deferredFrom, s.deferredTo
		s.hasDeferred = false
		if end := s.requestedFrom + s.requestedCount; from < end {
			from = end // the finished batch already covered [deferredFrom, end)
		}
		if to > from {
			chunks := split(from, to-from, s.batchMax)
			first := chunks[0]
			for _, c := range chunks[1:] {
				s.pending.Add(c)
			}
			s.requestedFrom = first.from
			s.requestedCount = first.count
			s.fillSeq = first.from
			return Outcome{Next: Request{From: first.from, Count: first.count}, HasNext: true}
		}
	}
	s.fillSeq = NoFill
	s.requestedFrom = 0
	s.requestedCount = 0
	return Outcome{Cleared: true}
}
