// Package framer implements C7, the single-threaded reactor that owns
// every Channel, the timer wheel, the Reply inbox, and the Session table
// (spec.md §4.6). Its duty cycle — poll inbox, poll I/O, advance timers,
// flush outbound — runs on exactly one goroutine; everything it touches
// follows the "thread-confined mutability" design note (spec.md §9): the
// Framer is the sole writer, and other threads reach it only by enqueuing
// a command (reply.Registry.Submit) or an internal event.
package framer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/glcanvas/artio/internal/clock"
	"github.com/glcanvas/artio/internal/config"
	"github.com/glcanvas/artio/internal/errs"
	"github.com/glcanvas/artio/internal/libproto"
	"github.com/glcanvas/artio/internal/logging"
	"github.com/glcanvas/artio/internal/metrics"
	"github.com/glcanvas/artio/internal/reply"
	"github.com/glcanvas/artio/internal/seqstore"
	"github.com/glcanvas/artio/internal/session"
	"github.com/glcanvas/artio/internal/transport"
	"github.com/glcanvas/artio/internal/wire"
	"github.com/glcanvas/artio/internal/wire/fixcodec"
	"github.com/glcanvas/artio/internal/wire/ilink3codec"
)

// Protocol names the wire protocol a Session speaks.
type Protocol int

const (
	ProtocolFIX Protocol = iota
	ProtocolILink3
)

// outboundHighWater is the number of consecutive failed outbound writes on
// one session after which the Framer raises the slow-consumer warning named
// in SPEC_FULL.md §7. Writes themselves are blocking (see applyAction).
const outboundHighWater = 4096

// entry is the Framer's bookkeeping for one Session: the typed session
// state machine, its Channel, and per-protocol plumbing.
type entry struct {
	protocol Protocol
	fix      *session.FixSession
	ilink    *session.ILink3Session

	channel *transport.Channel
	view    *wire.View

	outboundBacklog int

	pendingReplyID uuid.UUID
	hasPendingReply bool

	ownerLibraryID int
	owned          bool
}

func (e *entry) sessionID() uint64 {
	if e.protocol == ProtocolFIX {
		return e.fix.SessionID
	}
	return e.ilink.SessionID
}

func (e *entry) state() session.State {
	if e.protocol == ProtocolFIX {
		return e.fix.State
	}
	return e.ilink.State
}

// Framer is C7.
type Framer struct {
	clk      clock.Clock
	cfg      *config.GatewayConfiguration
	supplier transport.Supplier
	registry *reply.Registry
	seq      *seqstore.Store
	metrics  metrics.Collector
	log      *logrus.Entry
	errorConsumer func(libraryID int, kind errs.Kind, timestampNs int64, description string)
	coord    *libproto.Coordinator

	mu       sync.Mutex
	events   *queue.Queue
	sessions map[uint64]*entry
	acceptors []transport.Acceptor
	pendingAccepts []*transport.Channel

	acceptILink3 func(tuple seqstore.Tuple) (session.ILink3Config, bool)
	acceptFIX    func(tuple seqstore.Tuple) (session.FixConfig, bool)

	pool   *wire.Pool
	tracer trace.Tracer
}

// New constructs a Framer. errorConsumer receives every asynchronously
// discovered error (spec.md §7's propagation rule); it must not block.
func New(
	clk clock.Clock,
	cfg *config.GatewayConfiguration,
	supplier transport.Supplier,
	collector metrics.Collector,
	logger *logrus.Logger,
	engineName string,
	store *seqstore.Store,
	coord *libproto.Coordinator,
	errorConsumer func(libraryID int, kind errs.Kind, timestampNs int64, description string),
) *Framer {
	f := &Framer{
		clk:           clk,
		cfg:           cfg,
		supplier:      supplier,
		registry:      reply.NewRegistry(clk, cfg.ReplyTimeout(), 4096),
		seq:           store,
		metrics:       collector,
		log:           logging.Engine(logger, engineName),
		errorConsumer: errorConsumer,
		coord:         coord,
		events:        queue.New(),
		sessions:      make(map[uint64]*entry),
		pool:          wire.NewPool(),
		tracer:        otel.Tracer("artio/framer"),
	}
	f.registry.SetMetrics(collector)
	coord.SetOnLibraryReleased(f.onLibraryReleased)
	return f
}

// onLibraryReleased is the cancel-on-disconnect feature named in
// SPEC_FULL.md §7: every Reply that the disconnecting library was still
// waiting on (its session still shows hasPendingReply) is transitioned to
// ERRORED immediately instead of dangling until reply_timeout_ms.
func (f *Framer) onLibraryReleased(libraryID int, sessionIDs []uint64) {
	var ids []uuid.UUID
	for _, sessionID := range sessionIDs {
		if e, ok := f.sessions[sessionID]; ok {
			e.owned = false
			if e.hasPendingReply && e.ownerLibraryID == libraryID {
				ids = append(ids, e.pendingReplyID)
				e.hasPendingReply = false
			}
		}
	}
	if len(ids) > 0 {
		f.registry.CancelForLibrary(ids)
	}
}

// pushEvent enqueues f for execution on the Framer's own goroutine, the
// mechanism background dial goroutines use to report back without
// touching Session state directly (spec.md §9 "cross-thread visibility...
// through the Reply inbox").
func (f *Framer) pushEvent(run func()) {
	f.mu.Lock()
	f.events.Add(run)
	f.mu.Unlock()
}

func (f *Framer) drainEvents() {
	for {
		f.mu.Lock()
		if f.events.Length() == 0 {
			f.mu.Unlock()
			return
		}
		run := f.events.Remove().(func())
		f.mu.Unlock()
		run()
	}
}

// SetILink3Acceptor installs the callback used to resolve an inbound
// Negotiate500's tuple into handshake configuration for a freshly accepted
// Channel (spec.md §3 "created...when bytes arrive on a bound acceptor
// port"). ok=false refuses the connection.
func (f *Framer) SetILink3Acceptor(fn func(tuple seqstore.Tuple) (session.ILink3Config, bool)) {
	f.acceptILink3 = fn
}

// SetFIXAcceptor installs the equivalent callback for inbound FIX Logon.
func (f *Framer) SetFIXAcceptor(fn func(tuple seqstore.Tuple) (session.FixConfig, bool)) {
	f.acceptFIX = fn
}

// Tick runs exactly one duty cycle: poll inbox, poll I/O, advance timers,
// flush outbound (spec.md §4.6). Call it in a loop from the Framer's
// single goroutine. Reads and accepts use one-millisecond deadlines;
// outbound writes are blocking (see applyAction).
func (f *Framer) Tick() {
	_, span := f.tracer.Start(context.Background(), "framer.tick")
	defer span.End()

	now := f.clk.Now()
	f.drainEvents()
	f.registry.DrainInbox()
	f.pollAcceptors()
	f.pollPendingAccepts(now)
	f.pollChannels(now)
	f.advanceTimers(now)
	f.registry.ExpireOverdue()
	f.coord.CheckLiveness(now)
	f.metrics.SetActiveSessions(f.countObservable())
}

func (f *Framer) countObservable() int {
	n := 0
	for _, e := range f.sessions {
		if session.Observable(e.state()) {
			n++
		}
	}
	return n
}

// ActiveSessionIDs returns the ids of every session currently in an
// observable (non-terminal) state, for Engine.Close's graceful-shutdown
// wait (spec.md §5).
func (f *Framer) ActiveSessionIDs() []uint64 {
	var ids []uint64
	for id, e := range f.sessions {
		if session.Observable(e.state()) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Framer) raiseError(libraryID int, kind errs.Kind, msg string) {
	if f.metrics != nil {
		f.metrics.IncrementError(string(kind))
	}
	if f.errorConsumer != nil {
		f.errorConsumer(libraryID, kind, f.clk.Now().UnixNano(), msg)
	}
}

// --- Connection lifecycle (C2/C7 boundary) -------------------------------

// InitiateILink3 is initiate() for an iLink3 session: it returns a
// PENDING Reply immediately (spec.md §5) and dials addr on a background
// goroutine, reporting the outcome back onto the Framer's event queue.
func (f *Framer) InitiateILink3(addr string, tuple seqstore.Tuple, cfg session.ILink3Config, timeout time.Duration) (*reply.Reply, error) {
	sessionID, err := f.seq.Assign(tuple)
	if err != nil {
		return nil, err
	}
	persisted, _ := f.seq.Get(sessionID)
	cfg.PreviousNextSentSeq = persisted.NextSentSeq
	cfg.PreviousNextRecvSeq = persisted.NextRecvSeq
	cfg.PreviousUUID = persisted.UUID
	sess := session.NewILink3Session(sessionID, session.Initiator, cfg, f.clk)
	e := &entry{protocol: ProtocolILink3, ilink: sess, view: wire.NewView(nil)}

	r := f.registry.Submit("initiate", timeout, func(rep *reply.Reply) {
		f.sessions[sessionID] = e
		e.pendingReplyID, e.hasPendingReply = rep.ID(), true
		sess.Initiate()
		go f.dial(sessionID, addr, timeout)
	})
	if r == nil {
		return nil, errs.ErrInboxFull
	}
	return r, nil
}

func (f *Framer) dial(sessionID uint64, addr string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ch, err := f.supplier.Connect(ctx, addr)
	f.pushEvent(func() {
		e, ok := f.sessions[sessionID]
		if !ok {
			return
		}
		if err != nil {
			if isConnectTimeout(err) {
				// No listener ever answered; the initiate() Reply's own
				// deadline (ExpireOverdue) produces the TIMED_OUT
				// transition (spec.md §8 scenario 1), not this path.
				e.ilink.ChannelFail()
				return
			}
			act := e.ilink.ChannelFail()
			f.completeOrError(e, act)
			return
		}
		e.channel = ch
		now := f.clk.Now()
		act := e.ilink.ChannelUp(now)
		f.applyAction(e, act)
	})
}

// isConnectTimeout reports whether err is the background dial's own ctx
// expiring rather than a definitive connect refusal.
func isConnectTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// InitiateFIX is initiate() for a FIX session: symmetric to InitiateILink3,
// it returns a PENDING Reply immediately (spec.md §5) and dials addr on a
// background goroutine, reporting the outcome back onto the Framer's event
// queue (end-to-end scenario 1, spec.md §8).
func (f *Framer) InitiateFIX(addr string, tuple seqstore.Tuple, cfg session.FixConfig, timeout time.Duration) (*reply.Reply, error) {
	sessionID, err := f.seq.Assign(tuple)
	if err != nil {
		return nil, err
	}
	sess := session.NewFixSession(sessionID, session.Initiator, cfg, f.clk)
	e := &entry{protocol: ProtocolFIX, fix: sess, view: wire.NewView(nil)}

	r := f.registry.Submit("initiate", timeout, func(rep *reply.Reply) {
		f.sessions[sessionID] = e
		e.pendingReplyID, e.hasPendingReply = rep.ID(), true
		sess.Initiate()
		go f.dialFIX(sessionID, addr, timeout)
	})
	if r == nil {
		return nil, errs.ErrInboxFull
	}
	return r, nil
}

func (f *Framer) dialFIX(sessionID uint64, addr string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ch, err := f.supplier.Connect(ctx, addr)
	f.pushEvent(func() {
		e, ok := f.sessions[sessionID]
		if !ok {
			return
		}
		if err != nil {
			if isConnectTimeout(err) {
				e.fix.ChannelFail()
				return
			}
			act := e.fix.ChannelFail()
			f.completeOrErrorFIX(e, act)
			return
		}
		e.channel = ch
		now := f.clk.Now()
		act := e.fix.ChannelUp(now)
		f.applyAction(e, act)
	})
}

// completeOrError finishes the pending Reply with act.Err (via
// finishPending: TIMED_OUT for a handshake timeout, ERRORED otherwise) or,
// for a successful handshake, lets OnEstablishAck's caller complete it.
func (f *Framer) completeOrError(e *entry, act session.Action) {
	if act.Err != nil && e.hasPendingReply {
		f.finishPending(e, act.Err)
	}
	f.applyAction(e, act)
}

// finishPending transitions e's pending Reply to TimedOut for a
// handshake-timeout error (spec.md §4.5's Nth-timer row) or Errored for
// every other kind, and clears hasPendingReply either way.
func (f *Framer) finishPending(e *entry, err error) {
	if ge, ok := err.(*errs.GatewayError); ok && ge.Kind == errs.KindHandshakeTimeout {
		f.registry.TimeOut(e.pendingReplyID, err)
	} else {
		f.registry.Error(e.pendingReplyID, err)
	}
	e.hasPendingReply = false
}

// applyAction writes act.Send to the Channel and closes it if requested.
// Each frame goes out through a plain Channel.Write with no write deadline,
// so a full socket send buffer blocks the duty cycle until the kernel
// accepts the bytes. Failed writes are counted, and once more than
// outboundHighWater fail in a row the slow-consumer warning is raised
// (SPEC_FULL.md §7).
func (f *Framer) applyAction(e *entry, act session.Action) {
	for _, b := range act.Send {
		if e.channel == nil {
			continue
		}
		if _, err := e.channel.Write(b); err != nil {
			e.outboundBacklog++
			if e.outboundBacklog > outboundHighWater {
				f.raiseError(0, errs.KindProtocolViolation, fmt.Sprintf("slow consumer on session %d", e.sessionID()))
			}
			continue
		}
		e.outboundBacklog = 0
		f.recordSent(e, b)
	}
	if act.Err != nil {
		kind := errs.KindProtocolViolation
		if ge, ok := act.Err.(*errs.GatewayError); ok {
			kind = ge.Kind
		}
		f.raiseError(0, kind, act.Err.Error())
	}
	if act.Close && e.channel != nil {
		e.channel.Close()
	}
}

// recordSent counts a successfully written outbound frame by template
// name (SPEC_FULL.md §6.5), peeking the just-encoded bytes with the same
// decoder the ingress path already uses rather than threading a name
// through every session Action.
func (f *Framer) recordSent(e *entry, b []byte) {
	if e.protocol == ProtocolFIX {
		if msg, _, err := fixcodec.Decode(wire.NewView(b)); err == nil {
			f.metrics.IncrementMessagesSent(msg.MsgType())
		}
		return
	}
	if hdr, err := ilink3codec.DecodeHeader(wire.NewView(b)); err == nil {
		f.metrics.IncrementMessagesSent(ilink3codec.TemplateName(hdr.TemplateID))
	}
}

// --- Acceptor polling -----------------------------------------------------

// Listen opens an acceptor for inbound connections on addr (spec.md §3
// "created...when bytes arrive on a bound acceptor port").
func (f *Framer) Listen(addr string) error {
	a, err := f.supplier.Listen(addr)
	if err != nil {
		return err
	}
	f.acceptors = append(f.acceptors, a)
	return nil
}

func (f *Framer) pollAcceptors() {
	for _, a := range f.acceptors {
		ch, ok, err := a.Accept()
		if err != nil || !ok {
			continue
		}
		// The session is created lazily once the first Negotiate/Logon
		// arrives and its identifying tuple is known (spec.md §3).
		f.pendingAccepts = append(f.pendingAccepts, ch)
	}
}

// pollPendingAccepts reads the first framed message off each inbound
// Channel that has not yet been bound to a Session, resolves its tuple,
// and either rejects a duplicate session (SPEC_FULL.md §7's duplicate-
// session-on-bind detection) or hands the Channel to a freshly constructed
// Session in the Acceptor role.
func (f *Framer) pollPendingAccepts(now time.Time) {
	if len(f.pendingAccepts) == 0 {
		return
	}
	remaining := f.pendingAccepts[:0]
	buf := f.pool.Get(4096)[:4096]
	defer f.pool.Put(buf)
	for _, ch := range f.pendingAccepts {
		_ = ch.SetReadDeadline(now.Add(time.Millisecond))
		n, err := ch.Read(buf)
		if n == 0 {
			if err != nil && !isTimeout(err) {
				_ = ch.Close()
				continue
			}
			remaining = append(remaining, ch)
			continue
		}
		f.bindAccepted(ch, buf[:n], now)
	}
	f.pendingAccepts = remaining
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

func (f *Framer) bindAccepted(ch *transport.Channel, data []byte, now time.Time) {
	_, span := f.tracer.Start(context.Background(), "framer.handshake.accept")
	defer span.End()

	v := wire.NewView(data)
	if looksLikeFIX(data) {
		msg, n, err := fixcodec.Decode(v)
		if err != nil {
			_ = ch.Close()
			return
		}
		_ = v.Skip(n)
		sender, _ := msg.Get(fixcodec.TagSenderCompID)
		target, _ := msg.Get(fixcodec.TagTargetCompID)
		tuple := seqstore.Tuple{Protocol: "FIX", SenderCompID: string(target), TargetCompID: string(sender)}
		cfg, ok := f.acceptFIX(tuple)
		if f.acceptFIX == nil || !ok {
			_ = ch.Close()
			return
		}
		f.acceptSession(tuple, ch, now, func(id uint64) *entry {
			sess := session.NewFixSession(id, session.Acceptor, cfg, f.clk)
			return &entry{protocol: ProtocolFIX, fix: sess, view: wire.NewView(nil)}
		})
		return
	}
	hdr, err := ilink3codec.DecodeHeader(v)
	if err != nil || hdr.TemplateID != ilink3codec.TemplateNegotiate {
		_ = ch.Close()
		return
	}
	neg, err := ilink3codec.DecodeNegotiate(v)
	if err != nil {
		_ = ch.Close()
		return
	}
	tuple := seqstore.Tuple{Protocol: "ILINK3", ILinkSessionID: neg.SessionID, FirmID: neg.FirmID}
	cfg, ok := f.acceptILink3(tuple)
	if f.acceptILink3 == nil || !ok {
		_ = ch.Close()
		return
	}
	f.acceptSession(tuple, ch, now, func(id uint64) *entry {
		sess := session.NewILink3Session(id, session.Acceptor, cfg, f.clk)
		return &entry{protocol: ProtocolILink3, ilink: sess, view: wire.NewView(nil)}
	})
}

func (f *Framer) acceptSession(tuple seqstore.Tuple, ch *transport.Channel, now time.Time, build func(id uint64) *entry) {
	id, err := f.seq.Assign(tuple)
	if err != nil {
		_ = ch.Close()
		return
	}
	if existing, ok := f.sessions[id]; ok && existing.channel != nil {
		// Duplicate session detection (SPEC_FULL.md §7): refuse a second
		// live Channel for a tuple that already has one bound.
		_ = ch.Close()
		return
	}
	e := build(id)
	e.channel = ch
	f.sessions[id] = e
	if e.protocol == ProtocolFIX {
		// An accepted Channel arrives with the peer's Logon already read
		// off the wire (bindAccepted's caller); exchange our own Logon and
		// treat that exchange as the ack in the same step.
		act := e.fix.ChannelUp(now)
		f.applyAction(e, act)
		f.applyAction(e, e.fix.OnLogonAck(now))
		return
	}
	f.applyAction(e, e.ilink.ChannelUp(now))
}

func looksLikeFIX(data []byte) bool {
	return len(data) >= 2 && data[0] == '8' && data[1] == '='
}

// --- Channel polling and dispatch ----------------------------------------

func (f *Framer) pollChannels(now time.Time) {
	buf := f.pool.Get(16384)[:16384]
	defer f.pool.Put(buf)
	for _, e := range f.sessions {
		if e.channel == nil {
			continue
		}
		_ = e.channel.SetReadDeadline(now.Add(time.Millisecond))
		n, err := e.channel.Read(buf)
		if n > 0 {
			f.dispatch(e, buf[:n], now)
		}
		_ = err // timeouts are expected every tick; genuine errors surface on next write
	}
}

// dispatch decodes and applies every framed message in data for session e.
func (f *Framer) dispatch(e *entry, data []byte, now time.Time) {
	if e.protocol == ProtocolFIX {
		f.dispatchFIX(e, data, now)
		return
	}
	f.dispatchILink3(e, data, now)
}

func (f *Framer) dispatchILink3(e *entry, data []byte, now time.Time) {
	e.view.Reset(data)
	v := e.view
	for v.Len() >= ilink3codec.HeaderLength {
		start := v.Pos()
		hdr, err := ilink3codec.DecodeHeader(v)
		if err != nil {
			f.raiseError(0, errs.KindProtocolViolation, err.Error())
			return
		}
		f.metrics.IncrementMessagesReceived(ilink3codec.TemplateName(hdr.TemplateID))
		switch hdr.TemplateID {
		case ilink3codec.TemplateNegotiateResponse:
			if _, err := ilink3codec.DecodeNegotiateResponse(v); err == nil {
				f.applyAction(e, e.ilink.OnNegotiateResponse(now))
			}
		case ilink3codec.TemplateNegotiateReject:
			if _, err := ilink3codec.DecodeNegotiateReject(v); err == nil {
				act := e.ilink.OnNegotiateReject()
				f.completeOrError(e, act)
			}
		case ilink3codec.TemplateEstablishmentAck:
			if _, err := ilink3codec.DecodeEstablishmentAck(v); err == nil {
				act := e.ilink.OnEstablishAck(now)
				if e.hasPendingReply {
					f.registry.Complete(e.pendingReplyID, e.sessionID())
					e.hasPendingReply = false
				}
				f.applyAction(e, act)
				f.persist(e)
			}
		case ilink3codec.TemplateEstablishmentRej:
			if _, err := ilink3codec.DecodeEstablishmentReject(v); err == nil {
				act := e.ilink.OnEstablishReject()
				f.completeOrError(e, act)
			}
		case ilink3codec.TemplateSequence:
			if seqMsg, err := ilink3codec.DecodeSequence(v); err == nil {
				e.ilink.TouchInbound(now)
				if seqMsg.FaultToleranceIndicator == ilink3codec.Lapsed {
					f.applyAction(e, e.ilink.OnKeepaliveSendTimer(now))
				}
				if seqMsg.NextSeqNo > e.ilink.NextRecvSeq {
					if req, ok := e.ilink.Retransmit().OnGap(e.ilink.NextRecvSeq, seqMsg.NextSeqNo); ok {
						greq := &ilink3codec.RetransmitRequest{UUID: e.ilink.UUID(), RequestTimestamp: uint64(now.UnixNano()), FromSeqNo: req.From, MsgCount: uint32(req.Count)}
						f.applyAction(e, session.Action{Send: [][]byte{greq.Encode()}})
					}
				}
			}
		case ilink3codec.TemplateTerminate:
			if term, err := ilink3codec.DecodeTerminate(v); err == nil {
				act := e.ilink.OnPeerTerminate(now, term.UUID)
				f.applyAction(e, act)
			}
		case ilink3codec.TemplateRetransmitReject:
			if _, err := ilink3codec.DecodeRetransmitReject(v); err == nil {
				f.onRetransmitReject(e)
			}
		case ilink3codec.TemplateRetransmit:
			if rt, err := ilink3codec.DecodeRetransmit(v); err == nil {
				f.onRetransmitFill(e, rt.MsgCount)
			}
		default:
			// application template: pass the whole framed message through
			// to the owning Library untouched (spec.md §4.1).
			if _, err := v.ReadN(int(hdr.BlockLength)); err != nil {
				return
			}
			frame := v.RetainRange(start, v.Pos())
			_ = f.coord.DeliverApplicationMessage(e.sessionID(), frame)
		}
	}
}

func (f *Framer) onRetransmitFill(e *entry, n uint32) {
	out := e.ilink.Retransmit().OnFill(uint64(n))
	f.metrics.IncrementRetransmitFill(e.sessionID(), int(n))
	if out.HasNext {
		req := &ilink3codec.RetransmitRequest{UUID: e.ilink.UUID(), RequestTimestamp: uint64(f.clk.Now().UnixNano()), FromSeqNo: out.Next.From, MsgCount: uint32(out.Next.Count)}
		f.applyAction(e, session.Action{Send: [][]byte{req.Encode()}})
	}
}

func (f *Framer) onRetransmitReject(e *entry) {
	f.metrics.IncrementRetransmitReject(e.sessionID())
	out := e.ilink.Retransmit().OnReject()
	f.raiseError(0, errs.KindRetransmitReject, fmt.Sprintf("retransmit request rejected for session %d", e.sessionID()))
	if out.HasNext {
		req := &ilink3codec.RetransmitRequest{UUID: e.ilink.UUID(), RequestTimestamp: uint64(f.clk.Now().UnixNano()), FromSeqNo: out.Next.From, MsgCount: uint32(out.Next.Count)}
		f.applyAction(e, session.Action{Send: [][]byte{req.Encode()}})
	}
}

// OnApplicationMessageSeq is called by the application-message decode path
// (owned by the Library once a session is handed off) to apply the
// low-sequence guard and gap detection before the message is accepted
// (spec.md §4.3, §4.5).
func (f *Framer) OnApplicationMessageSeq(sessionID uint64, seq uint64, isRetransmit bool) {
	e, ok := f.sessions[sessionID]
	if !ok || e.protocol != ProtocolILink3 {
		return
	}
	now := f.clk.Now()
	if act := e.ilink.OnMessageSeq(now, seq, isRetransmit); act.Terminate || len(act.Send) > 0 {
		f.applyAction(e, act)
		return
	}
	if seq == e.ilink.NextRecvSeq {
		e.ilink.AcceptInbound(now)
		if e.ilink.Retransmit().Outstanding() {
			f.onRetransmitFill(e, 1)
		}
		return
	}
	if seq > e.ilink.NextRecvSeq {
		if req, ok := e.ilink.Retransmit().OnGap(e.ilink.NextRecvSeq, seq); ok {
			msg := &ilink3codec.RetransmitRequest{UUID: e.ilink.UUID(), RequestTimestamp: uint64(now.UnixNano()), FromSeqNo: req.From, MsgCount: uint32(req.Count)}
			f.applyAction(e, session.Action{Send: [][]byte{msg.Encode()}})
		}
	}
}

func (f *Framer) dispatchFIX(e *entry, data []byte, now time.Time) {
	e.view.Reset(data)
	v := e.view
	for v.Len() > 0 {
		start := v.Pos()
		msg, n, err := fixcodec.Decode(v)
		if err != nil {
			if de, ok := err.(*fixcodec.DecodeError); ok && de.Kind == fixcodec.ErrMalformed {
				f.raiseError(0, errs.KindProtocolViolation, err.Error())
				return
			}
			return
		}
		if err := v.Skip(n); err != nil {
			return
		}
		f.metrics.IncrementMessagesReceived(msg.MsgType())
		switch msg.MsgType() {
		case fixcodec.MsgTypeLogon:
			if e.fix.State == session.SentNegotiate {
				act := e.fix.OnLogonAck(now)
				if e.hasPendingReply {
					f.registry.Complete(e.pendingReplyID, e.sessionID())
					e.hasPendingReply = false
				}
				f.applyAction(e, act)
				f.persist(e)
			}
		case fixcodec.MsgTypeLogout:
			act := e.fix.OnPeerLogout(now)
			f.applyAction(e, act)
		case fixcodec.MsgTypeReject:
			act := e.fix.OnLogonReject("Reject received during logon")
			f.completeOrErrorFIX(e, act)
		case fixcodec.MsgTypeHeartbeat, fixcodec.MsgTypeTestRequest:
			e.fix.AcceptInbound(now)
		default:
			// application message: pass the whole framed message through
			// to the owning Library untouched (spec.md §4.1), after the
			// low-sequence guard (spec.md §4.5) clears it.
			if seq, ok := msg.GetInt(fixcodec.TagMsgSeqNum); ok {
				possDup, _ := msg.Get(fixcodec.TagPossDupFlag)
				act := e.fix.OnMessageSeq(now, uint64(seq), string(possDup) == "Y")
				if act.Terminate || len(act.Send) > 0 || act.Close {
					f.applyAction(e, act)
					continue
				}
			}
			frame := v.RetainRange(start, v.Pos())
			_ = f.coord.DeliverApplicationMessage(e.sessionID(), frame)
		}
	}
}

func (f *Framer) completeOrErrorFIX(e *entry, act session.Action) {
	if act.Err != nil && e.hasPendingReply {
		f.finishPending(e, act.Err)
	}
	f.applyAction(e, act)
}

func (f *Framer) persist(e *entry) {
	if e.protocol == ProtocolILink3 {
		_ = f.seq.Update(e.sessionID(), e.ilink.NextSentSeq, e.ilink.NextRecvSeq, e.ilink.UUID())
		return
	}
	_ = f.seq.Update(e.sessionID(), e.fix.NextSentSeq, e.fix.NextRecvSeq, 0)
}

// --- Timers ----------------------------------------------------------------

func (f *Framer) advanceTimers(now time.Time) {
	for _, e := range f.sessions {
		if e.protocol == ProtocolILink3 {
			f.advanceILinkTimers(e, now)
		} else {
			f.advanceFIXTimers(e, now)
		}
	}
}

func (f *Framer) advanceILinkTimers(e *entry, now time.Time) {
	send, recv, grace, handshake, terminate := e.ilink.Deadlines()
	if handshake.Expired(now) {
		f.completeOrError(e, e.ilink.OnHandshakeTimer(now))
	}
	if send.Expired(now) {
		f.applyAction(e, e.ilink.OnKeepaliveSendTimer(now))
	}
	if recv.Expired(now) {
		f.applyAction(e, e.ilink.OnKeepaliveRecvTimer(now))
	}
	if grace.Expired(now) {
		f.applyAction(e, e.ilink.OnGraceTimer(now))
	}
	if terminate.Expired(now) {
		f.applyAction(e, e.ilink.OnTerminateTimer())
	}
}

func (f *Framer) advanceFIXTimers(e *entry, now time.Time) {
	send, recv, grace, handshake, terminate := e.fix.Deadlines()
	if handshake.Expired(now) {
		f.completeOrErrorFIX(e, e.fix.OnHandshakeTimer(now))
	}
	if send.Expired(now) {
		f.applyAction(e, e.fix.OnKeepaliveSendTimer(now))
	}
	if recv.Expired(now) {
		f.applyAction(e, e.fix.OnKeepaliveRecvTimer(now))
	}
	if grace.Expired(now) {
		f.applyAction(e, e.fix.OnGraceTimer(now))
	}
	if terminate.Expired(now) {
		f.applyAction(e, e.fix.OnTerminateTimer())
	}
}

// --- Administrative requests (C8 surface) ---------------------------------

// Terminate submits a local terminate() request for sessionID.
func (f *Framer) Terminate(sessionID uint64, reason uint8, timeout time.Duration) *reply.Reply {
	return f.registry.Submit("terminate", timeout, func(rep *reply.Reply) {
		e, ok := f.sessions[sessionID]
		if !ok {
			f.registry.Error(rep.ID(), errs.ErrSessionNotFound)
			return
		}
		now := f.clk.Now()
		var act session.Action
		if e.protocol == ProtocolILink3 {
			act = e.ilink.Terminate(now, reason)
		} else {
			act = e.fix.Terminate(now)
		}
		f.applyAction(e, act)
		f.registry.Complete(rep.ID(), nil)
	})
}

// ResetSessionIDs submits resetSessionIds(backupLocation), refused while
// any session is connected (spec.md §4.2).
func (f *Framer) ResetSessionIDs(backupLocation string, timeout time.Duration) *reply.Reply {
	return f.registry.Submit("resetSessionIds", timeout, func(rep *reply.Reply) {
		connected := make(map[uint64]bool)
		for id, e := range f.sessions {
			if e.channel != nil {
				connected[id] = true
			}
		}
		if err := f.seq.ResetSessionIDs(backupLocation, connected); err != nil {
			f.registry.Error(rep.ID(), err)
			return
		}
		f.registry.Complete(rep.ID(), nil)
	})
}

// ResetSequenceNumber submits resetSequenceNumber(sessionID).
func (f *Framer) ResetSequenceNumber(sessionID uint64, timeout time.Duration) *reply.Reply {
	return f.registry.Submit("resetSequenceNumber", timeout, func(rep *reply.Reply) {
		_, connected := f.sessions[sessionID]
		if e, ok := f.sessions[sessionID]; ok {
			connected = e.channel != nil
		}
		if err := f.seq.ResetSequenceNumber(sessionID, connected); err != nil {
			f.registry.Error(rep.ID(), err)
			return
		}
		f.registry.Complete(rep.ID(), nil)
	})
}

// LookupSessionID submits lookupSessionId(tuple) (SPEC_FULL.md §7).
func (f *Framer) LookupSessionID(tuple seqstore.Tuple, timeout time.Duration) *reply.Reply {
	return f.registry.Submit("lookupSessionId", timeout, func(rep *reply.Reply) {
		id, ok := f.seq.Lookup(tuple)
		if !ok {
			f.registry.Error(rep.ID(), errs.ErrSessionNotFound)
			return
		}
		f.registry.Complete(rep.ID(), id)
	})
}

// Libraries submits libraries() (SPEC_FULL.md §7).
func (f *Framer) Libraries(timeout time.Duration) *reply.Reply {
	return f.registry.Submit("libraries", timeout, func(rep *reply.Reply) {
		f.registry.Complete(rep.ID(), f.coord.LibraryIDs())
	})
}

// PruneArchive submits pruneArchive(), refused while the Engine is open
// (spec.md §7's "Unable to prune archive during shutdown" is the inverse
// refusal for a live Engine; this core models pruning as shutdown-only).
func (f *Framer) PruneArchive(closing bool, timeout time.Duration) *reply.Reply {
	return f.registry.Submit("pruneArchive", timeout, func(rep *reply.Reply) {
		if !closing {
			f.registry.Error(rep.ID(), errs.AdministrativeRefusal("pruneArchive", "Engine should be closed before the state is reset"))
			return
		}
		f.registry.Complete(rep.ID(), nil)
	})
}

// --- Engine<-Library protocol (C9) ----------------------------------------

// DeliverFromLibrary enqueues one Library→Engine frame (spec.md §4.7:
// CONNECT, REQUEST_SESSION, RELEASE_SESSION, APPLICATION_HEARTBEAT, plus
// APPLICATION_SEQ reporting a decoded application-level sequence number
// back into the retransmit engine and low-sequence guard) for handling on
// the Framer's own thread, mirroring library.Library.Deliver on the other
// side of the inter-process transport. The embedding application's
// receive loop for that transport calls this directly.
func (f *Framer) DeliverFromLibrary(libraryID int, kind libproto.MessageKind, payload any) {
	f.pushEvent(func() {
		now := f.clk.Now()
		switch kind {
		case libproto.KindConnect:
			if msg, ok := payload.(libproto.Connect); ok {
				f.coord.OnConnect(msg, now)
			}
		case libproto.KindApplicationHeartbeat:
			if msg, ok := payload.(libproto.ApplicationHeartbeat); ok {
				f.coord.OnHeartbeat(msg)
			}
		case libproto.KindApplicationSeq:
			if msg, ok := payload.(libproto.ApplicationSeq); ok {
				f.OnApplicationMessageSeq(msg.SessionID, msg.Seq, msg.IsRetransmit)
			}
		case libproto.KindRequestSession:
			msg, ok := payload.(libproto.RequestSession)
			if !ok {
				return
			}
			e, ok := f.sessions[msg.SessionID]
			if !ok || !session.Observable(e.state()) {
				f.raiseError(libraryID, errs.KindAdministrativeRefused,
					fmt.Sprintf("session %d is not observable", msg.SessionID))
				return
			}
			if err := f.coord.OnRequestSession(msg, f.snapshotOf(e)); err != nil {
				f.raiseError(libraryID, errs.KindAdministrativeRefused, err.Error())
				return
			}
			e.owned = true
			e.ownerLibraryID = libraryID
		case libproto.KindReleaseSession:
			if msg, ok := payload.(libproto.ReleaseSession); ok {
				if err := f.coord.OnReleaseSession(msg); err != nil {
					f.raiseError(libraryID, errs.KindAdministrativeRefused, err.Error())
					return
				}
				if e, ok := f.sessions[msg.SessionID]; ok {
					e.owned = false
				}
			}
		}
	})
}

// snapshotOf builds the SessionSnapshot MANAGE_SESSION hands to the
// requesting Library (spec.md §4.7).
func (f *Framer) snapshotOf(e *entry) libproto.SessionSnapshot {
	snap := libproto.SessionSnapshot{SessionID: e.sessionID(), State: e.state().String()}
	if e.protocol == ProtocolFIX {
		snap.Protocol = "FIX"
		snap.NextSentSeq, snap.NextRecvSeq = e.fix.NextSentSeq, e.fix.NextRecvSeq
	} else {
		snap.Protocol = "iLink3"
		snap.NextSentSeq, snap.NextRecvSeq = e.ilink.NextSentSeq, e.ilink.NextRecvSeq
	}
	return snap
}

