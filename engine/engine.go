// Package engine is the public facade for the process that owns sockets:
// the Engine wraps the Framer, the Sequence Store, and the Reply Registry
// behind the administrative surface named in spec.md §4.2 and §4.4
// (initiate, terminate, resetSessionIds, resetSequenceNumber,
// lookupSessionId, libraries, pruneArchive, close), grounded on the
// teacher's top-level Client type.
package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/glcanvas/artio/internal/clock"
	"github.com/glcanvas/artio/internal/config"
	"github.com/glcanvas/artio/internal/errs"
	"github.com/glcanvas/artio/internal/framer"
	"github.com/glcanvas/artio/internal/libproto"
	"github.com/glcanvas/artio/internal/logging"
	"github.com/glcanvas/artio/internal/metrics"
	"github.com/glcanvas/artio/internal/reply"
	"github.com/glcanvas/artio/internal/seqstore"
	"github.com/glcanvas/artio/internal/session"
	"github.com/glcanvas/artio/internal/transport"
)

// ErrorConsumer receives every asynchronously discovered gateway error
// (spec.md §7's propagation rule). It must not block.
type ErrorConsumer func(libraryID int, kind errs.Kind, timestampNs int64, description string)

// Engine is the public handle for the socket-owning process.
type Engine struct {
	name   string
	cfg    *config.GatewayConfiguration
	clk    clock.Clock
	log    *logrus.Logger
	seq    *seqstore.Store
	coord  *libproto.Coordinator
	framer *framer.Framer

	closed bool
	ticker *time.Ticker
	stop   chan struct{}
}

// Options configures New. Collector, Logger, and Supplier default to an
// InMemory collector, a logrus.Logger at cfg.LogLevel, and a production
// TCPSupplier if left nil.
type Options struct {
	Name          string
	Config        *config.GatewayConfiguration
	Clock         clock.Clock
	Collector     metrics.Collector
	Logger        *logrus.Logger
	Supplier      transport.Supplier
	Transport     libproto.Transport
	ErrorConsumer ErrorConsumer
	StateDir      string
}

// New constructs an Engine and its Sequence Store, but does not start the
// duty-cycle loop — call Run for that.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewInMemory()
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(opts.Config.LogLevel)
	}
	if opts.Supplier == nil {
		opts.Supplier = transport.NewTCPSupplier()
	}
	if opts.StateDir == "" {
		opts.StateDir = "."
	}

	store, err := seqstore.Open(opts.StateDir, opts.Config.SessionIDsPath, opts.Config.SequenceNumbersPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open sequence store: %w", err)
	}

	var transportImpl libproto.Transport = opts.Transport
	if transportImpl == nil {
		transportImpl = noopLibraryTransport{}
	}
	coord := libproto.NewCoordinator(transportImpl, opts.Config.LibraryTimeout())

	errConsumer := opts.ErrorConsumer
	if errConsumer == nil {
		errConsumer = func(int, errs.Kind, int64, string) {}
	}

	f := framer.New(opts.Clock, opts.Config, opts.Supplier, opts.Collector, opts.Logger, opts.Name, store, coord,
		func(libraryID int, kind errs.Kind, ts int64, desc string) { errConsumer(libraryID, kind, ts, desc) })

	return &Engine{
		name:   opts.Name,
		cfg:    opts.Config,
		clk:    opts.Clock,
		log:    opts.Logger,
		seq:    store,
		coord:  coord,
		framer: f,
		stop:   make(chan struct{}),
	}, nil
}

// noopLibraryTransport is the default libproto.Transport when an embedding
// application runs the Engine and Library in the same process without a
// real inter-process transport wired in.
type noopLibraryTransport struct{}

func (noopLibraryTransport) SendToLibrary(int, libproto.MessageKind, any) error { return nil }

// Run starts the Framer's duty cycle on a ticker of tickInterval, blocking
// until Close is called. Callers that want to embed the duty cycle in their
// own loop should call Tick directly instead.
func (e *Engine) Run(tickInterval time.Duration) {
	e.ticker = time.NewTicker(tickInterval)
	defer e.ticker.Stop()
	for {
		select {
		case <-e.ticker.C:
			e.framer.Tick()
		case <-e.stop:
			return
		}
	}
}

// Tick runs exactly one Framer duty cycle; for callers embedding the
// Engine in their own scheduling loop instead of calling Run.
func (e *Engine) Tick() { e.framer.Tick() }

// Listen opens an acceptor for inbound connections (spec.md §3).
func (e *Engine) Listen(addr string) error { return e.framer.Listen(addr) }

// SetILink3Acceptor installs the inbound iLink3 handshake-configuration
// resolver (spec.md §3).
func (e *Engine) SetILink3Acceptor(fn func(tuple seqstore.Tuple) (session.ILink3Config, bool)) {
	e.framer.SetILink3Acceptor(fn)
}

// SetFIXAcceptor installs the inbound FIX handshake-configuration resolver.
func (e *Engine) SetFIXAcceptor(fn func(tuple seqstore.Tuple) (session.FixConfig, bool)) {
	e.framer.SetFIXAcceptor(fn)
}

// InitiateILink3 is initiate() for an iLink3 session (spec.md §5): returns
// a PENDING Reply immediately.
func (e *Engine) InitiateILink3(addr string, tuple seqstore.Tuple, cfg session.ILink3Config) (*reply.Reply, error) {
	if e.closed {
		return nil, errs.ErrEngineClosed
	}
	return e.framer.InitiateILink3(addr, tuple, cfg, e.cfg.ReplyTimeout())
}

// InitiateFIX is initiate() for a FIX session (spec.md §5, end-to-end
// scenario 1): returns a PENDING Reply immediately. timeout bounds both the
// connect attempt and the Reply; zero or negative uses reply_timeout_ms.
func (e *Engine) InitiateFIX(addr string, tuple seqstore.Tuple, cfg session.FixConfig, timeout time.Duration) (*reply.Reply, error) {
	if e.closed {
		return nil, errs.ErrEngineClosed
	}
	if timeout <= 0 {
		timeout = e.cfg.ReplyTimeout()
	}
	return e.framer.InitiateFIX(addr, tuple, cfg, timeout)
}

// Terminate is terminate()/logout(): a local request to tear down
// session_id's handshake.
func (e *Engine) Terminate(sessionID uint64, reason uint8) *reply.Reply {
	return e.framer.Terminate(sessionID, reason, e.cfg.ReplyTimeout())
}

// ResetSessionIDs is resetSessionIds(backupLocation) (spec.md §4.2).
func (e *Engine) ResetSessionIDs(backupLocation string) *reply.Reply {
	return e.framer.ResetSessionIDs(backupLocation, e.cfg.ReplyTimeout())
}

// ResetSequenceNumber is resetSequenceNumber(sessionID) (spec.md §4.2).
func (e *Engine) ResetSequenceNumber(sessionID uint64) *reply.Reply {
	return e.framer.ResetSequenceNumber(sessionID, e.cfg.ReplyTimeout())
}

// LookupSessionID is lookupSessionId(tuple) (SPEC_FULL.md §7).
func (e *Engine) LookupSessionID(tuple seqstore.Tuple) *reply.Reply {
	return e.framer.LookupSessionID(tuple, e.cfg.ReplyTimeout())
}

// Libraries is libraries() (SPEC_FULL.md §7).
func (e *Engine) Libraries() *reply.Reply {
	return e.framer.Libraries(e.cfg.ReplyTimeout())
}

// PruneArchive is pruneArchive(); refused unless the Engine is closing
// (spec.md §7).
func (e *Engine) PruneArchive() *reply.Reply {
	return e.framer.PruneArchive(e.closed, e.cfg.ReplyTimeout())
}

// DeliverFromLibrary hands one Library→Engine frame (CONNECT,
// REQUEST_SESSION, RELEASE_SESSION, APPLICATION_HEARTBEAT) to the Framer
// for processing on its own thread (spec.md §4.7). The embedding
// application's inter-process transport receive loop calls this.
func (e *Engine) DeliverFromLibrary(libraryID int, kind libproto.MessageKind, payload any) {
	e.framer.DeliverFromLibrary(libraryID, kind, payload)
}

// Close begins graceful shutdown (spec.md §5 "close()"): it issues a local
// terminate() for every session still active, waits up to
// reply_timeout_ms for those logouts to be observed, then stops Run's
// loop (if running) and closes the Sequence Store. The wait depends on
// Run (or a caller-driven Tick loop) continuing to advance the duty cycle
// concurrently — Close never calls Tick itself, since Tick is only safe
// from the Framer's own single goroutine.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.drainSessions()
	close(e.stop)
	return e.seq.Close()
}

// drainSessions submits terminate() for every session ActiveSessionIDs
// still reports and polls until none remain or reply_timeout_ms elapses,
// whichever comes first.
func (e *Engine) drainSessions() {
	ids := e.framer.ActiveSessionIDs()
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		e.Terminate(id, 0)
	}
	deadline := e.clk.Now().Add(e.cfg.ReplyTimeout())
	for e.clk.Now().Before(deadline) {
		if len(e.framer.ActiveSessionIDs()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
