// Package transport implements C2, the Channel Supplier: opening and
// accepting TCP connections on behalf of the Framer, grounded on the
// teacher's Tcp type. It is pluggable — spec.md §3 requires tests to be
// able to "temporarily disable connect attempts" — so the Framer talks to
// the ChannelSupplier interface, never to net.Dial directly.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Channel is a single open connection, exclusively owned by the Framer
// while open (spec.md §3). It is a thin net.Conn wrapper so the Framer can
// set deadlines and perform non-blocking reads on its duty cycle.
type Channel struct {
	conn net.Conn
	addr string
}

// Addr returns the remote address this Channel is connected to.
func (c *Channel) Addr() string { return c.addr }

// Read implements io.Reader. The Framer calls this after setting a
// one-millisecond read deadline so the duty cycle never waits on a read
// (spec.md §4.6).
func (c *Channel) Read(p []byte) (int, error) { return c.conn.Read(p) }

// Write implements io.Writer.
func (c *Channel) Write(p []byte) (int, error) { return c.conn.Write(p) }

// SetReadDeadline forwards to the underlying net.Conn.
func (c *Channel) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// Close closes the underlying connection.
func (c *Channel) Close() error { return c.conn.Close() }

// Supplier opens outbound Channels and accepts inbound ones. The
// production implementation wraps net.Dial/net.Listen; tests substitute a
// Supplier that can be disabled to exercise connect-before-server-up and
// connect-failure scenarios (spec.md §8 scenario 1).
type Supplier interface {
	// Connect opens an outbound Channel to addr. It must return promptly
	// (bounded by ctx); the Framer never blocks waiting on it beyond ctx's
	// deadline.
	Connect(ctx context.Context, addr string) (*Channel, error)

	// Listen binds an acceptor on addr and returns an Acceptor the Framer
	// polls non-blockingly for inbound Channels.
	Listen(addr string) (Acceptor, error)
}

// Acceptor yields inbound Channels to the Framer's duty cycle.
type Acceptor interface {
	// Accept returns the next inbound Channel without blocking beyond a
	// short bounded wait; ok is false if none is currently pending.
	Accept() (*Channel, bool, error)
	Close() error
}

// TCPSupplier is the production Supplier, grounded on the teacher's Tcp.Connect.
type TCPSupplier struct {
	dialer net.Dialer
}

// NewTCPSupplier returns a production TCP Supplier.
func NewTCPSupplier() *TCPSupplier { return &TCPSupplier{} }

func (s *TCPSupplier) Connect(ctx context.Context, addr string) (*Channel, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &Channel{conn: conn, addr: addr}, nil
}

func (s *TCPSupplier) Listen(addr string) (Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &tcpAcceptor{ln: ln}, nil
}

type tcpAcceptor struct {
	ln net.Listener
}

// Accept uses a short deadline on listeners that support it (TCPListener
// does) so the Framer's poll never blocks its duty cycle.
func (a *tcpAcceptor) Accept() (*Channel, bool, error) {
	if dl, ok := a.ln.(*net.TCPListener); ok {
		_ = dl.SetDeadline(time.Now().Add(time.Millisecond))
	}
	conn, err := a.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &Channel{conn: conn, addr: conn.RemoteAddr().String()}, true, nil
}

func (a *tcpAcceptor) Close() error { return a.ln.Close() }

// Disableable wraps a Supplier and lets a test disable new Connect calls
// entirely, to reproduce "connect before server up" (spec.md §8 scenario 1)
// without needing a real unreachable address.
type Disableable struct {
	inner    Supplier
	mu       sync.RWMutex
	disabled bool
}

// NewDisableable wraps inner, initially enabled.
func NewDisableable(inner Supplier) *Disableable {
	return &Disableable{inner: inner}
}

// Disable makes every subsequent Connect block until its ctx is done and
// then fail with ctx's error.
func (d *Disableable) Disable() {
	d.mu.Lock()
	d.disabled = true
	d.mu.Unlock()
}

// Enable restores normal Connect behavior.
func (d *Disableable) Enable() {
	d.mu.Lock()
	d.disabled = false
	d.mu.Unlock()
}

// Connect blocks until ctx expires when disabled — reproducing an address
// with no listener behind it, which simply never answers, rather than an
// immediate refusal. This is what lets "connect before server up" (spec.md
// §8 scenario 1) surface as the caller's own initiate() timeout instead of
// a channel-fail error.
func (d *Disableable) Connect(ctx context.Context, addr string) (*Channel, error) {
	d.mu.RLock()
	disabled := d.disabled
	d.mu.RUnlock()
	if disabled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.inner.Connect(ctx, addr)
}

func (d *Disableable) Listen(addr string) (Acceptor, error) {
	return d.inner.Listen(addr)
}
