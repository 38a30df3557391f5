// Package wire holds the codec-agnostic plumbing shared by the FIX and
// iLink3 codecs: the pooled byte-buffer allocator and the zero-copy View
// type that a decoded message borrows for the duration of one Framer
// dispatch (spec.md §4.1).
package wire

import "sync"

// size classes mirror the teacher's bufferPool bucket scheme, sized for
// framed session messages rather than I2CP payloads.
const (
	class256  = 256
	class1K   = 1024
	class4K   = 4096
	class16K  = 16384
)

// Pool reduces GC pressure on the Framer's hot path by reusing byte slices
// across dispatches, grounded on the teacher's bufferPool.
type Pool struct {
	p256  sync.Pool
	p1K   sync.Pool
	p4K   sync.Pool
	p16K  sync.Pool
}

// NewPool returns a ready-to-use Pool.
func NewPool() *Pool {
	newOf := func(n int) func() any {
		return func() any {
			b := make([]byte, 0, n)
			return &b
		}
	}
	return &Pool{
		p256: sync.Pool{New: newOf(class256)},
		p1K:  sync.Pool{New: newOf(class1K)},
		p4K:  sync.Pool{New: newOf(class4K)},
		p16K: sync.Pool{New: newOf(class16K)},
	}
}

// Get returns a buffer with capacity >= size and length 0.
func (p *Pool) Get(size int) []byte {
	var ptr *[]byte
	switch {
	case size <= class256:
		ptr = p.p256.Get().(*[]byte)
	case size <= class1K:
		ptr = p.p1K.Get().(*[]byte)
	case size <= class4K:
		ptr = p.p4K.Get().(*[]byte)
	case size <= class16K:
		ptr = p.p16K.Get().(*[]byte)
	default:
		return make([]byte, 0, size)
	}
	return (*ptr)[:0]
}

// Put returns a buffer to the pool bucket matching its capacity. Buffers
// with a non-standard or oversized capacity are left for the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:0]
	switch cap(buf) {
	case class256:
		p.p256.Put(&buf)
	case class1K:
		p.p1K.Put(&buf)
	case class4K:
		p.p4K.Put(&buf)
	case class16K:
		p.p16K.Put(&buf)
	}
}
