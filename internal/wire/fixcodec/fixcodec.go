// Package fixcodec implements the FIX 4.4 session-layer wire format named
// in spec.md §4.1 and §6: ASCII tag=value fields separated by 0x01, framed
// by a leading BeginString/BodyLength pair and a trailing three-digit
// checksum. It decodes into wire.View-backed Field slices — no copy is
// taken of the field values, mirroring the zero-copy contract C3 must
// honor for the duration of a single Framer dispatch.
package fixcodec

import (
	"fmt"
	"strconv"

	"github.com/glcanvas/artio/internal/wire"
)

// SOH is the FIX field separator, byte 0x01.
const SOH = 0x01

// Session-layer message types (tag 35 values) named in spec.md §6.
const (
	MsgTypeLogon          = "A"
	MsgTypeLogout         = "5"
	MsgTypeHeartbeat      = "0"
	MsgTypeTestRequest    = "1"
	MsgTypeResendRequest  = "2"
	MsgTypeSequenceReset  = "4"
	MsgTypeReject         = "3"
)

// Common tag numbers the session layer reads and writes directly.
const (
	TagBeginString    = 8
	TagBodyLength     = 9
	TagMsgType        = 35
	TagSenderCompID   = 49
	TagTargetCompID   = 56
	TagMsgSeqNum      = 34
	TagSenderSubID    = 50
	TagTargetSubID    = 57
	TagSenderLocID    = 142
	TagTargetLocID    = 143
	TagPossDupFlag    = 43
	TagGapFillFlag    = 123
	TagNewSeqNo       = 36
	TagBeginSeqNo     = 7
	TagEndSeqNo       = 16
	TagHeartBtInt     = 108
	TagTestReqID      = 112
	TagRefSeqNum      = 45
	TagCheckSum       = 10
)

// ErrKind distinguishes the three decode failure modes named in spec.md §4.1.
type ErrKind int

const (
	ErrMalformed ErrKind = iota
	ErrUnknownTemplate
	ErrChecksumMismatch
)

// DecodeError reports a framing failure. MALFORMED is fatal to the session
// (spec.md §4.1); the other kinds are handled by the caller.
type DecodeError struct {
	Kind ErrKind
	Msg  string
}

func (e *DecodeError) Error() string { return e.Msg }

// Field is one decoded tag=value pair. Value borrows the decode buffer and
// must not be retained past the current dispatch; callers needing it longer
// must copy it out.
type Field struct {
	Tag   int
	Value []byte
}

// Message is a decoded FIX message: its fields in wire order. Get looks a
// tag up by scanning them linearly.
type Message struct {
	Fields []Field
}

// Get returns the first field with the given tag, or ok=false.
func (m *Message) Get(tag int) ([]byte, bool) {
	for _, f := range m.Fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return nil, false
}

// GetInt returns the first field with the given tag parsed as an int.
func (m *Message) GetInt(tag int) (int, bool) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(string(v))
	return n, err == nil
}

// MsgType returns the value of tag 35, or "" if absent.
func (m *Message) MsgType() string {
	v, ok := m.Get(TagMsgType)
	if !ok {
		return ""
	}
	return string(v)
}

// Decode parses one framed FIX message starting at the front of v. It
// returns the number of bytes consumed from v so the caller can advance
// past it; on error the view is left unadvanced.
func Decode(v *wire.View) (*Message, int, error) {
	buf := v.Bytes()
	start := 0
	msg := &Message{}
	checksumIdx := -1
	i := 0
	for i < len(buf) {
		eq := indexByte(buf[i:], '=')
		if eq < 0 {
			return nil, 0, &DecodeError{Kind: ErrMalformed, Msg: "fixcodec: missing '=' in field"}
		}
		tagStart := i
		tagEnd := i + eq
		tag, err := strconv.Atoi(string(buf[tagStart:tagEnd]))
		if err != nil {
			return nil, 0, &DecodeError{Kind: ErrMalformed, Msg: fmt.Sprintf("fixcodec: non-numeric tag %q", buf[tagStart:tagEnd])}
		}
		valStart := tagEnd + 1
		soh := indexByte(buf[valStart:], SOH)
		if soh < 0 {
			return nil, 0, &DecodeError{Kind: ErrMalformed, Msg: "fixcodec: unterminated field"}
		}
		valEnd := valStart + soh
		msg.Fields = append(msg.Fields, Field{Tag: tag, Value: buf[valStart:valEnd]})
		i = valEnd + 1
		if tag == TagCheckSum {
			checksumIdx = i
			break
		}
	}
	if checksumIdx < 0 {
		return nil, 0, &DecodeError{Kind: ErrMalformed, Msg: "fixcodec: no checksum field"}
	}
	sum := checksum(buf[:findChecksumFieldStart(buf, checksumIdx)])
	cs, ok := msg.Get(TagCheckSum)
	if !ok {
		return nil, 0, &DecodeError{Kind: ErrMalformed, Msg: "fixcodec: no checksum field"}
	}
	wantSum, err := strconv.Atoi(string(cs))
	if err != nil || wantSum != int(sum) {
		return nil, 0, &DecodeError{Kind: ErrChecksumMismatch, Msg: fmt.Sprintf("fixcodec: checksum mismatch: have %d want %s", sum, cs)}
	}
	return msg, checksumIdx - start, nil
}

// findChecksumFieldStart returns the offset of the "10=" field within buf,
// which is the boundary up to which the checksum is computed.
func findChecksumFieldStart(buf []byte, end int) int {
	// end points just past the checksum field; walk back to its start by
	// scanning for the second-to-last SOH before end.
	i := end - 1 // at or past trailing SOH
	if i > 0 && buf[i-1] == SOH {
		i--
	}
	for i > 0 && buf[i-1] != SOH {
		i--
	}
	return i
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// checksum is the decimal sum of all bytes up to and including the
// preceding 0x01, modulo 256, per spec.md §6.
func checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum
}

// Encode serializes fields into a wire-ready FIX message, computing
// BodyLength (tag 9) and the checksum (tag 10) automatically. fields must
// not include tags 8, 9, or 10 — those are synthesized.
func Encode(beginString string, fields []Field) []byte {
	body := make([]byte, 0, 128)
	for _, f := range fields {
		body = appendField(body, f.Tag, f.Value)
	}
	head := appendField(nil, TagBeginString, []byte(beginString))
	head = appendField(head, TagBodyLength, []byte(strconv.Itoa(len(body))))
	out := make([]byte, 0, len(head)+len(body)+8)
	out = append(out, head...)
	out = append(out, body...)
	sum := checksum(out)
	out = appendField(out, TagCheckSum, []byte(fmt.Sprintf("%03d", sum)))
	return out
}

func appendField(dst []byte, tag int, value []byte) []byte {
	dst = append(dst, []byte(strconv.Itoa(tag))...)
	dst = append(dst, '=')
	dst = append(dst, value...)
	dst = append(dst, SOH)
	return dst
}
