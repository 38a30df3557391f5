package fixcodec

import (
	"testing"

	"github.com/glcanvas/artio/internal/wire"
)

// TestEncodeDecodeRoundTrip exercises spec.md §8's round-trip law: decode(encode(m)) == m.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	fields := []Field{
		{Tag: TagMsgType, Value: []byte(MsgTypeLogon)},
		{Tag: TagSenderCompID, Value: []byte("GATEWAY")},
		{Tag: TagTargetCompID, Value: []byte("EXCHANGE")},
		{Tag: TagMsgSeqNum, Value: []byte("1")},
		{Tag: TagHeartBtInt, Value: []byte("30")},
	}
	encoded := Encode("FIX.4.4", fields)

	v := wire.NewView(encoded)
	msg, n, err := Decode(v)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("n = %d, want %d (entire message)", n, len(encoded))
	}
	if msg.MsgType() != MsgTypeLogon {
		t.Fatalf("MsgType = %q, want %q", msg.MsgType(), MsgTypeLogon)
	}
	sender, ok := msg.Get(TagSenderCompID)
	if !ok || string(sender) != "GATEWAY" {
		t.Fatalf("SenderCompID = %q, ok=%v", sender, ok)
	}
	seq, ok := msg.GetInt(TagMsgSeqNum)
	if !ok || seq != 1 {
		t.Fatalf("MsgSeqNum = %d, ok=%v", seq, ok)
	}
}

// TestDecodeChecksumMismatch exercises the CHECKSUM_MISMATCH decode failure
// mode named in spec.md §4.1.
func TestDecodeChecksumMismatch(t *testing.T) {
	good := Encode("FIX.4.4", []Field{{Tag: TagMsgType, Value: []byte(MsgTypeHeartbeat)}})
	tampered := append([]byte{}, good...)
	// flip the last checksum digit.
	tampered[len(tampered)-2] ^= 1

	v := wire.NewView(tampered)
	_, _, err := Decode(v)
	if err == nil {
		t.Fatal("expected a checksum mismatch error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrChecksumMismatch {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
}

// TestDecodeMalformedMissingChecksum exercises the MALFORMED decode failure
// mode: no trailing checksum field at all.
func TestDecodeMalformedMissingChecksum(t *testing.T) {
	v := wire.NewView([]byte("8=FIX.4.4\x019=5\x0135=0\x01"))
	_, _, err := Decode(v)
	if err == nil {
		t.Fatal("expected a malformed decode error")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

// TestMultipleMessagesInOneView exercises decoding two consecutive framed
// messages out of a single buffer, mirroring the Framer's dispatch loop.
func TestMultipleMessagesInOneView(t *testing.T) {
	m1 := Encode("FIX.4.4", []Field{{Tag: TagMsgType, Value: []byte(MsgTypeHeartbeat)}})
	m2 := Encode("FIX.4.4", []Field{{Tag: TagMsgType, Value: []byte(MsgTypeTestRequest)}, {Tag: TagTestReqID, Value: []byte("abc")}})
	buf := append(append([]byte{}, m1...), m2...)

	v := wire.NewView(buf)
	first, n1, err := Decode(v)
	if err != nil {
		t.Fatalf("first Decode: %v", err)
	}
	if err := v.Skip(n1); err != nil {
		t.Fatalf("skip first: %v", err)
	}
	if first.MsgType() != MsgTypeHeartbeat {
		t.Fatalf("first MsgType = %q", first.MsgType())
	}
	second, n2, err := Decode(v)
	if err != nil {
		t.Fatalf("second Decode: %v", err)
	}
	if err := v.Skip(n2); err != nil {
		t.Fatalf("skip second: %v", err)
	}
	if second.MsgType() != MsgTypeTestRequest {
		t.Fatalf("second MsgType = %q", second.MsgType())
	}
	if v.Len() != 0 {
		t.Fatalf("view has %d bytes left, want 0", v.Len())
	}
}
