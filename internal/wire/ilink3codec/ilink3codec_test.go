package ilink3codec

import (
	"testing"

	"github.com/glcanvas/artio/internal/wire"
)

// decodeBody strips the 8-byte header via DecodeHeader before calling one
// of the per-template Decode functions, mirroring the Framer's dispatch.
func decodeBody(t *testing.T, buf []byte) (Header, *wire.View) {
	t.Helper()
	v := wire.NewView(buf)
	hdr, err := DecodeHeader(v)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	return hdr, v
}

func TestNegotiateRoundTrip(t *testing.T) {
	want := &Negotiate{UUID: 42, RequestTimestamp: 123456789, SessionID: "SESSION-1", FirmID: "FIRM1"}
	hdr, v := decodeBody(t, want.Encode())
	if hdr.TemplateID != TemplateNegotiate {
		t.Fatalf("templateID = %d, want %d", hdr.TemplateID, TemplateNegotiate)
	}
	got, err := DecodeNegotiate(v)
	if err != nil {
		t.Fatalf("DecodeNegotiate: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEstablishRoundTrip(t *testing.T) {
	want := &Establish{UUID: 7, RequestTimestamp: 99, NextSeqNo: 1, KeepAliveIntervalMs: 500, SessionID: "S", FirmID: "F", ReEstablishLastSession: true}
	hdr, v := decodeBody(t, want.Encode())
	if hdr.TemplateID != TemplateEstablish {
		t.Fatalf("templateID = %d, want %d", hdr.TemplateID, TemplateEstablish)
	}
	got, err := DecodeEstablish(v)
	if err != nil {
		t.Fatalf("DecodeEstablish: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	want := &Sequence{UUID: 1, NextSeqNo: 55, FaultToleranceIndicator: Lapsed}
	hdr, v := decodeBody(t, want.Encode())
	if hdr.TemplateID != TemplateSequence {
		t.Fatalf("templateID = %d, want %d", hdr.TemplateID, TemplateSequence)
	}
	got, err := DecodeSequence(v)
	if err != nil {
		t.Fatalf("DecodeSequence: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTerminateRoundTrip(t *testing.T) {
	want := &Terminate{UUID: 9, RequestTimestamp: 10, Reason: 3}
	hdr, v := decodeBody(t, want.Encode())
	if hdr.TemplateID != TemplateTerminate {
		t.Fatalf("templateID = %d, want %d", hdr.TemplateID, TemplateTerminate)
	}
	got, err := DecodeTerminate(v)
	if err != nil {
		t.Fatalf("DecodeTerminate: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRetransmitRequestRoundTrip(t *testing.T) {
	want := &RetransmitRequest{UUID: 1, RequestTimestamp: 2, FromSeqNo: 100, MsgCount: 2500}
	hdr, v := decodeBody(t, want.Encode())
	if hdr.TemplateID != TemplateRetransmitRequest {
		t.Fatalf("templateID = %d, want %d", hdr.TemplateID, TemplateRetransmitRequest)
	}
	got, err := DecodeRetransmitRequest(v)
	if err != nil {
		t.Fatalf("DecodeRetransmitRequest: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestShortHeaderIsMalformed(t *testing.T) {
	v := wire.NewView([]byte{1, 2, 3})
	_, err := DecodeHeader(v)
	if err == nil {
		t.Fatal("expected a malformed header error")
	}
}

func TestIsSessionTemplate(t *testing.T) {
	if !IsSessionTemplate(TemplateNegotiate) {
		t.Fatal("Negotiate500 should be a session template")
	}
	if IsSessionTemplate(9999) {
		t.Fatal("unknown template id should not be a session template")
	}
}
