// Package ilink3codec implements the binary SBE framing of the iLink3
// session layer named in spec.md §4.1 and §6: a little-endian header of
// blockLength/templateId/schemaId/version followed by a template-specific
// body. Session templates (handshake, keepalive, retransmit) are decoded
// into typed structs; application templates are passed through to the
// Library as opaque wire.View bytes, per spec.md §4.1's "unknown
// non-session templates are passed through" rule.
package ilink3codec

import (
	"encoding/binary"
	"fmt"

	"github.com/glcanvas/artio/internal/wire"
)

// SchemaID and SchemaVersion are fixed for the exchange's iLink3 schema.
const (
	SchemaID      = 1
	SchemaVersion = 1
	HeaderLength  = 8
)

// Template ids named in spec.md §6.
const (
	TemplateNegotiate          = 500
	TemplateNegotiateResponse  = 501
	TemplateNegotiateReject    = 502
	TemplateEstablish          = 503
	TemplateEstablishmentAck   = 504
	TemplateEstablishmentRej   = 505
	TemplateSequence           = 506
	TemplateTerminate          = 507
	TemplateRetransmitRequest  = 508
	TemplateRetransmit         = 509
	TemplateRetransmitReject   = 510
	TemplateNotApplied         = 513
)

// KeepAliveLapsed is the fault-tolerance indicator carried by Sequence506.
type KeepAliveLapsed uint8

const (
	NotLapsed KeepAliveLapsed = 0
	Lapsed    KeepAliveLapsed = 1
)

// Header is the 8-byte SBE message header common to every template.
type Header struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

// DecodeError reports a framing failure, mirroring fixcodec.DecodeError's
// three kinds (spec.md §4.1).
type DecodeError struct {
	Kind string // "malformed" | "unknown_template" | "checksum_mismatch"
	Msg  string
}

func (e *DecodeError) Error() string { return e.Msg }

// DecodeHeader reads the 8-byte SBE header from the front of v without
// advancing past the body.
func DecodeHeader(v *wire.View) (Header, error) {
	raw, err := v.ReadN(HeaderLength)
	if err != nil {
		return Header{}, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short header"}
	}
	return Header{
		BlockLength: binary.LittleEndian.Uint16(raw[0:2]),
		TemplateID:  binary.LittleEndian.Uint16(raw[2:4]),
		SchemaID:    binary.LittleEndian.Uint16(raw[4:6]),
		Version:     binary.LittleEndian.Uint16(raw[6:8]),
	}, nil
}

func encodeHeader(templateID uint16, blockLength uint16) []byte {
	h := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint16(h[0:2], blockLength)
	binary.LittleEndian.PutUint16(h[2:4], templateID)
	binary.LittleEndian.PutUint16(h[4:6], SchemaID)
	binary.LittleEndian.PutUint16(h[6:8], SchemaVersion)
	return h
}

func fixedString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func trimString(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}

// Negotiate is Negotiate500: the initiator's handshake opener.
type Negotiate struct {
	UUID             uint64
	RequestTimestamp uint64
	SessionID        string // fixed 20 bytes on the wire
	FirmID           string // fixed 5 bytes on the wire
}

const negotiateBlockLen = 8 + 8 + 20 + 5

// Encode serializes a Negotiate500 message.
func (m *Negotiate) Encode() []byte {
	body := make([]byte, negotiateBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	copy(body[16:36], fixedString(m.SessionID, 20))
	copy(body[36:41], fixedString(m.FirmID, 5))
	return append(encodeHeader(TemplateNegotiate, negotiateBlockLen), body...)
}

// DecodeNegotiate decodes a Negotiate500 body (header already consumed).
func DecodeNegotiate(v *wire.View) (*Negotiate, error) {
	b, err := v.ReadN(negotiateBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short Negotiate500"}
	}
	return &Negotiate{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		SessionID:        trimString(b[16:36]),
		FirmID:           trimString(b[36:41]),
	}, nil
}

// NegotiateResponse is NegotiateResponse501.
type NegotiateResponse struct {
	UUID             uint64
	RequestTimestamp uint64
	PreviousUUID     uint64
}

const negotiateResponseBlockLen = 8 + 8 + 8

func (m *NegotiateResponse) Encode() []byte {
	body := make([]byte, negotiateResponseBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(body[16:24], m.PreviousUUID)
	return append(encodeHeader(TemplateNegotiateResponse, negotiateResponseBlockLen), body...)
}

func DecodeNegotiateResponse(v *wire.View) (*NegotiateResponse, error) {
	b, err := v.ReadN(negotiateResponseBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short NegotiateResponse501"}
	}
	return &NegotiateResponse{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		PreviousUUID:     binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// NegotiateReject is NegotiateReject502.
type NegotiateReject struct {
	UUID             uint64
	RequestTimestamp uint64
	RejectReason     uint8
}

const negotiateRejectBlockLen = 8 + 8 + 1

func (m *NegotiateReject) Encode() []byte {
	body := make([]byte, negotiateRejectBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	body[16] = m.RejectReason
	return append(encodeHeader(TemplateNegotiateReject, negotiateRejectBlockLen), body...)
}

func DecodeNegotiateReject(v *wire.View) (*NegotiateReject, error) {
	b, err := v.ReadN(negotiateRejectBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short NegotiateReject502"}
	}
	return &NegotiateReject{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		RejectReason:     b[16],
	}, nil
}

// Establish is Establish503.
type Establish struct {
	UUID                  uint64
	RequestTimestamp      uint64
	NextSeqNo             uint64
	KeepAliveIntervalMs   uint32
	SessionID             string
	FirmID                string
	ReEstablishLastSession bool
}

const establishBlockLen = 8 + 8 + 8 + 4 + 20 + 5 + 1

func (m *Establish) Encode() []byte {
	body := make([]byte, establishBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(body[16:24], m.NextSeqNo)
	binary.LittleEndian.PutUint32(body[24:28], m.KeepAliveIntervalMs)
	copy(body[28:48], fixedString(m.SessionID, 20))
	copy(body[48:53], fixedString(m.FirmID, 5))
	if m.ReEstablishLastSession {
		body[53] = 1
	}
	return append(encodeHeader(TemplateEstablish, establishBlockLen), body...)
}

func DecodeEstablish(v *wire.View) (*Establish, error) {
	b, err := v.ReadN(establishBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short Establish503"}
	}
	return &Establish{
		UUID:                   binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp:       binary.LittleEndian.Uint64(b[8:16]),
		NextSeqNo:              binary.LittleEndian.Uint64(b[16:24]),
		KeepAliveIntervalMs:    binary.LittleEndian.Uint32(b[24:28]),
		SessionID:              trimString(b[28:48]),
		FirmID:                 trimString(b[48:53]),
		ReEstablishLastSession: b[53] != 0,
	}, nil
}

// EstablishmentAck is EstablishmentAck504.
type EstablishmentAck struct {
	UUID                uint64
	RequestTimestamp    uint64
	NextSeqNo           uint64
	PreviousSeqNo       uint64
	PreviousUUID        uint64
	KeepAliveIntervalMs uint32
}

const establishmentAckBlockLen = 8 + 8 + 8 + 8 + 8 + 4

func (m *EstablishmentAck) Encode() []byte {
	body := make([]byte, establishmentAckBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(body[16:24], m.NextSeqNo)
	binary.LittleEndian.PutUint64(body[24:32], m.PreviousSeqNo)
	binary.LittleEndian.PutUint64(body[32:40], m.PreviousUUID)
	binary.LittleEndian.PutUint32(body[40:44], m.KeepAliveIntervalMs)
	return append(encodeHeader(TemplateEstablishmentAck, establishmentAckBlockLen), body...)
}

func DecodeEstablishmentAck(v *wire.View) (*EstablishmentAck, error) {
	b, err := v.ReadN(establishmentAckBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short EstablishmentAck504"}
	}
	return &EstablishmentAck{
		UUID:                binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp:    binary.LittleEndian.Uint64(b[8:16]),
		NextSeqNo:           binary.LittleEndian.Uint64(b[16:24]),
		PreviousSeqNo:       binary.LittleEndian.Uint64(b[24:32]),
		PreviousUUID:        binary.LittleEndian.Uint64(b[32:40]),
		KeepAliveIntervalMs: binary.LittleEndian.Uint32(b[40:44]),
	}, nil
}

// EstablishmentReject is EstablishmentReject505.
type EstablishmentReject struct {
	UUID             uint64
	RequestTimestamp uint64
	RejectReason     uint8
}

const establishmentRejectBlockLen = 8 + 8 + 1

func (m *EstablishmentReject) Encode() []byte {
	body := make([]byte, establishmentRejectBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	body[16] = m.RejectReason
	return append(encodeHeader(TemplateEstablishmentRej, establishmentRejectBlockLen), body...)
}

func DecodeEstablishmentReject(v *wire.View) (*EstablishmentReject, error) {
	b, err := v.ReadN(establishmentRejectBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short EstablishmentReject505"}
	}
	return &EstablishmentReject{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		RejectReason:     b[16],
	}, nil
}

// Sequence is Sequence506, the iLink3 heartbeat frame.
type Sequence struct {
	UUID      uint64
	NextSeqNo uint64
	FaultToleranceIndicator KeepAliveLapsed
}

const sequenceBlockLen = 8 + 8 + 1

func (m *Sequence) Encode() []byte {
	body := make([]byte, sequenceBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.NextSeqNo)
	body[16] = byte(m.FaultToleranceIndicator)
	return append(encodeHeader(TemplateSequence, sequenceBlockLen), body...)
}

func DecodeSequence(v *wire.View) (*Sequence, error) {
	b, err := v.ReadN(sequenceBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short Sequence506"}
	}
	return &Sequence{
		UUID:                    binary.LittleEndian.Uint64(b[0:8]),
		NextSeqNo:               binary.LittleEndian.Uint64(b[8:16]),
		FaultToleranceIndicator: KeepAliveLapsed(b[16]),
	}, nil
}

// Terminate is Terminate507.
type Terminate struct {
	UUID             uint64
	RequestTimestamp uint64
	Reason           uint8
}

const terminateBlockLen = 8 + 8 + 1

func (m *Terminate) Encode() []byte {
	body := make([]byte, terminateBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	body[16] = m.Reason
	return append(encodeHeader(TemplateTerminate, terminateBlockLen), body...)
}

func DecodeTerminate(v *wire.View) (*Terminate, error) {
	b, err := v.ReadN(terminateBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short Terminate507"}
	}
	return &Terminate{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		Reason:           b[16],
	}, nil
}

// RetransmitRequest is RetransmitRequest508.
type RetransmitRequest struct {
	UUID             uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	MsgCount         uint32
}

const retransmitRequestBlockLen = 8 + 8 + 8 + 4

func (m *RetransmitRequest) Encode() []byte {
	body := make([]byte, retransmitRequestBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(body[16:24], m.FromSeqNo)
	binary.LittleEndian.PutUint32(body[24:28], m.MsgCount)
	return append(encodeHeader(TemplateRetransmitRequest, retransmitRequestBlockLen), body...)
}

func DecodeRetransmitRequest(v *wire.View) (*RetransmitRequest, error) {
	b, err := v.ReadN(retransmitRequestBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short RetransmitRequest508"}
	}
	return &RetransmitRequest{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		FromSeqNo:        binary.LittleEndian.Uint64(b[16:24]),
		MsgCount:         binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// Retransmit is Retransmit509, the header preceding a batch of retransmitted
// application messages. Each retransmitted application message that follows
// on the wire carries the is_retransmit semantics via this envelope.
type Retransmit struct {
	UUID             uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	MsgCount         uint32
	Complete         bool
}

const retransmitBlockLen = 8 + 8 + 8 + 4 + 1

func (m *Retransmit) Encode() []byte {
	body := make([]byte, retransmitBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(body[16:24], m.FromSeqNo)
	binary.LittleEndian.PutUint32(body[24:28], m.MsgCount)
	if m.Complete {
		body[28] = 1
	}
	return append(encodeHeader(TemplateRetransmit, retransmitBlockLen), body...)
}

func DecodeRetransmit(v *wire.View) (*Retransmit, error) {
	b, err := v.ReadN(retransmitBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short Retransmit509"}
	}
	return &Retransmit{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		FromSeqNo:        binary.LittleEndian.Uint64(b[16:24]),
		MsgCount:         binary.LittleEndian.Uint32(b[24:28]),
		Complete:         b[28] != 0,
	}, nil
}

// RetransmitReject is RetransmitReject510.
type RetransmitReject struct {
	UUID             uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	RejectReason     uint8
	ErrorCodes       uint32
}

const retransmitRejectBlockLen = 8 + 8 + 8 + 1 + 4

func (m *RetransmitReject) Encode() []byte {
	body := make([]byte, retransmitRejectBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.RequestTimestamp)
	binary.LittleEndian.PutUint64(body[16:24], m.FromSeqNo)
	body[24] = m.RejectReason
	binary.LittleEndian.PutUint32(body[25:29], m.ErrorCodes)
	return append(encodeHeader(TemplateRetransmitReject, retransmitRejectBlockLen), body...)
}

func DecodeRetransmitReject(v *wire.View) (*RetransmitReject, error) {
	b, err := v.ReadN(retransmitRejectBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short RetransmitReject510"}
	}
	return &RetransmitReject{
		UUID:             binary.LittleEndian.Uint64(b[0:8]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:16]),
		FromSeqNo:        binary.LittleEndian.Uint64(b[16:24]),
		RejectReason:     b[24],
		ErrorCodes:       binary.LittleEndian.Uint32(b[25:29]),
	}, nil
}

// NotApplied is NotApplied513: the peer tells us it could not apply a range
// of sequence numbers it otherwise accepted as in-order (used by
// application-level gapfill rather than the transport retransmit path).
type NotApplied struct {
	UUID      uint64
	FromSeqNo uint64
	MsgCount  uint64
}

const notAppliedBlockLen = 8 + 8 + 8

func (m *NotApplied) Encode() []byte {
	body := make([]byte, notAppliedBlockLen)
	binary.LittleEndian.PutUint64(body[0:8], m.UUID)
	binary.LittleEndian.PutUint64(body[8:16], m.FromSeqNo)
	binary.LittleEndian.PutUint64(body[16:24], m.MsgCount)
	return append(encodeHeader(TemplateNotApplied, notAppliedBlockLen), body...)
}

func DecodeNotApplied(v *wire.View) (*NotApplied, error) {
	b, err := v.ReadN(notAppliedBlockLen)
	if err != nil {
		return nil, &DecodeError{Kind: "malformed", Msg: "ilink3codec: short NotApplied513"}
	}
	return &NotApplied{
		UUID:      binary.LittleEndian.Uint64(b[0:8]),
		FromSeqNo: binary.LittleEndian.Uint64(b[8:16]),
		MsgCount:  binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// IsSessionTemplate reports whether id names one of the session-layer
// templates this package decodes, as opposed to an application template
// that must be passed through to the Library untouched (spec.md §4.1).
func IsSessionTemplate(id uint16) bool {
	switch id {
	case TemplateNegotiate, TemplateNegotiateResponse, TemplateNegotiateReject,
		TemplateEstablish, TemplateEstablishmentAck, TemplateEstablishmentRej,
		TemplateSequence, TemplateTerminate, TemplateRetransmitRequest,
		TemplateRetransmit, TemplateRetransmitReject, TemplateNotApplied:
		return true
	default:
		return false
	}
}

// TemplateName returns a human-readable name for a template id, used for
// logging and metrics labels; unknown ids are rendered numerically.
func TemplateName(id uint16) string {
	switch id {
	case TemplateNegotiate:
		return "Negotiate500"
	case TemplateNegotiateResponse:
		return "NegotiateResponse501"
	case TemplateNegotiateReject:
		return "NegotiateReject502"
	case TemplateEstablish:
		return "Establish503"
	case TemplateEstablishmentAck:
		return "EstablishmentAck504"
	case TemplateEstablishmentRej:
		return "EstablishmentReject505"
	case TemplateSequence:
		return "Sequence506"
	case TemplateTerminate:
		return "Terminate507"
	case TemplateRetransmitRequest:
		return "RetransmitRequest508"
	case TemplateRetransmit:
		return "Retransmit509"
	case TemplateRetransmitReject:
		return "RetransmitReject510"
	case TemplateNotApplied:
		return "NotApplied513"
	default:
		return fmt.Sprintf("template#%d", id)
	}
}
