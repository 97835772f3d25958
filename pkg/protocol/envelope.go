package protocol

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Body field numbers (protobuf wire format).
const (
	fieldFrom    protowire.Number = 1
	fieldTo      protowire.Number = 2
	fieldTS      protowire.Number = 3
	fieldPayload protowire.Number = 4
)

// Envelope is one mesh message. It is treated as immutable once handed to
// the router; Seq and Flags are link metadata set by the sender per link.
type Envelope struct {
	Version uint8
	Type    Type
	From    string
	To      string // empty means broadcast
	TS      uint64 // sender Lamport timestamp
	Format  Format
	Payload []byte

	Flags uint8
	Seq   uint32

	// unknown keeps body fields this version does not understand so they
	// survive decode/encode on relays.
	unknown []byte
}

// Broadcast reports whether the envelope has no explicit recipient.
func (e *Envelope) Broadcast() bool { return e.To == "" }

// HasFlag checks whether a flag is set.
func (e *Envelope) HasFlag(flag uint8) bool { return e.Flags&flag != 0 }

// ID is the (sender, timestamp) pair used for duplicate suppression.
func (e *Envelope) ID() MessageID { return MessageID{From: e.From, TS: e.TS} }

// WithLink returns a shallow copy carrying link metadata.
func (e *Envelope) WithLink(seq uint32, flags uint8) *Envelope {
	c := *e
	c.Seq = seq
	c.Flags = flags
	return &c
}

// MessageID identifies an envelope across retries and relay paths.
type MessageID struct {
	From string
	TS   uint64
}

func (id MessageID) String() string { return fmt.Sprintf("%s@%d", id.From, id.TS) }

// Encode serializes the envelope as header + protobuf-wire body.
func Encode(e *Envelope) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("encode: invalid type %d", e.Type)
	}
	if e.From == "" {
		return nil, fmt.Errorf("encode: empty sender")
	}
	body := make([]byte, 0, len(e.From)+len(e.To)+len(e.Payload)+len(e.unknown)+16)
	body = protowire.AppendTag(body, fieldFrom, protowire.BytesType)
	body = protowire.AppendString(body, e.From)
	if e.To != "" {
		body = protowire.AppendTag(body, fieldTo, protowire.BytesType)
		body = protowire.AppendString(body, e.To)
	}
	body = protowire.AppendTag(body, fieldTS, protowire.VarintType)
	body = protowire.AppendVarint(body, e.TS)
	if len(e.Payload) > 0 {
		body = protowire.AppendTag(body, fieldPayload, protowire.BytesType)
		body = protowire.AppendBytes(body, e.Payload)
	}
	body = append(body, e.unknown...)
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("encode: body too large: %d", len(body))
	}

	version := e.Version
	if version == 0 {
		version = Version
	}
	h := Header{
		Version: version,
		Type:    e.Type,
		Format:  e.Format,
		Flags:   e.Flags,
		Seq:     e.Seq,
		BodyLen: uint32(len(body)),
	}
	out := make([]byte, HeaderSize+len(body))
	h.put(out)
	copy(out[HeaderSize:], body)
	return out, nil
}

// Decode parses a single frame. It never panics; every failure is a
// *DecodeError.
func Decode(buf []byte) (*Envelope, error) {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, malformed(err)
	}
	if h.Version == 0 || h.Version > Version {
		return nil, &DecodeError{Kind: VersionMismatch, Version: h.Version}
	}
	if h.BodyLen > MaxBodyLen || int(h.BodyLen) != len(buf)-HeaderSize {
		return nil, malformed(fmt.Errorf("body length %d, frame carries %d", h.BodyLen, len(buf)-HeaderSize))
	}
	if !h.Type.Valid() {
		return nil, &DecodeError{Kind: UnknownType, Type: h.Type}
	}
	e := &Envelope{
		Version: h.Version,
		Type:    h.Type,
		Format:  h.Format,
		Flags:   h.Flags,
		Seq:     h.Seq,
	}
	if err := e.decodeBody(buf[HeaderSize:]); err != nil {
		return nil, err
	}
	if e.From == "" {
		return nil, malformed(fmt.Errorf("missing sender"))
	}
	return e, nil
}

func (e *Envelope) decodeBody(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		field := b
		b = b[n:]
		switch {
		case num == fieldFrom && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			e.From, b = v, b[m:]
		case num == fieldTo && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			e.To, b = v, b[m:]
		case num == fieldTS && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			e.TS, b = v, b[m:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			e.Payload, b = append([]byte(nil), v...), b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
			e.unknown = append(e.unknown, field[:n+m]...)
			b = b[m:]
		}
	}
	return nil
}

// PeekSender returns the sender id of a frame without decoding the payload.
func PeekSender(buf []byte) (string, error) {
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return "", malformed(err)
	}
	body := buf[HeaderSize:]
	if int(h.BodyLen) < len(body) {
		body = body[:h.BodyLen]
	}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return "", malformed(protowire.ParseError(n))
		}
		body = body[n:]
		if num == fieldFrom && typ == protowire.BytesType {
			v, m := protowire.ConsumeString(body)
			if m < 0 {
				return "", malformed(protowire.ParseError(m))
			}
			return v, nil
		}
		m := protowire.ConsumeFieldValue(num, typ, body)
		if m < 0 {
			return "", malformed(protowire.ParseError(m))
		}
		body = body[m:]
	}
	return "", malformed(fmt.Errorf("missing sender"))
}

// FrameSeq reads the link sequence from an encoded frame.
func FrameSeq(buf []byte) (uint32, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[8:12]), true
}

// WithFrameFlag returns a copy of an encoded frame with flag set in the
// header. Frames too short to carry a header are returned unchanged.
func WithFrameFlag(frame []byte, flag uint8) []byte {
	if len(frame) < HeaderSize {
		return frame
	}
	out := append([]byte(nil), frame...)
	out[5] |= flag
	return out
}
