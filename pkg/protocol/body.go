package protocol

import (
	"fmt"

	"jammesh/pkg/protocol/codec"
)

// Format is the on-wire indicator of payload encoding, carried in the
// frame header.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	default:
		return ContentUnknown
	}
}

// ParseFormat accepts "json" or "cbor" (config values).
func ParseFormat(s string) (Format, error) {
	switch s {
	case "json", ContentJSON:
		return FormatJSON, nil
	case "", "cbor", ContentCBOR:
		return FormatCBOR, nil
	}
	return FormatUnknown, fmt.Errorf("unknown payload format %q", s)
}

// CodecFor returns a codec instance for a given format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	switch f {
	case FormatJSON:
		if c := r.Get(ContentJSON); c != nil {
			return c, nil
		}
		return codec.JSON(), nil
	case FormatCBOR:
		if c := r.Get(ContentCBOR); c != nil {
			return c, nil
		}
		return codec.CBOR()
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
}

// SetPayload encodes v with the codec for f into the envelope.
func (e *Envelope) SetPayload(r *codec.Registry, f Format, v any) error {
	c, err := CodecFor(r, f)
	if err != nil {
		return err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	e.Format = f
	e.Payload = b
	return nil
}

// DecodePayload decodes the envelope payload into v. Failures are reported
// as Malformed decode errors.
func (e *Envelope) DecodePayload(r *codec.Registry, v any) error {
	c, err := CodecFor(r, e.Format)
	if err != nil {
		return malformed(err)
	}
	if err := c.Unmarshal(e.Payload, v); err != nil {
		return malformed(fmt.Errorf("%s payload: %w", e.Type, err))
	}
	return nil
}
