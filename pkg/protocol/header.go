package protocol

import (
	"encoding/binary"
	"errors"
)

// Fixed frame header (16 bytes), little-endian.
//
//	0 ..1   Magic   'J''M' (0x4d4a)
//	2       Version u8
//	3       Type    u8
//	4       Format  u8 (payload encoding)
//	5       Flags   u8
//	6 ..7   Reserved
//	8 ..11  Seq     u32 (per-link sequence, 0 = unsequenced)
//	12..15  BodyLen u32
const (
	HeaderSize = 16
	magicWord  = uint16(0x4d4a)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen = 4 << 20
)

var (
	errShortHeader = errors.New("short header")
	errBadMagic    = errors.New("bad magic")
)

// Header is the fixed prefix of every frame.
type Header struct {
	Version uint8
	Type    Type
	Format  Format
	Flags   uint8
	Seq     uint32
	BodyLen uint32
}

// MarshalBinary encodes the header into a HeaderSize buffer.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf, nil
}

func (h *Header) put(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], magicWord)
	buf[2] = h.Version
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Format)
	buf[5] = h.Flags
	binary.LittleEndian.PutUint32(buf[8:12], h.Seq)
	binary.LittleEndian.PutUint32(buf[12:16], h.BodyLen)
}

// UnmarshalBinary decodes a header. It checks framing only; version and type
// validation happen in Decode.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return errShortHeader
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != magicWord {
		return errBadMagic
	}
	h.Version = buf[2]
	h.Type = Type(buf[3])
	h.Format = Format(buf[4])
	h.Flags = buf[5]
	h.Seq = binary.LittleEndian.Uint32(buf[8:12])
	h.BodyLen = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}
