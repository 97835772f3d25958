package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"jammesh/pkg/protocol/codec"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	reg := codec.NewRegistry()
	for _, f := range []Format{FormatCBOR, FormatJSON} {
		t.Run(f.String(), func(t *testing.T) {
			in := &Envelope{Type: TypeParameterWrite, From: "peer-a", To: "peer-b", TS: 42, Seq: 7, Flags: FlagRetry}
			require.NoError(t, in.SetPayload(reg, f, ParameterWritePayload{
				Key:   ParamKey{TrackID: "t1", Param: "volume"},
				Value: 0.8,
				TS:    42,
			}))
			b, err := Encode(in)
			require.NoError(t, err)

			out, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, Version, out.Version)
			assert.Equal(t, TypeParameterWrite, out.Type)
			assert.Equal(t, "peer-a", out.From)
			assert.Equal(t, "peer-b", out.To)
			assert.Equal(t, uint64(42), out.TS)
			assert.Equal(t, uint32(7), out.Seq)
			assert.True(t, out.HasFlag(FlagRetry))
			assert.Equal(t, f, out.Format)

			var p ParameterWritePayload
			require.NoError(t, out.DecodePayload(reg, &p))
			assert.Equal(t, "volume", p.Key.Param)
			assert.InDelta(t, 0.8, p.Value, 1e-9)
		})
	}
}

func TestEnvelopeBroadcastHasNoRecipient(t *testing.T) {
	b, err := Encode(&Envelope{Type: TypeHeartbeat, From: "a", TS: 1})
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, out.Broadcast())
	assert.Empty(t, out.Payload)
}

func TestUnknownBodyFieldsSurviveReencode(t *testing.T) {
	b, err := Encode(&Envelope{Type: TypeJoin, From: "a", TS: 3, Format: FormatCBOR, Payload: []byte{0xa0}})
	require.NoError(t, err)

	// Append a field from a future version: number 15, bytes.
	extra := protowire.AppendTag(nil, 15, protowire.BytesType)
	extra = protowire.AppendString(extra, "future")
	frame := append(append([]byte(nil), b...), extra...)
	var h Header
	require.NoError(t, h.UnmarshalBinary(frame))
	h.BodyLen += uint32(len(extra))
	h.put(frame)

	env, err := Decode(frame)
	require.NoError(t, err)
	again, err := Encode(env)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(frame, again), "unknown field dropped")
}

func TestDecodeErrors(t *testing.T) {
	good, err := Encode(&Envelope{Type: TypeLeave, From: "a", TS: 1})
	require.NoError(t, err)

	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}
	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"unknown type", mutate(func(b []byte) []byte { b[3] = 200; return b }), ErrUnknownType},
		{"future version", mutate(func(b []byte) []byte { b[2] = Version + 1; return b }), ErrVersionMismatch},
		{"zero version", mutate(func(b []byte) []byte { b[2] = 0; return b }), ErrVersionMismatch},
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b }), ErrMalformed},
		{"truncated", good[:len(good)-1], ErrMalformed},
		{"trailing bytes", append(append([]byte(nil), good...), 0), ErrMalformed},
		{"short", good[:4], ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	good, err := Encode(&Envelope{Type: TypeSessionStart, From: "abc", To: "def", TS: 99, Payload: []byte("xyz")})
	require.NoError(t, err)
	for i := 0; i <= len(good); i++ {
		_, _ = Decode(good[:i])
		_, _ = PeekSender(good[:i])
	}
	for i := HeaderSize; i < len(good); i++ {
		b := append([]byte(nil), good...)
		b[i] ^= 0xff
		_, _ = Decode(b)
	}
}

func TestPeekSender(t *testing.T) {
	b, err := Encode(&Envelope{Type: TypeHeartbeat, From: "node-7", To: "x", TS: 5})
	require.NoError(t, err)
	id, err := PeekSender(b)
	require.NoError(t, err)
	assert.Equal(t, "node-7", id)

	seq, ok := FrameSeq(b)
	assert.True(t, ok)
	assert.Zero(t, seq)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(&Envelope{Type: TypeUnknown, From: "a"})
	assert.Error(t, err)
	_, err = Encode(&Envelope{Type: TypeJoin})
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	for i := TypeJoin; i < typeEnd; i++ {
		got, ok := ParseType(i.String())
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	_, ok := ParseType("bogus")
	assert.False(t, ok)
}

func TestDecodePayloadMalformed(t *testing.T) {
	reg := codec.NewRegistry()
	env := &Envelope{Type: TypeJoin, From: "a", Format: FormatJSON, Payload: []byte("{not json")}
	var p JoinPayload
	err := env.DecodePayload(reg, &p)
	assert.ErrorIs(t, err, ErrMalformed)

	env.Format = Format(9)
	assert.ErrorIs(t, env.DecodePayload(reg, &p), ErrMalformed)
}
