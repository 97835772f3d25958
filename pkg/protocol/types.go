package protocol

// Version is the current envelope schema version. Frames carrying a newer
// version are rejected with VersionMismatch.
const Version uint8 = 1

// Type identifies the envelope kind. It is carried in the frame header so
// frames can be classified without decoding the body.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeJoin
	TypeLeave
	TypeHeartbeat
	TypeHeartbeatAck
	TypeParameterWrite
	TypeSessionStart
	TypeSessionEnd
	TypeRelay
	typeEnd
)

var typeNames = [...]string{
	TypeUnknown:        "unknown",
	TypeJoin:           "join",
	TypeLeave:          "leave",
	TypeHeartbeat:      "heartbeat",
	TypeHeartbeatAck:   "heartbeat-ack",
	TypeParameterWrite: "parameter-write",
	TypeSessionStart:   "session-start",
	TypeSessionEnd:     "session-end",
	TypeRelay:          "relay",
}

func (t Type) String() string {
	if t < typeEnd {
		return typeNames[t]
	}
	return "unknown"
}

// Valid reports whether t is a known, non-zero type.
func (t Type) Valid() bool { return t > TypeUnknown && t < typeEnd }

// ParseType maps a wire name ("parameter-write") back to a Type.
func ParseType(s string) (Type, bool) {
	for i := TypeJoin; i < typeEnd; i++ {
		if typeNames[i] == s {
			return i, true
		}
	}
	return TypeUnknown, false
}

// Flags bitmask (uint8).
const (
	FlagRelayed uint8 = 1 << 0 // frame arrived through at least one relay
	FlagRetry   uint8 = 1 << 1 // retransmission of an earlier attempt
)

// ContentType is optional hint for payload decoding.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
)
