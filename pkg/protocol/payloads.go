package protocol

// Payload schemas. Field names are shared by the JSON and CBOR codecs (the
// CBOR codec honours json tags). Decoders ignore fields they do not know.

// JoinPayload asks to join a session; Ack marks the reply of a member that
// accepted the join.
type JoinPayload struct {
	SessionID string   `json:"session_id"`
	Ack       bool     `json:"ack,omitempty"`
	Members   []string `json:"members,omitempty"`
}

// LeavePayload announces that the sender left a session.
type LeavePayload struct {
	SessionID string `json:"session_id"`
}

// HeartbeatPayload is used by both heartbeat and heartbeat-ack. The ack
// echoes Nonce and advertises the responder's direct neighbours.
type HeartbeatPayload struct {
	Nonce     uint64   `json:"nonce"`
	Neighbors []string `json:"neighbors,omitempty"`
}

// ParamKey addresses one parameter of one track.
type ParamKey struct {
	TrackID string `json:"track_id"`
	Param   string `json:"param"`
}

// ParameterWritePayload carries one last-writer-wins write. Writer defaults
// to the envelope sender; it is set explicitly when records are replayed on
// behalf of their original writer.
type ParameterWritePayload struct {
	Key       ParamKey `json:"key"`
	Value     float64  `json:"value"`
	TS        uint64   `json:"ts"`
	Writer    string   `json:"writer,omitempty"`
	Tombstone bool     `json:"tombstone,omitempty"`
}

// SessionStartPayload announces a new session.
type SessionStartPayload struct {
	SessionID string   `json:"session_id"`
	Initiator string   `json:"initiator"`
	Members   []string `json:"members,omitempty"`
	CreatedAt int64    `json:"created_at"` // unix millis
}

// SessionEndPayload announces that a session is closing.
type SessionEndPayload struct {
	SessionID string `json:"session_id"`
}

// RelayPayload wraps an encoded frame for forwarding. Frame is never
// re-encoded by intermediates, so unknown fields inside it survive.
type RelayPayload struct {
	Target string `json:"target"`
	Origin string `json:"origin"`
	Budget int    `json:"budget"`
	Frame  []byte `json:"frame"`
}
