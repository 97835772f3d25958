// Package session tracks collaborative sessions: who is in them and where
// each one is in its forming → active → ending → closed lifecycle.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotMember         = errors.New("not a session member")
)

// State is a session lifecycle stage. States only move forward.
type State uint8

const (
	StateForming State = iota + 1
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateForming:
		return "forming"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is a snapshot of one session.
type Session struct {
	ID        string    `json:"id"`
	Initiator string    `json:"initiator"`
	Members   []string  `json:"members"` // join order, local peer included once it joined
	CreatedAt time.Time `json:"created_at"`
	State     State     `json:"state"`
	Joined    bool      `json:"joined"` // local peer is a member
}

// HasMember reports whether id is in the member list.
func (s Session) HasMember(id string) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

func (s Session) clone() Session {
	s.Members = append([]string(nil), s.Members...)
	return s
}

// EventKind describes a session change.
type EventKind uint8

const (
	// EventChanged is emitted on every state or membership change.
	EventChanged EventKind = iota + 1
	// EventMemberJoined is emitted in addition to EventChanged when a
	// remote peer joins a session the local peer is part of.
	EventMemberJoined
	// EventRemoved is emitted when a session that never became active is
	// discarded because its initiator ended it.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventChanged:
		return "changed"
	case EventMemberJoined:
		return "member-joined"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event carries a session snapshot taken after the change.
type Event struct {
	Kind    EventKind
	Session Session
	Peer    string // for EventMemberJoined
}
