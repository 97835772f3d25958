package router

import (
	"errors"
	"fmt"

	"jammesh/pkg/protocol"
)

var (
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrNoRelay            = errors.New("no relay candidate")
	ErrHopBudgetExhausted = errors.New("hop budget exhausted")
	ErrClosed             = errors.New("router closed")
)

// DeliveryFailure reports that an envelope could not be handed to a peer.
// Err is one of the sentinel errors above or a context error.
type DeliveryFailure struct {
	Target   string
	Type     protocol.Type
	ID       protocol.MessageID
	Attempts int
	Err      error
}

func (f *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver %s %s to %s: %v", f.Type, f.ID, f.Target, f.Err)
}

func (f *DeliveryFailure) Unwrap() error { return f.Err }
