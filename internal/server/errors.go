package server

import (
	"errors"
	"fmt"
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendQueueFull  = errors.New("send queue full")
	errRegistryClosed = errors.New("registry closed")
	errNotListening   = errors.New("server not listening")
)

// DeliveryError reports a send that failed for one recipient during a
// broadcast or eviction. It is logged and never returned to the sender.
type DeliveryError struct {
	SessionID string
	Username  string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Username == "" {
		return fmt.Sprintf("deliver to session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("deliver to %s (session %s): %v", e.Username, e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
