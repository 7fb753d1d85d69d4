package model

import (
	"errors"
	"fmt"
)

// Connection-wide errors.
var (
	// ErrTransportFailure wraps any read/write/dial error on the transport.
	ErrTransportFailure = errors.New("transport failure")

	// ErrHeartbeatTimeout is reported when no pong arrives within the heartbeat timeout.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrReconnectBudgetExhausted is terminal: every consumer sequence ends with it.
	ErrReconnectBudgetExhausted = errors.New("reconnect budget exhausted")

	// ErrSessionClosed ends consumer sequences after an explicit disconnect.
	ErrSessionClosed = errors.New("session closed")
)

// SubscriptionRejectedError is a server-reported error for one channel.
// It is surfaced only to that channel's consumers.
type SubscriptionRejectedError struct {
	Channel ChannelID
	Code    string
	Message string
}

func (e *SubscriptionRejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("subscription %s rejected: %s", e.Channel, e.Message)
	}
	return fmt.Sprintf("subscription %s rejected: %s: %s", e.Channel, e.Code, e.Message)
}

// IsRejected reports whether err is a subscription rejection.
func IsRejected(err error) bool {
	var re *SubscriptionRejectedError
	return errors.As(err, &re)
}
