package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action is the closed set of control actions.
type Action string

const (
	ActionSubscribe   Action = "sub"
	ActionUnsubscribe Action = "unsub"
	ActionPing        Action = "ping"
	ActionPong        Action = "pong"
	ActionPush        Action = "push"
	ActionError       Action = "error"
)

// Class groups actions by how the router dispatches them.
type Class int

const (
	ClassUnknown Class = iota
	ClassData
	ClassAck
	ClassError
	ClassHeartbeat
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassAck:
		return "ack"
	case ClassError:
		return "error"
	case ClassHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Message is one decoded frame. It is not retained past one routing step.
type Message struct {
	Action   Action          `json:"action"`
	Channel  string          `json:"ch,omitempty"`
	ID       int64           `json:"id,omitempty"`
	Seq      int64           `json:"seq,omitempty"`
	Snapshot bool            `json:"snapshot,omitempty"`
	Status   string          `json:"status,omitempty"`
	Code     string          `json:"code,omitempty"`
	Text     string          `json:"message,omitempty"`
	TS       int64           `json:"ts,omitempty"` // Milliseconds
	Data     json.RawMessage `json:"data,omitempty"`
}

// Class returns the routing class of the message.
func (m Message) Class() Class {
	switch m.Action {
	case ActionPush:
		return ClassData
	case ActionSubscribe, ActionUnsubscribe:
		if m.Status == StatusError {
			return ClassError
		}
		return ClassAck
	case ActionError:
		return ClassError
	case ActionPing, ActionPong:
		return ClassHeartbeat
	}
	return ClassUnknown
}

// Time returns TS as a UTC time, or the zero time when TS is unset.
func (m Message) Time() time.Time {
	return fromMillis(m.TS)
}

// Ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Subscribe builds a subscribe control message.
func Subscribe(channel string, id int64) Message {
	return Message{Action: ActionSubscribe, Channel: channel, ID: id}
}

// Unsubscribe builds an unsubscribe control message.
func Unsubscribe(channel string, id int64) Message {
	return Message{Action: ActionUnsubscribe, Channel: channel, ID: id}
}

// Ping builds a heartbeat ping carrying ts (milliseconds).
func Ping(ts int64) Message {
	return Message{Action: ActionPing, TS: ts}
}

// Pong builds a heartbeat reply echoing ts.
func Pong(ts int64) Message {
	return Message{Action: ActionPong, TS: ts}
}

// ErrDecode marks frames that could not be decoded.
var ErrDecode = errors.New("decode error")

// DecodeError reports a malformed frame or payload.
type DecodeError struct {
	What string // "frame", "book", "trades", ...
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }
