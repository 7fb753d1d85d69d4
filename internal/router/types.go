package router

import (
	"errors"
	"time"

	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/registry"
)

// ErrUnroutable marks messages whose channel is unknown or has no consumers.
var ErrUnroutable = errors.New("unroutable message")

// Consumers is the read side of the subscription registry.
type Consumers interface {
	Consumers(ch model.ChannelID) []registry.Consumer
}

// Books is the order book table driven by book channel data.
type Books interface {
	ApplySnapshot(ch model.ChannelID, bids, asks []model.PriceLevel, seq int64, ts time.Time) model.OrderBookSnapshot
	ApplyDiff(ch model.ChannelID, bids, asks []model.PriceLevel, seq int64, ts time.Time) (model.OrderBookSnapshot, error)
}

// Control is the connection supervisor as seen by the router.
type Control interface {
	// State gates delivery: data is only routed while Connected.
	State() model.ConnectionState
	// HandleControl receives acks, errors and heartbeats.
	HandleControl(msg protocol.Message)
	// Resync re-requests a snapshot for ch after a sequence gap.
	Resync(ch model.ChannelID)
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	EventsDelivered  int64
	EventsDropped    int64
	DecodeErrors     int64
	Unroutable       int64
	ControlMessages  int64
	Gated            int64
	Gaps             int64
}
