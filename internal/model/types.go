package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Channels
// -----------------------------------------------------------------------------

// Kind identifies the type of data carried by a channel.
type Kind string

const (
	KindOrderBook Kind = "orderbook"
	KindTrades    Kind = "trades"
	KindTicker    Kind = "ticker"
	KindBalance   Kind = "balance"
)

// Valid reports whether k is one of the known channel kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOrderBook, KindTrades, KindTicker, KindBalance:
		return true
	}
	return false
}

// ChannelID uniquely identifies one logical subscription.
// Instrument is a single venue symbol ("BTCUSD") or, for balances, a currency ("BTC").
// Mode carries the venue-specific depth or balance mode and may be empty.
type ChannelID struct {
	Kind       Kind
	Instrument string
	Mode       string
}

// NewChannelID builds a ChannelID, normalizing the instrument to upper case.
func NewChannelID(kind Kind, instrument, mode string) ChannelID {
	return ChannelID{
		Kind:       kind,
		Instrument: strings.ToUpper(strings.TrimSpace(instrument)),
		Mode:       strings.TrimSpace(mode),
	}
}

// Name returns the wire channel name, e.g. "orderbook-BTCUSD" or "balance-BTC#2".
func (c ChannelID) Name() string {
	name := string(c.Kind) + "-" + c.Instrument
	if c.Mode != "" {
		name += "#" + c.Mode
	}
	return name
}

// String implements fmt.Stringer.
func (c ChannelID) String() string {
	return c.Name()
}

// Validate checks that the channel has a known kind and a non-empty instrument.
func (c ChannelID) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown channel kind %q", c.Kind)
	}
	if c.Instrument == "" {
		return fmt.Errorf("channel %s: instrument is required", c.Kind)
	}
	if strings.ContainsAny(c.Mode, "#") {
		return fmt.Errorf("channel %s: mode must not contain '#'", c.Kind)
	}
	return nil
}

// ParseChannelID parses a wire channel name produced by Name.
func ParseChannelID(name string) (ChannelID, error) {
	kind, rest, ok := strings.Cut(name, "-")
	if !ok {
		return ChannelID{}, fmt.Errorf("malformed channel name %q", name)
	}

	instrument, mode, _ := strings.Cut(rest, "#")
	id := ChannelID{Kind: Kind(kind), Instrument: instrument, Mode: mode}
	if err := id.Validate(); err != nil {
		return ChannelID{}, fmt.Errorf("parse channel %q: %w", name, err)
	}
	return id, nil
}

// -----------------------------------------------------------------------------
// Connection state
// -----------------------------------------------------------------------------

// ConnectionState is the Connection Supervisor's lifecycle state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// StateChange records one ConnectionState transition.
// Err is the cause for failure-driven edges (transport error, heartbeat timeout,
// budget exhaustion) and nil otherwise.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error
	At   time.Time
}

// -----------------------------------------------------------------------------
// Domain events
// -----------------------------------------------------------------------------

// Event is the closed set of domain events produced by the session:
// OrderBookSnapshot, Trade, Ticker and BalanceUpdate.
type Event interface {
	// Kind returns the channel kind that produces this event.
	Kind() Kind
	isEvent()
}

// PriceLevel is one aggregated price level of an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l PriceLevel) String() string {
	return l.Price.String() + "@" + l.Size.String()
}

// OrderBookSnapshot is an immutable view of one instrument's book.
// Bids are sorted by price descending, asks ascending.
type OrderBookSnapshot struct {
	Instrument string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Sequence   int64
	Timestamp  time.Time
}

func (OrderBookSnapshot) Kind() Kind { return KindOrderBook }
func (OrderBookSnapshot) isEvent()   {}

// BestBid returns the highest bid, or false if there are no bids.
func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, or false if there are no asks.
func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single public trade.
type Trade struct {
	Instrument string
	ID         string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Side       Side
	Timestamp  time.Time
}

func (Trade) Kind() Kind { return KindTrades }
func (Trade) isEvent()   {}

// Ticker is a top-of-book and last-price update.
type Ticker struct {
	Instrument string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	Volume     decimal.Decimal
	Timestamp  time.Time
}

func (Ticker) Kind() Kind { return KindTicker }
func (Ticker) isEvent()   {}

// BalanceUpdate is an account balance change for one currency.
type BalanceUpdate struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
	Timestamp time.Time
}

func (BalanceUpdate) Kind() Kind { return KindBalance }
func (BalanceUpdate) isEvent()   {}
