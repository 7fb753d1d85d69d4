package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestChannelID_Name(t *testing.T) {
	tests := []struct {
		name string
		id   ChannelID
		want string
	}{
		{"orderbook", NewChannelID(KindOrderBook, "btcusd", ""), "orderbook-BTCUSD"},
		{"trades", NewChannelID(KindTrades, "ETHUSD", ""), "trades-ETHUSD"},
		{"ticker with spaces", NewChannelID(KindTicker, " ethbtc ", ""), "ticker-ETHBTC"},
		{"balance with mode", NewChannelID(KindBalance, "btc", "2"), "balance-BTC#2"},
		{"depth mode", NewChannelID(KindOrderBook, "BTC-USD", "20"), "orderbook-BTC-USD#20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Name(); got != tt.want {
				t.Errorf("Name() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseChannelID_RoundTrip(t *testing.T) {
	ids := []ChannelID{
		NewChannelID(KindOrderBook, "BTCUSD", ""),
		NewChannelID(KindOrderBook, "BTC-USD", "20"),
		NewChannelID(KindTrades, "ETHUSD", ""),
		NewChannelID(KindBalance, "BTC", "0"),
	}

	for _, id := range ids {
		got, err := ParseChannelID(id.Name())
		if err != nil {
			t.Fatalf("ParseChannelID(%q) error: %v", id.Name(), err)
		}
		if got != id {
			t.Errorf("ParseChannelID(%q) = %+v, want %+v", id.Name(), got, id)
		}
	}
}

func TestParseChannelID_Invalid(t *testing.T) {
	for _, name := range []string{"", "orderbook", "candles-BTCUSD", "ticker-", "-BTCUSD"} {
		if _, err := ParseChannelID(name); err == nil {
			t.Errorf("ParseChannelID(%q) expected error", name)
		}
	}
}

func TestConnectionState_String(t *testing.T) {
	want := map[ConnectionState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateClosed:       "closed",
	}
	for s, w := range want {
		if s.String() != w {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), w)
		}
	}
	if got := ConnectionState(42).String(); got != "state(42)" {
		t.Errorf("unknown state String() = %q", got)
	}
}

func TestEventKinds(t *testing.T) {
	events := map[Kind]Event{
		KindOrderBook: OrderBookSnapshot{},
		KindTrades:    Trade{},
		KindTicker:    Ticker{},
		KindBalance:   BalanceUpdate{},
	}
	for want, ev := range events {
		if ev.Kind() != want {
			t.Errorf("%T.Kind() = %q, want %q", ev, ev.Kind(), want)
		}
	}
}

func TestOrderBookSnapshot_Best(t *testing.T) {
	snap := OrderBookSnapshot{
		Bids: []PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(2)}},
	}

	bid, ok := snap.BestBid()
	if !ok || !bid.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("BestBid() = %v, %v; want 100@2, true", bid, ok)
	}
	if _, ok := snap.BestAsk(); ok {
		t.Error("BestAsk() on empty asks should return false")
	}
}

func TestSubscriptionRejectedError(t *testing.T) {
	err := &SubscriptionRejectedError{
		Channel: NewChannelID(KindTicker, "XYZ", ""),
		Code:    "bad-request",
		Message: "invalid symbol",
	}

	wrapped := fmt.Errorf("stream: %w", err)
	if !IsRejected(wrapped) {
		t.Error("IsRejected should match wrapped rejection")
	}
	if IsRejected(errors.New("other")) {
		t.Error("IsRejected should not match unrelated error")
	}
	if got := err.Error(); got != "subscription ticker-XYZ rejected: bad-request: invalid symbol" {
		t.Errorf("Error() = %q", got)
	}
}
