package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

// Codec converts between raw transport frames and Messages.
type Codec interface {
	Decode(frame []byte) (Message, error)
	Encode(msg Message) ([]byte, error)
}

// BookPayload is a decoded order book body: full levels for a snapshot,
// level changes (size 0 = remove) for a diff.
type BookPayload struct {
	Bids []model.PriceLevel
	Asks []model.PriceLevel
}

// PayloadDecoder maps a push message body to domain data for one channel.
type PayloadDecoder interface {
	DecodeBook(ch model.ChannelID, data json.RawMessage) (BookPayload, error)
	DecodeTrades(ch model.ChannelID, data json.RawMessage) ([]model.Trade, error)
	DecodeTicker(ch model.ChannelID, data json.RawMessage) (model.Ticker, error)
	DecodeBalance(ch model.ChannelID, data json.RawMessage) (model.BalanceUpdate, error)
}

// JSONCodec implements Codec and PayloadDecoder for the JSON envelope.
type JSONCodec struct{}

var (
	_ Codec          = JSONCodec{}
	_ PayloadDecoder = JSONCodec{}
)

// Decode parses one frame into a Message.
func (JSONCodec) Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Message{}, &DecodeError{What: "frame", Err: errors.New("empty frame")}
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, &DecodeError{What: "frame", Err: err}
	}
	if msg.Action == "" {
		return Message{}, &DecodeError{What: "frame", Err: errors.New("missing action")}
	}
	return msg, nil
}

// Encode serializes a control message.
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Action, err)
	}
	return data, nil
}

// Wire types for payload parsing

// bookWire is the body of an order book push: [["price","size"], ...].
type bookWire struct {
	Bids [][2]decimal.Decimal `json:"bids"`
	Asks [][2]decimal.Decimal `json:"asks"`
}

type tradeWire struct {
	ID     json.Number     `json:"id"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Side   string          `json:"side"`
	Ts     int64           `json:"ts"`
}

type tickerWire struct {
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
	Ts     int64           `json:"ts"`
}

// balanceWire follows the accounts.update field names.
type balanceWire struct {
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Available  decimal.Decimal `json:"available"`
	ChangeTime int64           `json:"changeTime"`
}

// DecodeBook parses a book snapshot or diff body.
func (JSONCodec) DecodeBook(ch model.ChannelID, data json.RawMessage) (BookPayload, error) {
	var wire bookWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return BookPayload{}, &DecodeError{What: "book " + ch.Name(), Err: err}
	}
	return BookPayload{
		Bids: toLevels(wire.Bids),
		Asks: toLevels(wire.Asks),
	}, nil
}

// DecodeTrades parses a trades body. A single object is accepted as a batch of one.
func (JSONCodec) DecodeTrades(ch model.ChannelID, data json.RawMessage) ([]model.Trade, error) {
	var wires []tradeWire
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var one tradeWire
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, &DecodeError{What: "trades " + ch.Name(), Err: err}
		}
		wires = []tradeWire{one}
	} else if err := json.Unmarshal(trimmed, &wires); err != nil {
		return nil, &DecodeError{What: "trades " + ch.Name(), Err: err}
	}

	trades := make([]model.Trade, 0, len(wires))
	for _, w := range wires {
		side, err := parseSide(w.Side)
		if err != nil {
			return nil, &DecodeError{What: "trades " + ch.Name(), Err: err}
		}
		trades = append(trades, model.Trade{
			Instrument: ch.Instrument,
			ID:         w.ID.String(),
			Price:      w.Price,
			Amount:     w.Amount,
			Side:       side,
			Timestamp:  fromMillis(w.Ts),
		})
	}
	return trades, nil
}

// DecodeTicker parses a ticker body.
func (JSONCodec) DecodeTicker(ch model.ChannelID, data json.RawMessage) (model.Ticker, error) {
	var w tickerWire
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Ticker{}, &DecodeError{What: "ticker " + ch.Name(), Err: err}
	}
	return model.Ticker{
		Instrument: ch.Instrument,
		Bid:        w.Bid,
		Ask:        w.Ask,
		Last:       w.Last,
		Volume:     w.Volume,
		Timestamp:  fromMillis(w.Ts),
	}, nil
}

// DecodeBalance parses an account balance body.
func (JSONCodec) DecodeBalance(ch model.ChannelID, data json.RawMessage) (model.BalanceUpdate, error) {
	var w balanceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return model.BalanceUpdate{}, &DecodeError{What: "balance " + ch.Name(), Err: err}
	}

	currency := strings.ToUpper(w.Currency)
	if currency == "" {
		currency = ch.Instrument
	}
	return model.BalanceUpdate{
		Currency:  currency,
		Total:     w.Balance,
		Available: w.Available,
		Timestamp: fromMillis(w.ChangeTime),
	}, nil
}

func toLevels(wire [][2]decimal.Decimal) []model.PriceLevel {
	levels := make([]model.PriceLevel, 0, len(wire))
	for _, l := range wire {
		levels = append(levels, model.PriceLevel{Price: l[0], Size: l[1]})
	}
	return levels
}

func parseSide(s string) (model.Side, error) {
	switch strings.ToLower(s) {
	case "buy", "bid":
		return model.SideBuy, nil
	case "sell", "ask":
		return model.SideSell, nil
	}
	return "", fmt.Errorf("unknown trade side %q", s)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
