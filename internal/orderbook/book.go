package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

var (
	// ErrOutOfOrderUpdate is returned when a diff does not follow the last applied sequence.
	ErrOutOfOrderUpdate = errors.New("out of order update")

	// ErrNotSynchronized is returned when a diff arrives before a snapshot or after a gap.
	ErrNotSynchronized = errors.New("order book not synchronized")
)

// GapError describes a sequence gap. It matches ErrOutOfOrderUpdate.
type GapError struct {
	Instrument string
	Expected   int64
	Got        int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: %v: expected seq %d, got %d", e.Instrument, ErrOutOfOrderUpdate, e.Expected, e.Got)
}

func (e *GapError) Is(target error) bool { return target == ErrOutOfOrderUpdate }

// Book is one instrument's order book.
type Book struct {
	instrument string
	bids       []model.PriceLevel // price descending
	asks       []model.PriceLevel // price ascending
	seq        int64
	synced     bool
	updated    time.Time
}

// NewBook returns an empty, unsynchronized book.
func NewBook(instrument string) *Book {
	return &Book{instrument: instrument}
}

// Instrument returns the book's instrument.
func (b *Book) Instrument() string { return b.instrument }

// Sequence returns the last applied sequence number.
func (b *Book) Sequence() int64 { return b.seq }

// Synchronized reports whether diffs are currently accepted.
func (b *Book) Synchronized() bool { return b.synced }

// ApplySnapshot replaces the book wholesale and marks it synchronized.
// Zero-size levels are skipped and duplicate prices keep the last size seen.
func (b *Book) ApplySnapshot(bids, asks []model.PriceLevel, seq int64, ts time.Time) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range bids {
		b.bids = upsert(b.bids, l, bidLess)
	}
	for _, l := range asks {
		b.asks = upsert(b.asks, l, askLess)
	}
	b.seq = seq
	b.synced = true
	b.updated = ts
}

// ApplyDiff upserts level changes at seq. Size zero removes a level.
// A diff that is not the immediate successor of the last sequence returns a
// *GapError, marks the book unsynchronized and leaves the levels untouched.
func (b *Book) ApplyDiff(bids, asks []model.PriceLevel, seq int64, ts time.Time) error {
	if !b.synced {
		return fmt.Errorf("%s: %w", b.instrument, ErrNotSynchronized)
	}
	if seq != b.seq+1 {
		b.synced = false
		return &GapError{Instrument: b.instrument, Expected: b.seq + 1, Got: seq}
	}

	for _, l := range bids {
		b.bids = upsert(b.bids, l, bidLess)
	}
	for _, l := range asks {
		b.asks = upsert(b.asks, l, askLess)
	}
	b.seq = seq
	b.updated = ts
	return nil
}

// Invalidate marks the book unsynchronized so the next diff is refused until a snapshot arrives.
func (b *Book) Invalidate() {
	b.synced = false
}

// Snapshot returns a deep copy of the book limited to depth levels per side.
// depth <= 0 means all levels.
func (b *Book) Snapshot(depth int) model.OrderBookSnapshot {
	return model.OrderBookSnapshot{
		Instrument: b.instrument,
		Bids:       copyLevels(b.bids, depth),
		Asks:       copyLevels(b.asks, depth),
		Sequence:   b.seq,
		Timestamp:  b.updated,
	}
}

// Depth returns the number of bid and ask levels.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

func bidLess(a, b decimal.Decimal) bool { return a.GreaterThan(b) }
func askLess(a, b decimal.Decimal) bool { return a.LessThan(b) }

// upsert inserts, replaces or removes l in the sorted side.
func upsert(side []model.PriceLevel, l model.PriceLevel, less func(a, b decimal.Decimal) bool) []model.PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		return !less(side[i].Price, l.Price)
	})
	found := i < len(side) && side[i].Price.Equal(l.Price)

	switch {
	case l.Size.Sign() <= 0:
		if found {
			side = append(side[:i], side[i+1:]...)
		}
	case found:
		side[i].Size = l.Size
	default:
		side = append(side, model.PriceLevel{})
		copy(side[i+1:], side[i:])
		side[i] = l
	}
	return side
}

func copyLevels(side []model.PriceLevel, depth int) []model.PriceLevel {
	n := len(side)
	if depth > 0 && n > depth {
		n = depth
	}
	out := make([]model.PriceLevel, n)
	copy(out, side[:n])
	return out
}
