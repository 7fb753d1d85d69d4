package orderbook

import (
	"sync"
	"time"

	"github.com/rickgao/marketstream/internal/model"
)

// Table owns one Book per order book channel.
// Mutations come from the delivery path; the mutex only guards the map against
// Drop and InvalidateAll issued from subscription and reconnect handling.
type Table struct {
	mu    sync.Mutex
	books map[model.ChannelID]*Book
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{books: make(map[model.ChannelID]*Book)}
}

// ApplySnapshot creates the channel's book on first use and replaces its contents.
func (t *Table) ApplySnapshot(ch model.ChannelID, bids, asks []model.PriceLevel, seq int64, ts time.Time) model.OrderBookSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.books[ch]
	if !ok {
		b = NewBook(ch.Instrument)
		t.books[ch] = b
	}
	b.ApplySnapshot(bids, asks, seq, ts)
	return b.Snapshot(0)
}

// ApplyDiff applies a diff to the channel's book. A channel with no book
// yet returns ErrNotSynchronized.
func (t *Table) ApplyDiff(ch model.ChannelID, bids, asks []model.PriceLevel, seq int64, ts time.Time) (model.OrderBookSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.books[ch]
	if !ok {
		b = NewBook(ch.Instrument)
		t.books[ch] = b
	}
	if err := b.ApplyDiff(bids, asks, seq, ts); err != nil {
		return model.OrderBookSnapshot{}, err
	}
	return b.Snapshot(0), nil
}

// Snapshot returns a copy of the channel's book limited to depth levels per side.
func (t *Table) Snapshot(ch model.ChannelID, depth int) (model.OrderBookSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.books[ch]
	if !ok {
		return model.OrderBookSnapshot{}, false
	}
	return b.Snapshot(depth), true
}

// Synchronized reports whether the channel's book accepts diffs.
func (t *Table) Synchronized(ch model.ChannelID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.books[ch]
	return ok && b.Synchronized()
}

// Drop discards the channel's book.
func (t *Table) Drop(ch model.ChannelID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.books, ch)
}

// Reset discards every book.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.books = make(map[model.ChannelID]*Book)
}

// InvalidateAll marks every book unsynchronized, e.g. after a reconnect.
func (t *Table) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range t.books {
		b.Invalidate()
	}
}

// Len returns the number of books.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.books)
}
