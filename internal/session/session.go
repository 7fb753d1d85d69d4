package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/registry"
	"github.com/rickgao/marketstream/internal/router"
)

// Config holds Session configuration.
type Config struct {
	Supervisor      connection.SupervisorConfig
	BufferSize      int // Per-stream capacity before dropping the oldest event
	StateBufferSize int // Capacity of ConnectionState streams
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Supervisor:      connection.DefaultSupervisorConfig(),
		BufferSize:      1024,
		StateBufferSize: 64,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Supervisor    connection.Stats
	Router        router.Stats
	Subscriptions int
	Books         int
}

// Session is a streaming session over one feed connection.
type Session struct {
	cfg     Config
	sup     *connection.Supervisor
	router  *router.Router
	subs    *registry.Registry
	books   *orderbook.Table
	metrics *metrics.Metrics
	logger  *slog.Logger

	// wireMu orders registry changes with their wire subscribe/unsubscribe.
	wireMu sync.Mutex

	closeOnce sync.Once
}

// New creates a disconnected Session.
func New(cfg Config, transport connection.Transport, codec protocol.Codec, opts ...Option) *Session {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	if o.payloads == nil {
		if pd, ok := codec.(protocol.PayloadDecoder); ok {
			o.payloads = pd
		} else {
			o.payloads = protocol.JSONCodec{}
		}
	}

	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.StateBufferSize <= 0 {
		cfg.StateBufferSize = def.StateBufferSize
	}

	subs := registry.New()
	books := orderbook.NewTable()
	sup := connection.NewSupervisor(cfg.Supervisor, transport, codec, subs, o.metrics, o.logger)
	r := router.New(codec, o.payloads, subs, books, sup, o.metrics, o.logger)
	sup.SetHandler(r)

	s := &Session{
		cfg:     cfg,
		sup:     sup,
		router:  r,
		subs:    subs,
		books:   books,
		metrics: o.metrics,
		logger:  o.logger.With("component", "session"),
	}
	sup.SetHooks(connection.Hooks{
		OnConnected: s.onConnected,
		OnRejected:  s.onRejected,
		OnFatal:     s.onFatal,
	})
	return s
}

// Connect opens the feed connection and subscribes every open stream.
// It returns immediately when already connected.
func (s *Session) Connect(ctx context.Context) error {
	return s.sup.Connect(ctx)
}

// Disconnect closes the session. Every open stream ends with
// model.ErrSessionClosed. It is a no-op while disconnected or closed.
func (s *Session) Disconnect(ctx context.Context) error {
	err := s.sup.Disconnect(ctx)
	if s.sup.State() == model.StateClosed {
		s.closeOnce.Do(func() {
			s.failAll(model.ErrSessionClosed)
		})
	}
	return err
}

// State returns the current connection state.
func (s *Session) State() model.ConnectionState {
	return s.sup.State()
}

// IsAlive reports whether the transport connection is open.
func (s *Session) IsAlive() bool {
	return s.sup.IsAlive()
}

// ConnectionState returns a stream of state transitions from now on.
// It ends with model.ErrSessionClosed after the Closed transition.
func (s *Session) ConnectionState() *Stream[model.StateChange] {
	st := newStream[model.StateChange](s.cfg.StateBufferSize, nil)
	if s.sup.State() == model.StateClosed {
		st.fail(model.ErrSessionClosed)
		return st
	}

	st.onClose = s.sup.Watch(func(c model.StateChange) {
		st.ring.Push(c)
		if c.To == model.StateClosed {
			st.fail(model.ErrSessionClosed)
		}
	})
	return st
}

// Stream opens a stream of domain events for (kind, instrument).
func (s *Session) Stream(kind model.Kind, instrument string, opts ...StreamOption) (*Stream[model.Event], error) {
	ch, o, err := resolveStream(kind, instrument, opts)
	if err != nil {
		return nil, err
	}
	return open(s, ch, func(ev model.Event) (model.Event, bool) {
		if snap, ok := ev.(model.OrderBookSnapshot); ok {
			return view(snap, o.depth), true
		}
		return ev, true
	})
}

// OrderBook opens a stream of book snapshots for instrument.
func (s *Session) OrderBook(instrument string, opts ...StreamOption) (*Stream[model.OrderBookSnapshot], error) {
	ch, o, err := resolveStream(model.KindOrderBook, instrument, opts)
	if err != nil {
		return nil, err
	}
	return open(s, ch, func(ev model.Event) (model.OrderBookSnapshot, bool) {
		snap, ok := ev.(model.OrderBookSnapshot)
		if !ok {
			return model.OrderBookSnapshot{}, false
		}
		return view(snap, o.depth), true
	})
}

// Trades opens a stream of public trades for instrument.
func (s *Session) Trades(instrument string, opts ...StreamOption) (*Stream[model.Trade], error) {
	ch, _, err := resolveStream(model.KindTrades, instrument, opts)
	if err != nil {
		return nil, err
	}
	return open(s, ch, as[model.Trade])
}

// Ticker opens a stream of ticker updates for instrument.
func (s *Session) Ticker(instrument string, opts ...StreamOption) (*Stream[model.Ticker], error) {
	ch, _, err := resolveStream(model.KindTicker, instrument, opts)
	if err != nil {
		return nil, err
	}
	return open(s, ch, as[model.Ticker])
}

// Balance opens a stream of balance updates for currency. The mode
// defaults to DefaultBalanceMode and must be 0, 1 or 2.
func (s *Session) Balance(currency string, opts ...StreamOption) (*Stream[model.BalanceUpdate], error) {
	ch, _, err := resolveStream(model.KindBalance, currency, opts)
	if err != nil {
		return nil, err
	}
	return open(s, ch, as[model.BalanceUpdate])
}

// Stats returns current statistics.
func (s *Session) Stats() Stats {
	return Stats{
		Supervisor:    s.sup.Stats(),
		Router:        s.router.Stats(),
		Subscriptions: s.subs.Len(),
		Books:         s.books.Len(),
	}
}

// open attaches a new stream to ch, subscribing on the wire if it is the first.
func open[T any](s *Session, ch model.ChannelID, convert func(model.Event) (T, bool)) (*Stream[T], error) {
	if s.sup.State() == model.StateClosed {
		return nil, model.ErrSessionClosed
	}

	h := registry.NewHandle()
	st := newStream[T](s.cfg.BufferSize, func() { s.detach(ch, h) })
	c := &consumer[T]{stream: st, convert: convert}

	s.wireMu.Lock()
	defer s.wireMu.Unlock()

	if s.subs.Attach(ch, h, c) {
		s.metrics.ActiveSubscriptions.Set(float64(s.subs.Len()))
		s.logger.Debug("channel subscribed", "channel", ch)
		if err := s.sup.Subscribe(ch); err != nil {
			s.logger.Warn("subscribe failed, will retry on reconnect", "channel", ch, "error", err)
		}
	}
	return st, nil
}

func (s *Session) detach(ch model.ChannelID, h registry.Handle) {
	s.wireMu.Lock()
	defer s.wireMu.Unlock()

	if !s.subs.Detach(ch, h) {
		return
	}
	s.metrics.ActiveSubscriptions.Set(float64(s.subs.Len()))
	if ch.Kind == model.KindOrderBook {
		s.books.Drop(ch)
	}
	s.logger.Debug("channel unsubscribed", "channel", ch)
	if err := s.sup.Unsubscribe(ch); err != nil {
		s.logger.Warn("unsubscribe failed", "channel", ch, "error", err)
	}
}

func (s *Session) onConnected() {
	s.books.InvalidateAll()
}

func (s *Session) onRejected(ch model.ChannelID, err *model.SubscriptionRejectedError) {
	s.wireMu.Lock()
	consumers := s.subs.Remove(ch)
	s.books.Drop(ch)
	s.metrics.ActiveSubscriptions.Set(float64(s.subs.Len()))
	s.wireMu.Unlock()

	for _, c := range consumers {
		c.Fail(err)
	}
}

func (s *Session) onFatal(err error) {
	s.failAll(err)
}

func (s *Session) failAll(err error) {
	s.wireMu.Lock()
	consumers := s.subs.RemoveAll()
	s.books.Reset()
	s.metrics.ActiveSubscriptions.Set(0)
	s.wireMu.Unlock()

	for _, c := range consumers {
		c.Fail(err)
	}
}

// view returns a private copy of snap limited to depth levels per side.
func view(snap model.OrderBookSnapshot, depth int) model.OrderBookSnapshot {
	snap.Bids = clip(snap.Bids, depth)
	snap.Asks = clip(snap.Asks, depth)
	return snap
}

func clip(levels []model.PriceLevel, depth int) []model.PriceLevel {
	n := len(levels)
	if depth > 0 && n > depth {
		n = depth
	}
	out := make([]model.PriceLevel, n)
	copy(out, levels[:n])
	return out
}

func as[T model.Event](ev model.Event) (T, bool) {
	v, ok := ev.(T)
	return v, ok
}
