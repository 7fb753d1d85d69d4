package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/orderbook"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/registry"
)

// Router decodes inbound frames and dispatches them to consumers, the order
// book table or the supervisor. HandleFrame is called from the connection's
// read loop only, so frames are routed strictly in arrival order.
type Router struct {
	codec    protocol.Codec
	payloads protocol.PayloadDecoder
	subs     Consumers
	books    Books
	control  Control
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Message Router.
func New(codec protocol.Codec, payloads protocol.PayloadDecoder, subs Consumers, books Books, control Control, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Router{
		codec:    codec,
		payloads: payloads,
		subs:     subs,
		books:    books,
		control:  control,
		metrics:  m,
		logger:   logger.With("component", "router"),
	}
}

// HandleFrame routes one raw frame.
func (r *Router) HandleFrame(frame []byte) {
	r.count(func(s *Stats) { s.MessagesReceived++ })
	r.metrics.FramesReceived.Inc()

	msg, err := r.codec.Decode(frame)
	if err != nil {
		r.decodeFailed(err)
		return
	}
	r.Route(msg)
}

// Route dispatches one decoded message.
func (r *Router) Route(msg protocol.Message) {
	switch msg.Class() {
	case protocol.ClassAck, protocol.ClassError, protocol.ClassHeartbeat:
		r.count(func(s *Stats) { s.ControlMessages++ })
		r.control.HandleControl(msg)
	case protocol.ClassData:
		if r.control.State() != model.StateConnected {
			r.count(func(s *Stats) { s.Gated++ })
			return
		}
		if err := r.routeData(msg); err != nil {
			if errors.Is(err, protocol.ErrDecode) {
				r.decodeFailed(err)
				return
			}
			r.unroutable(msg, err)
		}
	default:
		r.unroutable(msg, fmt.Errorf("%w: action %q", ErrUnroutable, msg.Action))
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Router) routeData(msg protocol.Message) error {
	ch, err := model.ParseChannelID(msg.Channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnroutable, err)
	}

	consumers := r.subs.Consumers(ch)
	if len(consumers) == 0 {
		return fmt.Errorf("%w: %s not subscribed", ErrUnroutable, ch)
	}

	var events []model.Event
	switch ch.Kind {
	case model.KindOrderBook:
		ev, ok, err := r.applyBook(ch, msg)
		if err != nil || !ok {
			return err
		}
		events = []model.Event{ev}

	case model.KindTrades:
		trades, err := r.payloads.DecodeTrades(ch, msg.Data)
		if err != nil {
			return err
		}
		events = make([]model.Event, 0, len(trades))
		for _, t := range trades {
			events = append(events, t)
		}

	case model.KindTicker:
		tk, err := r.payloads.DecodeTicker(ch, msg.Data)
		if err != nil {
			return err
		}
		if tk.Timestamp.IsZero() {
			tk.Timestamp = msg.Time()
		}
		events = []model.Event{tk}

	case model.KindBalance:
		b, err := r.payloads.DecodeBalance(ch, msg.Data)
		if err != nil {
			return err
		}
		if b.Timestamp.IsZero() {
			b.Timestamp = msg.Time()
		}
		events = []model.Event{b}
	}

	r.count(func(s *Stats) { s.MessagesRouted++ })
	for _, ev := range events {
		r.deliver(ch, consumers, ev)
	}
	return nil
}

// applyBook merges a book message. ok is false when nothing should be emitted.
func (r *Router) applyBook(ch model.ChannelID, msg protocol.Message) (model.Event, bool, error) {
	payload, err := r.payloads.DecodeBook(ch, msg.Data)
	if err != nil {
		return nil, false, err
	}

	if msg.Snapshot {
		return r.books.ApplySnapshot(ch, payload.Bids, payload.Asks, msg.Seq, msg.Time()), true, nil
	}

	snap, err := r.books.ApplyDiff(ch, payload.Bids, payload.Asks, msg.Seq, msg.Time())
	switch {
	case err == nil:
		return snap, true, nil
	case errors.Is(err, orderbook.ErrOutOfOrderUpdate):
		r.count(func(s *Stats) { s.Gaps++ })
		r.metrics.BookGaps.WithLabelValues(ch.Instrument).Inc()
		r.logger.Warn("order book gap, resyncing", "channel", ch, "error", err)
		r.control.Resync(ch)
	case errors.Is(err, orderbook.ErrNotSynchronized):
		r.logger.Debug("diff dropped while awaiting snapshot", "channel", ch, "seq", msg.Seq)
	default:
		return nil, false, err
	}
	return nil, false, nil
}

func (r *Router) deliver(ch model.ChannelID, consumers []registry.Consumer, ev model.Event) {
	kind := string(ch.Kind)
	for _, c := range consumers {
		if c.Deliver(ev) {
			r.count(func(s *Stats) { s.EventsDropped++ })
			r.metrics.EventsDropped.WithLabelValues(kind).Inc()
		}
		r.count(func(s *Stats) { s.EventsDelivered++ })
		r.metrics.EventsDelivered.WithLabelValues(kind).Inc()
	}
}

func (r *Router) decodeFailed(err error) {
	r.count(func(s *Stats) { s.DecodeErrors++ })
	r.metrics.DecodeErrors.Inc()
	r.logger.Debug("dropping undecodable message", "error", err)
}

func (r *Router) unroutable(msg protocol.Message, err error) {
	r.count(func(s *Stats) { s.Unroutable++ })
	r.metrics.Unroutable.Inc()
	r.logger.Debug("dropping unroutable message", "channel", msg.Channel, "action", msg.Action, "error", err)
}

func (r *Router) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}
