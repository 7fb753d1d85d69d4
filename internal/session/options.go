package session

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/protocol"
)

// Option configures a Session.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	payloads protocol.PayloadDecoder
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPayloadDecoder overrides payload decoding. By default the codec is
// used when it implements protocol.PayloadDecoder.
func WithPayloadDecoder(d protocol.PayloadDecoder) Option {
	return func(o *options) { o.payloads = d }
}

// StreamOption configures one stream request.
type StreamOption func(*streamOptions)

type streamOptions struct {
	mode  string
	depth int
}

// WithMode sets the venue-specific channel mode (book depth, balance mode).
// Streams with different modes are different channels.
func WithMode(mode string) StreamOption {
	return func(o *streamOptions) { o.mode = mode }
}

// WithDepth limits each order book snapshot to n levels per side.
func WithDepth(n int) StreamOption {
	return func(o *streamOptions) { o.depth = n }
}

// DefaultBalanceMode is used for balance channels without WithMode.
const DefaultBalanceMode = "2"

func resolveStream(kind model.Kind, instrument string, opts []StreamOption) (model.ChannelID, streamOptions, error) {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.depth < 0 {
		return model.ChannelID{}, o, fmt.Errorf("depth must be >= 0, got %d", o.depth)
	}

	if kind == model.KindBalance {
		if o.mode == "" {
			o.mode = DefaultBalanceMode
		}
		n, err := strconv.Atoi(o.mode)
		if err != nil || n < 0 || n > 2 {
			return model.ChannelID{}, o, fmt.Errorf("balance mode must be 0, 1 or 2, got %q", o.mode)
		}
	}

	ch := model.NewChannelID(kind, instrument, o.mode)
	if err := ch.Validate(); err != nil {
		return model.ChannelID{}, o, err
	}
	return ch, o, nil
}
