package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/marketstream/internal/model"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Decompressed frame bytes
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Transport opens duplex connections to the feed.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open duplex connection.
type Conn interface {
	// Send writes one frame.
	Send(data []byte) error

	// Messages returns a channel of inbound frames.
	Messages() <-chan TimestampedMessage

	// Errors receives at most one error when the connection fails or is
	// closed by the peer.
	Errors() <-chan error

	// Close closes the connection. Errors are not reported after Close.
	Close() error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// FrameHandler consumes inbound frames in arrival order.
type FrameHandler interface {
	HandleFrame(frame []byte)
}

// Channels provides the desired subscription set.
type Channels interface {
	ActiveChannels() []model.ChannelID
}

// Hooks are invoked by the Supervisor outside its locks. They must not block.
type Hooks struct {
	// OnConnected runs after every successful handshake, before resubscription.
	OnConnected func()
	// OnRejected runs when the server rejects a channel.
	OnRejected func(ch model.ChannelID, err *model.SubscriptionRejectedError)
	// OnFatal runs once the reconnect budget is exhausted.
	OnFatal func(err error)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (ws:// or wss://)
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
	Compression      bool          // Gunzip binary frames
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       10000,
		Compression:      true,
	}
}

// SupervisorConfig configures the Connection Supervisor.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration // Interval between pings while connected
	HeartbeatTimeout  time.Duration // Max wait for a pong after a ping
	MaxRetries        int           // Reconnect attempts before giving up
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		MaxRetries:        5,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
	}
}

// Stats provides statistics about the supervisor.
type Stats struct {
	State             model.ConnectionState
	Connected         bool
	Generation        uint64 // Successful handshakes
	ReconnectAttempts int64
	PingsSent         int64
	PongsReceived     int64
	HeartbeatTimeouts int64
	Subscribes        int64
	Unsubscribes      int64
	Rejections        int64
	WiredChannels     int
}

// Backoff returns the wait before reconnect attempt n (1-based):
// base doubled per prior attempt, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	wait := base
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	if wait > max {
		return max
	}
	return wait
}

// discard drops frames until a handler is set.
type discard struct{}

func (discard) HandleFrame([]byte) {}
