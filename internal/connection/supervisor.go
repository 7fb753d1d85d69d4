package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/protocol"
)

// transitions lists the allowed ConnectionState edges.
var transitions = map[model.ConnectionState][]model.ConnectionState{
	model.StateDisconnected: {model.StateConnecting},
	model.StateConnecting:   {model.StateConnected, model.StateDisconnected, model.StateClosed},
	model.StateConnected:    {model.StateReconnecting, model.StateClosed},
	model.StateReconnecting: {model.StateConnected, model.StateDisconnected, model.StateClosed},
}

// ValidTransition reports whether from -> to is an allowed edge.
func ValidTransition(from, to model.ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// link is one established connection. A new link is created per handshake.
type link struct {
	conn Conn
	gen  uint64
	done chan struct{}
	once sync.Once
}

func (l *link) stop() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

type watcher struct {
	id int
	fn func(model.StateChange)
}

// Supervisor owns the connection lifecycle.
type Supervisor struct {
	cfg       SupervisorConfig
	transport Transport
	codec     protocol.Codec
	channels  Channels
	metrics   *metrics.Metrics
	logger    *slog.Logger

	handler FrameHandler
	hooks   Hooks

	state atomic.Int32

	// mu guards the current link and state transitions.
	mu         sync.Mutex
	link       *link
	gen        uint64
	connecting chan struct{} // closed when the in-flight Connect resolves
	connectErr error
	runCtx     context.Context
	runCancel  context.CancelFunc
	watchers   []watcher
	nextWatch  int

	// subMu serializes wire subscribe/unsubscribe against resubscription.
	// Lock order: subMu before mu.
	subMu    sync.Mutex
	wired    map[model.ChannelID]struct{}
	wiredGen uint64

	pongs chan int64
	cmdID atomic.Int64
	wg    sync.WaitGroup

	// Stats
	reconnectAttempts atomic.Int64
	pingsSent         atomic.Int64
	pongsReceived     atomic.Int64
	heartbeatTimeouts atomic.Int64
	subscribes        atomic.Int64
	unsubscribes      atomic.Int64
	rejections        atomic.Int64
}

// NewSupervisor creates a Connection Supervisor in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig, transport Transport, codec protocol.Codec, channels Channels, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Supervisor{
		cfg:       cfg,
		transport: transport,
		codec:     codec,
		channels:  channels,
		metrics:   m,
		logger:    logger.With("component", "supervisor"),
		handler:   discard{},
		wired:     make(map[model.ChannelID]struct{}),
		pongs:     make(chan int64, 1),
	}
	s.state.Store(int32(model.StateDisconnected))
	return s
}

// SetHandler sets the consumer of inbound frames. Call before Connect.
func (s *Supervisor) SetHandler(h FrameHandler) {
	s.handler = h
}

// SetHooks sets lifecycle callbacks. Call before Connect.
func (s *Supervisor) SetHooks(h Hooks) {
	s.hooks = h
}

// State returns the current connection state.
func (s *Supervisor) State() model.ConnectionState {
	return model.ConnectionState(s.state.Load())
}

// IsAlive reports whether a transport connection is currently open.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil && s.link.conn.IsConnected()
}

// Watch registers fn for every state transition and returns a function
// that unregisters it. fn is called with the supervisor's lock held, in
// transition order, and must not block or call back into the Supervisor.
func (s *Supervisor) Watch(fn func(model.StateChange)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextWatch++
	id := s.nextWatch
	s.watchers = append(s.watchers, watcher{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w.id == id {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

// Connect performs the handshake. It is a no-op while Connected or
// Reconnecting, and joins an in-flight attempt while Connecting. A failed
// handshake returns to Disconnected without retrying.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case model.StateConnected, model.StateReconnecting:
		s.mu.Unlock()
		return nil
	case model.StateClosed:
		s.mu.Unlock()
		return model.ErrSessionClosed
	case model.StateConnecting:
		wait := s.connecting
		s.mu.Unlock()
		select {
		case <-wait:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.connectErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.runCancel != nil {
		s.runCancel()
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.connecting = make(chan struct{})
	s.connectErr = nil
	wait := s.connecting
	s.transitionLocked(model.StateConnecting, nil)
	s.mu.Unlock()

	err := s.handshake(ctx)

	s.mu.Lock()
	s.connectErr = err
	close(wait)
	s.mu.Unlock()
	return err
}

// Disconnect closes the connection and moves to Closed. It is a no-op
// while Disconnected or Closed.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	switch s.State() {
	case model.StateDisconnected, model.StateClosed:
		s.mu.Unlock()
		return nil
	}

	l := s.link
	s.link = nil
	s.transitionLocked(model.StateClosed, nil)
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	if l != nil {
		l.stop()
	}

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}
}

// Subscribe sends a wire subscribe for ch if connected and not already
// subscribed on the current connection. Otherwise the next resubscription
// covers it.
func (s *Supervisor) Subscribe(ch model.ChannelID) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	l := s.liveLink()
	if l == nil || l.gen != s.wiredGen {
		return nil
	}
	if _, ok := s.wired[ch]; ok {
		return nil
	}

	if err := s.send(l, protocol.Subscribe(ch.Name(), s.nextID())); err != nil {
		return err
	}
	s.wired[ch] = struct{}{}
	s.subscribes.Add(1)
	s.logger.Debug("subscribe sent", "channel", ch)
	return nil
}

// Unsubscribe sends a wire unsubscribe for ch if it is subscribed on the
// current connection.
func (s *Supervisor) Unsubscribe(ch model.ChannelID) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	l := s.liveLink()
	if l == nil || l.gen != s.wiredGen {
		return nil
	}
	if _, ok := s.wired[ch]; !ok {
		return nil
	}

	delete(s.wired, ch)
	if err := s.send(l, protocol.Unsubscribe(ch.Name(), s.nextID())); err != nil {
		return err
	}
	s.unsubscribes.Add(1)
	s.logger.Debug("unsubscribe sent", "channel", ch)
	return nil
}

// Resync re-requests a snapshot for ch by unsubscribing and subscribing again.
func (s *Supervisor) Resync(ch model.ChannelID) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	l := s.liveLink()
	if l == nil || l.gen != s.wiredGen {
		return
	}
	if _, ok := s.wired[ch]; !ok {
		return
	}

	if err := s.send(l, protocol.Unsubscribe(ch.Name(), s.nextID())); err != nil {
		s.logger.Warn("resync unsubscribe failed", "channel", ch, "error", err)
		return
	}
	if err := s.send(l, protocol.Subscribe(ch.Name(), s.nextID())); err != nil {
		s.logger.Warn("resync subscribe failed", "channel", ch, "error", err)
		return
	}
	s.unsubscribes.Add(1)
	s.subscribes.Add(1)
}

// HandleControl processes acks, errors and heartbeats from the router.
func (s *Supervisor) HandleControl(msg protocol.Message) {
	switch msg.Class() {
	case protocol.ClassHeartbeat:
		if msg.Action == protocol.ActionPing {
			if l := s.liveLink(); l != nil {
				if err := s.send(l, protocol.Pong(msg.TS)); err != nil {
					s.logger.Debug("failed to send pong", "error", err)
				}
			}
			return
		}
		select {
		case s.pongs <- msg.TS:
		default:
		}

	case protocol.ClassAck:
		s.logger.Debug("control ack", "action", msg.Action, "channel", msg.Channel, "id", msg.ID)

	case protocol.ClassError:
		s.reject(msg)
	}
}

// Stats returns current statistics.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	connected := s.link != nil && s.link.conn.IsConnected()
	gen := s.gen
	s.mu.Unlock()

	s.subMu.Lock()
	wired := len(s.wired)
	s.subMu.Unlock()

	return Stats{
		State:             s.State(),
		Connected:         connected,
		Generation:        gen,
		ReconnectAttempts: s.reconnectAttempts.Load(),
		PingsSent:         s.pingsSent.Load(),
		PongsReceived:     s.pongsReceived.Load(),
		HeartbeatTimeouts: s.heartbeatTimeouts.Load(),
		Subscribes:        s.subscribes.Load(),
		Unsubscribes:      s.unsubscribes.Load(),
		Rejections:        s.rejections.Load(),
		WiredChannels:     wired,
	}
}

func (s *Supervisor) reject(msg protocol.Message) {
	ch, err := model.ParseChannelID(msg.Channel)
	if err != nil {
		s.logger.Warn("server error", "code", msg.Code, "message", msg.Text, "channel", msg.Channel)
		return
	}

	rej := &model.SubscriptionRejectedError{Channel: ch, Code: msg.Code, Message: msg.Text}

	s.subMu.Lock()
	delete(s.wired, ch)
	s.subMu.Unlock()

	s.rejections.Add(1)
	s.metrics.Rejections.Inc()
	s.logger.Warn("subscription rejected", "channel", ch, "code", msg.Code, "message", msg.Text)

	if s.hooks.OnRejected != nil {
		s.hooks.OnRejected(ch, rej)
	}
}

func (s *Supervisor) handshake(ctx context.Context) error {
	conn, err := s.transport.Dial(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", model.ErrTransportFailure, err)
		s.mu.Lock()
		s.transitionLocked(model.StateDisconnected, err)
		s.mu.Unlock()
		return err
	}

	if !s.establish(conn, model.StateConnecting) {
		conn.Close()
		return model.ErrSessionClosed
	}
	return nil
}

// establish makes conn the live connection if the state is still from,
// then resubscribes every active channel.
func (s *Supervisor) establish(conn Conn, from model.ConnectionState) bool {
	s.mu.Lock()
	if s.State() != from {
		s.mu.Unlock()
		return false
	}

	s.gen++
	l := &link{conn: conn, gen: s.gen, done: make(chan struct{})}
	s.link = l
	s.drainPongs()
	s.transitionLocked(model.StateConnected, nil)

	ctx := s.runCtx
	s.wg.Add(2)
	go s.readLoop(l)
	go s.heartbeatLoop(ctx, l)
	s.mu.Unlock()

	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected()
	}
	s.resubscribe(l)
	return true
}

// resubscribe sends a subscribe for every active channel in registry order.
func (s *Supervisor) resubscribe(l *link) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.wired = make(map[model.ChannelID]struct{})
	s.wiredGen = l.gen

	channels := s.channels.ActiveChannels()
	for _, ch := range channels {
		if err := s.send(l, protocol.Subscribe(ch.Name(), s.nextID())); err != nil {
			s.logger.Warn("resubscribe failed", "channel", ch, "error", err)
			return
		}
		s.wired[ch] = struct{}{}
		s.subscribes.Add(1)
	}

	if len(channels) > 0 {
		s.logger.Info("resubscribed", "channels", len(channels), "generation", l.gen)
	}
}

// readLoop forwards inbound frames from one connection to the handler.
func (s *Supervisor) readLoop(l *link) {
	defer s.wg.Done()

	for {
		select {
		case <-l.done:
			return

		case err := <-l.conn.Errors():
			s.connectionLost(l, fmt.Errorf("%w: %v", model.ErrTransportFailure, err))
			return

		case msg, ok := <-l.conn.Messages():
			if !ok {
				s.connectionLost(l, fmt.Errorf("%w: connection closed", model.ErrTransportFailure))
				return
			}
			s.handler.HandleFrame(msg.Data)
		}
	}
}

// heartbeatLoop pings every interval and reports a timeout when no pong
// arrives within HeartbeatTimeout. While a ping is outstanding no new
// ping is sent, so one missed pong yields exactly one timeout.
func (s *Supervisor) heartbeatLoop(ctx context.Context, l *link) {
	defer s.wg.Done()

	if s.cfg.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var (
		timer    *time.Timer
		deadline <-chan time.Time
		pending  int64
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return

		case <-ticker.C:
			if pending != 0 {
				continue
			}
			ts := time.Now().UnixMilli()
			if err := s.send(l, protocol.Ping(ts)); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				continue
			}
			s.pingsSent.Add(1)
			pending = ts
			timer = time.NewTimer(s.cfg.HeartbeatTimeout)
			deadline = timer.C

		case ts := <-s.pongs:
			s.pongsReceived.Add(1)
			if pending != 0 && (ts == 0 || ts >= pending) {
				pending = 0
				timer.Stop()
				deadline = nil
			}

		case <-deadline:
			s.heartbeatTimeouts.Add(1)
			s.logger.Warn("no pong received, connection stale",
				"timeout", s.cfg.HeartbeatTimeout,
				"generation", l.gen,
			)
			s.connectionLost(l, model.ErrHeartbeatTimeout)
			return
		}
	}
}

// connectionLost moves Connected -> Reconnecting once per link.
func (s *Supervisor) connectionLost(l *link, cause error) {
	s.mu.Lock()
	if s.link != l || s.State() != model.StateConnected {
		s.mu.Unlock()
		return
	}

	s.link = nil
	s.transitionLocked(model.StateReconnecting, cause)
	ctx := s.runCtx
	s.wg.Add(1)
	go s.reconnectLoop(ctx)
	s.mu.Unlock()

	l.stop()
}

// reconnectLoop retries the handshake with exponential backoff.
func (s *Supervisor) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		wait := Backoff(attempt, s.cfg.ReconnectBaseWait, s.cfg.ReconnectMaxWait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.reconnectAttempts.Add(1)
		s.metrics.ReconnectAttempts.Inc()
		s.logger.Info("attempting reconnection", "attempt", attempt, "max_retries", s.cfg.MaxRetries)

		conn, err := s.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		if !s.establish(conn, model.StateReconnecting) {
			conn.Close()
		}
		return
	}

	err := fmt.Errorf("%w after %d attempts", model.ErrReconnectBudgetExhausted, s.cfg.MaxRetries)
	s.mu.Lock()
	ok := s.transitionLocked(model.StateDisconnected, err)
	s.mu.Unlock()

	if ok && s.hooks.OnFatal != nil {
		s.hooks.OnFatal(err)
	}
}

// transitionLocked applies an allowed state edge and notifies watchers.
// Must be called with mu held.
func (s *Supervisor) transitionLocked(to model.ConnectionState, cause error) bool {
	from := s.State()
	if !ValidTransition(from, to) {
		return false
	}
	s.state.Store(int32(to))

	s.metrics.StateTransitions.WithLabelValues(to.String()).Inc()
	s.metrics.ConnectionState.Set(float64(to))

	switch {
	case errors.Is(cause, model.ErrReconnectBudgetExhausted):
		s.logger.Error("connection state changed", "from", from, "to", to, "error", cause)
	case cause != nil:
		s.logger.Warn("connection state changed", "from", from, "to", to, "error", cause)
	default:
		s.logger.Info("connection state changed", "from", from, "to", to)
	}

	change := model.StateChange{From: from, To: to, Err: cause, At: time.Now()}
	for _, w := range s.watchers {
		w.fn(change)
	}
	return true
}

// liveLink returns the current link while Connected.
func (s *Supervisor) liveLink() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != model.StateConnected {
		return nil
	}
	return s.link
}

func (s *Supervisor) send(l *link, msg protocol.Message) error {
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := l.conn.Send(data); err != nil {
		return fmt.Errorf("%w: send %s: %v", model.ErrTransportFailure, msg.Action, err)
	}
	return nil
}

func (s *Supervisor) nextID() int64 {
	return s.cmdID.Add(1)
}

func (s *Supervisor) drainPongs() {
	select {
	case <-s.pongs:
	default:
	}
}
