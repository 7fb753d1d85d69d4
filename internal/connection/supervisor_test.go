package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/protocol"
)

// fakeConn is an in-memory Conn that records sends.
type fakeConn struct {
	mu       sync.Mutex
	sent     []protocol.Message
	closed   bool
	autoPong bool

	messages chan TimestampedMessage
	errors   chan error
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		autoPong: autoPong,
		messages: make(chan TimestampedMessage, 100),
		errors:   make(chan error, 1),
	}
}

func (c *fakeConn) Send(data []byte) error {
	msg, err := protocol.JSONCodec{}.Decode(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.sent = append(c.sent, msg)
	autoPong := c.autoPong
	c.mu.Unlock()

	if autoPong && msg.Action == protocol.ActionPing {
		c.inject(protocol.Pong(msg.TS))
	}
	return nil
}

func (c *fakeConn) inject(msg protocol.Message) {
	data, _ := protocol.JSONCodec{}.Encode(msg)
	c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

func (c *fakeConn) fail(err error) {
	c.errors <- err
}

func (c *fakeConn) Messages() <-chan TimestampedMessage { return c.messages }
func (c *fakeConn) Errors() <-chan error                { return c.errors }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) sentActions(action protocol.Action) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.sent {
		if m.Action == action {
			out = append(out, m.Channel)
		}
	}
	return out
}

func (c *fakeConn) sentCount(action protocol.Action) int {
	return len(c.sentActions(action))
}

// fakeTransport hands out scripted connections.
type fakeTransport struct {
	mu    sync.Mutex
	dials int
	// plan decides each dial by 1-based index; nil conn means failure.
	plan  func(n int) *fakeConn
	conns []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.mu.Unlock()

	c := t.plan(n)
	if c == nil {
		return nil, errors.New("connection refused")
	}

	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

// channelList is a mutable Channels.
type channelList struct {
	mu  sync.Mutex
	chs []model.ChannelID
}

func (l *channelList) ActiveChannels() []model.ChannelID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ChannelID(nil), l.chs...)
}

func (l *channelList) remove(ch model.ChannelID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.chs {
		if c == ch {
			l.chs = append(l.chs[:i], l.chs[i+1:]...)
			return
		}
	}
}

// controlHandler routes decoded control frames back to the supervisor.
type controlHandler struct {
	sup *Supervisor
}

func (h controlHandler) HandleFrame(frame []byte) {
	msg, err := protocol.JSONCodec{}.Decode(frame)
	if err != nil || msg.Class() == protocol.ClassData {
		return
	}
	h.sup.HandleControl(msg)
}

// changeLog records state transitions.
type changeLog struct {
	mu      sync.Mutex
	changes []model.StateChange
	notify  chan model.StateChange
}

func newChangeLog() *changeLog {
	return &changeLog{notify: make(chan model.StateChange, 100)}
}

func (l *changeLog) record(c model.StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
	l.notify <- c
}

func (l *changeLog) states() []model.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.ConnectionState, 0, len(l.changes))
	for _, c := range l.changes {
		out = append(out, c.To)
	}
	return out
}

func (l *changeLog) waitFor(t *testing.T, to model.ConnectionState) model.StateChange {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c := <-l.notify:
			if c.To == to {
				return c
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s, got %v", to, l.states())
			return model.StateChange{}
		}
	}
}

// waitSent polls until conn has sent at least n messages of action.
func waitSent(t *testing.T, conn *fakeConn, action protocol.Action, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for conn.sentCount(action) < n {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d %s, want %d", conn.sentCount(action), action, n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		MaxRetries:        3,
		ReconnectBaseWait: 5 * time.Millisecond,
		ReconnectMaxWait:  20 * time.Millisecond,
	}
}

func newTestSupervisor(cfg SupervisorConfig, tr *fakeTransport, chs Channels) (*Supervisor, *changeLog) {
	sup := NewSupervisor(cfg, tr, protocol.JSONCodec{}, chs, nil, nil)
	sup.SetHandler(controlHandler{sup: sup})
	log := newChangeLog()
	sup.Watch(log.record)
	return sup, log
}

func healthy(n int) *fakeConn { return newFakeConn(true) }

func chID(kind model.Kind, instrument string) model.ChannelID {
	return model.NewChannelID(kind, instrument, "")
}

func equalStates(a, b []model.ConnectionState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to model.ConnectionState
		want     bool
	}{
		{model.StateDisconnected, model.StateConnecting, true},
		{model.StateConnecting, model.StateConnected, true},
		{model.StateConnecting, model.StateDisconnected, true},
		{model.StateConnected, model.StateReconnecting, true},
		{model.StateReconnecting, model.StateConnected, true},
		{model.StateReconnecting, model.StateDisconnected, true},
		{model.StateConnecting, model.StateClosed, true},
		{model.StateConnected, model.StateClosed, true},
		{model.StateReconnecting, model.StateClosed, true},
		{model.StateDisconnected, model.StateConnected, false},
		{model.StateConnected, model.StateDisconnected, false},
		{model.StateReconnecting, model.StateReconnecting, false},
		{model.StateClosed, model.StateConnecting, false},
		{model.StateDisconnected, model.StateClosed, false},
	}

	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 10*time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n, base, max); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestSupervisor_ConnectResubscribesInOrder(t *testing.T) {
	tr := &fakeTransport{plan: healthy}
	chs := &channelList{chs: []model.ChannelID{
		chID(model.KindTrades, "B"),
		chID(model.KindOrderBook, "A"),
	}}
	sup, log := newTestSupervisor(testSupervisorConfig(), tr, chs)

	var hooked int
	sup.SetHooks(Hooks{OnConnected: func() { hooked++ }})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	if sup.State() != model.StateConnected {
		t.Errorf("State() = %s, want connected", sup.State())
	}
	if !sup.IsAlive() {
		t.Error("IsAlive() = false, want true")
	}
	want := []model.ConnectionState{model.StateConnecting, model.StateConnected}
	if got := log.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	subs := tr.conn(0).sentActions(protocol.ActionSubscribe)
	if len(subs) != 2 || subs[0] != "trades-B" || subs[1] != "orderbook-A" {
		t.Errorf("subscribes = %v, want [trades-B orderbook-A]", subs)
	}
	if hooked != 1 {
		t.Errorf("OnConnected called %d times, want 1", hooked)
	}
}

func TestSupervisor_ConnectIdempotent(t *testing.T) {
	tr := &fakeTransport{plan: healthy}
	sup, _ := newTestSupervisor(testSupervisorConfig(), tr, &channelList{})

	ctx := context.Background()
	if err := sup.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := sup.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if tr.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", tr.dialCount())
	}

	if err := sup.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := sup.Disconnect(ctx); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
	if sup.State() != model.StateClosed {
		t.Errorf("State() = %s, want closed", sup.State())
	}
	if err := sup.Connect(ctx); !errors.Is(err, model.ErrSessionClosed) {
		t.Errorf("Connect() after close = %v, want ErrSessionClosed", err)
	}
	if tr.conn(0).IsConnected() {
		t.Error("connection not closed on Disconnect")
	}
}

func TestSupervisor_DisconnectWhileDisconnectedIsNoop(t *testing.T) {
	sup, log := newTestSupervisor(testSupervisorConfig(), &fakeTransport{plan: healthy}, &channelList{})

	if err := sup.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if sup.State() != model.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", sup.State())
	}
	if len(log.states()) != 0 {
		t.Errorf("states = %v, want none", log.states())
	}
}

func TestSupervisor_HandshakeFailureDoesNotRetry(t *testing.T) {
	tr := &fakeTransport{plan: func(int) *fakeConn { return nil }}
	sup, log := newTestSupervisor(testSupervisorConfig(), tr, &channelList{})

	err := sup.Connect(context.Background())
	if !errors.Is(err, model.ErrTransportFailure) {
		t.Fatalf("Connect() error = %v, want ErrTransportFailure", err)
	}

	time.Sleep(50 * time.Millisecond)
	if tr.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", tr.dialCount())
	}
	want := []model.ConnectionState{model.StateConnecting, model.StateDisconnected}
	if got := log.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	// Disconnected is not terminal: an explicit Connect tries again.
	tr.plan = healthy
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("retry Connect() error = %v", err)
	}
	sup.Disconnect(context.Background())
}

func TestSupervisor_HeartbeatTimeoutReconnectsOnce(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond

	tr := &fakeTransport{plan: func(n int) *fakeConn {
		// The first connection never answers pings.
		return newFakeConn(n > 1)
	}}
	sup, log := newTestSupervisor(cfg, tr, &channelList{})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	lost := log.waitFor(t, model.StateReconnecting)
	if !errors.Is(lost.Err, model.ErrHeartbeatTimeout) {
		t.Errorf("Reconnecting cause = %v, want ErrHeartbeatTimeout", lost.Err)
	}
	log.waitFor(t, model.StateConnected)

	// Several heartbeat intervals on the healthy connection.
	time.Sleep(100 * time.Millisecond)

	want := []model.ConnectionState{
		model.StateConnecting, model.StateConnected,
		model.StateReconnecting, model.StateConnected,
	}
	if got := log.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := tr.conn(0).sentCount(protocol.ActionPing); got != 1 {
		t.Errorf("pings on stale connection = %d, want 1", got)
	}

	stats := sup.Stats()
	if stats.HeartbeatTimeouts != 1 {
		t.Errorf("HeartbeatTimeouts = %d, want 1", stats.HeartbeatTimeouts)
	}
	if stats.PongsReceived == 0 {
		t.Error("PongsReceived = 0, want pongs on healthy connection")
	}
}

func TestSupervisor_TransportErrorResubscribesDesiredOnly(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.ReconnectBaseWait = 50 * time.Millisecond

	a, b, c := chID(model.KindOrderBook, "A"), chID(model.KindTrades, "B"), chID(model.KindTicker, "C")
	chs := &channelList{chs: []model.ChannelID{a, b, c}}
	tr := &fakeTransport{plan: healthy}
	sup, log := newTestSupervisor(cfg, tr, chs)

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	tr.conn(0).fail(errors.New("connection reset by peer"))
	lost := log.waitFor(t, model.StateReconnecting)
	if !errors.Is(lost.Err, model.ErrTransportFailure) {
		t.Errorf("Reconnecting cause = %v, want ErrTransportFailure", lost.Err)
	}

	// C is detached during the outage.
	chs.remove(c)
	if err := sup.Unsubscribe(c); err != nil {
		t.Errorf("Unsubscribe() while reconnecting = %v", err)
	}

	log.waitFor(t, model.StateConnected)
	waitSent(t, tr.conn(1), protocol.ActionSubscribe, 2)
	subs := tr.conn(1).sentActions(protocol.ActionSubscribe)
	if len(subs) != 2 || subs[0] != a.Name() || subs[1] != b.Name() {
		t.Errorf("resubscribed = %v, want [%s %s]", subs, a, b)
	}
	if n := tr.conn(1).sentCount(protocol.ActionUnsubscribe); n != 0 {
		t.Errorf("unsubscribes on new connection = %d, want 0", n)
	}
	if tr.conn(0).IsConnected() {
		t.Error("failed connection not closed")
	}
}

func TestSupervisor_BudgetExhausted(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.MaxRetries = 2

	tr := &fakeTransport{plan: func(n int) *fakeConn {
		if n == 1 {
			return newFakeConn(true)
		}
		return nil
	}}
	sup, log := newTestSupervisor(cfg, tr, &channelList{})

	fatal := make(chan error, 2)
	sup.SetHooks(Hooks{OnFatal: func(err error) { fatal <- err }})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	tr.conn(0).fail(errors.New("eof"))

	change := log.waitFor(t, model.StateDisconnected)
	if !errors.Is(change.Err, model.ErrReconnectBudgetExhausted) {
		t.Errorf("Disconnected cause = %v, want ErrReconnectBudgetExhausted", change.Err)
	}
	if change.From != model.StateReconnecting {
		t.Errorf("From = %s, want reconnecting", change.From)
	}

	select {
	case err := <-fatal:
		if !errors.Is(err, model.ErrReconnectBudgetExhausted) {
			t.Errorf("OnFatal err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnFatal not called")
	}

	time.Sleep(30 * time.Millisecond)
	if tr.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", tr.dialCount())
	}
	if got := sup.Stats().ReconnectAttempts; got != 2 {
		t.Errorf("ReconnectAttempts = %d, want 2", got)
	}
}

func TestSupervisor_SubscribeUnsubscribe(t *testing.T) {
	tr := &fakeTransport{plan: healthy}
	sup, _ := newTestSupervisor(testSupervisorConfig(), tr, &channelList{})
	ch := chID(model.KindTicker, "BTCUSD")

	// Not connected: deferred to resubscription.
	if err := sup.Subscribe(ch); err != nil {
		t.Fatalf("Subscribe() while disconnected = %v", err)
	}

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	sup.Subscribe(ch)
	sup.Subscribe(ch)
	conn := tr.conn(0)
	if n := conn.sentCount(protocol.ActionSubscribe); n != 1 {
		t.Errorf("subscribes = %d, want 1", n)
	}

	sup.Unsubscribe(ch)
	sup.Unsubscribe(ch)
	if n := conn.sentCount(protocol.ActionUnsubscribe); n != 1 {
		t.Errorf("unsubscribes = %d, want 1", n)
	}
	if sup.Stats().WiredChannels != 0 {
		t.Errorf("WiredChannels = %d, want 0", sup.Stats().WiredChannels)
	}
}

func TestSupervisor_Resync(t *testing.T) {
	ch := chID(model.KindOrderBook, "BTCUSD")
	tr := &fakeTransport{plan: healthy}
	sup, _ := newTestSupervisor(testSupervisorConfig(), tr, &channelList{chs: []model.ChannelID{ch}})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	sup.Resync(ch)
	sup.Resync(chID(model.KindOrderBook, "UNKNOWN"))

	conn := tr.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()

	var actions []protocol.Action
	for _, m := range conn.sent {
		actions = append(actions, m.Action)
	}
	want := []protocol.Action{protocol.ActionSubscribe, protocol.ActionUnsubscribe, protocol.ActionSubscribe}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("actions[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestSupervisor_ServerPingAnswered(t *testing.T) {
	tr := &fakeTransport{plan: healthy}
	sup, _ := newTestSupervisor(testSupervisorConfig(), tr, &channelList{})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	conn := tr.conn(0)
	conn.inject(protocol.Ping(1234))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		for _, m := range conn.sent {
			if m.Action == protocol.ActionPong {
				conn.mu.Unlock()
				if m.TS != 1234 {
					t.Errorf("pong ts = %d, want 1234", m.TS)
				}
				return
			}
		}
		conn.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pong sent")
}

func TestSupervisor_Rejection(t *testing.T) {
	good, bad := chID(model.KindTicker, "BTCUSD"), chID(model.KindTicker, "NOPE")
	tr := &fakeTransport{plan: healthy}
	sup, _ := newTestSupervisor(testSupervisorConfig(), tr, &channelList{chs: []model.ChannelID{good, bad}})

	rejected := make(chan *model.SubscriptionRejectedError, 1)
	sup.SetHooks(Hooks{OnRejected: func(ch model.ChannelID, err *model.SubscriptionRejectedError) {
		rejected <- err
	}})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sup.Disconnect(context.Background())

	tr.conn(0).inject(protocol.Message{
		Action:  protocol.ActionSubscribe,
		Channel: bad.Name(),
		Status:  protocol.StatusError,
		Code:    "bad-request",
		Text:    "invalid symbol",
	})

	select {
	case err := <-rejected:
		if err.Channel != bad || err.Code != "bad-request" {
			t.Errorf("rejection = %+v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnRejected not called")
	}

	if sup.State() != model.StateConnected {
		t.Errorf("State() = %s, want connected", sup.State())
	}
	if got := sup.Stats().WiredChannels; got != 1 {
		t.Errorf("WiredChannels = %d, want 1", got)
	}
}

func TestSupervisor_DisconnectDuringReconnect(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.ReconnectBaseWait = time.Hour

	tr := &fakeTransport{plan: healthy}
	sup, log := newTestSupervisor(cfg, tr, &channelList{})

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tr.conn(0).fail(errors.New("eof"))
	log.waitFor(t, model.StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	change := log.waitFor(t, model.StateClosed)
	if change.From != model.StateReconnecting {
		t.Errorf("From = %s, want reconnecting", change.From)
	}
	if tr.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", tr.dialCount())
	}
}

func TestSupervisor_WatchCancel(t *testing.T) {
	sup := NewSupervisor(testSupervisorConfig(), &fakeTransport{plan: healthy}, protocol.JSONCodec{}, &channelList{}, nil, nil)

	var mu sync.Mutex
	var count int
	cancel := sup.Watch(func(model.StateChange) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	sup.Connect(context.Background())
	cancel()
	sup.Disconnect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("watcher calls = %d, want 2", count)
	}
}
