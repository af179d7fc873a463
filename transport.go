package cheburnet

import (
	"context"
	"encoding/json"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// MessageNewEvent is a message pushed for one of the user's chats.
type MessageNewEvent struct {
	ChatID  int64
	Message Message
}

// PresenceEvent reports the counterpart's online state in a subscribed chat.
type PresenceEvent struct {
	ChatID int64
	UserID int64
	Online bool
}

// TypingEvent is typing:start (Typing=true) or typing:stop.
type TypingEvent struct {
	ChatID     int64
	FromUserID int64
	Typing     bool
}

// ReadEvent carries the peer's new read cursor.
type ReadEvent struct {
	ChatID     int64
	UserID     int64
	LastReadID int64
}

// wireEvent is the flat inbound frame: {type, chat_id, ...}.
type wireEvent struct {
	Type              string   `json:"type"`
	ChatID            int64    `json:"chat_id"`
	Message           *Message `json:"message,omitempty"`
	UserID            int64    `json:"user_id,omitempty"`
	Online            bool     `json:"online,omitempty"`
	FromUserID        int64    `json:"from_user_id,omitempty"`
	LastReadMessageID int64    `json:"last_read_message_id,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id,omitempty"`
}

const (
	cmdPresenceSubscribe   = "presence:subscribe"
	cmdPresenceUnsubscribe = "presence:unsubscribe"
	cmdTypingStart         = "typing:start"
	cmdTypingStop          = "typing:stop"
	cmdPing                = "ping"

	evMessageNew = "message:new"
	evPresence   = "presence:state"
	evTypingOn   = "typing:start"
	evTypingOff  = "typing:stop"
	evRead       = "message:read"
	evPong       = "pong"
)

// ConnectionState is the push connection state.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run on the read goroutine in frame order and must not block.
type eventDispatcher struct {
	mu             sync.RWMutex
	onMessageNew   []func(MessageNewEvent)
	onPresence     []func(PresenceEvent)
	onTyping       []func(TypingEvent)
	onRead         []func(ReadEvent)
	onState        []func(ConnectionState)
	onReconnecting []func(int, time.Duration)
}

func (d *eventDispatcher) dispatch(ev wireEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch ev.Type {
	case evMessageNew:
		if ev.Message == nil || ev.ChatID == 0 {
			return
		}
		p := MessageNewEvent{ChatID: ev.ChatID, Message: *ev.Message}
		for _, h := range d.onMessageNew {
			h(p)
		}
	case evPresence:
		p := PresenceEvent{ChatID: ev.ChatID, UserID: ev.UserID, Online: ev.Online}
		for _, h := range d.onPresence {
			h(p)
		}
	case evTypingOn, evTypingOff:
		p := TypingEvent{ChatID: ev.ChatID, FromUserID: ev.FromUserID, Typing: ev.Type == evTypingOn}
		for _, h := range d.onTyping {
			h(p)
		}
	case evRead:
		p := ReadEvent{ChatID: ev.ChatID, UserID: ev.UserID, LastReadID: ev.LastReadMessageID}
		for _, h := range d.onRead {
			h(p)
		}
	case evPong:
	default:
		jww.DEBUG.Printf("[WS] dropping unknown event type %q", ev.Type)
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := append([]func(ConnectionState){}, d.onState...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	growth    float64
	attempt   int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay: cfg.ReconnectBaseDelay,
		maxDelay:  cfg.ReconnectMaxDelay,
		growth:    cfg.ReconnectGrowth,
	}
}

// nextDelay returns min(max, base*growth^attempt) and counts the attempt.
func (r *reconnector) nextDelay() time.Duration {
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(r.growth, float64(r.attempt)),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Transport
// ============================================================================

// ErrUnauthorized is reported when the server closes the socket with a
// policy violation, which it does for a bad token. No reconnect follows.
var ErrUnauthorized = errors.New("push connection rejected: unauthorized")

// Transport owns the single websocket of a session: dial, typed dispatch,
// heartbeat and backoff reconnect.
type Transport struct {
	baseURL string
	config  *Config
	metrics *Metrics

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnectionState
	token          string
	gen            uint64
	cancelConn     context.CancelFunc
	reconnectTimer *time.Timer
	subscribed     int64
	lastErr        error
	closed         bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	dispatcher eventDispatcher
	recon      *reconnector
}

// NewTransport creates a closed transport for the service at baseURL.
func NewTransport(baseURL string, cfg *Config, metrics *Metrics) *Transport {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &c,
		metrics:    metrics,
		rootCtx:    ctx,
		rootCancel: cancel,
		recon:      newReconnector(&c),
	}
}

func (t *Transport) OnMessageNew(h func(MessageNewEvent)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onMessageNew = append(t.dispatcher.onMessageNew, h)
	t.dispatcher.mu.Unlock()
}

func (t *Transport) OnPresence(h func(PresenceEvent)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onPresence = append(t.dispatcher.onPresence, h)
	t.dispatcher.mu.Unlock()
}

func (t *Transport) OnTyping(h func(TypingEvent)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onTyping = append(t.dispatcher.onTyping, h)
	t.dispatcher.mu.Unlock()
}

func (t *Transport) OnRead(h func(ReadEvent)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onRead = append(t.dispatcher.onRead, h)
	t.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (t *Transport) OnStateChange(h func(ConnectionState)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onState = append(t.dispatcher.onState, h)
	t.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called when a reconnect is scheduled.
func (t *Transport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	t.dispatcher.mu.Lock()
	t.dispatcher.onReconnecting = append(t.dispatcher.onReconnecting, h)
	t.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the reason the transport gave up, if it did.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func wsURL(baseURL, token string) string {
	base := strings.Replace(baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws?token=" + url.QueryEscape(token)
}

// Connect replaces any current connection with a new one authenticated by
// token. ctx bounds the dial only. A failed dial still schedules a
// reconnect unless reconnects are disabled.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.token = token
	t.lastErr = nil
	t.dropLocked()
	t.recon.reset()
	t.mu.Unlock()

	return t.dial(ctx)
}

// dropLocked retires the current connection so its loops exit quietly.
func (t *Transport) dropLocked() {
	t.gen++
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	if t.conn != nil {
		conn := t.conn
		t.conn = nil
		go conn.Close(websocket.StatusNormalClosure, "replaced")
	}
}

func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	gen := t.gen
	token := t.token
	t.mu.Unlock()
	t.setState(gen, StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL(t.baseURL, token), nil)
	cancel()
	if err != nil {
		jww.WARN.Printf("[WS] dial failed: %v", err)
		t.setState(gen, StateClosed)
		t.scheduleReconnect(gen)
		return errors.Wrap(err, "websocket dial")
	}

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	connCtx, connCancel := context.WithCancel(t.rootCtx)
	t.conn = conn
	t.cancelConn = connCancel
	t.recon.reset()
	chatID := t.subscribed
	t.mu.Unlock()

	jww.INFO.Printf("[WS] connected")
	t.setState(gen, StateOpen)

	// Subscriptions do not survive a reconnect.
	if chatID != 0 {
		t.Send(connCtx, Command{Type: cmdPresenceSubscribe, ChatID: chatID})
	}

	go t.readLoop(connCtx, conn, gen)
	go t.heartbeatLoop(connCtx, conn, gen)
	return nil
}

func (t *Transport) setState(gen uint64, s ConnectionState) {
	t.mu.Lock()
	if gen != t.gen || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.metrics.ConnectionState.Set(float64(s))
	t.dispatcher.emitState(s)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			current := gen == t.gen && !t.closed
			if current {
				t.conn = nil
			}
			t.mu.Unlock()
			if !current {
				return
			}

			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				jww.ERROR.Printf("[WS] server rejected token, not reconnecting")
				t.mu.Lock()
				t.lastErr = ErrUnauthorized
				t.mu.Unlock()
				t.setState(gen, StateClosed)
				return
			}
			jww.INFO.Printf("[WS] connection lost: %v", err)
			t.setState(gen, StateClosed)
			t.scheduleReconnect(gen)
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			jww.DEBUG.Printf("[WS] dropping malformed frame: %v", err)
			continue
		}

		t.mu.Lock()
		current := gen == t.gen
		t.mu.Unlock()
		if !current {
			return
		}
		t.dispatcher.dispatch(ev)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateOpen {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
			data, _ := json.Marshal(Command{Type: cmdPing})
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				jww.WARN.Printf("[WS] heartbeat failed, closing: %v", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (t *Transport) scheduleReconnect(gen uint64) {
	if t.config.DisableReconnect {
		return
	}
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	delay := t.recon.nextDelay()
	attempt := t.recon.attempt
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		stale := gen != t.gen || t.closed
		t.reconnectTimer = nil
		t.mu.Unlock()
		if stale {
			return
		}
		_ = t.dial(t.rootCtx)
	})
	t.mu.Unlock()

	t.metrics.Reconnects.Inc()
	jww.INFO.Printf("[WS] reconnect attempt %d in %s", attempt, delay)
	t.dispatcher.emitReconnecting(attempt, delay)
}

// Send writes cmd if the connection is open. It never queues: the result
// is false when the frame was dropped.
func (t *Transport) Send(ctx context.Context, cmd Command) bool {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if conn == nil || !open {
		return false
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return false
	}
	wctx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		jww.DEBUG.Printf("[WS] dropping %s: %v", cmd.Type, err)
		return false
	}
	return true
}

// Subscribe moves the presence subscription to chatID (0 clears it). The
// chat is re-subscribed automatically after every reconnect.
func (t *Transport) Subscribe(ctx context.Context, chatID int64) {
	t.mu.Lock()
	prev := t.subscribed
	t.subscribed = chatID
	t.mu.Unlock()

	if prev != 0 && prev != chatID {
		t.Send(ctx, Command{Type: cmdPresenceUnsubscribe, ChatID: prev})
	}
	if chatID != 0 && prev != chatID {
		t.Send(ctx, Command{Type: cmdPresenceSubscribe, ChatID: chatID})
	}
}

func (t *Transport) StartTyping(chatID int64) bool {
	return t.Send(t.rootCtx, Command{Type: cmdTypingStart, ChatID: chatID})
}

func (t *Transport) StopTyping(chatID int64) bool {
	return t.Send(t.rootCtx, Command{Type: cmdTypingStop, ChatID: chatID})
}

// Close shuts the connection down for good and cancels pending reconnects.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.gen++
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	conn := t.conn
	t.conn = nil
	wasOpen := t.state != StateClosed
	t.state = StateClosed
	t.mu.Unlock()

	t.rootCancel()
	t.metrics.ConnectionState.Set(float64(StateClosed))
	if wasOpen {
		t.dispatcher.emitState(StateClosed)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}
