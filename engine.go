package cheburnet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	jww "github.com/spf13/jwalterweatherman"
)

var (
	ErrNoActiveChat = errors.New("no active chat")
	ErrNotStarted   = errors.New("engine not started")
)

// ChatAPI is the remote surface the engine drives. *Client implements it.
type ChatAPI interface {
	BaseURL() string
	Token() string
	Me(ctx context.Context) (*User, error)
	ListDialogs(ctx context.Context) ([]Dialog, error)
	StartDM(ctx context.Context, otherUserID int64) (*StartDMResult, error)
	Messages(ctx context.Context, chatID int64, q MessageQuery) (*MessagePage, error)
	SendMessage(ctx context.Context, chatID int64, text string, fileIDs []int64) (*Message, error)
	MarkRead(ctx context.Context, chatID, lastReadID int64) error
	Upload(ctx context.Context, f OutgoingFile, onProgress func(sent, total int64)) (*UploadResult, error)
}

// ViewState describes what the user can actually see. A chat is on screen
// only when the chats tab is active and, on narrow layouts, the chat panel
// is open over the dialog list.
type ViewState struct {
	ChatsTab  bool
	Mobile    bool
	PanelOpen bool
}

func (v ViewState) chatOnScreen() bool {
	return v.ChatsTab && (!v.Mobile || v.PanelOpen)
}

// conversation is everything the engine tracks for one chat.
type conversation struct {
	id           int64
	dialog       Dialog
	known        bool
	online       bool
	timeline     *Timeline
	receipts     *ReadTracker
	typing       *TypingState
	loaded       bool
	loadingOlder bool
}

// Engine owns all sync state of a session and is the only thing the
// presentation layer talks to.
type Engine struct {
	emitter

	api       ChatAPI
	config    Config
	metrics   *Metrics
	ledger    *Ledger
	transport *Transport
	poller    *Poller
	probe     *CapabilityProbe
	sender    *SendPipeline
	typingOut *TypingNotifier
	dialogs   *debouncer

	mu       sync.Mutex
	me       *User
	active   int64
	view     ViewState
	viewport Viewport
	convs    map[int64]*conversation
	order    []int64
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// NewEngine wires the components around api and the ledger store. cfg may
// be nil.
func NewEngine(api ChatAPI, store Store, cfg *Config) (*Engine, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	metrics := NewMetrics(c.Registerer)

	ledger, err := OpenLedger(store, metrics)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		api:     api,
		config:  c,
		metrics: metrics,
		ledger:  ledger,
		probe:   &CapabilityProbe{},
		view:    ViewState{ChatsTab: true},
		convs:   make(map[int64]*conversation),
		runCtx:  context.Background(),
	}
	e.transport = NewTransport(api.BaseURL(), &e.config, metrics)
	e.poller = newPoller(api, e, e.probe, func() bool { return e.transport.State() == StateOpen }, &e.config, metrics)
	e.sender = newSendPipeline(api, ledger, &e.config, metrics, e.emit, e.commitSent)
	e.typingOut = newTypingNotifier(e.transport, c.TypingThrottle, c.TypingQuiet)
	e.dialogs = newDebouncer(c.DialogRefreshDebounce, e.refreshDialogs)
	ledger.bindDialogs(e.isKnown, e.dialogs.Trigger)

	e.transport.OnMessageNew(e.handleMessageNew)
	e.transport.OnPresence(e.handlePresence)
	e.transport.OnTyping(e.handleTyping)
	e.transport.OnRead(e.handleRead)
	e.transport.OnStateChange(func(s ConnectionState) {
		jww.DEBUG.Printf("[SYNC] push connection %s", s)
		e.emit(EventConnection{State: s})
	})
	e.transport.OnReconnecting(func(attempt int, delay time.Duration) {
		e.emit(EventReconnecting{Attempt: attempt, Delay: delay})
	})
	return e, nil
}

// Start loads the current user and dialog list, opens the push connection
// and starts the fallback poller. A failed socket dial is not an error:
// reconnects and polling take over.
func (e *Engine) Start(ctx context.Context) error {
	me, err := e.api.Me(ctx)
	if err != nil {
		return errors.Wrap(err, "load current user")
	}
	e.mu.Lock()
	e.me = me
	runCtx, cancel := context.WithCancel(context.Background())
	e.runCtx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	if err := e.ReloadDialogs(ctx); err != nil {
		jww.WARN.Printf("[SYNC] initial dialog load failed: %v", err)
	}
	if err := e.transport.Connect(ctx, e.api.Token()); err != nil {
		jww.WARN.Printf("[SYNC] push connect failed, polling until reconnect: %v", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.poller.Run(runCtx)
	}()
	return nil
}

// Close stops every timer and loop, closes the socket and the ledger.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	convs := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		convs = append(convs, c)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.dialogs.Stop()
	e.typingOut.Flush()
	for _, c := range convs {
		c.typing.Stop()
	}
	_ = e.transport.Close()
	e.wg.Wait()
	e.removeAll()
	return e.ledger.Close()
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// ============================================================================
// Conversation records
// ============================================================================

// convLocked returns the record for id, creating it. Caller holds e.mu.
func (e *Engine) convLocked(id int64) *conversation {
	if c, ok := e.convs[id]; ok {
		return c
	}
	c := &conversation{
		id:       id,
		dialog:   Dialog{ChatID: id},
		timeline: NewTimeline(),
		receipts: &ReadTracker{},
	}
	c.typing = newTypingState(e.config.TypingTTL, func() {
		e.emit(EventTyping{ChatID: id, Typing: false})
	})
	e.convs[id] = c
	return c
}

func (e *Engine) conv(id int64) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convs[id]
}

func (e *Engine) isKnown(chatID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convs[chatID]
	return c != nil && c.known
}

// visibleLocked reports whether chatID is the chat the user is looking at.
func (e *Engine) visibleLocked(chatID int64) bool {
	return chatID != 0 && e.active == chatID && e.view.chatOnScreen()
}

// ReloadDialogs refreshes the dialog list. Records missing from the new
// list are dropped, except the active chat.
func (e *Engine) ReloadDialogs(ctx context.Context) error {
	list, err := e.api.ListDialogs(ctx)
	if err != nil {
		return errors.Wrap(err, "list dialogs")
	}

	e.mu.Lock()
	seen := make(map[int64]bool, len(list))
	order := make([]int64, 0, len(list))
	for _, d := range list {
		c := e.convLocked(d.ChatID)
		c.dialog = d
		c.known = true
		c.online = d.OtherOnline
		c.receipts.ObserveRemoteRead(d.OtherLastRead)
		c.receipts.acked(d.MyLastRead)
		seen[d.ChatID] = true
		order = append(order, d.ChatID)
	}
	for id, c := range e.convs {
		if !seen[id] && id != e.active {
			c.typing.Stop()
			delete(e.convs, id)
		}
	}
	e.order = order
	e.mu.Unlock()

	e.emit(EventDialogs{Dialogs: list})
	return nil
}

func (e *Engine) refreshDialogs() {
	ctx, cancel := context.WithTimeout(e.ctx(), e.config.RequestTimeout)
	defer cancel()
	if err := e.ReloadDialogs(ctx); err != nil {
		jww.WARN.Printf("[SYNC] dialog refresh failed: %v", err)
	}
}

// ============================================================================
// User actions
// ============================================================================

// SetView updates what is on screen and re-evaluates read marking.
func (e *Engine) SetView(ctx context.Context, v ViewState) {
	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
	e.MaybeMarkRead(ctx)
}

// AttachViewport sets the geometry source for the active timeline. With no
// viewport the engine behaves as if the view were pinned to the bottom.
func (e *Engine) AttachViewport(v Viewport) {
	e.mu.Lock()
	e.viewport = v
	e.mu.Unlock()
}

// OpenChat makes chatID the active conversation and loads its latest page.
// If that page cannot be loaded no chat is left active.
func (e *Engine) OpenChat(ctx context.Context, chatID int64) error {
	e.mu.Lock()
	if e.me == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	prev := e.convs[e.active]
	e.active = chatID
	c := e.convLocked(chatID)
	c.loaded = false
	c.loadingOlder = false
	e.mu.Unlock()

	if prev != nil && prev.id != chatID {
		prev.typing.Stop()
	}
	c.typing.Stop()
	e.typingOut.Flush()
	e.setUnread(chatID, false)
	e.transport.Subscribe(ctx, chatID)
	e.poller.Reset()

	page, err := e.api.Messages(ctx, chatID, MessageQuery{Limit: e.config.PageLimit})
	if err != nil {
		e.mu.Lock()
		cleared := e.active == chatID
		if cleared {
			e.active = 0
		}
		e.mu.Unlock()
		if cleared {
			e.transport.Subscribe(ctx, 0)
		}
		return errors.Wrapf(err, "load chat %d", chatID)
	}

	e.mu.Lock()
	if e.active != chatID {
		e.mu.Unlock()
		return nil
	}
	// Pushes that landed while the page was in flight may be newer than
	// the server's snapshot.
	held := c.timeline.Messages()
	c.timeline.Replace(page.Items, page.NextBeforeID)
	top := c.timeline.HighestID()
	for _, m := range held {
		if m.ID > top {
			c.timeline.Append(m)
		}
	}
	c.loaded = true
	c.receipts.ObserveRemoteRead(page.ReadState.OtherLastRead)
	c.receipts.acked(page.ReadState.MyLastRead)
	other := c.dialog.Other
	e.mu.Unlock()

	e.metrics.Appended.WithLabelValues("history").Add(float64(len(page.Items)))
	e.emit(EventChatOpened{ChatID: chatID, Other: other, Messages: c.timeline.Messages(), Draft: e.ledger.Draft(chatID)})
	e.emit(EventReadMarks{ChatID: chatID, OtherLastRead: c.receipts.OtherLastRead()})
	e.MaybeMarkRead(ctx)
	return nil
}

// StartDM opens (creating if needed) the conversation with a user.
func (e *Engine) StartDM(ctx context.Context, otherUserID int64) (int64, error) {
	res, err := e.api.StartDM(ctx, otherUserID)
	if err != nil {
		return 0, errors.Wrapf(err, "start dm with %d", otherUserID)
	}
	e.mu.Lock()
	c := e.convLocked(res.ChatID)
	c.dialog.Other = res.With
	known := c.known
	e.mu.Unlock()
	if !known {
		e.dialogs.Trigger()
	}
	return res.ChatID, e.OpenChat(ctx, res.ChatID)
}

// CloseChat leaves the active conversation (e.g. back to the list).
func (e *Engine) CloseChat(ctx context.Context) {
	e.mu.Lock()
	c := e.convs[e.active]
	e.active = 0
	e.mu.Unlock()
	if c != nil {
		c.typing.Stop()
	}
	e.typingOut.Flush()
	e.transport.Subscribe(ctx, 0)
}

// InputChanged stores the composer text as the active chat's draft and
// drives outbound typing notifications.
func (e *Engine) InputChanged(text string) {
	e.mu.Lock()
	chatID := e.active
	visible := e.visibleLocked(chatID)
	e.mu.Unlock()
	if chatID == 0 {
		return
	}
	e.ledger.SetDraft(chatID, text)
	if text == "" {
		e.typingOut.Flush()
		return
	}
	e.typingOut.Keystroke(chatID, visible, time.Now())
}

// Send submits the composer content to the active chat.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*Message, error) {
	e.mu.Lock()
	chatID := e.active
	e.mu.Unlock()
	if chatID == 0 {
		return nil, ErrNoActiveChat
	}
	e.typingOut.Flush()
	return e.sender.Send(ctx, chatID, req)
}

// CancelUpload aborts the active chat's attachment upload.
func (e *Engine) CancelUpload() bool {
	e.mu.Lock()
	chatID := e.active
	e.mu.Unlock()
	return e.sender.Cancel(chatID)
}

// SendBusy reports whether the active chat has a send in flight.
func (e *Engine) SendBusy() bool {
	e.mu.Lock()
	chatID := e.active
	e.mu.Unlock()
	return e.sender.Busy(chatID)
}

func (e *Engine) commitSent(chatID int64, m Message) {
	e.mu.Lock()
	c := e.convs[chatID]
	active := e.active == chatID
	e.mu.Unlock()
	if c != nil && c.timeline.Append(m) {
		e.metrics.Appended.WithLabelValues("send").Inc()
		if active {
			e.emit(EventMessage{ChatID: chatID, Message: m, Source: "send"})
		}
	}
	e.setUnread(chatID, false)
}

// OnScroll is called by the presentation layer after every scroll. It
// loads older history near the top and re-evaluates read marking.
func (e *Engine) OnScroll(ctx context.Context) {
	e.mu.Lock()
	vp := e.viewport
	e.mu.Unlock()
	if vp != nil && nearTop(vp, e.config.LoadMoreThreshold) {
		if _, err := e.LoadOlder(ctx); err != nil {
			jww.WARN.Printf("[SYNC] load older: %v", err)
		}
	}
	e.MaybeMarkRead(ctx)
}

// LoadOlder fetches the page before the active timeline's cursor and
// prepends it, keeping the top visible message where it was on screen.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	chatID := e.active
	c := e.convs[chatID]
	if c == nil || c.loadingOlder {
		e.mu.Unlock()
		return 0, nil
	}
	cursor := c.timeline.NextBeforeID()
	if cursor == nil {
		e.mu.Unlock()
		return 0, nil
	}
	c.loadingOlder = true
	vp := e.viewport
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		c.loadingOlder = false
		e.mu.Unlock()
	}()

	page, err := e.api.Messages(ctx, chatID, MessageQuery{Limit: e.config.PageLimit, BeforeID: *cursor})
	if err != nil {
		return 0, errors.Wrapf(err, "load history of chat %d", chatID)
	}

	e.mu.Lock()
	stale := e.active != chatID
	e.mu.Unlock()
	if stale {
		return 0, nil
	}

	var anchor Anchor
	anchored := false
	if vp != nil {
		anchor, anchored = CaptureAnchor(vp)
	}
	added := c.timeline.PrependPage(page.Items, page.NextBeforeID)
	if c.receipts.ObserveRemoteRead(page.ReadState.OtherLastRead) {
		e.emit(EventReadMarks{ChatID: chatID, OtherLastRead: c.receipts.OtherLastRead()})
	}
	if len(added) == 0 {
		return 0, nil
	}
	if vp != nil {
		vp.ApplyPrepend(added)
		if anchored {
			anchor.Restore(vp)
		}
	}
	e.metrics.Appended.WithLabelValues("history").Add(float64(len(added)))
	e.emit(EventHistoryPrepended{ChatID: chatID, Messages: added})
	return len(added), nil
}

// MaybeMarkRead acknowledges the newest message of the active chat when
// it is on screen and scrolled to the bottom. Failures are logged and
// retried on the next call.
func (e *Engine) MaybeMarkRead(ctx context.Context) {
	e.mu.Lock()
	chatID := e.active
	visible := e.visibleLocked(chatID)
	vp := e.viewport
	c := e.convs[chatID]
	e.mu.Unlock()

	if !visible || c == nil {
		return
	}
	if vp != nil && !nearBottom(vp, e.config.NearBottomThreshold) {
		return
	}
	highest := c.timeline.HighestID()
	if highest == 0 {
		return
	}

	if c.receipts.needsAck(highest) {
		rctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
		err := e.api.MarkRead(rctx, chatID, highest)
		cancel()
		if err != nil {
			e.metrics.ReadMarks.WithLabelValues("failed").Inc()
			jww.WARN.Printf("[SYNC] mark read chat %d up to %d: %v", chatID, highest, err)
			return
		}
		e.metrics.ReadMarks.WithLabelValues("ok").Inc()
		c.receipts.acked(highest)
	}
	e.setUnread(chatID, false)
}

func (e *Engine) setUnread(chatID int64, unread bool) {
	if e.ledger.Unread(chatID) == unread {
		return
	}
	e.ledger.SetUnread(chatID, unread)
	e.emit(EventUnread{ChatID: chatID, Unread: unread})
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleMessageNew(ev MessageNewEvent) {
	e.mu.Lock()
	me := e.me
	active := e.active == ev.ChatID
	visible := e.visibleLocked(ev.ChatID)
	c := e.convs[ev.ChatID]
	known := c != nil && c.known
	e.mu.Unlock()

	if active && c != nil && c.timeline.Append(ev.Message) {
		e.metrics.Appended.WithLabelValues("push").Inc()
		e.emit(EventMessage{ChatID: ev.ChatID, Message: ev.Message, Source: "push"})
	}

	if visible {
		go e.MaybeMarkRead(e.ctx())
		return
	}
	mine := me != nil && ev.Message.SenderID == me.ID
	if !mine {
		e.setUnread(ev.ChatID, true)
	} else if !known {
		e.dialogs.Trigger()
	}
}

func (e *Engine) handlePresence(ev PresenceEvent) {
	e.mu.Lock()
	c := e.convs[ev.ChatID]
	if c == nil || (c.dialog.Other.ID != 0 && c.dialog.Other.ID != ev.UserID) {
		e.mu.Unlock()
		return
	}
	changed := c.online != ev.Online
	c.online = ev.Online
	e.mu.Unlock()

	if changed {
		e.emit(EventPresence{ChatID: ev.ChatID, Online: ev.Online})
	}
}

func (e *Engine) handleTyping(ev TypingEvent) {
	e.mu.Lock()
	me := e.me
	visible := e.visibleLocked(ev.ChatID)
	c := e.convs[ev.ChatID]
	e.mu.Unlock()

	if c == nil || !visible || (me != nil && ev.FromUserID == me.ID) {
		return
	}
	if ev.Typing {
		if c.typing.Start(time.Now()) {
			e.emit(EventTyping{ChatID: ev.ChatID, Typing: true})
		}
		return
	}
	if c.typing.Stop() {
		e.emit(EventTyping{ChatID: ev.ChatID, Typing: false})
	}
}

func (e *Engine) handleRead(ev ReadEvent) {
	e.mu.Lock()
	me := e.me
	c := e.convs[ev.ChatID]
	e.mu.Unlock()

	if c == nil || (me != nil && ev.UserID == me.ID) {
		return
	}
	if c.receipts.ObserveRemoteRead(ev.LastReadID) {
		e.emit(EventReadMarks{ChatID: ev.ChatID, OtherLastRead: c.receipts.OtherLastRead()})
	}
}

// ============================================================================
// Poll target
// ============================================================================

func (e *Engine) pollChat() (int64, int64, bool) {
	e.mu.Lock()
	chatID := e.active
	c := e.convs[chatID]
	ready := c != nil && c.loaded
	e.mu.Unlock()
	if !ready {
		return 0, 0, false
	}
	return chatID, c.timeline.HighestID(), true
}

func (e *Engine) applyPoll(chatID int64, items []Message, rs ReadState) int {
	e.mu.Lock()
	me := e.me
	c := e.convs[chatID]
	stale := e.active != chatID || c == nil || !c.loaded
	visible := e.visibleLocked(chatID)
	e.mu.Unlock()
	if stale {
		return 0
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	n := 0
	foreign := false
	for _, m := range items {
		if !c.timeline.Append(m) {
			continue
		}
		n++
		if me == nil || m.SenderID != me.ID {
			foreign = true
		}
		e.emit(EventMessage{ChatID: chatID, Message: m, Source: "poll"})
	}
	e.metrics.Appended.WithLabelValues("poll").Add(float64(n))

	if c.receipts.ObserveRemoteRead(rs.OtherLastRead) {
		e.emit(EventReadMarks{ChatID: chatID, OtherLastRead: c.receipts.OtherLastRead()})
	}
	if foreign && !visible {
		e.setUnread(chatID, true)
	}
	e.MaybeMarkRead(e.ctx())
	return n
}

// ============================================================================
// Snapshots
// ============================================================================

func (e *Engine) Me() *User {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.me == nil {
		return nil
	}
	u := *e.me
	return &u
}

func (e *Engine) ActiveChat() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Dialogs returns the known dialog list in server order.
func (e *Engine) Dialogs() []Dialog {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Dialog, 0, len(e.order))
	for _, id := range e.order {
		if c := e.convs[id]; c != nil {
			d := c.dialog
			d.OtherOnline = c.online
			out = append(out, d)
		}
	}
	return out
}

// Timeline returns the loaded messages of chatID, ascending.
func (e *Engine) Timeline(chatID int64) []Message {
	if c := e.conv(chatID); c != nil {
		return c.timeline.Messages()
	}
	return nil
}

func (e *Engine) Unread(chatID int64) bool  { return e.ledger.Unread(chatID) }
func (e *Engine) Draft(chatID int64) string { return e.ledger.Draft(chatID) }

func (e *Engine) Typing(chatID int64) bool {
	if c := e.conv(chatID); c != nil {
		return c.typing.IsTyping(time.Now())
	}
	return false
}

func (e *Engine) Online(chatID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convs[chatID]
	return c != nil && c.online
}

func (e *Engine) OtherLastRead(chatID int64) int64 {
	if c := e.conv(chatID); c != nil {
		return c.receipts.OtherLastRead()
	}
	return 0
}

// Mark returns the delivery mark of an outgoing message in chatID.
func (e *Engine) Mark(chatID, messageID int64) ReceiptMark {
	if c := e.conv(chatID); c != nil {
		return c.receipts.Mark(messageID)
	}
	return MarkSent
}

func (e *Engine) ConnectionState() ConnectionState { return e.transport.State() }
func (e *Engine) Capability() CapabilityState      { return e.probe.State() }
func (e *Engine) PollInterval() time.Duration      { return e.poller.Interval() }
