package cheburnet

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	bob   = User{ID: 2, Username: "bob"}
	carol = User{ID: 3, Username: "carol"}
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// connectedEngine starts an engine against b with dialogs 7 (carol) and 42
// (bob) and waits for its socket.
func connectedEngine(t *testing.T, b *fakeBackend) (*Engine, *eventLog) {
	t.Helper()
	b.addDialog(7, carol)
	b.addDialog(42, bob)
	e, log := startEngine(t, b, testConfig())
	waitFor(t, func() bool { return b.socketCount() == 1 }, "socket never opened")
	return e, log
}

func pushMessage(b *fakeBackend, chatID, id, sender int64) {
	b.push(map[string]interface{}{
		"type":    "message:new",
		"chat_id": chatID,
		"message": map[string]interface{}{"id": id, "sender_id": sender, "text": "hey"},
	})
}

func lastChatOpened(l *eventLog) (EventChatOpened, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if ev, ok := l.events[i].(EventChatOpened); ok {
			return ev, true
		}
	}
	return EventChatOpened{}, false
}

func TestEngineStart(t *testing.T) {
	b := newFakeBackend(t)
	e, log := connectedEngine(t, b)

	assert.Equal(t, int64(1), e.Me().ID)
	require.Len(t, e.Dialogs(), 2)
	assert.Equal(t, []int64{7, 42}, []int64{e.Dialogs()[0].ChatID, e.Dialogs()[1].ChatID})
	assert.Equal(t, StateOpen, e.ConnectionState())
	assert.Contains(t, log.kinds(), "dialogs")
	assert.Contains(t, log.kinds(), "connection")
}

func TestEngineStartUnauthorized(t *testing.T) {
	b := newFakeBackend(t)
	e, err := NewEngine(NewClient(b.URL(), WithToken("stale")), NewMemoryStore(), testConfig())
	require.NoError(t, err)
	defer e.Close()
	assert.Error(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.OpenChat(context.Background(), 7), ErrNotStarted)
}

func TestEngineUnreadForBackgroundChat(t *testing.T) {
	b := newFakeBackend(t)
	e, log := connectedEngine(t, b)
	ctx := context.Background()

	require.NoError(t, e.OpenChat(ctx, 7))
	b.addMessages(42, bob.ID, 100, 100)
	pushMessage(b, 42, 100, bob.ID)

	waitFor(t, func() bool { return e.Unread(42) }, "unread flag not set")
	assert.Empty(t, e.Timeline(42), "background chats are not rendered")
	assert.Empty(t, b.readCalls())
	assert.Equal(t, 0, log.count("message"))

	require.NoError(t, e.OpenChat(ctx, 42))
	assert.Equal(t, []readCall{{ChatID: 42, ID: 100}}, b.readCalls())
	assert.False(t, e.Unread(42))
	assert.Equal(t, []int64{100}, ids(e.Timeline(42)))
}

func TestEngineVisibleChatMarksRead(t *testing.T) {
	b := newFakeBackend(t)
	b.addMessages(42, bob.ID, 1, 10)
	e, log := connectedEngine(t, b)
	ctx := context.Background()

	require.NoError(t, e.OpenChat(ctx, 42))
	assert.Equal(t, []readCall{{ChatID: 42, ID: 10}}, b.readCalls())

	pushMessage(b, 42, 11, bob.ID)
	waitFor(t, func() bool { return len(b.readCalls()) == 2 }, "new message not acknowledged")
	assert.Equal(t, readCall{ChatID: 42, ID: 11}, b.readCalls()[1])
	assert.False(t, e.Unread(42))
	assert.Equal(t, 1, log.count("message"))

	pushMessage(b, 42, 11, bob.ID)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 11, len(e.Timeline(42)), "duplicate push is dropped")
}

func TestEngineHiddenChatStaysUnread(t *testing.T) {
	b := newFakeBackend(t)
	b.addMessages(42, bob.ID, 1, 3)
	e, _ := connectedEngine(t, b)
	ctx := context.Background()

	require.NoError(t, e.OpenChat(ctx, 42))
	e.SetView(ctx, ViewState{ChatsTab: true, Mobile: true, PanelOpen: false})

	pushMessage(b, 42, 4, bob.ID)
	waitFor(t, func() bool { return e.Unread(42) }, "hidden chat not flagged")
	assert.Equal(t, int64(4), e.Timeline(42)[3].ID, "active chat still receives the message")
	assert.Equal(t, []readCall{{ChatID: 42, ID: 3}}, b.readCalls())

	e.SetView(ctx, ViewState{ChatsTab: true, Mobile: true, PanelOpen: true})
	assert.False(t, e.Unread(42))
	assert.Equal(t, readCall{ChatID: 42, ID: 4}, b.readCalls()[1])
}

func TestEngineOwnMessageDoesNotFlagUnread(t *testing.T) {
	b := newFakeBackend(t)
	e, _ := connectedEngine(t, b)
	ctx := context.Background()

	require.NoError(t, e.OpenChat(ctx, 7))
	loads := b.dialogLoads()

	pushMessage(b, 42, 50, 1)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, e.Unread(42))
	assert.Equal(t, loads, b.dialogLoads(), "known chat needs no reload")

	pushMessage(b, 99, 51, 1)
	waitFor(t, func() bool { return b.dialogLoads() == loads+1 }, "unknown chat did not reload dialogs")
	assert.False(t, e.Unread(99))
}

func TestEngineUnknownChatReloadsDialogsOnce(t *testing.T) {
	b := newFakeBackend(t)
	e, _ := connectedEngine(t, b)
	loads := b.dialogLoads()

	for id := int64(60); id < 65; id++ {
		pushMessage(b, 99, id, bob.ID)
	}
	waitFor(t, func() bool { return e.Unread(99) }, "unread not set for unknown chat")
	waitFor(t, func() bool { return b.dialogLoads() > loads }, "dialogs not reloaded")
	time.Sleep(80 * time.Millisecond)
	assert.LessOrEqual(t, b.dialogLoads(), loads+2, "burst is debounced")
}

func TestEngineTypingAndPresence(t *testing.T) {
	b := newFakeBackend(t)
	e, log := connectedEngine(t, b)
	ctx := context.Background()
	require.NoError(t, e.OpenChat(ctx, 42))

	t.Run("typing decays", func(t *testing.T) {
		b.push(map[string]interface{}{"type": "typing:start", "chat_id": 42, "from_user_id": bob.ID})
		waitFor(t, func() bool { return e.Typing(42) }, "typing not shown")
		waitFor(t, func() bool { return !e.Typing(42) }, "typing did not decay")
		assert.GreaterOrEqual(t, log.count("typing"), 2)
	})

	t.Run("typing in another chat is ignored", func(t *testing.T) {
		b.push(map[string]interface{}{"type": "typing:start", "chat_id": 7, "from_user_id": carol.ID})
		time.Sleep(30 * time.Millisecond)
		assert.False(t, e.Typing(7))
	})

	t.Run("presence for the counterpart only", func(t *testing.T) {
		b.push(map[string]interface{}{"type": "presence:state", "chat_id": 42, "user_id": carol.ID, "online": true})
		b.push(map[string]interface{}{"type": "presence:state", "chat_id": 42, "user_id": bob.ID, "online": true})
		waitFor(t, func() bool { return e.Online(42) }, "presence not applied")
		assert.Equal(t, 1, log.count("presence"))
	})
}

func TestEngineReadReceipts(t *testing.T) {
	b := newFakeBackend(t)
	e, _ := connectedEngine(t, b)
	require.NoError(t, e.OpenChat(context.Background(), 42))

	for _, id := range []int64{5, 3, 9} {
		b.push(map[string]interface{}{"type": "message:read", "chat_id": 42, "user_id": bob.ID, "last_read_message_id": id})
	}
	waitFor(t, func() bool { return e.OtherLastRead(42) == 9 }, "read cursor not advanced")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(9), e.OtherLastRead(42))
	assert.Equal(t, MarkRead, e.Mark(42, 9))
	assert.Equal(t, MarkSent, e.Mark(42, 10))
}

func TestEngineLoadOlderKeepsAnchor(t *testing.T) {
	b := newFakeBackend(t)
	b.addMessages(42, bob.ID, 1, 120)
	e, log := connectedEngine(t, b)
	ctx := context.Background()

	require.NoError(t, e.OpenChat(ctx, 42))
	assert.Equal(t, 50, len(e.Timeline(42)))

	v := newListViewport(e.Timeline(42))
	e.AttachViewport(v)
	v.SetScrollTop(10)
	before, ok := v.topOf(71)
	require.True(t, ok)

	e.OnScroll(ctx)
	assert.Equal(t, 100, len(e.Timeline(42)))
	after, ok := v.topOf(71)
	require.True(t, ok)
	assert.InDelta(t, before, after, 1)
	assert.Equal(t, 1, v.prepends)
	assert.Equal(t, 1, log.count("history.prepended"))
	assert.Len(t, b.readCalls(), 1, "scrolled away from the bottom")

	e.OnScroll(ctx)
	assert.Equal(t, 100, len(e.Timeline(42)), "not near the top")

	v.SetScrollTop(0)
	e.OnScroll(ctx)
	assert.Equal(t, 120, len(e.Timeline(42)))

	v.SetScrollTop(0)
	n, err := e.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "beginning reached")

	v.scrollToBottom()
	e.OnScroll(ctx)
	assert.Len(t, b.readCalls(), 1, "already acknowledged")
}

func TestEngineSend(t *testing.T) {
	b := newFakeBackend(t)
	e, log := connectedEngine(t, b)
	ctx := context.Background()

	_, err := e.Send(ctx, SendRequest{Text: "nobody"})
	assert.ErrorIs(t, err, ErrNoActiveChat)

	require.NoError(t, e.OpenChat(ctx, 42))
	e.InputChanged("hi")
	assert.Equal(t, "hi", e.Draft(42))

	m, err := e.Send(ctx, SendRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "", e.Draft(42))
	assert.Equal(t, []int64{m.ID}, ids(e.Timeline(42)))

	pushMessage(b, 42, m.ID, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, e.Timeline(42), 1, "push echo of a confirmed send is dropped")
	assert.Equal(t, 1, log.count("send.confirmed"))
	assert.False(t, e.SendBusy())
	assert.False(t, e.CancelUpload())
}

func TestEngineSendFailureKeepsDraft(t *testing.T) {
	b := newFakeBackend(t)
	e, _ := connectedEngine(t, b)
	ctx := context.Background()
	require.NoError(t, e.OpenChat(ctx, 42))

	b.with(func() { b.sendFail = 500 })
	e.InputChanged("important")
	_, err := e.Send(ctx, SendRequest{Text: "important"})
	require.Error(t, err)
	assert.Equal(t, "important", e.Draft(42))
	assert.Empty(t, e.Timeline(42))
}

func TestEngineDraftsFollowChats(t *testing.T) {
	b := newFakeBackend(t)
	e, log := connectedEngine(t, b)
	ctx := context.Background()

	require.NoError(t, e.OpenChat(ctx, 42))
	e.InputChanged("half")
	require.NoError(t, e.OpenChat(ctx, 7))
	ev, ok := lastChatOpened(log)
	require.True(t, ok)
	assert.Equal(t, "", ev.Draft)

	require.NoError(t, e.OpenChat(ctx, 42))
	ev, ok = lastChatOpened(log)
	require.True(t, ok)
	assert.Equal(t, int64(42), ev.ChatID)
	assert.Equal(t, "half", ev.Draft)
	assert.Equal(t, bob.ID, ev.Other.ID)
}

func TestEngineStartDM(t *testing.T) {
	b := newFakeBackend(t)
	e, _ := connectedEngine(t, b)
	loads := b.dialogLoads()

	chatID, err := e.StartDM(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(505), chatID)
	assert.Equal(t, int64(505), e.ActiveChat())
	waitFor(t, func() bool { return b.dialogLoads() > loads }, "new dialog not loaded")
}

func TestEnginePollsWhileSocketDown(t *testing.T) {
	b := newFakeBackend(t)
	b.with(func() { b.refuseWS = true })
	b.addDialog(42, bob)
	b.addMessages(42, bob.ID, 1, 3)

	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.DisableReconnect = true
	cfg.PollBaseInterval = 20 * time.Millisecond
	cfg.Registerer = reg
	e, log := startEngine(t, b, cfg)
	assert.Equal(t, StateClosed, e.ConnectionState())

	require.NoError(t, e.OpenChat(context.Background(), 42))
	b.addMessages(42, bob.ID, 4, 4)

	waitFor(t, func() bool { return len(e.Timeline(42)) == 4 }, "poll did not deliver")
	waitFor(t, func() bool { return len(b.readCalls()) == 2 }, "polled message not acknowledged")
	assert.Equal(t, 1, log.count("message"))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Appended.WithLabelValues("poll")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	e, _ := connectedEngine(t, b)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, StateClosed, e.ConnectionState())
}

func TestEnginePushDuringOpenIsKept(t *testing.T) {
	b := newFakeBackend(t)
	b.addMessages(42, bob.ID, 98, 99)
	e, log := connectedEngine(t, b)
	ctx := context.Background()
	e.SetView(ctx, ViewState{ChatsTab: true})

	release := b.holdHistory(42)
	defer release()
	before := b.historyRequests()
	opened := make(chan error, 1)
	go func() { opened <- e.OpenChat(ctx, 42) }()
	waitFor(t, func() bool { return b.historyRequests() > before }, "first page never requested")

	b.addMessages(42, bob.ID, 100, 100)
	pushMessage(b, 42, 100, bob.ID)
	waitFor(t, func() bool { return log.count("message") == 1 }, "push not rendered")

	release()
	require.NoError(t, <-opened)

	assert.Equal(t, []int64{98, 99, 100}, ids(e.Timeline(42)))
	ev, ok := lastChatOpened(log)
	require.True(t, ok)
	assert.Equal(t, []int64{98, 99, 100}, ids(ev.Messages))
	waitFor(t, func() bool {
		for _, rc := range b.readCalls() {
			if rc.ChatID == 42 && rc.ID == 100 {
				return true
			}
		}
		return false
	}, "pushed message never acknowledged")
}

func TestEngineLateResultsAfterSwitch(t *testing.T) {
	t.Run("first page of the previous chat", func(t *testing.T) {
		b := newFakeBackend(t)
		b.addMessages(42, bob.ID, 1, 5)
		b.addMessages(7, carol.ID, 10, 12)
		e, log := connectedEngine(t, b)
		ctx := context.Background()

		release := b.holdHistory(42)
		defer release()
		before := b.historyRequests()
		opened := make(chan error, 1)
		go func() { opened <- e.OpenChat(ctx, 42) }()
		waitFor(t, func() bool { return b.historyRequests() > before }, "first page never requested")

		require.NoError(t, e.OpenChat(ctx, 7))
		release()
		require.NoError(t, <-opened)

		assert.Equal(t, int64(7), e.ActiveChat())
		assert.Empty(t, e.Timeline(42))
		assert.Equal(t, []int64{10, 11, 12}, ids(e.Timeline(7)))
		assert.Equal(t, 1, log.count("chat.opened"))
		ev, _ := lastChatOpened(log)
		assert.Equal(t, int64(7), ev.ChatID)
	})

	t.Run("older history of the previous chat", func(t *testing.T) {
		b := newFakeBackend(t)
		b.addMessages(42, bob.ID, 1, 120)
		b.addMessages(7, carol.ID, 200, 202)
		e, log := connectedEngine(t, b)
		ctx := context.Background()
		require.NoError(t, e.OpenChat(ctx, 42))
		require.Len(t, e.Timeline(42), 50)

		release := b.holdHistory(42)
		defer release()
		before := b.historyRequests()
		loaded := make(chan int, 1)
		go func() {
			n, _ := e.LoadOlder(ctx)
			loaded <- n
		}()
		waitFor(t, func() bool { return b.historyRequests() > before }, "older page never requested")

		require.NoError(t, e.OpenChat(ctx, 7))
		release()
		assert.Equal(t, 0, <-loaded)

		assert.Len(t, e.Timeline(42), 50)
		assert.Equal(t, 0, log.count("history.prepended"))
		assert.Equal(t, []int64{200, 201, 202}, ids(e.Timeline(7)))
	})

	t.Run("poll result for the previous chat", func(t *testing.T) {
		b := newFakeBackend(t)
		b.addMessages(42, bob.ID, 1, 3)
		b.addMessages(7, carol.ID, 10, 12)
		e, log := connectedEngine(t, b)
		ctx := context.Background()
		require.NoError(t, e.OpenChat(ctx, 42))
		require.NoError(t, e.OpenChat(ctx, 7))

		n := e.applyPoll(42, msgs(4, 5), ReadState{OtherLastRead: 5})
		assert.Equal(t, 0, n)
		assert.Equal(t, []int64{1, 2, 3}, ids(e.Timeline(42)))
		assert.Equal(t, []int64{10, 11, 12}, ids(e.Timeline(7)))
		assert.Equal(t, 0, log.count("message"))
		assert.False(t, e.Unread(42))
	})
}

func TestEngineOpenChatFailure(t *testing.T) {
	b := newFakeBackend(t)
	b.addMessages(42, bob.ID, 1, 3)
	e, _ := connectedEngine(t, b)
	ctx := context.Background()

	b.with(func() { b.historyFail = map[int64]int{42: 503} })
	require.Error(t, e.OpenChat(ctx, 42))
	assert.Equal(t, int64(0), e.ActiveChat())
	_, _, ok := e.pollChat()
	assert.False(t, ok)

	b.with(func() { b.historyFail = nil })
	require.NoError(t, e.OpenChat(ctx, 42))
	assert.Equal(t, int64(42), e.ActiveChat())
	chatID, highest, ok := e.pollChat()
	assert.True(t, ok)
	assert.Equal(t, []int64{42, 3}, []int64{chatID, highest})
}
