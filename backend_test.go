package cheburnet

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "tok-alice"

type afterIDMode int

const (
	afterHonor afterIDMode = iota
	afterIgnore
	afterReject
)

type readCall struct {
	ChatID int64
	ID     int64
}

// fakeBackend is an in-memory DM service with the same routes as the real
// one, plus a websocket endpoint.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	me        User
	dialogs   []Dialog
	history   map[int64][]Message
	nextID    int64
	afterMode afterIDMode
	queries   []map[string]string
	reads     []readCall
	sendGate  chan struct{}
	sendFail  int
	// historyGate holds history responses per chat until closed. The page
	// is computed before waiting.
	historyGate map[int64]chan struct{}
	historyFail map[int64]int
	uploads   int
	rejectWS  bool
	refuseWS  bool
	dialogsN  int
	conns     []*websocket.Conn
	commands  chan Command
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:        t,
		me:       User{ID: 1, Username: "alice"},
		history:  make(map[int64][]Message),
		nextID:   1000,
		commands: make(chan Command, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/register", b.handleLogin)
	mux.HandleFunc("GET /auth/me", b.auth(b.handleMe))
	mux.HandleFunc("GET /users/search", b.auth(b.handleSearch))
	mux.HandleFunc("GET /chats/dm/list", b.auth(b.handleDialogs))
	mux.HandleFunc("POST /chats/dm/start", b.auth(b.handleStart))
	mux.HandleFunc("GET /chats/dm/{id}/messages", b.auth(b.handleMessages))
	mux.HandleFunc("POST /chats/dm/{id}/send", b.auth(b.handleSend))
	mux.HandleFunc("POST /chats/dm/{id}/read", b.auth(b.handleRead))
	mux.HandleFunc("POST /files/upload", b.auth(b.handleUpload))
	mux.HandleFunc("POST /assistant/suggest", b.auth(b.handleSuggest))
	mux.HandleFunc("GET /ws", b.handleWS)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.close)
	return b
}

func (b *fakeBackend) close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}
	b.srv.Close()
}

// with mutates backend settings under its lock.
func (b *fakeBackend) with(fn func()) {
	b.mu.Lock()
	fn()
	b.mu.Unlock()
}

func (b *fakeBackend) URL() string { return b.srv.URL }

func (b *fakeBackend) client() *Client {
	return NewClient(b.URL(), WithToken(testToken), WithTimeout(5*time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		h(w, r)
	}
}

func chatIDOf(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id
}

// addMessages seeds history of chatID with ids from..to sent by sender.
func (b *fakeBackend) addMessages(chatID, sender, from, to int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := from; id <= to; id++ {
		b.history[chatID] = append(b.history[chatID], Message{ID: id, SenderID: sender, Text: "m" + strconv.FormatInt(id, 10)})
	}
}

func (b *fakeBackend) addDialog(chatID int64, other User) {
	b.mu.Lock()
	b.dialogs = append(b.dialogs, Dialog{ChatID: chatID, Other: other})
	b.mu.Unlock()
}

func (b *fakeBackend) readCalls() []readCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]readCall(nil), b.reads...)
}

func (b *fakeBackend) lastQuery() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queries) == 0 {
		return nil
	}
	return b.queries[len(b.queries)-1]
}

func (b *fakeBackend) dialogLoads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dialogsN
}

// push writes a frame to every open socket.
func (b *fakeBackend) push(frame map[string]interface{}) {
	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = wsjson.Write(ctx, c, frame)
		cancel()
	}
}

// dropSockets closes every socket abnormally.
func (b *fakeBackend) dropSockets(code websocket.StatusCode) {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close(code, "bye")
	}
}

func (b *fakeBackend) socketCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// expectCommand waits for the next client frame.
func (b *fakeBackend) expectCommand(t *testing.T) Command {
	t.Helper()
	select {
	case c := <-b.commands:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
	}
	return Command{}
}

// ============================================================================
// Handlers
// ============================================================================

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	_ = json.NewDecoder(r.Body).Decode(&creds)
	if creds.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Bad credentials"})
		return
	}
	writeJSON(w, http.StatusOK, TokenResult{AccessToken: testToken, TokenType: "bearer"})
}

func (b *fakeBackend) handleMe(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	me := b.me
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, me)
}

func (b *fakeBackend) handleSearch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []User{{ID: 2, Username: r.URL.Query().Get("q") + "-bob"}})
}

func (b *fakeBackend) handleDialogs(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.dialogsN++
	out := append([]Dialog{}, b.dialogs...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *fakeBackend) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OtherUserID int64 `json:"other_user_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, StartDMResult{ChatID: 500 + body.OtherUserID, With: User{ID: body.OtherUserID, Username: "peer"}})
}

func (b *fakeBackend) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDOf(r)
	status, body, gate := b.historyPage(chatID, r)
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, status, body)
}

func (b *fakeBackend) historyPage(chatID int64, r *http.Request) (int, interface{}, chan struct{}) {
	q := r.URL.Query()
	rec := map[string]string{}
	for k := range q {
		rec[k] = q.Get(k)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, rec)
	gate := b.historyGate[chatID]

	if code := b.historyFail[chatID]; code != 0 {
		return code, map[string]string{"detail": "history unavailable"}, gate
	}

	limit := 50
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	all := b.history[chatID]

	if after := q.Get("after_id"); after != "" {
		switch b.afterMode {
		case afterReject:
			return http.StatusUnprocessableEntity, map[string]interface{}{"detail": []map[string]string{{"msg": "extra field"}}}, gate
		case afterHonor:
			afterID, _ := strconv.ParseInt(after, 10, 64)
			var items []Message
			for _, m := range all {
				if m.ID > afterID && len(items) < limit {
					items = append(items, m)
				}
			}
			return http.StatusOK, MessagePage{Items: nonNil(items)}, gate
		}
	}

	end := len(all)
	if before := q.Get("before_id"); before != "" {
		beforeID, _ := strconv.ParseInt(before, 10, 64)
		end = 0
		for end < len(all) && all[end].ID < beforeID {
			end++
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := MessagePage{Items: nonNil(append([]Message(nil), all[start:end]...))}
	if start > 0 {
		next := all[start].ID
		page.NextBeforeID = &next
	}
	return http.StatusOK, page, gate
}

// holdHistory makes history requests for chatID wait until the returned
// release func is called.
func (b *fakeBackend) holdHistory(chatID int64) (release func()) {
	gate := make(chan struct{})
	b.with(func() {
		if b.historyGate == nil {
			b.historyGate = make(map[int64]chan struct{})
		}
		b.historyGate[chatID] = gate
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			b.with(func() { delete(b.historyGate, chatID) })
			close(gate)
		})
	}
}

func (b *fakeBackend) historyRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queries)
}

func nonNil(items []Message) []Message {
	if items == nil {
		return []Message{}
	}
	return items
}

func (b *fakeBackend) handleSend(w http.ResponseWriter, r *http.Request) {
	chatID := chatIDOf(r)
	var body sendBody
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	gate := b.sendGate
	fail := b.sendFail
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail != 0 {
		writeJSON(w, fail, map[string]string{"detail": "send failed"})
		return
	}

	b.mu.Lock()
	b.nextID++
	m := Message{ID: b.nextID, SenderID: b.me.ID, Text: body.Text}
	for _, id := range body.FileIDs {
		m.Attachments = append(m.Attachments, Attachment{ID: id, Mime: "image/png", Name: "f.png", URL: "/files/" + strconv.FormatInt(id, 10)})
	}
	b.history[chatID] = append(b.history[chatID], m)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, m)
}

func (b *fakeBackend) handleRead(w http.ResponseWriter, r *http.Request) {
	var body readBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	b.reads = append(b.reads, readCall{ChatID: chatIDOf(r), ID: body.LastReadMessageID})
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (b *fakeBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	defer f.Close()
	n, _ := io.Copy(io.Discard, f)
	b.mu.Lock()
	b.uploads++
	id := int64(70 + b.uploads)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, UploadResult{FileID: id, Mime: hdr.Header.Get("Content-Type"), Name: hdr.Filename, Size: n})
}

func (b *fakeBackend) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, SuggestResult{Suggestion: req.Draft + "!"})
}

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	refuse := b.refuseWS
	reject := b.rejectWS || r.URL.Query().Get("token") != testToken
	b.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	if reject {
		conn.Close(websocket.StatusPolicyViolation, "bad token")
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		var cmd Command
		if err := wsjson.Read(context.Background(), conn, &cmd); err != nil {
			return
		}
		if cmd.Type == cmdPing {
			_ = wsjson.Write(context.Background(), conn, map[string]string{"type": evPong})
			continue
		}
		select {
		case b.commands <- cmd:
		default:
		}
	}
}

// ============================================================================
// Engine fixtures
// ============================================================================

func testConfig() *Config {
	return &Config{
		ReconnectBaseDelay:    20 * time.Millisecond,
		ReconnectMaxDelay:     80 * time.Millisecond,
		HeartbeatInterval:     time.Hour,
		DialTimeout:           2 * time.Second,
		PollBaseInterval:      time.Hour,
		DialogRefreshDebounce: 20 * time.Millisecond,
		TypingTTL:             150 * time.Millisecond,
		TypingThrottle:        time.Second,
		TypingQuiet:           100 * time.Millisecond,
		SendTimeout:           2 * time.Second,
		RequestTimeout:        2 * time.Second,
	}
}

// eventLog collects engine events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (l *eventLog) count(kind string) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func startEngine(t *testing.T, b *fakeBackend, cfg *Config) (*Engine, *eventLog) {
	t.Helper()
	e, err := NewEngine(b.client(), NewMemoryStore(), cfg)
	require.NoError(t, err)
	log := &eventLog{}
	e.On(log.handle)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e, log
}
