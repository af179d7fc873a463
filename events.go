package cheburnet

import (
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// Event is something the presentation layer may want to render.
type Event interface {
	Kind() string
}

type EventConnection struct{ State ConnectionState }

type EventReconnecting struct {
	Attempt int
	Delay   time.Duration
}

type EventDialogs struct{ Dialogs []Dialog }

// EventChatOpened carries the initial page of a newly active chat.
type EventChatOpened struct {
	ChatID   int64
	Other    User
	Messages []Message
	Draft    string
}

// EventMessage is a message appended to the active chat's timeline.
// Source is "push", "poll" or "send".
type EventMessage struct {
	ChatID  int64
	Message Message
	Source  string
}

type EventHistoryPrepended struct {
	ChatID   int64
	Messages []Message
}

// EventReadMarks asks the renderer to recompute delivery marks.
type EventReadMarks struct {
	ChatID        int64
	OtherLastRead int64
}

type EventUnread struct {
	ChatID int64
	Unread bool
}

type EventTyping struct {
	ChatID int64
	Typing bool
}

type EventPresence struct {
	ChatID int64
	Online bool
}

// EventSendPending announces a send before the server answers. ClientID
// identifies it until EventSendConfirmed or EventSendFailed.
type EventSendPending struct {
	ChatID   int64
	ClientID string
	Text     string
}

type EventUploadProgress struct {
	ChatID   int64
	ClientID string
	Sent     int64
	Total    int64
}

type EventSendConfirmed struct {
	ChatID   int64
	ClientID string
	Message  Message
}

type EventSendFailed struct {
	ChatID        int64
	ClientID      string
	Err           error
	RestoredDraft string
}

func (EventConnection) Kind() string       { return "connection" }
func (EventReconnecting) Kind() string     { return "reconnecting" }
func (EventDialogs) Kind() string          { return "dialogs" }
func (EventChatOpened) Kind() string       { return "chat.opened" }
func (EventMessage) Kind() string          { return "message" }
func (EventHistoryPrepended) Kind() string { return "history.prepended" }
func (EventReadMarks) Kind() string        { return "read.marks" }
func (EventUnread) Kind() string           { return "unread" }
func (EventTyping) Kind() string           { return "typing" }
func (EventPresence) Kind() string         { return "presence" }
func (EventSendPending) Kind() string      { return "send.pending" }
func (EventUploadProgress) Kind() string   { return "upload.progress" }
func (EventSendConfirmed) Kind() string    { return "send.confirmed" }
func (EventSendFailed) Kind() string       { return "send.failed" }

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler receives engine events synchronously, in order.
type EventHandler func(Event)

type emitter struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// On registers a handler for every event.
func (e *emitter) On(h EventHandler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := append([]EventHandler{}, e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("[SYNC] %s handler panicked: %v", ev.Kind(), r)
				}
			}()
			h(ev)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}
