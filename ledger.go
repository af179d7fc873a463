package cheburnet

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	unreadRecordKey = "unreadByChatId_v1"
	draftRecordKey  = "draftsByChatId_v1"
)

// Ledger keeps the per-conversation unread flag and draft text. Both maps
// are loaded once and written through on every change; a failed write is
// logged and the in-memory value stays authoritative.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	metrics *Metrics
	unread  map[int64]bool
	drafts  map[int64]string

	// known reports whether a chat is in the current dialog list; refresh
	// asks for the list to be reloaded. Both may be nil.
	known   func(chatID int64) bool
	refresh func()
}

// OpenLedger loads both records from store. Corrupt or missing records
// start empty.
func OpenLedger(store Store, metrics *Metrics) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: nil store")
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	l := &Ledger{
		store:   store,
		metrics: metrics,
		unread:  make(map[int64]bool),
		drafts:  make(map[int64]string),
	}
	if err := l.load(unreadRecordKey, &l.unread); err != nil {
		return nil, err
	}
	if err := l.load(draftRecordKey, &l.drafts); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load(key string, into interface{}) error {
	data, err := l.store.Get(key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return errors.Wrapf(err, "ledger: load %s", key)
	}
	if err := json.Unmarshal(data, into); err != nil {
		jww.WARN.Printf("[LEDGER] discarding unreadable record %s: %v", key, err)
	}
	return nil
}

// bindDialogs wires the dialog-list membership check and reload trigger.
func (l *Ledger) bindDialogs(known func(int64) bool, refresh func()) {
	l.mu.Lock()
	l.known, l.refresh = known, refresh
	l.mu.Unlock()
}

// SetUnread stores the flag. Setting it for a chat missing from the dialog
// list requests a dialog reload.
func (l *Ledger) SetUnread(chatID int64, unread bool) {
	l.mu.Lock()
	prev := l.unread[chatID]
	if unread {
		l.unread[chatID] = true
	} else {
		delete(l.unread, chatID)
	}
	if prev != unread {
		l.persistLocked(unreadRecordKey, l.unread)
	}
	known, refresh := l.known, l.refresh
	l.mu.Unlock()

	if unread && refresh != nil && (known == nil || !known(chatID)) {
		refresh()
	}
}

func (l *Ledger) Unread(chatID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unread[chatID]
}

// UnreadChats lists chats flagged unread.
func (l *Ledger) UnreadChats() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.unread))
	for id := range l.unread {
		out = append(out, id)
	}
	return out
}

// SetDraft stores text; an empty draft removes the entry.
func (l *Ledger) SetDraft(chatID int64, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drafts[chatID] == text {
		return
	}
	if text == "" {
		delete(l.drafts, chatID)
	} else {
		l.drafts[chatID] = text
	}
	l.persistLocked(draftRecordKey, l.drafts)
}

func (l *Ledger) Draft(chatID int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drafts[chatID]
}

// persistLocked writes a whole record; callers hold l.mu so records reach
// the store in mutation order.
func (l *Ledger) persistLocked(key string, record interface{}) {
	data, err := json.Marshal(record)
	if err == nil {
		err = l.store.Set(key, data)
	}
	if err != nil {
		l.metrics.LedgerWriteFailures.Inc()
		jww.WARN.Printf("[LEDGER] write %s failed, keeping in memory: %v", key, err)
	}
}

// Close closes the backing store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
