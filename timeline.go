package cheburnet

import (
	"sort"
	"sync"
)

// Timeline is one conversation's ordered, duplicate-free message log
// together with its backward pagination cursor.
type Timeline struct {
	mu           sync.RWMutex
	msgs         []Message
	ids          map[int64]struct{}
	nextBeforeID *int64
}

func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[int64]struct{})}
}

// Append inserts m unless its id is already present and reports whether it
// was inserted. Late arrivals land at their id position.
func (t *Timeline) Append(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(m)
}

func (t *Timeline) insertLocked(m Message) bool {
	if m.ID <= 0 {
		return false
	}
	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	t.ids[m.ID] = struct{}{}
	n := len(t.msgs)
	if n == 0 || t.msgs[n-1].ID < m.ID {
		t.msgs = append(t.msgs, m)
		return true
	}
	i := sort.Search(n, func(i int) bool { return t.msgs[i].ID > m.ID })
	t.msgs = append(t.msgs, Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return true
}

// PrependPage merges an older page and moves the cursor to next. It
// returns the messages that were actually inserted, ascending.
func (t *Timeline) PrependPage(page []Message, next *int64) []Message {
	sorted := append([]Message(nil), page...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	t.mu.Lock()
	defer t.mu.Unlock()
	var added []Message
	fresh := make([]Message, 0, len(sorted)+len(t.msgs))
	for _, m := range sorted {
		if m.ID <= 0 {
			continue
		}
		if _, ok := t.ids[m.ID]; ok {
			continue
		}
		if len(t.msgs) > 0 && m.ID > t.msgs[0].ID {
			// Overlaps the loaded range; fall back to positional insert.
			t.insertLocked(m)
			added = append(added, m)
			continue
		}
		t.ids[m.ID] = struct{}{}
		fresh = append(fresh, m)
		added = append(added, m)
	}
	t.msgs = append(fresh, t.msgs...)
	t.nextBeforeID = copyCursor(next)
	sort.Slice(added, func(i, j int) bool { return added[i].ID < added[j].ID })
	return added
}

// Replace resets the log to a freshly loaded latest page.
func (t *Timeline) Replace(page []Message, next *int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = nil
	t.ids = make(map[int64]struct{}, len(page))
	for _, m := range page {
		t.insertLocked(m)
	}
	t.nextBeforeID = copyCursor(next)
}

// HighestID returns the newest id held, or 0.
func (t *Timeline) HighestID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return 0
	}
	return t.msgs[len(t.msgs)-1].ID
}

func (t *Timeline) LowestID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return 0
	}
	return t.msgs[0].ID
}

func (t *Timeline) Has(id int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Messages returns a copy of the log, ascending.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.msgs...)
}

// NextBeforeID is the cursor for the next older page; nil when the
// beginning of the conversation is loaded.
func (t *Timeline) NextBeforeID() *int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyCursor(t.nextBeforeID)
}

func copyCursor(c *int64) *int64 {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
