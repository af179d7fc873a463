package cheburnet

import "sync"

// ReceiptMark is the delivery mark drawn next to an outgoing message.
type ReceiptMark int

const (
	// MarkSent is a single check: the peer has not read it yet.
	MarkSent ReceiptMark = iota + 1
	// MarkRead is a double check.
	MarkRead
)

func (m ReceiptMark) String() string {
	if m == MarkRead {
		return "read"
	}
	return "sent"
}

// ReadTracker holds both read cursors of one conversation.
type ReadTracker struct {
	mu    sync.Mutex
	self  int64
	other int64
}

// ObserveRemoteRead advances the peer's cursor. Lower values are ignored;
// the return value tells whether marks need recomputing.
func (r *ReadTracker) ObserveRemoteRead(lastReadID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lastReadID <= r.other {
		return false
	}
	r.other = lastReadID
	return true
}

func (r *ReadTracker) OtherLastRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.other
}

func (r *ReadTracker) SelfLastRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Mark returns the mark for an outgoing message.
func (r *ReadTracker) Mark(messageID int64) ReceiptMark {
	if r.OtherLastRead() < messageID {
		return MarkSent
	}
	return MarkRead
}

// needsAck reports whether a read request for id would tell the server
// something new.
func (r *ReadTracker) needsAck(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id > r.self
}

// acked records a successful read request.
func (r *ReadTracker) acked(id int64) {
	r.mu.Lock()
	if id > r.self {
		r.self = id
	}
	r.mu.Unlock()
}
