package cheburnet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingState is the peer's typing indicator for one conversation. It
// decays on its own after the TTL unless refreshed.
type TypingState struct {
	mu        sync.Mutex
	ttl       time.Duration
	typing    bool
	expiresAt time.Time
	timer     *time.Timer
	gen       uint64
	onExpire  func()
}

// newTypingState creates an idle indicator. onExpire runs (from a timer
// goroutine) when a Typing state decays without a stop event.
func newTypingState(ttl time.Duration, onExpire func()) *TypingState {
	return &TypingState{ttl: ttl, onExpire: onExpire}
}

// Start moves to Typing and pushes the expiry to now+TTL. It reports
// whether the visible state changed.
func (s *TypingState) Start(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !s.typing
	s.typing = true
	s.expiresAt = now.Add(s.ttl)
	s.armLocked(s.ttl)
	return changed
}

func (s *TypingState) armLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(d, func() { s.expire(gen) })
}

// Stop moves to Idle immediately.
func (s *TypingState) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

// IsTyping evaluates the state at now, so a missed timer still decays.
func (s *TypingState) IsTyping(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing && now.Before(s.expiresAt)
}

func (s *TypingState) expire(gen uint64) {
	s.mu.Lock()
	if !s.typing || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if left := time.Until(s.expiresAt); left > 0 {
		s.armLocked(left)
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	fn := s.onExpire
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *TypingState) resetLocked() bool {
	changed := s.typing
	s.typing = false
	s.expiresAt = time.Time{}
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return changed
}

// ============================================================================
// Outbound typing
// ============================================================================

// typingSender is the part of the transport the notifier needs.
type typingSender interface {
	StartTyping(chatID int64) bool
	StopTyping(chatID int64) bool
}

// TypingNotifier turns local keystrokes into throttled typing:start and a
// trailing typing:stop after a quiet period.
type TypingNotifier struct {
	mu       sync.Mutex
	sender   typingSender
	throttle time.Duration
	quiet    time.Duration
	limiter  *rate.Limiter
	chatID   int64
	active   bool
	timer    *time.Timer
	gen      uint64
}

func newTypingNotifier(sender typingSender, throttle, quiet time.Duration) *TypingNotifier {
	return &TypingNotifier{
		sender:   sender,
		throttle: throttle,
		quiet:    quiet,
		limiter:  rate.NewLimiter(rate.Every(throttle), 1),
	}
}

// Keystroke records input in chatID. visible=false suppresses everything.
func (n *TypingNotifier) Keystroke(chatID int64, visible bool, now time.Time) {
	if !visible {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active && n.chatID != chatID {
		n.stopLocked()
	}
	if n.chatID != chatID {
		// A new conversation gets its own throttle window.
		n.resetLimiterLocked()
	}
	n.chatID = chatID
	if n.limiter.AllowN(now, 1) {
		n.sender.StartTyping(chatID)
	}
	n.active = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.quiet, func() { n.quietStop(gen) })
}

// quietStop ends the burst armed as gen. A timer that fired while a newer
// keystroke held the lock finds a newer gen and does nothing.
func (n *TypingNotifier) quietStop(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active && n.gen == gen {
		n.stopLocked()
	}
}

func (n *TypingNotifier) resetLimiterLocked() {
	n.limiter = rate.NewLimiter(rate.Every(n.throttle), 1)
}

// Flush sends typing:stop now if a start is outstanding, e.g. right
// after a send or on conversation switch.
func (n *TypingNotifier) Flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active {
		n.stopLocked()
	}
}

func (n *TypingNotifier) stopLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.active = false
	n.sender.StopTyping(n.chatID)
	// The next keystroke after a stop always announces again.
	n.resetLimiterLocked()
}
