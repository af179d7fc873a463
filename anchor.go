package cheburnet

const (
	// anchorSlack is how far below the container top a message bottom must
	// be to count as visible.
	anchorSlack = 4.0
)

// MessageRect is a rendered message's vertical extent, relative to the top
// edge of the scroll container's visible area.
type MessageRect struct {
	ID     int64
	Top    float64
	Bottom float64
}

// Viewport is implemented by the presentation layer that renders a
// timeline. The engine reads geometry from it and never lays anything out
// itself.
type Viewport interface {
	ScrollTop() float64
	SetScrollTop(float64)
	ScrollHeight() float64
	ClientHeight() float64
	// MessageRects returns every rendered message in document order.
	MessageRects() []MessageRect
	// ApplyPrepend renders msgs above the current content and returns once
	// layout reflects them.
	ApplyPrepend(msgs []Message)
}

// Anchor pins a message to its on-screen offset across a prepend.
type Anchor struct {
	ID  int64
	Top float64
}

// CaptureAnchor picks the first message that is at least partly visible.
func CaptureAnchor(v Viewport) (Anchor, bool) {
	for _, r := range v.MessageRects() {
		if r.Bottom > anchorSlack {
			return Anchor{ID: r.ID, Top: r.Top}, true
		}
	}
	return Anchor{}, false
}

// Restore shifts the scroll position so the anchored message is back at
// its captured offset. It reports false when the message is gone.
func (a Anchor) Restore(v Viewport) bool {
	for _, r := range v.MessageRects() {
		if r.ID == a.ID {
			v.SetScrollTop(v.ScrollTop() + (r.Top - a.Top))
			return true
		}
	}
	return false
}

// nearBottom reports whether the viewport is within threshold of the
// newest message.
func nearBottom(v Viewport, threshold float64) bool {
	return v.ScrollHeight()-v.ScrollTop()-v.ClientHeight() < threshold
}

// nearTop reports whether older history should be fetched.
func nearTop(v Viewport, threshold float64) bool {
	return v.ScrollTop() < threshold
}
