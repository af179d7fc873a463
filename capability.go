package cheburnet

import "sync"

// CapabilityState says whether the history endpoint honors after_id.
type CapabilityState int

const (
	CapabilityUnknown CapabilityState = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (s CapabilityState) String() string {
	switch s {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ProbeOutcome is what one cursored request revealed.
type ProbeOutcome int

const (
	// ProbeHonored: every returned id was above the cursor.
	ProbeHonored ProbeOutcome = iota
	// ProbeIgnored: the request succeeded but older ids came back.
	ProbeIgnored
	// ProbeRejected: the server refused the cursored form (4xx).
	ProbeRejected
)

// CapabilityProbe tracks cursor support for the session. Unsupported is
// terminal until Reset.
type CapabilityProbe struct {
	mu    sync.Mutex
	state CapabilityState
}

func (p *CapabilityProbe) State() CapabilityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// UseCursor reports whether polls should send after_id.
func (p *CapabilityProbe) UseCursor() bool {
	return p.State() == CapabilitySupported
}

// Observe applies the outcome of a cursored request and returns the
// resulting state. It is the only transition function.
func (p *CapabilityProbe) Observe(o ProbeOutcome) CapabilityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == CapabilityUnsupported {
		return p.state
	}
	switch o {
	case ProbeHonored:
		p.state = CapabilitySupported
	case ProbeIgnored, ProbeRejected:
		p.state = CapabilityUnsupported
	}
	return p.state
}

// Reset forgets what was learned, e.g. after switching servers.
func (p *CapabilityProbe) Reset() {
	p.mu.Lock()
	p.state = CapabilityUnknown
	p.mu.Unlock()
}

// classifyCursored derives the outcome of a successful cursored request.
func classifyCursored(afterID int64, items []Message) ProbeOutcome {
	for _, m := range items {
		if m.ID <= afterID {
			return ProbeIgnored
		}
	}
	return ProbeHonored
}
