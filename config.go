package cheburnet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config tunes the engine and its components. Zero fields take the
// defaults below.
type Config struct {
	// Push transport.
	ReconnectBaseDelay time.Duration // 800ms
	ReconnectGrowth    float64       // 1.6
	ReconnectMaxDelay  time.Duration // 8s
	DisableReconnect   bool
	HeartbeatInterval  time.Duration // 25s
	DialTimeout        time.Duration // 10s
	WriteTimeout       time.Duration // 5s

	// Fallback polling.
	PollBaseInterval   time.Duration // 2.5s
	PollGrowth         float64       // 1.6
	PollMaxInterval    time.Duration // 20s
	PollEmptyThreshold int           // 3
	// ProbeAfterTicks is how many uncursored ticks run before one explicit
	// cursored probe. Negative disables probing; zero takes the default.
	ProbeAfterTicks int // 1
	// ProbeImmediately sends the cursored probe on the first tick,
	// overriding ProbeAfterTicks.
	ProbeImmediately bool
	PageLimit       int // 50

	// Typing.
	TypingTTL      time.Duration // 2.2s
	TypingThrottle time.Duration // 1.2s
	TypingQuiet    time.Duration // 1.1s

	DialogRefreshDebounce time.Duration // 300ms
	SendTimeout           time.Duration // 20s
	RequestTimeout        time.Duration // 15s, mark-read and poll requests

	// Viewport thresholds in pixels.
	NearBottomThreshold float64 // 80
	LoadMoreThreshold   float64 // 40

	// Registerer receives the engine metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 800 * time.Millisecond
	}
	if c.ReconnectGrowth == 0 {
		c.ReconnectGrowth = 1.6
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 8 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PollBaseInterval == 0 {
		c.PollBaseInterval = 2500 * time.Millisecond
	}
	if c.PollGrowth == 0 {
		c.PollGrowth = 1.6
	}
	if c.PollMaxInterval == 0 {
		c.PollMaxInterval = 20 * time.Second
	}
	if c.PollEmptyThreshold == 0 {
		c.PollEmptyThreshold = 3
	}
	if c.ProbeImmediately {
		c.ProbeAfterTicks = 0
	} else if c.ProbeAfterTicks == 0 {
		c.ProbeAfterTicks = 1
	}
	if c.PageLimit == 0 {
		c.PageLimit = 50
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 2200 * time.Millisecond
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 1200 * time.Millisecond
	}
	if c.TypingQuiet == 0 {
		c.TypingQuiet = 1100 * time.Millisecond
	}
	if c.DialogRefreshDebounce == 0 {
		c.DialogRefreshDebounce = 300 * time.Millisecond
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 20 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.NearBottomThreshold == 0 {
		c.NearBottomThreshold = 80
	}
	if c.LoadMoreThreshold == 0 {
		c.LoadMoreThreshold = 40
	}
}
