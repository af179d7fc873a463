package cheburnet

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// historySource is the slice of Client the poller needs.
type historySource interface {
	Messages(ctx context.Context, chatID int64, q MessageQuery) (*MessagePage, error)
}

// pollTarget is where poll results go. The engine implements it.
type pollTarget interface {
	// pollChat returns the active chat and its highest loaded id.
	pollChat() (chatID, highest int64, ok bool)
	// applyPoll merges items (already filtered to id > highest) and the
	// read state, returning how many messages were new.
	applyPoll(chatID int64, items []Message, rs ReadState) int
}

// Poller fetches the active chat over HTTP while the push connection is
// not open. The interval backs off while nothing new arrives.
type Poller struct {
	api     historySource
	target  pollTarget
	probe   *CapabilityProbe
	pushUp  func() bool
	config  *Config
	metrics *Metrics

	mu         sync.Mutex
	interval   time.Duration
	empty      int
	uncursored int
	kick       chan struct{}
}

func newPoller(api historySource, target pollTarget, probe *CapabilityProbe, pushUp func() bool, cfg *Config, metrics *Metrics) *Poller {
	p := &Poller{
		api:      api,
		target:   target,
		probe:    probe,
		pushUp:   pushUp,
		config:   cfg,
		metrics:  metrics,
		interval: cfg.PollBaseInterval,
		kick:     make(chan struct{}, 1),
	}
	metrics.PollInterval.Set(p.interval.Seconds())
	return p
}

// Interval is the delay before the next tick.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Reset returns to the base interval, e.g. after a conversation switch.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.interval = p.config.PollBaseInterval
	p.empty = 0
	p.mu.Unlock()
	p.metrics.PollInterval.Set(p.config.PollBaseInterval.Seconds())
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run ticks until ctx ends. Tick errors are logged, never fatal.
func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.kick:
			timer.Stop()
			continue
		case <-timer.C:
		}

		tickCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
		_, _ = p.Tick(tickCtx)
		cancel()
	}
}

// Tick performs one poll. It does nothing while the push connection is
// open or no chat is active.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	if p.pushUp != nil && p.pushUp() {
		p.metrics.PollTicks.WithLabelValues("skipped").Inc()
		return 0, nil
	}
	chatID, highest, ok := p.target.pollChat()
	if !ok {
		p.metrics.PollTicks.WithLabelValues("skipped").Inc()
		return 0, nil
	}

	items, rs, err := p.fetch(ctx, chatID, highest)
	if err != nil {
		p.metrics.PollTicks.WithLabelValues("error").Inc()
		jww.WARN.Printf("[POLL] chat %d: %v", chatID, err)
		return 0, err
	}

	n := p.target.applyPoll(chatID, items, rs)
	if n > 0 {
		p.metrics.PollTicks.WithLabelValues("appended").Inc()
	} else {
		p.metrics.PollTicks.WithLabelValues("empty").Inc()
	}
	p.adapt(n)
	return n, nil
}

func (p *Poller) fetch(ctx context.Context, chatID, highest int64) ([]Message, ReadState, error) {
	state := p.probe.State()
	p.mu.Lock()
	probeDue := state == CapabilityUnknown && p.config.ProbeAfterTicks >= 0 && p.uncursored >= p.config.ProbeAfterTicks
	p.mu.Unlock()

	if highest > 0 && (state == CapabilitySupported || probeDue) {
		page, err := p.api.Messages(ctx, chatID, MessageQuery{Limit: p.config.PageLimit, AfterID: highest})
		if err == nil {
			if outcome := classifyCursored(highest, page.Items); state == CapabilityUnknown || outcome != ProbeHonored {
				next := p.probe.Observe(outcome)
				jww.INFO.Printf("[POLL] after_id probe: %s", next)
			}
			return newerThan(page.Items, highest), page.ReadState, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Rejected() || apiErr.Status == 401 {
			return nil, ReadState{}, err
		}
		p.probe.Observe(ProbeRejected)
		jww.INFO.Printf("[POLL] server rejected after_id (%d), polling without cursor", apiErr.Status)
	}

	page, err := p.api.Messages(ctx, chatID, MessageQuery{Limit: p.config.PageLimit})
	if err != nil {
		return nil, ReadState{}, err
	}
	p.mu.Lock()
	p.uncursored++
	p.mu.Unlock()
	return newerThan(page.Items, highest), page.ReadState, nil
}

func (p *Poller) adapt(appended int) {
	p.mu.Lock()
	if appended > 0 {
		p.empty = 0
		p.interval = p.config.PollBaseInterval
	} else {
		p.empty++
		if p.empty >= p.config.PollEmptyThreshold {
			next := time.Duration(math.Round(float64(p.interval) * p.config.PollGrowth))
			if next > p.config.PollMaxInterval {
				next = p.config.PollMaxInterval
			}
			p.interval = next
		}
	}
	interval := p.interval
	p.mu.Unlock()
	p.metrics.PollInterval.Set(interval.Seconds())
}

// newerThan keeps messages above id; uncursored pages include old ones.
func newerThan(items []Message, id int64) []Message {
	out := make([]Message, 0, len(items))
	for _, m := range items {
		if m.ID > id {
			out = append(out, m)
		}
	}
	return out
}
