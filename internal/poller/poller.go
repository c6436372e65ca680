// Package poller runs the live screenshot loop: one fetch at a time, a
// fixed wait between fetches, and prompt exit once liveness is dropped.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/stepdeck/internal/events"
	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/metrics"
	"github.com/dgnsrekt/stepdeck/internal/session"
)

const DefaultInterval = time.Second

// Poller fetches screenshots of the active tab while live.
type Poller struct {
	gw       gateway.Gateway
	store    *session.Store
	bus      *events.Bus
	interval time.Duration
	timeout  time.Duration

	fetchMu sync.Mutex

	mu     sync.Mutex
	live   bool
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(gw gateway.Gateway, store *session.Store, bus *events.Bus, interval, fetchTimeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Poller{gw: gw, store: store, bus: bus, interval: interval, timeout: fetchTimeout}
}

// Start begins polling. It is a no-op while already live.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live {
		return
	}
	p.live = true
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx, gen)
	metrics.LiveActive.Set(1)
	p.publishState(true)
	slog.Info("live polling started", "interval", p.interval)
}

// Stop drops liveness. A fetch already in progress finishes but its result
// is discarded and no further fetch is scheduled.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live {
		return
	}
	p.live = false
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	metrics.LiveActive.Set(0)
	p.publishState(false)
	slog.Info("live polling stopped")
}

// Wait blocks until every loop has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *Poller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live && p.gen == gen
}

func (p *Poller) publishState(live bool) {
	if p.bus != nil {
		p.bus.Publish(events.TopicLiveState, map[string]bool{"live": live})
	}
}

func (p *Poller) loop(ctx context.Context, gen uint64) {
	defer p.wg.Done()
	timer := time.NewTimer(p.interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if !p.current(gen) {
			return
		}
		p.tick(gen)
		if !p.current(gen) {
			return
		}
		timer.Reset(p.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// tick performs one fetch. Fetches are serialized across generations so a
// restart cannot overlap a stale loop's request.
func (p *Poller) tick(gen uint64) {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()
	if !p.current(gen) {
		return
	}

	st := p.store.Get()
	if st.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	res, err := p.gw.Screenshot(ctx, st.SessionID, st.ActiveTab())
	if err == nil {
		err = gateway.Inspect(res)
	}
	if err != nil {
		metrics.PollFetches.WithLabelValues(metrics.Failed).Inc()
		slog.Warn("live screenshot failed", "session_id", st.SessionID, "error", err)
		if errors.Is(err, gateway.ErrSessionExpired) && p.bus != nil {
			p.bus.Publish(events.TopicSessionExpired, map[string]string{"session_id": st.SessionID})
		}
		return
	}
	if !p.current(gen) {
		return
	}
	metrics.PollFetches.WithLabelValues(metrics.OK).Inc()
	next := p.store.Update(func(s session.State) session.State {
		return s.WithScreenshot(res.Screenshot)
	})
	if res.Screenshot != nil && next.Screenshot != nil && p.bus != nil {
		p.bus.Publish(events.TopicScreenshot, next.Screenshot)
	}
}
