package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dmakasi/mahudhurio/core"
)

// Prober polls the backend's unauthenticated /ping endpoint to detect
// availability, independent of login activity. Subscribers are notified on
// every availability change; the session feeds this into its online/offline
// transition.
type Prober struct {
	url      string
	interval time.Duration
	http     *http.Client
	logger   core.Logger

	mu        sync.Mutex
	available bool
	lastCheck time.Time
	subs      map[int]func(available bool)
	nextSub   int

	stopOnce sync.Once
	stop     chan struct{}
}

func NewProber(conf *core.Config, logger core.Logger) *Prober {
	if logger == nil {
		logger = core.NopLogger{}
	}
	return &Prober{
		url:       conf.Backend.BaseURL + "/ping",
		interval:  conf.Backend.ProbeInterval,
		http:      &http.Client{Timeout: conf.Backend.ProbeTimeout},
		logger:    logger,
		available: true,
		subs:      make(map[int]func(bool)),
		stop:      make(chan struct{}),
	}
}

// Subscribe registers fn for availability changes and returns an unsubscribe
// function.
func (p *Prober) Subscribe(fn func(available bool)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Available returns the last probe outcome without touching the network.
func (p *Prober) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Check probes the backend, reusing the cached outcome when the last probe
// fell inside the poll interval.
func (p *Prober) Check(ctx context.Context) bool {
	p.mu.Lock()
	if time.Since(p.lastCheck) < p.interval {
		avail := p.available
		p.mu.Unlock()
		return avail
	}
	p.mu.Unlock()
	return p.ForceCheck(ctx)
}

// ForceCheck always probes, ignoring the cache; used at startup.
func (p *Prober) ForceCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.record(false)
		return false
	}

	resp, err := p.http.Do(req)
	if err != nil {
		// timeout and refusal both count as unreachable
		p.logger.Debug("probe: backend unreachable", err)
		p.record(false)
		return false
	}
	resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	if !ok {
		p.logger.Debug("probe: ping answered with error status", map[string]interface{}{"status": resp.StatusCode})
	}
	p.record(ok)
	return ok
}

// Start launches the background poll loop; Stop ends it.
func (p *Prober) Start() {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ForceCheck(context.Background())
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Prober) record(available bool) {
	p.mu.Lock()
	p.lastCheck = time.Now()
	changed := p.available != available
	p.available = available
	var subs []func(bool)
	if changed {
		subs = make([]func(bool), 0, len(p.subs))
		for _, fn := range p.subs {
			subs = append(subs, fn)
		}
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("probe: backend availability changed", map[string]interface{}{"available": available})
		for _, fn := range subs {
			fn(available)
		}
	}
}
