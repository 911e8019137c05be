package health

import (
	"context"
	"sync"
	"time"
)

// Check probes one dependency; nil error means healthy.
type Check func(ctx context.Context) error

// Status is the last observed state of one dependency.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor periodically probes registered dependencies and keeps the last
// result for the readiness endpoint. Probes run concurrently with a shared
// timeout so one slow dependency cannot starve the sweep.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	checks    map[string]Check
	statuses  map[string]Status
	startOnce sync.Once
}

func NewMonitor(interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 || timeout > interval {
		timeout = 5 * time.Second
	}
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		checks:   make(map[string]Check),
		statuses: make(map[string]Status),
	}
}

// Register adds a named dependency probe. Must be called before Start.
func (m *Monitor) Register(name string, check Check) {
	if check == nil {
		return
	}
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Start begins the monitoring loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial sweep
	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			status := Status{Healthy: true, CheckedAt: time.Now().UTC()}
			if err := check(timeoutCtx); err != nil {
				status.Healthy = false
				status.Error = err.Error()
			}
			m.mu.Lock()
			m.statuses[name] = status
			m.mu.Unlock()
		}(name, check)
	}
	wg.Wait()
}

// Snapshot returns the last observed status per dependency.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Healthy reports whether every probed dependency passed its last check. True
// before the first sweep completes.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, status := range m.statuses {
		if !status.Healthy {
			return false
		}
	}
	return true
}
