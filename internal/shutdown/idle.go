// Package shutdown signals when the server has gone idle, for scale-to-zero
// deployments that stop machines between bursts of traffic.
package shutdown

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BusyFunc reports whether work outside the request path is in progress.
type BusyFunc func() bool

// IdleMonitorConfig holds configuration for the idle monitor.
type IdleMonitorConfig struct {
	Timeout time.Duration // zero disables the monitor
	Logger  *slog.Logger
	// ExcludePaths are prefixes that don't count as activity (probes).
	ExcludePaths []string
	// Busy keeps the server up while it returns true, e.g. while a
	// settlement holds a per-user ledger lock.
	Busy BusyFunc
	// CheckInterval overrides the polling interval derived from Timeout.
	CheckInterval time.Duration
}

// IdleMonitor tracks in-flight requests and the time of the last one.
type IdleMonitor struct {
	cfg      IdleMonitorConfig
	active   atomic.Int64
	lastNano atomic.Int64
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewIdleMonitor creates a new idle monitor.
func NewIdleMonitor(cfg IdleMonitorConfig) *IdleMonitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = min(max(cfg.Timeout/6, 5*time.Second), 30*time.Second)
	}
	m := &IdleMonitor{
		cfg:  cfg,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	m.touch()
	return m
}

// Enabled reports whether a timeout is configured.
func (m *IdleMonitor) Enabled() bool {
	return m.cfg.Timeout > 0
}

// Start begins polling for idleness.
func (m *IdleMonitor) Start() {
	if !m.Enabled() {
		m.cfg.Logger.Debug("idle monitoring disabled")
		return
	}
	m.cfg.Logger.Info("idle monitoring started", "timeout", m.cfg.Timeout, "exclude_paths", m.cfg.ExcludePaths)
	go m.run()
}

// Stop ends polling without signalling shutdown.
func (m *IdleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done is closed once the idle timeout elapses.
func (m *IdleMonitor) Done() <-chan struct{} {
	return m.done
}

// Middleware counts requests outside ExcludePaths as activity.
func (m *IdleMonitor) Middleware(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.cfg.ExcludePaths {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		m.active.Add(1)
		m.touch()
		defer func() {
			m.active.Add(-1)
			m.touch()
		}()
		next.ServeHTTP(w, r)
	})
}

func (m *IdleMonitor) touch() {
	m.lastNano.Store(time.Now().UnixNano())
}

// idleFor returns how long the server has been idle, or 0 if it is busy.
func (m *IdleMonitor) idleFor(now time.Time) time.Duration {
	if m.active.Load() > 0 || (m.cfg.Busy != nil && m.cfg.Busy()) {
		m.touch()
		return 0
	}
	return now.Sub(time.Unix(0, m.lastNano.Load()))
}

func (m *IdleMonitor) run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			idle := m.idleFor(now)
			if idle >= m.cfg.Timeout {
				m.cfg.Logger.Info("idle timeout reached, signaling graceful shutdown",
					"idle_time", idle,
					"timeout", m.cfg.Timeout,
				)
				close(m.done)
				return
			}
			m.cfg.Logger.Debug("idle check", "idle_time", idle, "active_requests", m.active.Load())
		}
	}
}
