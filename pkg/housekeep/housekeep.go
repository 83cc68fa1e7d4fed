// Package housekeep runs the background maintenance loop for the shared
// item-state manager: periodic cache-size sampling and stale-session
// reaping.
package housekeep

import (
	"sync"
	"time"

	"github.com/cuemby/contentstore/pkg/log"
	"github.com/cuemby/contentstore/pkg/metrics"
	"github.com/rs/zerolog"
)

// SharedManager is the subset of shared.Manager the loop depends on.
type SharedManager interface {
	CacheSize() int
}

// SessionReaper disposes sessions that have been idle past a deadline.
type SessionReaper interface {
	ReapIdle(olderThan time.Duration) int
}

// Loop periodically samples shared-cache occupancy and reaps idle sessions.
type Loop struct {
	shared   SharedManager
	sessions SessionReaper
	interval time.Duration
	idleTTL  time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Loop sampling shared's cache and reaping sessions idle
// longer than idleTTL, every interval.
func New(shared SharedManager, sessions SessionReaper, interval, idleTTL time.Duration) *Loop {
	return &Loop{
		shared:   shared,
		sessions: sessions,
		interval: interval,
		idleTTL:  idleTTL,
		logger:   log.WithComponent("housekeep"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the loop in its own goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop terminates the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.stopCh:
		return
	default:
		close(l.stopCh)
	}
}

func (l *Loop) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info().Msg("housekeeping loop started")

	for {
		select {
		case <-ticker.C:
			l.cycle()
		case <-l.stopCh:
			l.logger.Info().Msg("housekeeping loop stopped")
			return
		}
	}
}

func (l *Loop) cycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.HousekeepingDuration)
		metrics.HousekeepingCyclesTotal.Inc()
	}()

	size := l.shared.CacheSize()
	metrics.CacheSize.Set(float64(size))
	l.logger.Debug().Int("cache_size", size).Msg("sampled shared cache size")

	if l.sessions == nil {
		return
	}
	reaped := l.sessions.ReapIdle(l.idleTTL)
	if reaped > 0 {
		metrics.StaleSessionsReapedTotal.Add(float64(reaped))
		l.logger.Info().Int("count", reaped).Msg("reaped idle sessions")
	}
}
