package session

import (
	"sync"
	"time"

	"github.com/cuemby/contentstore/pkg/shared"
)

// Pool tracks the live local state managers for a process, so that
// idle sessions can be found and disposed by the housekeeping loop.
type Pool struct {
	shared *shared.Manager

	mu       sync.Mutex
	sessions map[string]*Manager
}

// NewPool builds an empty pool whose sessions are backed by sharedMgr.
func NewPool(sharedMgr *shared.Manager) *Pool {
	return &Pool{shared: sharedMgr, sessions: make(map[string]*Manager)}
}

// Open creates a new session manager under id and registers it in the pool.
func (p *Pool) Open(id string) *Manager {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := New(id, p.shared)
	p.sessions[id] = m
	return m
}

// Get returns the session manager registered under id, if any.
func (p *Pool) Get(id string) (*Manager, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sessions[id]
	return m, ok
}

// Close disposes and unregisters the session manager under id.
func (p *Pool) Close(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.sessions[id]; ok {
		m.Dispose()
		delete(p.sessions, id)
	}
}

// ReapIdle disposes and unregisters every idle session whose last
// operation was more than olderThan ago, returning the count reaped.
// Sessions currently mid-edit are never reaped regardless of idle time.
func (p *Pool) ReapIdle(olderThan time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	reaped := 0
	for id, m := range p.sessions {
		if m.State() != StateIdle {
			continue
		}
		if m.IdleFor() < olderThan {
			continue
		}
		m.Dispose()
		delete(p.sessions, id)
		reaped++
	}
	return reaped
}

// Len reports the number of sessions currently registered.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
