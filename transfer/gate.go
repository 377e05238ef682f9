package transfer

import (
	"context"
	"sync"
)

// PauseGate blocks a ChunkSender between chunks while paused.
type PauseGate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewPauseGate returns an open gate.
func NewPauseGate() *PauseGate {
	return &PauseGate{}
}

// Pause closes the gate. Pausing a paused gate is a no-op.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

// Resume opens the gate and releases waiters.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
}

// Paused reports whether the gate is closed.
func (g *PauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait returns immediately when open, otherwise blocks until Resume or ctx ends.
func (g *PauseGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	resume := g.resume
	g.mu.Unlock()

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
