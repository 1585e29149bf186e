// Package pause provides a cooperative pause/resume gate.
package pause

import (
	"context"
	"sync/atomic"
)

// Gate is a lock-free cooperative pause signal. Workers call Wait at their
// own checkpoint boundaries; while the gate is closed every waiter blocks
// until Resume. This is not true suspension of in-flight work, only a
// checkpoint barrier.
type Gate struct {
	// waiter is nil while the gate is open; when closed it points at a
	// channel that Resume closes to release every waiter at once.
	waiter atomic.Pointer[chan struct{}]
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// Pause closes the gate. No-op when already closed.
func (g *Gate) Pause() {
	ch := make(chan struct{})
	g.waiter.CompareAndSwap(nil, &ch)
}

// Resume opens the gate, releasing every concurrent waiter. No-op when
// already open.
func (g *Gate) Resume() {
	if p := g.waiter.Swap(nil); p != nil {
		close(*p)
	}
}

// Paused reports whether the gate is currently closed.
func (g *Gate) Paused() bool {
	return g.waiter.Load() != nil
}

// Wait returns immediately while the gate is open, otherwise it blocks
// until Resume or until ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	p := g.waiter.Load()
	if p == nil {
		return nil
	}
	select {
	case <-*p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
