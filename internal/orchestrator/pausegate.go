package orchestrator

import (
	"context"
	"sync"
)

// pauseGate blocks workers between links while a run is paused. The gate is
// a channel that is closed while open; waiters select on it against the run
// context so cancellation always wins.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newPauseGate() *pauseGate {
	g := &pauseGate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
