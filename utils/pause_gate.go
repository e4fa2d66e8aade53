package utils

import (
	"sync"

	"go.uber.org/atomic"
)

// PauseGate implements the RequestStop/isStopped/Release suspension point
// used by LocalMapping, LoopClosing, and MapMerging: each worker's loop
// checks in at the top of every iteration and, if a pause has been
// requested, blocks on a condition variable until Release is called. This
// is distinct from StoppableWorkers' Stop, which tears the goroutine down
// entirely; PauseGate only suspends it.
type PauseGate struct {
	mu        sync.Mutex
	cond      *sync.Cond
	stopped   atomic.Bool
	requested atomic.Bool
}

// NewPauseGate returns a PauseGate that starts out running (not paused).
func NewPauseGate() *PauseGate {
	pg := &PauseGate{}
	pg.cond = sync.NewCond(&pg.mu)
	return pg
}

// RequestStop asks the worker to pause at its next check-in. Non-blocking.
func (pg *PauseGate) RequestStop() {
	pg.requested.Store(true)
}

// CheckIn is called by the worker loop at the top of each iteration. If a
// pause was requested, it blocks until Release is called and reports true;
// otherwise it returns false immediately.
func (pg *PauseGate) CheckIn() (paused bool) {
	if !pg.requested.Load() {
		return false
	}
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.stopped.Store(true)
	for pg.requested.Load() {
		pg.cond.Wait()
	}
	pg.stopped.Store(false)
	return true
}

// IsStopped reports whether the worker is currently parked in CheckIn.
func (pg *PauseGate) IsStopped() bool {
	return pg.stopped.Load()
}

// Release clears a pending or active pause and wakes the worker.
func (pg *PauseGate) Release() {
	pg.mu.Lock()
	pg.requested.Store(false)
	pg.mu.Unlock()
	pg.cond.Broadcast()
}
