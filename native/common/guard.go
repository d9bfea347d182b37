package common

import (
	"errors"
	"sync/atomic"
)

var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrancy guard: reentrant call")
)

// PauseView reports whether a named module is paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// ReentrancyGuard is a call-depth flag checked at every mutating entry point.
// Re-entering while a call is in flight is a correctness violation, not a
// retryable condition.
type ReentrancyGuard struct {
	entered int32
}

// Enter marks the guard busy; it fails when the guard is already held.
func (g *ReentrancyGuard) Enter() error {
	if !atomic.CompareAndSwapInt32(&g.entered, 0, 1) {
		return ErrReentrantCall
	}
	return nil
}

// Exit releases the guard.
func (g *ReentrancyGuard) Exit() {
	atomic.StoreInt32(&g.entered, 0)
}
