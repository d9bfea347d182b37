package common

import (
	"errors"
	"testing"
)

type pauseMap map[string]bool

func (p pauseMap) IsPaused(module string) bool { return p[module] }

func TestGuard(t *testing.T) {
	pauses := pauseMap{"lending": true}

	if err := Guard(pauses, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "swap"); err != nil {
		t.Fatalf("unpaused module rejected: %v", err)
	}
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view rejected: %v", err)
	}
	if err := Guard(pauses, ""); err != nil {
		t.Fatalf("empty module rejected: %v", err)
	}
}

func TestReentrancyGuard(t *testing.T) {
	var guard ReentrancyGuard

	if err := guard.Enter(); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if err := guard.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	guard.Exit()
	if err := guard.Enter(); err != nil {
		t.Fatalf("enter after exit: %v", err)
	}
}
