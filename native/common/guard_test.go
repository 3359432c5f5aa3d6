package common

import (
	"errors"
	"testing"
)

func TestPauseSetGuard(t *testing.T) {
	set := NewPauseSet("Clearing")
	if err := Guard(set, "clearing"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	set.Set(" CLEARING ", false)
	if err := Guard(set, "clearing"); err != nil {
		t.Fatalf("unexpected error after unpause: %v", err)
	}
	if err := Guard(nil, "clearing"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	var unset *PauseSet
	if unset.IsPaused("clearing") {
		t.Fatalf("nil set reports paused")
	}
}

func TestReentrancyGuard(t *testing.T) {
	var g ReentrancyGuard
	release, err := g.Enter()
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := g.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	release()
	if g.Active() {
		t.Fatalf("guard still active after release")
	}
	if _, err := g.Enter(); err != nil {
		t.Fatalf("re-enter after release: %v", err)
	}
}
