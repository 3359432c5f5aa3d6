package common

import (
	"errors"
	"strings"
	"sync"
)

// Errors returned by the guards in this package.
var (
	ErrModulePaused  = errors.New("module paused")
	ErrReentrantCall = errors.New("reentrant call")
)

// PauseView reports which modules operators have paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when module is paused in p. A nil view
// never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is an in-memory PauseView toggled by operators.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet returns a set with the given modules paused.
func NewPauseSet(modules ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]bool)}
	for _, m := range modules {
		set.Set(m, true)
	}
	return set
}

// Set pauses or resumes module. Names are case-insensitive.
func (s *PauseSet) Set(module string, paused bool) {
	module = strings.TrimSpace(strings.ToLower(module))
	if module == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if paused {
		s.paused[module] = true
		return
	}
	delete(s.paused, module)
}

// IsPaused implements PauseView. A nil set reports nothing paused.
func (s *PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[strings.TrimSpace(strings.ToLower(module))]
}

// ReentrancyGuard is an in-progress flag scoped to a single call. The zero
// value is ready for use.
type ReentrancyGuard struct {
	entered bool
}

// Enter marks the guarded section as active. The returned release function
// must run on every exit path.
func (g *ReentrancyGuard) Enter() (func(), error) {
	if g.entered {
		return nil, ErrReentrantCall
	}
	g.entered = true
	return func() { g.entered = false }, nil
}

// Active reports whether a guarded call is in flight.
func (g *ReentrancyGuard) Active() bool { return g.entered }
