// Package flags holds the runtime toggles that downgrade individual
// checks from enforce to log-only. Toggling is a rollback lever, not a
// config reload; values flip atomically with no restart.
package flags

import (
	"sort"
	"sync"
)

// Known flag names. Each guards exactly one check.
const (
	ArchiveBlocking     = "archive_blocking"
	RedactionFailClosed = "redaction_fail_closed"
)

// Set is a concurrent-safe collection of named enforce toggles. An
// unknown name reads as enforced; fail closed is the default posture.
type Set struct {
	mu     sync.RWMutex
	values map[string]bool
}

// New builds a Set from initial values, usually the profile defaults.
func New(initial map[string]bool) *Set {
	values := make(map[string]bool, len(initial))
	for name, enforce := range initial {
		values[name] = enforce
	}
	return &Set{values: values}
}

// Enforced reports whether the named check is in enforce mode.
func (s *Set) Enforced(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enforce, ok := s.values[name]
	if !ok {
		return true
	}
	return enforce
}

// Known reports whether the named flag exists in the set. The admin
// toggle endpoint rejects unknown names so a typo cannot create a
// flag nothing reads.
func (s *Set) Known(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// SetEnforced flips one flag at runtime.
func (s *Set) SetEnforced(name string, enforce bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = map[string]bool{}
	}
	s.values[name] = enforce
}

// Snapshot returns the current flag values in name order, for the
// config endpoint.
func (s *Set) Snapshot() []Flag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Flag, 0, len(s.values))
	for name, enforce := range s.values {
		out = append(out, Flag{Name: name, Enforced: enforce})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type Flag struct {
	Name     string `json:"name"`
	Enforced bool   `json:"enforced"`
}
