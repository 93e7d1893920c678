// Package options holds the process-wide option store shared by the
// interception components, and the single-writer lock protocol that lets an
// external test driver mutate options without racing other test cases.
package options

import (
	"fmt"
	"log/slog"
	"sync"
)

// ApplyFunc pushes a new option value into the component that owns it. It is
// called under the store lock; returning an error rejects the set and leaves
// the stored value unchanged.
type ApplyFunc func(value any) error

type slot struct {
	value        any
	defaultValue any
	apply        ApplyFunc
}

// Store is a registry of named option values. Components register a slot with
// a default and an apply hook; Set swaps the stored value and runs the hook,
// so a flow reading the owning component's config always sees a whole old or
// whole new value, never a torn mix.
type Store struct {
	mu    sync.Mutex
	slots map[string]*slot
	log   *slog.Logger
}

// NewStore creates an empty option store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		slots: make(map[string]*slot),
		log:   log,
	}
}

// Register adds a named option with its default value and apply hook. The
// hook is invoked immediately with the default so the owning component starts
// from a known state. Registering a duplicate name panics; registration
// happens once at startup.
func (s *Store) Register(name string, defaultValue any, apply ApplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[name]; ok {
		panic("options: duplicate registration of " + name)
	}
	if apply == nil {
		apply = func(any) error { return nil }
	}
	if err := apply(defaultValue); err != nil {
		panic(fmt.Sprintf("options: default for %s rejected: %v", name, err))
	}
	s.slots[name] = &slot{
		value:        defaultValue,
		defaultValue: defaultValue,
		apply:        apply,
	}
}

// Get returns the current value of a named option.
func (s *Store) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[name]
	if !ok {
		return nil, false
	}
	return sl.value, true
}

// Snapshot returns a copy of every option's current value.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.slots))
	for name, sl := range s.slots {
		out[name] = sl.value
	}
	return out
}

// Set replaces the value of a named option and runs its apply hook. Unknown
// option names and hook failures are errors; on failure the stored value is
// unchanged.
func (s *Store) Set(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(name, value)
}

// SetAll applies every entry in values. It stops at the first failure;
// entries applied before the failure stay applied, which the lock manager
// relies on never happening for restores of previously valid values.
func (s *Store) SetAll(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range values {
		if err := s.setLocked(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) setLocked(name string, value any) error {
	sl, ok := s.slots[name]
	if !ok {
		return fmt.Errorf("unknown option %q", name)
	}
	if err := sl.apply(value); err != nil {
		return fmt.Errorf("option %q: %w", name, err)
	}
	s.log.Debug("option set", "name", name)
	sl.value = value
	return nil
}
