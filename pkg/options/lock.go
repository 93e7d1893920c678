package options

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Lock protocol errors, surfaced to the control-endpoint caller.
var (
	// ErrAlreadyLocked means a lock is outstanding; did a test forget to unlock?
	ErrAlreadyLocked = errors.New("options already locked")
	// ErrNotLocked means release was called with no lock outstanding.
	ErrNotLocked = errors.New("options were not locked, mismatched lock/unlock calls")
	// ErrTokenMismatch means release was called with the wrong token.
	ErrTokenMismatch = errors.New("refusing to unlock, wrong reset id supplied")
)

// LockManager grants exclusive write access to the option store to one holder
// at a time. Acquire snapshots the prior value of every option it touches;
// Release restores them. There is no expiry: a held lock is a caller bug, and
// a stuck lock is detectable rather than silently cleared.
type LockManager struct {
	store *Store
	log   *slog.Logger

	mu    sync.Mutex
	token string
	saved map[string]any
}

// NewLockManager creates a lock manager over the given store.
func NewLockManager(store *Store, log *slog.Logger) *LockManager {
	if log == nil {
		log = slog.Default()
	}
	return &LockManager{store: store, log: log}
}

// Acquire locks the store, snapshots the current value of every key in opts,
// applies opts, and returns the lease token. Fails with ErrAlreadyLocked if a
// token is outstanding. The check-and-set of the token slot is a single
// critical section, so concurrent acquires race safely and exactly one wins.
func (m *LockManager) Acquire(opts map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		return "", ErrAlreadyLocked
	}

	saved := make(map[string]any, len(opts))
	current := m.store.Snapshot()
	for name := range opts {
		if prev, ok := current[name]; ok {
			saved[name] = prev
		}
	}

	if err := m.store.SetAll(opts); err != nil {
		// Roll back anything applied before the failure so a rejected
		// acquire leaves no partial state behind.
		if rbErr := m.store.SetAll(saved); rbErr != nil {
			m.log.Error("rollback after failed acquire", "err", rbErr)
		}
		return "", err
	}

	token := uuid.NewString()
	m.token = token
	m.saved = saved
	m.log.Info("options locked", "keys", keysOf(opts))
	return token, nil
}

// Release restores every option snapshotted by the matching Acquire and
// clears the token. The token is cleared only after the restore succeeds; a
// failed restore leaves the lock held so the problem is visible.
func (m *LockManager) Release(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return ErrNotLocked
	}
	if token != m.token {
		return ErrTokenMismatch
	}

	if err := m.store.SetAll(m.saved); err != nil {
		return err
	}
	m.log.Info("options unlocked", "keys", keysOf(m.saved))
	m.token = ""
	m.saved = nil
	return nil
}

// SetUnlocked applies values only when no lock is outstanding. The check and
// the apply share one critical section, so a concurrent Acquire cannot land
// between them and have its snapshot miss these values.
func (m *LockManager) SetUnlocked(values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		return ErrAlreadyLocked
	}
	return m.store.SetAll(values)
}

// Locked reports whether a token is currently outstanding.
func (m *LockManager) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
