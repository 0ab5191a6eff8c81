package engine

import "sync"

// SessionLocks provides per-session mutual exclusion within one process.
// Cross-process writers are serialised by the store's record version check.
type SessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewSessionLocks creates an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{held: make(map[string]struct{})}
}

// TryLock acquires the lock for sessionID. It returns false if the session is
// already held; callers must not wait on a held session.
func (l *SessionLocks) TryLock(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[sessionID]; busy {
		return false
	}
	l.held[sessionID] = struct{}{}
	return true
}

// Unlock releases the lock for sessionID.
func (l *SessionLocks) Unlock(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}

// Held reports whether sessionID is currently locked.
func (l *SessionLocks) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[sessionID]
	return busy
}
