package orchestrator

import (
	"context"
	"sync"
)

// LocalLocker serializes runs per owner inside one process
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock takes ownerID if nobody holds it
func (l *LocalLocker) TryLock(_ context.Context, ownerID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[ownerID]; busy {
		return nil, false, nil
	}
	l.held[ownerID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, ownerID)
			l.mu.Unlock()
		})
	}, true, nil
}
