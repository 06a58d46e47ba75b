package chat

import (
	"context"
	"sync"
)

// Flight admits one send/poll cycle per session at a time. Acquire
// reports ok=false when the session is busy.
type Flight interface {
	Acquire(ctx context.Context, sessionID string) (release func(), ok bool, err error)
}

// LocalFlight is the in-process Flight.
type LocalFlight struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewLocalFlight() *LocalFlight {
	return &LocalFlight{busy: make(map[string]struct{})}
}

func (f *LocalFlight) Acquire(_ context.Context, sessionID string) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.busy[sessionID]; taken {
		return nil, false, nil
	}
	f.busy[sessionID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.busy, sessionID)
			f.mu.Unlock()
		})
	}, true, nil
}
