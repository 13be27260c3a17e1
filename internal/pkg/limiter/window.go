/*
Package limiter provides the rate-limiting primitives used by the server.

This file implements the keyed window lock used by the auth flow: each key
(connection id, username) is granted at most one acquisition per window, and
further attempts inside the window are rejected without touching the auth backend.
*/
package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedWindow grants at most one acquisition per key per window duration.
// The lock auto-expires: once the window has elapsed the key may acquire again.
type KeyedWindow struct {
	mu     sync.Mutex
	locks  map[string]*rate.Limiter
	window time.Duration
}

// NewKeyedWindow creates a KeyedWindow with the given lock window and starts a
// background goroutine that discards expired entries.
func NewKeyedWindow(window time.Duration) *KeyedWindow {
	w := &KeyedWindow{
		locks:  make(map[string]*rate.Limiter),
		window: window,
	}

	go w.cleanUp()

	return w
}

// Allow reports whether the key may proceed, consuming its slot for the
// current window when it does.
func (w *KeyedWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, ok := w.locks[key]
	if !ok {
		lock = rate.NewLimiter(rate.Every(w.window), 1)
		w.locks[key] = lock
	}

	return lock.Allow()
}

// cleanUp periodically removes keys whose window has fully elapsed.
func (w *KeyedWindow) cleanUp() {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		w.mu.Lock()
		for key, lock := range w.locks {
			if lock.TokensAt(time.Now()) >= float64(lock.Burst()) {
				delete(w.locks, key)
			}
		}
		w.mu.Unlock()
	}
}
