/*
Package game contains the core logic of the trivia backend.

This file implements the correlation table used to match asynchronous replies to
their originating requests. Outbound request ids are chosen by probing
successively longer prefixes of a random 128-bit identifier against the pending
table, which keeps ids short while few requests are outstanding. The scheme is
probabilistic-collision-avoidant among concurrently pending requests, not a
globally unique id generator; under high concurrency it falls back to the
full-length identifier.
*/
package game

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// corrResolver consumes the payload elements of a matched reply.
type corrResolver func(payload []json.RawMessage)

// corrTable tracks pending outbound requests by correlation id.
// Entries are removed once resolved.
type corrTable struct {
	mu      sync.Mutex
	pending map[string]corrResolver
}

func newCorrTable() *corrTable {
	return &corrTable{
		pending: make(map[string]corrResolver),
	}
}

// Register stores the resolver under a fresh correlation id and returns the id.
// The id is the shortest prefix of a random 128-bit identifier not already
// pending; a full-length collision regenerates the identifier entirely.
func (t *corrTable) Register(resolve corrResolver) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		full := uuid.New().String()

		for n := 1; n <= len(full); n++ {
			candidate := full[:n]
			if _, taken := t.pending[candidate]; !taken {
				t.pending[candidate] = resolve
				return candidate
			}
		}
	}
}

// Resolve removes the entry for the given correlation id and invokes its
// resolver with the reply payload. It reports whether an entry was pending.
func (t *corrTable) Resolve(id string, payload []json.RawMessage) bool {
	t.mu.Lock()
	resolve, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	resolve(payload)
	return true
}

// Drop removes a pending entry without resolving it.
func (t *corrTable) Drop(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Pending returns the number of outstanding requests.
func (t *corrTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
