package correlate

import "sync"

// keyLocks serializes work per entity identity key. Callers must pass
// keys in sorted order; acquiring in one global order makes overlapping
// multi-key holders deadlock-free.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*entry)}
}

// acquire locks every key in order and returns the matching release
// function. Keys must be sorted and de-duplicated.
func (k *keyLocks) acquire(keys []string) func() {
	entries := make([]*entry, len(keys))
	k.mu.Lock()
	for i, key := range keys {
		e, ok := k.locks[key]
		if !ok {
			e = &entry{}
			k.locks[key] = e
		}
		e.refs++
		entries[i] = e
	}
	k.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		k.mu.Lock()
		for i, key := range keys {
			e := entries[i]
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}
