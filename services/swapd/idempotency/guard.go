package idempotency

import (
	"encoding/hex"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// Guard serialises work on the same key inside one process. Cross-process
// exclusion comes from the storage unique indexes and guarded transitions.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewGuard constructs an empty guard.
func NewGuard() *Guard {
	return &Guard{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (g *Guard) Lock(key string) func() {
	key = strings.TrimSpace(key)
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}

// Held returns the number of keys currently locked or awaited.
func (g *Guard) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// Fingerprint hashes the request parts into a stable hex digest. Parts are
// length-prefixed so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	h := blake3.New(32, nil)
	var prefix [8]byte
	for _, part := range parts {
		n := uint64(len(part))
		for i := 0; i < 8; i++ {
			prefix[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(prefix[:])
		_, _ = h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
