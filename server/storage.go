package server

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// VerifierLedger remembers PKCE verifiers that already reached a terminal callback
// state, so a replayed verifier cookie is refused even if the browser kept it.
// Entries live as long as the verifier cookie could and are keyed by hash.
type VerifierLedger struct {
	mu       sync.Mutex
	ttl      time.Duration
	consumed map[string]time.Time
	now      func() time.Time
}

// NewVerifierLedger constructs the ledger.
func NewVerifierLedger(ttl time.Duration) *VerifierLedger {
	return &VerifierLedger{
		ttl:      ttl,
		consumed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Consume marks the verifier as used. It returns false if it was used before.
func (l *VerifierLedger) Consume(verifier string) bool {
	key := ledgerKey(verifier)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	if until, ok := l.consumed[key]; ok && now.Before(until) {
		return false
	}
	l.consumed[key] = now.Add(l.ttl)
	return true
}

func (l *VerifierLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.consumed)
}

func (l *VerifierLedger) sweep(now time.Time) {
	for k, until := range l.consumed {
		if now.After(until) {
			delete(l.consumed, k)
		}
	}
}

func ledgerKey(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return hex.EncodeToString(sum[:])
}
