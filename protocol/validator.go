package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// nonceHighWater triggers an inline eviction pass when the cache grows past it,
// so memory stays bounded even if the periodic sweep is not running.
const nonceHighWater = 1 << 16

// Validator checks incoming messages for signature validity, expiry and replay.
// The seen-nonce cache is bounded: entries older than the message TTL are evicted
// by Sweep and opportunistically on insert.
type Validator struct {
	key []byte
	ttl time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewValidator(key []byte, ttl time.Duration) *Validator {
	return &Validator{
		key:    key,
		ttl:    ttl,
		nonces: make(map[string]time.Time),
	}
}

// Validate applies the acceptance rules to a message: signature (when checkSignature),
// age within TTL, and nonce freshness (when checkReplay). On success with checkReplay
// the nonce is recorded. Failures are reported as (false, reason) and never panic;
// the transport decides whether to answer with an ERROR message or drop the connection.
func (v *Validator) Validate(m *Message, checkSignature bool, checkReplay bool) (bool, string) {
	if checkSignature && !m.Verify(v.key) {
		return false, "invalid signature"
	}

	age := time.Since(m.Timestamp)
	if age > v.ttl {
		return false, fmt.Sprintf("expired: message is %v old, ttl is %v", age.Truncate(time.Millisecond), v.ttl)
	}

	if checkReplay {
		v.mu.Lock()
		defer v.mu.Unlock()

		if len(v.nonces) >= nonceHighWater {
			v.sweepLocked()
		}

		key := string(m.Nonce)
		if seen, ok := v.nonces[key]; ok {
			return false, fmt.Sprintf("replay: nonce first seen %v ago", time.Since(seen).Truncate(time.Millisecond))
		}
		v.nonces[key] = time.Now()
	}

	return true, ""
}

func (v *Validator) sweepLocked() {
	cutoff := time.Now().Add(-v.ttl)
	for key, seen := range v.nonces {
		if seen.Before(cutoff) {
			delete(v.nonces, key)
		}
	}
}

// Sweep evicts nonces older than the TTL. Runs via timer.RunWithTicker.
func (v *Validator) Sweep(ctx context.Context) error {
	v.mu.Lock()
	before := len(v.nonces)
	v.sweepLocked()
	after := len(v.nonces)
	v.mu.Unlock()

	if before != after {
		log.Debugf("protocol.Validator: evicted %d expired nonces, %d retained", before-after, after)
	}
	return nil
}

// NonceCount reports the current size of the seen-nonce cache.
func (v *Validator) NonceCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.nonces)
}
