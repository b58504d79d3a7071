// Package cache provides the ephemeral in-memory prediction tier used
// when a request carries no durable subject identity. It only smooths
// bursts of identical requests; it has no invalidation relationship to
// new session data and entries simply age out.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/AlexanderModestov/baby-sleep-prediction/internal/provider"
)

// DefaultTTL is how long an entry stays servable.
const DefaultTTL = 10 * time.Minute

// lastSleepBucket is the rounding applied to the last-sleep timestamp in
// cache keys, so near-identical requests within a few minutes of each
// other collide on purpose.
const lastSleepBucket = 10 * time.Minute

// Key identifies an anonymous request coarsely enough for bursts of the
// same request to hit the same entry.
type Key struct {
	AgeBucketMonths int
	Descriptor      string
	SessionCount    int
	LastSleepUnix   int64
}

// NewKey builds a Key, rounding lastSleep down to a 10-minute bucket.
// lastSleep may be the zero time when no session has completed.
func NewKey(ageBucketMonths int, descriptor string, sessionCount int, lastSleep time.Time) Key {
	var bucket int64
	if !lastSleep.IsZero() {
		bucket = lastSleep.Truncate(lastSleepBucket).Unix()
	}
	return Key{
		AgeBucketMonths: ageBucketMonths,
		Descriptor:      descriptor,
		SessionCount:    sessionCount,
		LastSleepUnix:   bucket,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d|%s|%d|%d", k.AgeBucketMonths, k.Descriptor, k.SessionCount, k.LastSleepUnix)
}

type entry struct {
	prediction provider.Prediction
	expiresAt  time.Time
}

// Memory is a TTL map of predictions. Expired entries are swept
// opportunistically on every Set; the sweep is O(live entries), which is
// bounded by request volume within the TTL window.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates a Memory cache. A ttl <= 0 selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached prediction for the key if it has not expired.
func (m *Memory) Get(key Key) (provider.Prediction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key.String()]
	if !ok || m.now().After(e.expiresAt) {
		return provider.Prediction{}, false
	}
	return e.prediction, true
}

// Set stores a prediction and sweeps expired entries.
func (m *Memory) Set(key Key, p provider.Prediction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}

	m.entries[key.String()] = entry{prediction: p, expiresAt: now.Add(m.ttl)}
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
