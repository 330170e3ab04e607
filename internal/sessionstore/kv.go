// internal/sessionstore/kv.go
package sessionstore

import (
	"context"
	"sync"
	"time"
)

// Allows for mocking in tests.
var timeNow = time.Now

// KV is the minimal key/value contract the session store needs: byte values,
// per-key TTLs, last write wins. The in-memory implementation below serves a
// single process; a shared deployment swaps in a networked one.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and true, or nil and false when the key is
	// missing or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// Expire refreshes the TTL of an existing key without rewriting the
	// value. Returns false when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV is an in-process KV with lazy expiry on read plus a background
// janitor that reclaims memory for keys nobody reads again.
type MemoryKV struct {
	mu      sync.Mutex
	data    map[string]entry
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMemoryKV starts the janitor at the given interval. An interval of zero
// disables it; lazy expiry still applies.
func NewMemoryKV(janitorInterval time.Duration) *MemoryKV {
	kv := &MemoryKV{
		data:   make(map[string]entry),
		stopCh: make(chan struct{}),
	}
	if janitorInterval > 0 {
		go kv.janitor(janitorInterval)
	}
	return kv
}

func (kv *MemoryKV) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-kv.stopCh:
			return
		case <-ticker.C:
			kv.sweep()
		}
	}
}

func (kv *MemoryKV) sweep() {
	now := timeNow()
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for key, e := range kv.data {
		if e.expired(now) {
			delete(kv.data, key)
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (kv *MemoryKV) Close() {
	kv.stopped.Do(func() { close(kv.stopCh) })
}

func (kv *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = timeNow().Add(ttl)
	}
	kv.mu.Lock()
	kv.data[key] = e
	kv.mu.Unlock()
	return nil
}

func (kv *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := timeNow()
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.data[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(now) {
		delete(kv.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (kv *MemoryKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.data, key)
	kv.mu.Unlock()
	return nil
}

func (kv *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := timeNow()
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.data[key]
	if !ok || e.expired(now) {
		delete(kv.data, key)
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	kv.data[key] = e
	return true, nil
}

var _ KV = (*MemoryKV)(nil)
