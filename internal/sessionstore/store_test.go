// internal/sessionstore/store_test.go
package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/agentcore/api/schemas"
	"github.com/quarrylabs/agentcore/internal/config"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		StateTTL:     30 * time.Minute,
		InterruptTTL: 30 * time.Second,
	}
}

// clock replaces timeNow with a manually advanced instant.
type clock struct{ now time.Time }

func installClock(t *testing.T) *clock {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	original := timeNow
	timeNow = func() time.Time { return c.now }
	t.Cleanup(func() { timeNow = original })
	return c
}

func TestMemoryKV_TTLExpiry(t *testing.T) {
	c := installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))

	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	c.now = c.now.Add(2 * time.Minute)
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "the key expires lazily on read")
}

func TestMemoryKV_ExpireRefreshesTTL(t *testing.T) {
	c := installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))

	c.now = c.now.Add(50 * time.Second)
	ok, err := kv.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the original deadline but within the refreshed one.
	c.now = c.now.Add(30 * time.Second)
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKV_SweepReclaimsExpired(t *testing.T) {
	c := installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "old", []byte("v"), time.Second))
	require.NoError(t, kv.Set(ctx, "eternal", []byte("v"), 0))

	c.now = c.now.Add(time.Hour)
	kv.sweep()

	kv.mu.Lock()
	defer kv.mu.Unlock()
	assert.NotContains(t, kv.data, "old")
	assert.Contains(t, kv.data, "eternal", "a zero TTL never expires")
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	store := NewStore(kv, testSessionConfig())
	ctx := context.Background()

	state := &schemas.SessionState{
		SessionID:     "s-1",
		UserID:        "u-1",
		Status:        schemas.StatusRunning,
		CurrentLoopID: "loop-1",
		StreamState:   schemas.StreamState{Phase: schemas.PhaseStreamingLLM},
	}
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "u-1", loaded.UserID)
	assert.Equal(t, schemas.StatusRunning, loaded.Status)
	assert.Equal(t, "loop-1", loaded.CurrentLoopID)
	assert.Equal(t, schemas.PhaseStreamingLLM, loaded.StreamState.Phase)

	missing, err := store.Load(ctx, "s-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, store.Save(ctx, &schemas.SessionState{}))
}

func TestStore_SaveRefreshesTTL(t *testing.T) {
	c := installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	store := NewStore(kv, testSessionConfig())
	ctx := context.Background()

	state := &schemas.SessionState{SessionID: "s-1", Status: schemas.StatusIdle}
	require.NoError(t, store.Save(ctx, state))

	// 25 minutes later a save pushes the deadline out again.
	c.now = c.now.Add(25 * time.Minute)
	require.NoError(t, store.Save(ctx, state))

	c.now = c.now.Add(25 * time.Minute)
	loaded, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.NotNil(t, loaded, "the refreshed session is still alive")

	c.now = c.now.Add(31 * time.Minute)
	loaded, err = store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, loaded, "an untouched session ages out")
}

func TestStore_Touch(t *testing.T) {
	c := installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	store := NewStore(kv, testSessionConfig())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &schemas.SessionState{SessionID: "s-1"}))

	c.now = c.now.Add(29 * time.Minute)
	ok, err := store.Touch(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, ok)

	c.now = c.now.Add(29 * time.Minute)
	loaded, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.NotNil(t, loaded)

	ok, err = store.Touch(ctx, "s-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_InterruptFlagLifecycle(t *testing.T) {
	c := installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	store := NewStore(kv, testSessionConfig())
	ctx := context.Background()

	raised, err := store.InterruptRequested(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, raised)

	require.NoError(t, store.RequestInterrupt(ctx, "s-1"))

	raised, err = store.InterruptRequested(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, raised)

	require.NoError(t, store.ClearInterrupt(ctx, "s-1"))
	raised, err = store.InterruptRequested(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, raised)

	// An unclaimed flag expires on its own short TTL.
	require.NoError(t, store.RequestInterrupt(ctx, "s-1"))
	c.now = c.now.Add(time.Minute)
	raised, err = store.InterruptRequested(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, raised)
}

func TestStore_DeleteRemovesBothKeys(t *testing.T) {
	installClock(t)
	kv := NewMemoryKV(0)
	defer kv.Close()
	store := NewStore(kv, testSessionConfig())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &schemas.SessionState{SessionID: "s-1"}))
	require.NoError(t, store.RequestInterrupt(ctx, "s-1"))

	require.NoError(t, store.Delete(ctx, "s-1"))

	loaded, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
	raised, err := store.InterruptRequested(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, raised)
}
