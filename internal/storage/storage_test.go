package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	store, err := NewMemory(16, time.Minute)
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.Get("bookings")
	require.NoError(t, err)
	assert.False(t, found)

	value := []byte(`{"items":[1,2]}`)
	require.NoError(t, store.Put("bookings", value))

	// Stored bytes are a copy
	value[0] = 'X'

	got, found, err := store.Get("bookings")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"items":[1,2]}`, string(got))

	require.NoError(t, store.Delete("bookings"))
	_, found, err = store.Get("bookings")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryExpiration(t *testing.T) {
	store, err := NewMemory(16, 10*time.Millisecond)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("payments", []byte("1")))
	time.Sleep(20 * time.Millisecond)

	_, found, err := store.Get("payments")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, store.Len())
}

func TestMemoryNoExpiration(t *testing.T) {
	store, err := NewMemory(16, 0)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("children", []byte("1")))
	time.Sleep(5 * time.Millisecond)

	_, found, err := store.Get("children")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryCapacity(t *testing.T) {
	store, err := NewMemory(8, time.Minute)
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 32; i++ {
		require.NoError(t, store.Put(fmt.Sprintf("key-%d", i), []byte("v")))
	}
	assert.LessOrEqual(t, store.Len(), 8)
}

func TestMemoryClosed(t *testing.T) {
	store, err := NewMemory(8, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, _, err = store.Get("x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Put("x", nil), ErrClosed)
	assert.ErrorIs(t, store.Delete("x"), ErrClosed)
}

func TestOpen(t *testing.T) {
	store, err := Open(DefaultFactoryConfig())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)
	require.NoError(t, store.Close())

	cfg := DefaultFactoryConfig()
	cfg.Type = BadgerStore
	cfg.Config.DataDir = t.TempDir()
	store, err = Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &badger.Storage{}, store)
	require.NoError(t, store.Close())

	_, err = Open(FactoryConfig{Type: "redis"})
	assert.Error(t, err)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := FactoryConfig{Type: BadgerStore, Config: Config{DataDir: dir, Expiration: time.Hour}}

	store, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put("dashboard_stats", []byte(`{"total":3}`)))
	require.NoError(t, store.Close())

	store, err = Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	got, found, err := store.Get("dashboard_stats")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"total":3}`, string(got))
}
