package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("mem")

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.PutAt(ctx, "backup_meta:old", []byte("1"), base))
	require.NoError(t, m.PutAt(ctx, "backup_meta:new", []byte("2"), base.Add(time.Hour)))
	require.NoError(t, m.Put(ctx, "other", []byte("3")))

	keys, err := m.ListKeys(ctx, "backup_meta:")
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_meta:new", "backup_meta:old"}, keys)

	keys, err = m.ListKeysByTime(ctx, "backup_meta:")
	require.NoError(t, err)
	assert.Equal(t, []string{"backup_meta:new", "backup_meta:old"}, keys)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	boom := errors.New("disk full")
	m.SetFailPuts(boom)
	assert.ErrorIs(t, m.Put(ctx, "k", nil), boom)

	m.SetFailProbe(boom)
	assert.ErrorIs(t, m.Probe(ctx), boom)

	require.NoError(t, m.Delete(ctx, "other"))
	assert.Equal(t, 2, m.Len())
}

func TestMemoryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemory("mem")
	assert.ErrorIs(t, m.Put(ctx, "k", []byte("v")), context.Canceled)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
