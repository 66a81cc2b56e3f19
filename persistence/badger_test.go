package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir, nil)
	require.NoError(t, err)
	defer b.Close()

	data, err := b.Load()
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, b.Save([]byte("checkpoint-bytes")))
	data, err = b.Load()
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-bytes", string(data))
}

func TestBadgerSaveOverwritesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Save([]byte("first")))
	require.NoError(t, b.Save([]byte("second")))

	data, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBadger(dir, nil)
	require.NoError(t, err)
	require.NoError(t, b.Save([]byte("durable")))
	require.NoError(t, b.Close())

	reopened, err := NewBadger(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
}
