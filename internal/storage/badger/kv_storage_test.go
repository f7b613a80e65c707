package badger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/common"
	"github.com/ternarybob/phishwatch/internal/interfaces"
)

func newTestKV(t *testing.T) *KVStorage {
	t.Helper()

	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewKVStorage(db, logger)
}

func TestKVStorage_SetGetDelete(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.True(t, errors.Is(err, interfaces.ErrKeyNotFound))

	require.NoError(t, kv.Set(ctx, "PhishWatch.Report.API_Key", "secret", "collector key"))

	value, err := kv.Get(ctx, "phishwatch.report.api_key")
	require.NoError(t, err)
	assert.Equal(t, "secret", value)

	require.NoError(t, kv.Delete(ctx, "phishwatch.report.api_key"))
	assert.True(t, errors.Is(kv.Delete(ctx, "phishwatch.report.api_key"), interfaces.ErrKeyNotFound))
}

func TestKVStorage_SetPreservesCreatedAt(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v1", ""))
	first, err := kv.GetPair(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, kv.Set(ctx, "k", "v2", ""))
	second, err := kv.GetPair(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, "v2", second.Value)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestKVStorage_ListByPrefix(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "phishwatch.report.sent.2026-10-16", "[]", ""))
	require.NoError(t, kv.Set(ctx, "phishwatch.report.sent.2026-10-17", "[]", ""))
	require.NoError(t, kv.Set(ctx, "phishwatch.report.api_key", "k", ""))

	pairs, err := kv.ListByPrefix(ctx, "phishwatch.report.sent.")
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestNewBadgerDB_ResetOnStartup(t *testing.T) {
	logger := arbor.NewLogger()
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, NewKVStorage(db, logger).Set(ctx, "k", "v", ""))
	require.NoError(t, db.Close())

	db, err = NewBadgerDB(logger, &common.BadgerConfig{Path: path, ResetOnStartup: true})
	require.NoError(t, err)
	defer db.Close()

	_, err = NewKVStorage(db, logger).Get(ctx, "k")
	assert.True(t, errors.Is(err, interfaces.ErrKeyNotFound))
}

func TestBadgerDB_CollectGarbageOnSmallStore(t *testing.T) {
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, NewKVStorage(db, logger).Set(context.Background(), "k", "v", ""))

	// Nothing to reclaim in a fresh value log
	rewritten, err := db.CollectGarbage(0.5)
	require.NoError(t, err)
	assert.Equal(t, 0, rewritten)
}
