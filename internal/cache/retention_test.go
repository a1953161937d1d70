package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidefetch/internal/core"
)

func TestRetentionPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr bool
	}{
		{"valid", RetentionPolicy{Horizon: 7 * 24 * time.Hour, RefreshWindow: 48 * time.Hour}, false},
		{"refresh disabled", RetentionPolicy{Horizon: time.Hour}, false},
		{"zero horizon", RetentionPolicy{}, true},
		{"negative refresh", RetentionPolicy{Horizon: time.Hour, RefreshWindow: -time.Minute}, true},
		{"refresh beyond horizon", RetentionPolicy{Horizon: time.Hour, RefreshWindow: 2 * time.Hour}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetentionPolicy_InRefreshWindow(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	p := RetentionPolicy{Horizon: 7 * 24 * time.Hour, RefreshWindow: 48 * time.Hour}

	assert.True(t, p.InRefreshWindow(now.Add(-time.Hour), now), "current block")
	assert.True(t, p.InRefreshWindow(now.Add(47*time.Hour), now))
	assert.False(t, p.InRefreshWindow(now.Add(48*time.Hour), now))
	assert.False(t, RetentionPolicy{Horizon: time.Hour}.InRefreshWindow(now, now), "zero window disables refresh")
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
	policy := RetentionPolicy{Horizon: 7 * 24 * time.Hour, RefreshWindow: 48 * time.Hour}

	put := func(t *testing.T, s Store, key core.Key, age time.Duration) {
		t.Helper()
		require.NoError(t, s.Put(ctx, &Entry{Key: key, Payload: []byte(`{}`), FetchedAt: now.Add(-age)}))
	}

	t.Run("BlocksOutsideRequestAndExpired", func(t *testing.T) {
		store := newTestLocalStore(t, CodecGzip)
		put(t, store, core.BlockKey("2026101609"), time.Hour)      // past block, not requested
		put(t, store, core.BlockKey("2026101709"), time.Hour)      // requested
		put(t, store, core.BlockKey("2026101712"), 8*24*time.Hour) // requested but too old
		put(t, store, core.EntityKey("SH1"), 30*24*time.Hour)     // other category untouched

		requested := map[core.Category]map[string]struct{}{
			core.CategoryBlock: {"2026101709": {}, "2026101712": {}},
		}
		report, err := Evict(ctx, store, policy, requested, now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Expired)
		assert.Equal(t, 1, report.Unreferenced)

		metas, err := store.List(ctx, core.CategoryBlock)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, "2026101709", metas[0].Key.ID)

		entity, err := store.Get(ctx, core.EntityKey("SH1"))
		require.NoError(t, err)
		assert.NotNil(t, entity)
	})

	t.Run("EntitiesKeptUnlessPruning", func(t *testing.T) {
		store := newTestLocalStore(t, CodecGzip)
		put(t, store, core.EntityKey("SH1"), time.Hour)
		put(t, store, core.EntityKey("SH2"), time.Hour)
		requested := map[core.Category]map[string]struct{}{core.CategoryEntity: {"SH1": {}}}

		report, err := Evict(ctx, store, policy, requested, now)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Total())

		pruning := policy
		pruning.PruneEntities = true
		report, err = Evict(ctx, store, pruning, requested, now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Unreferenced)

		gone, err := store.Get(ctx, core.EntityKey("SH2"))
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("RequestedEntitiesNeverExpire", func(t *testing.T) {
		store := newTestLocalStore(t, CodecGzip)
		put(t, store, core.EntityKey("SH1"), 30*24*time.Hour)
		put(t, store, core.EntityKey("SH2"), 30*24*time.Hour)
		requested := map[core.Category]map[string]struct{}{core.CategoryEntity: {"SH1": {}}}

		report, err := Evict(ctx, store, policy, requested, now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Expired)

		kept, err := store.Get(ctx, core.EntityKey("SH1"))
		require.NoError(t, err)
		assert.NotNil(t, kept)
	})

	t.Run("CorruptEntriesRemoved", func(t *testing.T) {
		store := newTestLocalStore(t, CodecGzip)
		p := filepath.Join(store.Root(), "block", "2026101709.entry")
		require.NoError(t, os.WriteFile(p, []byte("junk"), 0o644))
		requested := map[core.Category]map[string]struct{}{core.CategoryBlock: {"2026101709": {}}}

		report, err := Evict(ctx, store, policy, requested, now)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Corrupt)
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr))
	})
}
