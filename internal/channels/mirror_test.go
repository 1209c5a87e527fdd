package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
)

func TestLegacyMirrorTracksCanonical(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(seedStates()...)
	require.NoError(t, err)

	mirror := NewLegacyMirror()
	mirror.Seed(seedStates())

	a := audit.New(store, mirror, nil)
	require.NoError(t, a.Validate(ctx, audit.ValidateOptions{Reason: "seed", ThrowOnMismatch: true}))

	_, err = store.Apply(ctx, Batch{Updates: []Update{{Channel: "K", End: 53739}}})
	require.NoError(t, err)

	err = a.Validate(ctx, audit.ValidateOptions{Reason: "stale", ThrowOnMismatch: true})
	var mismatch *audit.StateSyncMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{"K"}, mismatch.Channels())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, mirror.Sync(ctx, snap.Channels[:1]))
	require.NoError(t, a.Validate(ctx, audit.ValidateOptions{Reason: "synced", ThrowOnMismatch: true}))

	attrs, ok := mirror.Dataset("K")
	require.True(t, ok)
	assert.Equal(t, "53739", attrs[AttrEnd])
	assert.Equal(t, "82.0", attrs[AttrPercent])
	assert.Equal(t, "default", attrs[AttrSource])
}

func TestLegacyMirrorDirectWriteCausesDrift(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore(seedStates()...)
	require.NoError(t, err)
	mirror := NewLegacyMirror()
	mirror.Seed(seedStates())

	mirror.Set("C", AttrSource, "manual")

	records, err := mirror.LegacyRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, "manual", records["C"].Source)

	divergences := audit.Compare(snapshotRecords(t, store), records)
	require.Len(t, divergences, 1)
	assert.Equal(t, audit.Divergence{Channel: "C", Field: "source", Canonical: "solver", Legacy: "manual"}, divergences[0])

	mirror.Remove("M")
	assert.Equal(t, []string{"C", "K"}, mirror.Channels())
}

func TestLegacyMirrorDatasetIsCopy(t *testing.T) {
	mirror := NewLegacyMirror()
	mirror.Seed(seedStates())

	attrs, _ := mirror.Dataset("K")
	attrs[AttrEnd] = "1"

	again, _ := mirror.Dataset("K")
	assert.Equal(t, "65535", again[AttrEnd])
}

func snapshotRecords(t *testing.T, store Canonical) map[string]audit.ChannelRecord {
	t.Helper()
	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap.Records()
}
