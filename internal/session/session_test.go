package session

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

func TestNewDefaultsToBuiltinPrinter(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Config{})
	require.NoError(t, err)
	defer s.Close(ctx)

	snap, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Channels, len(channels.BuiltinPrinters[channels.DefaultPrinter].Channels))
	assert.Equal(t, s.Mirror().Channels(), sortedNames(snap))
	assert.Equal(t, telemetry.DefaultCapacity, s.Recorder().Stats().Capacity)
}

func TestScaleFlowsThroughEveryComponent(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Config{Profile: "P400"})
	require.NoError(t, err)
	defer s.Close(ctx)

	res, err := s.Coordinator().Scale(ctx, 50, "test-source", scaling.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 6, res.Processed)

	snap, err := s.Channels(ctx)
	require.NoError(t, err)
	k, _ := snap.Channel("K")
	assert.Equal(t, 32768, k.End)

	ds, ok := s.Mirror().Dataset("K")
	require.True(t, ok)
	assert.Equal(t, "32768", ds[channels.AttrEnd])

	assert.Equal(t, 1, s.Auditor().Snapshot().ReasonCounts["test-source"])
	assert.Zero(t, s.Auditor().Snapshot().MismatchCount)

	s.Coordinator().Flush("")
	latest, ok := s.StatusHistory().Latest()
	require.True(t, ok)
	assert.Equal(t, "Scaling queue flushed (manual)", latest.Message)
}

func TestResetKeepsChannels(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Config{Profile: "P400", StatusHistory: 5})
	require.NoError(t, err)
	defer s.Close(ctx)

	_, err = s.Coordinator().Scale(ctx, 80, "ui", scaling.Options{})
	require.NoError(t, err)
	s.Coordinator().Flush("manual")

	s.Reset("test")
	assert.Zero(t, s.Recorder().Len())
	assert.Empty(t, s.StatusHistory().Lines())
	assert.Equal(t, "test", s.Auditor().Snapshot().LastResetReason)

	snap, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, snap.GlobalPercent)
}

func TestStateDBPersistsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	first, err := New(ctx, Config{Profile: "P400", StateDB: dbPath})
	require.NoError(t, err)
	_, err = first.Coordinator().Scale(ctx, 60, "ui", scaling.Options{})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	// A different profile does not overwrite stored channels.
	second, err := New(ctx, Config{Profile: "x900", StateDB: dbPath})
	require.NoError(t, err)
	defer second.Close(ctx)

	snap, err := second.Channels(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Channels, 6)
	assert.Equal(t, 60.0, snap.GlobalPercent)

	ds, ok := second.Mirror().Dataset("C")
	require.True(t, ok)
	assert.Equal(t, "39321", ds[channels.AttrEnd])
	require.NoError(t, second.Coordinator().ValidateSync(ctx, "resume", true))
}

func TestNewRejectsUnknownProfile(t *testing.T) {
	_, err := New(context.Background(), Config{Profile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func sortedNames(snap channels.Snapshot) []string {
	names := make([]string, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		names = append(names, ch.Name)
	}
	slices.Sort(names)
	return names
}
