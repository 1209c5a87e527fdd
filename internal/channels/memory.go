package channels

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
)

// MemoryStore is an in-process Canonical store.
type MemoryStore struct {
	mu            sync.RWMutex
	order         []string
	channels      map[string]ChannelState
	globalPercent float64
	baselines     map[string]int
}

// NewMemoryStore creates a store holding the given channels.
func NewMemoryStore(states ...ChannelState) (*MemoryStore, error) {
	s := &MemoryStore{}
	if err := s.Load(context.Background(), states); err != nil {
		return nil, err
	}
	return s, nil
}

// Load implements Canonical.
func (s *MemoryStore) Load(_ context.Context, states []ChannelState) error {
	if err := validateStates(states); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]string, 0, len(states))
	s.channels = make(map[string]ChannelState, len(states))
	for _, st := range states {
		st = NewChannelState(st.Name, st.End, st.Source)
		s.order = append(s.order, st.Name)
		s.channels[st.Name] = st
	}
	s.globalPercent = DefaultGlobalPercent
	s.baselines = nil
	return nil
}

// Snapshot implements Canonical.
func (s *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

func (s *MemoryStore) snapshotLocked() Snapshot {
	snap := Snapshot{
		GlobalPercent: s.globalPercent,
		Channels:      make([]ChannelState, 0, len(s.order)),
		Baselines:     maps.Clone(s.baselines),
	}
	for _, name := range s.order {
		snap.Channels = append(snap.Channels, s.channels[name])
	}
	return snap
}

// Apply implements Canonical.
func (s *MemoryStore) Apply(_ context.Context, batch Batch) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := func(name string) bool {
		_, ok := s.channels[name]
		return ok
	}
	for _, u := range batch.Updates {
		if err := validateUpdate(u, known); err != nil {
			return nil, err
		}
	}

	before := make([]ChannelState, 0, len(s.order))
	for _, name := range s.order {
		before = append(before, s.channels[name])
	}
	for _, u := range batch.Updates {
		cur := s.channels[u.Channel]
		source := cur.Source
		if u.Source != "" {
			source = u.Source
		}
		s.channels[u.Channel] = NewChannelState(cur.Name, u.End, source)
	}
	if batch.GlobalPercent > 0 {
		s.globalPercent = batch.GlobalPercent
	}
	s.baselines = maps.Clone(batch.Baselines)

	return changedNames(before, s.channels), nil
}

// CanonicalRecords implements audit.CanonicalReader.
func (s *MemoryStore) CanonicalRecords(ctx context.Context) (map[string]audit.ChannelRecord, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Records(), nil
}

// Names returns channel names in profile order.
func (s *MemoryStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}
