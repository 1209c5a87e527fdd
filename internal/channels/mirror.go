package channels

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
)

// Dataset attribute names held by the legacy mirror.
const (
	AttrEnd     = "data-end"
	AttrPercent = "data-percent"
	AttrSource  = "data-source"
)

// LegacyMirror keeps the older string-attribute view of each channel, the
// shape that per-row dataset attributes had. It is written after every
// canonical mutation and read only by the audit.
type LegacyMirror struct {
	mu      sync.RWMutex
	dataset map[string]map[string]string
}

// NewLegacyMirror creates an empty mirror.
func NewLegacyMirror() *LegacyMirror {
	return &LegacyMirror{dataset: make(map[string]map[string]string)}
}

// Seed replaces the mirror contents with states.
func (m *LegacyMirror) Seed(states []ChannelState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dataset = make(map[string]map[string]string, len(states))
	for _, st := range states {
		m.dataset[st.Name] = attrsFor(st)
	}
}

// Sync writes through the given states. Channels not listed are untouched.
func (m *LegacyMirror) Sync(_ context.Context, states []ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range states {
		m.dataset[st.Name] = attrsFor(st)
	}
	return nil
}

// Set writes one attribute directly, bypassing the canonical store.
func (m *LegacyMirror) Set(channel, attr, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs, ok := m.dataset[channel]
	if !ok {
		attrs = make(map[string]string)
		m.dataset[channel] = attrs
	}
	attrs[attr] = value
}

// Remove drops a channel from the mirror.
func (m *LegacyMirror) Remove(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dataset, channel)
}

// Dataset returns a copy of the attributes for one channel.
func (m *LegacyMirror) Dataset(channel string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.dataset[channel]
	return maps.Clone(attrs), ok
}

// Channels returns mirrored channel names, sorted.
func (m *LegacyMirror) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.dataset))
}

// LegacyRecords implements audit.LegacyReader.
func (m *LegacyMirror) LegacyRecords(context.Context) (map[string]audit.ChannelRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]audit.ChannelRecord, len(m.dataset))
	for name, attrs := range m.dataset {
		out[name] = audit.ChannelRecord{
			Percent: attrs[AttrPercent],
			End:     attrs[AttrEnd],
			Source:  attrs[AttrSource],
		}
	}
	return out, nil
}

func attrsFor(st ChannelState) map[string]string {
	return map[string]string{
		AttrEnd:     strconv.Itoa(st.End),
		AttrPercent: FormatPercent(st.Percent),
		AttrSource:  string(st.Source),
	}
}
