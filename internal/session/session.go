// Package session wires the scaling subsystem together: canonical store,
// legacy mirror, telemetry recorder, sync auditor, coordinator and status
// projection. Outer surfaces (MCP, web UI, file watcher, CLI) share one
// Session.
package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/audit"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/channels"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/scaling"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/status"
	"github.com/David-Marsh-Photo/quadGEN-sub007/internal/telemetry"
)

// Store is a canonical channel store the auditor can read.
type Store interface {
	channels.Canonical
	audit.CanonicalReader
}

// Config holds session settings.
type Config struct {
	// Profile is a YAML profile path or a built-in printer key. Empty
	// selects channels.DefaultPrinter.
	Profile string
	// StateDB is a SQLite path. Empty keeps state in memory.
	StateDB           string
	TelemetryCapacity int
	StatusHistory     int
	FlushOnDrain      bool
	Logger            *zap.SugaredLogger
}

// Session owns every component for the life of the process.
type Session struct {
	store       Store
	closeStore  func() error
	mirror      *channels.LegacyMirror
	recorder    *telemetry.Recorder
	auditor     *audit.Auditor
	coordinator *scaling.Coordinator
	history     *status.History
	projection  *status.Projection
	profile     *channels.Profile
	log         *zap.SugaredLogger
}

// New builds a session. A persistent store that already holds channels
// keeps them; otherwise it is loaded from the profile.
func New(ctx context.Context, cfg Config) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	profileKey := cfg.Profile
	if profileKey == "" {
		profileKey = channels.DefaultPrinter
	}
	profile, err := channels.LoadProfile(profileKey)
	if err != nil {
		return nil, err
	}
	states, err := profile.States()
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profileKey, err)
	}

	s := &Session{profile: profile, log: log, closeStore: func() error { return nil }}

	if cfg.StateDB == "" {
		mem, err := channels.NewMemoryStore(states...)
		if err != nil {
			return nil, err
		}
		s.store = mem
	} else {
		db, err := channels.OpenSQLite(cfg.StateDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open state db %s: %w", cfg.StateDB, err)
		}
		s.store = db
		s.closeStore = db.Close

		snap, err := db.Snapshot(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		if len(snap.Channels) == 0 {
			if err := db.Load(ctx, states); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to seed state db: %w", err)
			}
			log.Infof("💾 seeded %s with %d channels from %s", cfg.StateDB, len(states), profile.Name)
		} else {
			log.Infof("💾 resumed %d channels from %s", len(snap.Channels), cfg.StateDB)
		}
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.mirror = channels.NewLegacyMirror()
	s.mirror.Seed(snap.Channels)

	capacity := cfg.TelemetryCapacity
	if capacity <= 0 {
		capacity = telemetry.DefaultCapacity
	}
	s.recorder = telemetry.NewRecorder(capacity, telemetry.WithLogger(log))
	s.auditor = audit.New(s.store, s.mirror, log)
	s.history = status.NewHistory(cfg.StatusHistory)
	s.projection = status.Attach(s.recorder, status.Multi{s.history, status.LogSink{Log: log}})

	s.coordinator, err = scaling.New(scaling.Config{
		Store:        s.store,
		Mirror:       s.mirror,
		Auditor:      s.auditor,
		Recorder:     s.recorder,
		FlushOnDrain: cfg.FlushOnDrain,
		Logger:       log,
	})
	if err != nil {
		s.projection.Detach()
		s.closeStore()
		return nil, err
	}
	return s, nil
}

func (s *Session) Store() Store { return s.store }
func (s *Session) Mirror() *channels.LegacyMirror { return s.mirror }
func (s *Session) Recorder() *telemetry.Recorder { return s.recorder }
func (s *Session) Auditor() *audit.Auditor { return s.auditor }
func (s *Session) Coordinator() *scaling.Coordinator { return s.coordinator }
func (s *Session) StatusHistory() *status.History { return s.history }
func (s *Session) Profile() *channels.Profile { return s.profile }

// Channels returns the canonical snapshot.
func (s *Session) Channels(ctx context.Context) (channels.Snapshot, error) {
	return s.store.Snapshot(ctx)
}

// Reset clears telemetry, audit counters and status history. Channel state
// is left alone.
func (s *Session) Reset(reason string) {
	s.recorder.Clear()
	s.auditor.Reset(reason)
	s.history.Clear()
}

// Close shuts the coordinator down, detaches the status projection and
// closes the store.
func (s *Session) Close(ctx context.Context) error {
	err := s.coordinator.Close(ctx)
	s.projection.Detach()
	return errors.Join(err, s.closeStore())
}
