package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/pkg/atomicfile"
)

// Options tune persistence. Zero values take the defaults.
type Options struct {
	Backups     int // numbered backups kept next to the primary (3)
	HistorySize int // trade history ring (50)
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Store owns one instrument's TradingState. Mutations are serialized by mu; disk
// writes are serialized by saveMu so a slow write never blocks readers and an older
// snapshot never overwrites a newer one.
type Store struct {
	path string
	opts Options

	mu sync.Mutex
	st *TradingState

	saveMu       sync.Mutex
	savedVersion int64

	logger zerolog.Logger
}

// Open loads the state at path, falling back to the newest readable backup and
// finally to seed. A missing or corrupt file is never fatal.
func Open(path string, seed *TradingState, opts Options) (*Store, error) {
	if seed == nil {
		return nil, errors.New("state: seed required")
	}
	if opts.Backups <= 0 {
		opts.Backups = 3
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		path:   path,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "state").Str("symbol", seed.Symbol).Logger(),
	}

	var loaded *TradingState
	source, err := atomicfile.Read(path, opts.Backups, func(data []byte) error {
		var st TradingState
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		if st.Symbol != "" && st.Symbol != seed.Symbol {
			return fmt.Errorf("state belongs to %s", st.Symbol)
		}
		loaded = &st
		return nil
	})
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Msg("no usable state file, starting from seed")
		s.st = seed.Clone()
	default:
		if source != path {
			s.logger.Warn().Str("source", source).Msg("state restored from backup")
		} else {
			s.logger.Info().Int64("version", loaded.Version).Bool("in_position", loaded.InPosition).Msg("state restored")
		}
		loaded.Symbol = seed.Symbol
		if loaded.History == nil {
			loaded.History = []TradeRecord{}
		}
		s.st = loaded
		s.savedVersion = loaded.Version
	}
	s.st.historySize = opts.HistorySize
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *TradingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Clone()
}

// Update runs fn under the instrument lock and persists when fn reports a change.
func (s *Store) Update(fn func(st *TradingState) bool) error {
	s.mu.Lock()
	if !fn(s.st) {
		s.mu.Unlock()
		return nil
	}
	snap := s.stamp()
	s.mu.Unlock()
	return s.persist(snap)
}

// Apply runs fn under the instrument lock and always persists.
func (s *Store) Apply(fn func(st *TradingState)) error {
	return s.Update(func(st *TradingState) bool {
		fn(st)
		return true
	})
}

// Mutate changes the in-memory state only; the next persisted write carries it.
func (s *Store) Mutate(fn func(st *TradingState) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// Save persists the current state unconditionally.
func (s *Store) Save() error {
	s.mu.Lock()
	snap := s.stamp()
	s.mu.Unlock()
	return s.persist(snap)
}

// stamp bumps the version and returns a copy to write. Caller holds mu.
func (s *Store) stamp() *TradingState {
	s.st.Version++
	s.st.UpdatedAt = s.opts.Now().UTC()
	return s.st.Clone()
}

func (s *Store) persist(snap *TradingState) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if snap.Version <= s.savedVersion {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := atomicfile.Write(s.path, data, s.opts.Backups); err != nil {
		s.logger.Error().Err(err).Int64("version", snap.Version).Msg("persist state")
		return fmt.Errorf("persist state: %w", err)
	}
	s.savedVersion = snap.Version
	return nil
}

func (s *Store) Path() string { return s.path }
