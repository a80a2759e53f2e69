package market

import (
	"encoding/json"
	"fmt"
	"time"

	"spot-engine/pkg/atomicfile"
)

// SnapshotStore persists a candle window with atomic writes and numbered backups.
type SnapshotStore struct {
	Path    string
	Backups int
}

type snapshotFile struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	SavedAt  time.Time `json:"saved_at"`
	Candles  []Candle  `json:"candles"`
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{Path: path, Backups: 3}
}

func (s *SnapshotStore) Save(symbol, interval string, candles []Candle) error {
	data, err := json.Marshal(snapshotFile{
		Symbol:   symbol,
		Interval: interval,
		SavedAt:  time.Now().UTC(),
		Candles:  candles,
	})
	if err != nil {
		return fmt.Errorf("encode candle snapshot: %w", err)
	}
	return atomicfile.Write(s.Path, data, s.Backups)
}

// Load returns the stored candles and the file they were read from. Candles that fail
// validation are skipped.
func (s *SnapshotStore) Load() ([]Candle, string, error) {
	var snap snapshotFile
	source, err := atomicfile.Read(s.Path, s.Backups, func(data []byte) error {
		var decoded snapshotFile
		if err := json.Unmarshal(data, &decoded); err != nil {
			return err
		}
		snap = decoded
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	out := make([]Candle, 0, len(snap.Candles))
	for _, c := range snap.Candles {
		if c.OpenTime > 0 && Validate(c) == nil {
			out = append(out, c)
		}
	}
	return out, source, nil
}
