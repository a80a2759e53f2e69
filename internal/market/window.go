package market

import (
	"sort"
	"sync"
)

// DefaultWindowSize bounds the in-memory candle history per instrument.
const DefaultWindowSize = 500

// UpsertResult describes what Window.Upsert did with a candle.
type UpsertResult int

const (
	Appended UpsertResult = iota
	Replaced
	Ignored // a final candle with this open time is already stored
)

// Window is a bounded, open-time ordered candle buffer. Entries are unique per open
// time; a non-final entry may be replaced, a final one never changes.
type Window struct {
	mu      sync.RWMutex
	max     int
	candles []Candle
}

func NewWindow(max int) *Window {
	if max <= 0 {
		max = DefaultWindowSize
	}
	return &Window{max: max, candles: make([]Candle, 0, max)}
}

// Upsert inserts c in open-time order or replaces the non-final entry it supersedes.
func (w *Window) Upsert(c Candle) UpsertResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.candles)
	// fast path: live updates land at the tail
	if n == 0 || c.OpenTime > w.candles[n-1].OpenTime {
		w.candles = append(w.candles, c)
		w.trim()
		return Appended
	}

	i := sort.Search(n, func(i int) bool { return w.candles[i].OpenTime >= c.OpenTime })
	if i < n && w.candles[i].OpenTime == c.OpenTime {
		if w.candles[i].Final {
			return Ignored
		}
		w.candles[i] = c
		return Replaced
	}
	if n >= w.max && i == 0 {
		// older than everything retained in a full window
		return Ignored
	}
	w.candles = append(w.candles, Candle{})
	copy(w.candles[i+1:], w.candles[i:])
	w.candles[i] = c
	w.trim()
	return Appended
}

func (w *Window) trim() {
	if over := len(w.candles) - w.max; over > 0 {
		w.candles = append(w.candles[:0], w.candles[over:]...)
	}
}

// Snapshot returns a copy of the window, oldest first.
func (w *Window) Snapshot() []Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Candle, len(w.candles))
	copy(out, w.candles)
	return out
}

// Last returns the newest candle.
func (w *Window) Last() (Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.candles) == 0 {
		return Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}

// Get returns the candle stored for openTime.
func (w *Window) Get(openTime int64) (Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	i := sort.Search(len(w.candles), func(i int) bool { return w.candles[i].OpenTime >= openTime })
	if i < len(w.candles) && w.candles[i].OpenTime == openTime {
		return w.candles[i], true
	}
	return Candle{}, false
}

// Load replaces the window content, sorting and deduplicating the input.
func (w *Window) Load(candles []Candle) {
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime < sorted[j].OpenTime })

	dedup := sorted[:0]
	for _, c := range sorted {
		if k := len(dedup); k > 0 && dedup[k-1].OpenTime == c.OpenTime {
			if !dedup[k-1].Final {
				dedup[k-1] = c
			}
			continue
		}
		dedup = append(dedup, c)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.candles = append(w.candles[:0], dedup...)
	w.trim()
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.candles)
}
