package risk

import (
	"fmt"
	"sync"
	"time"
)

// AnomalyKind names a capital anomaly.
type AnomalyKind string

const (
	AnomalyDrop    AnomalyKind = "drop_from_high"
	AnomalyDecline AnomalyKind = "consecutive_decline"
)

// Anomaly is raised as an alert only; it never pauses trading.
type Anomaly struct {
	Kind    AnomalyKind
	Change  float64 // fractional drop, e.g. 0.06
	Message string
}

type equitySample struct {
	at     time.Time
	equity float64
}

// AnomalyDetector samples equity at most once per minute over a rolling hour.
type AnomalyDetector struct {
	mu       sync.Mutex
	samples  []equitySample
	lastSent map[AnomalyKind]time.Time

	Window       time.Duration // 1h
	Every        time.Duration // 1m between samples
	MaxSamples   int           // 100
	DropPercent  float64       // 0.05 below the window high
	DeclineRun   int           // 5 strictly decreasing samples
	DeclineTotal float64       // 0.02 total over the run
	Cooldown     time.Duration // between repeated alerts of one kind
}

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		lastSent:     make(map[AnomalyKind]time.Time),
		Window:       time.Hour,
		Every:        time.Minute,
		MaxSamples:   100,
		DropPercent:  0.05,
		DeclineRun:   5,
		DeclineTotal: 0.02,
		Cooldown:     15 * time.Minute,
	}
}

// Observe records equity when a sample is due and returns any anomalies detected.
func (d *AnomalyDetector) Observe(now time.Time, equity float64) []Anomaly {
	if equity <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.samples); n > 0 && now.Sub(d.samples[n-1].at) < d.Every {
		return nil
	}
	d.samples = append(d.samples, equitySample{at: now, equity: equity})

	cutoff := now.Add(-d.Window)
	drop := 0
	for drop < len(d.samples) && d.samples[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(d.samples) - drop - d.MaxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		d.samples = append(d.samples[:0], d.samples[drop:]...)
	}

	var out []Anomaly
	if a, ok := d.dropFromHigh(); ok && d.due(a.Kind, now) {
		out = append(out, a)
	}
	if a, ok := d.decline(); ok && d.due(a.Kind, now) {
		out = append(out, a)
	}
	return out
}

func (d *AnomalyDetector) dropFromHigh() (Anomaly, bool) {
	high := 0.0
	for _, s := range d.samples {
		if s.equity > high {
			high = s.equity
		}
	}
	latest := d.samples[len(d.samples)-1].equity
	change := (high - latest) / high
	if change <= d.DropPercent {
		return Anomaly{}, false
	}
	return Anomaly{
		Kind:    AnomalyDrop,
		Change:  change,
		Message: fmt.Sprintf("equity %.2f is %.2f%% below the 1h high %.2f", latest, change*100, high),
	}, true
}

func (d *AnomalyDetector) decline() (Anomaly, bool) {
	n := len(d.samples)
	if n < d.DeclineRun {
		return Anomaly{}, false
	}
	run := d.samples[n-d.DeclineRun:]
	for i := 1; i < len(run); i++ {
		if run[i].equity >= run[i-1].equity {
			return Anomaly{}, false
		}
	}
	first, last := run[0].equity, run[len(run)-1].equity
	change := (first - last) / first
	if change+epsilon < d.DeclineTotal {
		return Anomaly{}, false
	}
	return Anomaly{
		Kind:    AnomalyDecline,
		Change:  change,
		Message: fmt.Sprintf("equity fell %d samples in a row, %.2f%% in total", d.DeclineRun, change*100),
	}, true
}

func (d *AnomalyDetector) due(kind AnomalyKind, now time.Time) bool {
	if last, ok := d.lastSent[kind]; ok && now.Sub(last) < d.Cooldown {
		return false
	}
	d.lastSent[kind] = now
	return true
}

func (d *AnomalyDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}
