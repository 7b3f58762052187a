package follower

import (
	"math"
	"time"
)

const (
	DefaultPollInterval   = time.Second
	DefaultDriftThreshold = 1.5
)

// DriftDetector turns polled player positions into seek reports. Players do
// not announce seeks, so any jump away from the expected position larger than
// Threshold seconds is treated as one.
type DriftDetector struct {
	Threshold float64

	primed  bool
	last    float64
	lastAt  time.Time
	playing bool
}

func NewDriftDetector(threshold float64) *DriftDetector {
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	return &DriftDetector{Threshold: threshold}
}

// Observe records a poll and reports whether it looks like a local seek.
func (d *DriftDetector) Observe(position float64, playing bool, at time.Time) bool {
	expected := d.last
	if d.playing {
		expected += at.Sub(d.lastAt).Seconds()
	}
	jumped := d.primed && math.Abs(position-expected) > d.Threshold
	d.Reset(position, playing, at)
	return jumped
}

// Reset re-bases the detector after a remote command moved the player, so the
// move is not echoed back as a local seek.
func (d *DriftDetector) Reset(position float64, playing bool, at time.Time) {
	d.primed = true
	d.last = position
	d.lastAt = at
	d.playing = playing
}
