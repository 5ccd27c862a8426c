package audio

import (
	"math"
	"sync"
)

// LevelMeter tracks a smoothed microphone amplitude in [0,1] for UI
// feedback. Smoothing is an exponential moving average so the meter settles
// instead of flickering with every chunk.
type LevelMeter struct {
	mu    sync.Mutex
	level float64
}

// Feed consumes a chunk of 16-bit little-endian PCM and returns the updated
// smoothed level.
func (m *LevelMeter) Feed(chunk []byte) float64 {
	sample := rms(chunk)
	m.mu.Lock()
	m.level = m.level*0.7 + sample*0.3
	l := m.level
	m.mu.Unlock()
	return l
}

// Level returns the current smoothed level.
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset zeroes the meter, typically when capture stops.
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
}

// rms computes the normalized root mean square of 16-bit PCM samples.
func rms(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}
	var sum float64
	n := len(chunk) / 2
	for i := 0; i+1 < len(chunk); i += 2 {
		s := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(s) / 32768.0
		sum += f * f
	}
	v := math.Sqrt(sum / float64(n))
	if v > 1 {
		v = 1
	}
	return v
}
