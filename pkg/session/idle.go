package session

import (
	"math/rand"
	"sync"
	"time"
)

// IdleDetector fires a single filler utterance after a randomized stretch of
// conversational silence. It is armed only while the activity state is fully
// idle (call active, nobody busy) and suppresses re-firing until the next
// activity reset.
type IdleDetector struct {
	onIdle func(utterance string)
	log    Logger

	mu         sync.Mutex
	min, max   time.Duration
	rng        *rand.Rand
	timer      *time.Timer
	fired      bool
	stopped    bool
	state      ActivityState
	utterances []string
	fallback   []string
}

func NewIdleDetector(min, max time.Duration, fallback []string, onIdle func(string), logger Logger) *IdleDetector {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if max <= min {
		max = min + time.Millisecond
	}
	return &IdleDetector{
		onIdle:   onIdle,
		log:      logger,
		min:      min,
		max:      max,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		fallback: fallback,
	}
}

// SetUtterances swaps the active filler set, typically on persona switch.
// An empty set falls back to the default persona's lines at fire time.
func (d *IdleDetector) SetUtterances(set []string) {
	d.mu.Lock()
	d.utterances = set
	d.mu.Unlock()
}

// Update feeds the latest activity snapshot. Any busy flag cancels the
// pending timer and clears the one-shot suppression; a fully idle snapshot
// arms a fresh timer.
func (d *IdleDetector) Update(state ActivityState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	if d.stopped {
		return
	}
	if !state.CallActive {
		d.cancelTimerLocked()
		return
	}
	if state.Recording || state.Speaking || state.Processing {
		d.cancelTimerLocked()
		d.fired = false
		return
	}
	d.armLocked()
}

// Reset clears the fired suppression and restarts the window from zero.
func (d *IdleDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.cancelTimerLocked()
	d.fired = false
	if d.state.FullyIdle() {
		d.armLocked()
	}
}

// Stop tears the detector down; no timers survive it.
func (d *IdleDetector) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cancelTimerLocked()
	d.mu.Unlock()
}

func (d *IdleDetector) armLocked() {
	if d.timer != nil || d.fired {
		return
	}
	delay := d.min + time.Duration(d.rng.Int63n(int64(d.max-d.min)))
	d.timer = time.AfterFunc(delay, d.fire)
}

func (d *IdleDetector) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *IdleDetector) fire() {
	d.mu.Lock()
	d.timer = nil
	// Re-check at fire time: activity may have resumed while the timer
	// was pending, and only one fire is allowed per activity reset.
	if d.stopped || d.fired || !d.state.FullyIdle() {
		d.mu.Unlock()
		return
	}
	set := d.utterances
	if len(set) == 0 {
		set = d.fallback
	}
	if len(set) == 0 {
		d.mu.Unlock()
		return
	}
	d.fired = true
	line := set[d.rng.Intn(len(set))]
	cb := d.onIdle
	d.mu.Unlock()

	d.log.Debug("idle window elapsed", "utterance", line)
	if cb != nil {
		cb(line)
	}
}
