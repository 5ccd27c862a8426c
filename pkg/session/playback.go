package session

import (
	"fmt"
	"sync"
	"time"
)

// PlaybackManager plays one audio buffer at a time. Starting a new playback
// always supersedes the previous one; a superseded Play resolves silently
// with a nil error. Every opened handle is closed exactly once regardless of
// how the playback ends.
type PlaybackManager struct {
	dev        Device
	log        Logger
	retryDelay time.Duration

	mu     sync.Mutex
	token  uint64
	active *activePlay
}

type activePlay struct {
	handle Handle
	stop   chan struct{}
	closed bool
}

func NewPlaybackManager(dev Device, retryDelay time.Duration, logger Logger) *PlaybackManager {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	return &PlaybackManager{dev: dev, log: logger, retryDelay: retryDelay}
}

// Play blocks until the buffer finishes, fails, or is superseded by a later
// Play or Stop. The device may reject the immediate start attempt; one retry
// is made after a short delay before the failure is surfaced.
//
// current, when non-nil, is the caller's currency check. It runs under the
// manager mutex in the same critical section that registers the handle, so
// a concurrent Stop either sees the check fail or finds the handle to close;
// a stale buffer can never reach the device.
func (p *PlaybackManager) Play(buf []byte, current func() bool) error {
	p.mu.Lock()
	p.stopLocked()
	p.token++
	tok := p.token
	if current != nil && !current() {
		p.mu.Unlock()
		return nil
	}
	handle, err := p.dev.Open(buf)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
	}
	ap := &activePlay{handle: handle, stop: make(chan struct{})}
	p.active = ap
	p.mu.Unlock()

	if err := handle.Start(); err != nil {
		p.log.Warn("playback start rejected, retrying once", "error", err)
		select {
		case <-ap.stop:
			p.release(ap)
			return nil
		case <-time.After(p.retryDelay):
		}
		if p.stale(tok) {
			p.release(ap)
			return nil
		}
		if err := handle.Start(); err != nil {
			p.release(ap)
			if p.stale(tok) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
		}
	}

	select {
	case err := <-handle.Done():
		p.release(ap)
		if p.stale(tok) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
		}
		return nil
	case <-ap.stop:
		p.release(ap)
		return nil
	}
}

// Stop halts any active playback. Safe to call with nothing playing.
func (p *PlaybackManager) Stop() {
	p.mu.Lock()
	p.token++
	p.stopLocked()
	p.mu.Unlock()
}

// Resume forwards the idempotent un-suspend step to the device.
func (p *PlaybackManager) Resume() error {
	return p.dev.Resume()
}

// stopLocked supersedes the active playback without advancing the token
// (caller must lock and decide about the token).
func (p *PlaybackManager) stopLocked() {
	ap := p.active
	if ap == nil {
		return
	}
	p.active = nil
	if !ap.closed {
		ap.closed = true
		if err := ap.handle.Close(); err != nil {
			p.log.Warn("closing superseded playback handle", "error", err)
		}
	}
	close(ap.stop)
}

func (p *PlaybackManager) release(ap *activePlay) {
	p.mu.Lock()
	if p.active == ap {
		p.active = nil
	}
	closed := ap.closed
	ap.closed = true
	p.mu.Unlock()
	if !closed {
		if err := ap.handle.Close(); err != nil {
			p.log.Warn("closing playback handle", "error", err)
		}
	}
}

func (p *PlaybackManager) stale(tok uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token != tok
}
