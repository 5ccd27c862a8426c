// Package playback implements the session playback device on top of the
// beep speaker mixer: MP3 decode, resample to the mixer rate, and a handle
// per buffer with completion signalling.
package playback

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"

	"github.com/personacall-ai/personacall/pkg/session"
)

const mixerRate beep.SampleRate = 44100

// Speaker implements session.Device. The mixer is initialized lazily on the
// first Resume (the "user gesture" step); later calls are no-ops.
type Speaker struct {
	log      session.Logger
	initOnce sync.Once
	initErr  error
}

func NewSpeaker(logger session.Logger) *Speaker {
	if logger == nil {
		logger = &session.NoOpLogger{}
	}
	return &Speaker{log: logger}
}

// Resume initializes the output pipeline if it has not been already.
func (s *Speaker) Resume() error {
	s.initOnce.Do(func() {
		s.initErr = speaker.Init(mixerRate, mixerRate.N(time.Second/10))
		if s.initErr == nil {
			s.log.Debug("speaker initialized", "rate", int(mixerRate))
		}
	})
	return s.initErr
}

// Open decodes the buffer and returns a playable handle. The handle owns
// the decoder; Close releases it.
func (s *Speaker) Open(buf []byte) (session.Handle, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(buf)))
	if err != nil {
		return nil, fmt.Errorf("decode reply audio: %w", err)
	}
	var stream beep.Streamer = streamer
	if format.SampleRate != mixerRate {
		stream = beep.Resample(4, format.SampleRate, mixerRate, streamer)
	}
	return &handle{speaker: s, streamer: streamer, stream: stream, done: make(chan error, 1)}, nil
}

type handle struct {
	speaker  *Speaker
	streamer beep.StreamSeekCloser
	stream   beep.Streamer
	done     chan error

	mu      sync.Mutex
	started bool
	closed  bool
}

func (h *handle) Start() error {
	if err := h.speaker.Resume(); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed || h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	speaker.Play(beep.Seq(h.stream, beep.Callback(func() {
		select {
		case h.done <- nil:
		default:
		}
	})))
	return nil
}

func (h *handle) Done() <-chan error { return h.done }

// Close silences and releases the handle. At most one buffer plays at a
// time, so clearing the whole mixer only ever removes this playback.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	started := h.started
	h.mu.Unlock()

	if started {
		speaker.Clear()
	}
	return h.streamer.Close()
}
