// Package capture owns the microphone: device acquisition, PCM buffering
// and the live amplitude signal. The device handle is held exclusively
// between Start and Stop; Stop releases it synchronously so no capture
// state survives the call.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/personacall-ai/personacall/pkg/audio"
	"github.com/personacall-ai/personacall/pkg/session"
)

// Custom error types for better error discrimination
var (
	// ErrPermissionDenied is returned when the OS refuses microphone access
	ErrPermissionDenied = errors.New("microphone access denied")

	// ErrDeviceNotFound is returned when no capture device is available
	ErrDeviceNotFound = errors.New("no capture device found")

	// ErrInsecureContext is returned when the audio backend refuses to
	// initialize in the current environment
	ErrInsecureContext = errors.New("audio backend unavailable in this environment")
)

// Recorder implements session.Recorder on top of malgo.
type Recorder struct {
	sampleRate int
	log        session.Logger
	meter      audio.LevelMeter

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	buf    bytes.Buffer
	active bool
}

func New(sampleRate int, logger session.Logger) *Recorder {
	if logger == nil {
		logger = &session.NoOpLogger{}
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recorder{sampleRate: sampleRate, log: logger}
}

// Start acquires the capture device and begins buffering. On any failure
// everything acquired so far is released before the error is returned.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsecureContext, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(r.sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: r.onSamples})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return classify(err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return classify(err)
	}

	r.mctx = mctx
	r.device = device
	r.buf.Reset()
	r.meter.Reset()
	r.active = true
	r.log.Debug("capture started", "sampleRate", r.sampleRate)
	return nil
}

// Stop finalizes the buffer and releases the device before returning. A nil
// buffer means no capture was active or nothing was recorded; callers treat
// that as "no speech", not an error.
func (r *Recorder) Stop() ([]byte, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return nil, nil
	}
	r.active = false
	device := r.device
	mctx := r.mctx
	r.device = nil
	r.mctx = nil
	pcm := append([]byte(nil), r.buf.Bytes()...)
	r.buf.Reset()
	r.mu.Unlock()

	// Uninit blocks until the data callback drains, so the mutex must be
	// released first.
	device.Uninit()
	mctx.Uninit()
	mctx.Free()
	r.meter.Reset()
	r.log.Debug("capture stopped", "bytes", len(pcm))

	if len(pcm) == 0 {
		return nil, nil
	}
	return audio.EncodeWAV(pcm, r.sampleRate), nil
}

// Level reports the smoothed amplitude in [0,1] while capturing.
func (r *Recorder) Level() float64 {
	return r.meter.Level()
}

func (r *Recorder) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if len(pInput) == 0 {
		return
	}
	r.mu.Lock()
	if r.active {
		r.buf.Write(pInput)
	}
	r.mu.Unlock()
	r.meter.Feed(pInput)
}

// classify maps opaque backend errors onto the device error taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device type"), strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	default:
		return fmt.Errorf("capture device init failed: %w", err)
	}
}
