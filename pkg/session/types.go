package session

import (
	"context"
	"io"
	"log/slog"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	L *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{L: l}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.L.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.L.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.L.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.L.Error(msg, args...) }

// Role classifies a logged turn. Idle turns are assistant-initiated filler,
// not replies to user speech.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleIdle      Role = "idle"
)

// Turn is one exchange unit in the visible transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSProvider selects which speech-synthesis backend the remote exchange
// should use. Independent of persona; user-toggleable mid-call.
type TTSProvider string

const (
	ProviderOpenAI     TTSProvider = "openai"
	ProviderElevenLabs TTSProvider = "elevenlabs"
)

// ActivityState is the derived busy/idle snapshot the idle detector watches.
type ActivityState struct {
	CallActive bool
	Recording  bool
	Speaking   bool
	Processing bool
}

// FullyIdle reports whether an idle prompt is currently permitted.
func (a ActivityState) FullyIdle() bool {
	return a.CallActive && !a.Recording && !a.Speaking && !a.Processing
}

// SpeechResult is the remote round-trip response. UserText and ReplyText
// arrive as side-channel values ahead of the audio body, so the transcript
// can be appended before the (potentially large) audio buffer is read.
type SpeechResult struct {
	UserText  string
	ReplyText string
	Audio     io.ReadCloser
}

// Exchange is the remote transcribe+reply+synthesize boundary.
type Exchange interface {
	// SpeechTurn sends a finished recording for transcription, reply
	// generation and synthesis in one cancellable call.
	SpeechTurn(ctx context.Context, personaID string, provider TTSProvider, recording []byte) (*SpeechResult, error)

	// SynthesizeIdle sends a known utterance for synthesis only.
	SynthesizeIdle(ctx context.Context, personaID string, provider TTSProvider, text string) (io.ReadCloser, error)
}

// Recorder is the microphone capture boundary. Stop returns a nil buffer
// when no capture was active or nothing was recorded; that is not an error.
type Recorder interface {
	Start() error
	Stop() ([]byte, error)
	Level() float64
}

// Device abstracts the underlying audio output. Resume is the side-channel
// un-suspend step for pipelines that start suspended until a user gesture;
// it must be idempotent.
type Device interface {
	Open(buf []byte) (Handle, error)
	Resume() error
}

// Handle is one opened playback. Start may be rejected by the device (for
// example a transient interruption); Done yields nil on natural completion
// or the playback error. Close stops output and releases the buffer; it is
// called exactly once per handle by PlaybackManager.
type Handle interface {
	Start() error
	Done() <-chan error
	Close() error
}

type EventType string

const (
	EventStateChanged EventType = "STATE_CHANGED"
	EventTurnAppended EventType = "TURN_APPENDED"
	EventInterrupted  EventType = "INTERRUPTED"
	EventError        EventType = "ERROR"
)

// Event is a notification for the presentation layer.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

type Config struct {
	PersonaID string
	Provider  TTSProvider

	// Idle window bounds; the actual delay is drawn uniformly from
	// [IdleMin, IdleMax) per arming.
	IdleMin time.Duration
	IdleMax time.Duration

	// Delay before the single playback retry after a rejected start.
	PlaybackRetryDelay time.Duration

	// Upper bound on one remote exchange. Zero means no timeout; a hung
	// call is then only resolved by the next barge-in or reset.
	ExchangeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Provider:           ProviderElevenLabs,
		IdleMin:            8 * time.Second,
		IdleMax:            12 * time.Second,
		PlaybackRetryDelay: 200 * time.Millisecond,
	}
}
