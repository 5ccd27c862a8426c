// Package pipeline is the server side of the speech exchange: it validates
// the incoming recording, runs transcription, persona-flavored reply
// generation and synthesis, and exposes both operations over HTTP.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/personacall-ai/personacall/pkg/persona"
	"github.com/personacall-ai/personacall/pkg/session"
)

// Custom error types for better error discrimination
var (
	// ErrAudioTooShort is returned below the minimum recording size
	ErrAudioTooShort = errors.New("audio too short to contain speech")

	// ErrAudioTooLarge is returned above the hard size cap
	ErrAudioTooLarge = errors.New("audio exceeds maximum size")

	// ErrUnintelligible is returned when transcription yields no usable speech
	ErrUnintelligible = errors.New("no clear speech detected")

	// ErrUnknownProvider is returned for an unrecognized synthesis backend
	ErrUnknownProvider = errors.New("unknown tts provider")
)

// Transcriber converts a finished recording to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
	Name() string
}

// Completer generates the persona reply for one user utterance.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userText string) (string, error)
	Name() string
}

// Synthesizer turns reply text into an audio buffer for a given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	Name() string
}

// Result is one completed speech round-trip.
type Result struct {
	UserText  string
	ReplyText string
	Audio     []byte
}

type Config struct {
	// Size bounds on incoming recordings, in bytes.
	MinAudioBytes int
	MaxAudioBytes int
}

func DefaultConfig() Config {
	return Config{
		MinAudioBytes: 1000,
		MaxAudioBytes: 25 * 1024 * 1024,
	}
}

// Service composes the providers behind the two exchange operations.
type Service struct {
	reg    *persona.Registry
	stt    Transcriber
	llm    Completer
	synths map[session.TTSProvider]Synthesizer
	cfg    Config
	log    session.Logger
}

func NewService(reg *persona.Registry, stt Transcriber, llm Completer, synths map[session.TTSProvider]Synthesizer, cfg Config, logger Logger) *Service {
	if logger == nil {
		logger = &session.NoOpLogger{}
	}
	if reg == nil {
		reg = persona.NewRegistry()
	}
	if cfg.MinAudioBytes <= 0 {
		cfg.MinAudioBytes = DefaultConfig().MinAudioBytes
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultConfig().MaxAudioBytes
	}
	return &Service{reg: reg, stt: stt, llm: llm, synths: synths, cfg: cfg, log: logger}
}

// Logger aliases the session logging interface so callers wire one logger
// through both halves.
type Logger = session.Logger

// sentinel transcriptions Whisper produces for noise-only input; treated as
// unintelligible rather than forwarded to the model.
var sentinelTranscriptions = map[string]struct{}{
	"you": {}, ".": {}, "uh": {}, "um": {}, "ah": {}, "": {},
}

// SpeechTurn runs the full transcribe -> reply -> synthesize round-trip.
func (s *Service) SpeechTurn(ctx context.Context, personaID string, provider session.TTSProvider, audio []byte) (*Result, error) {
	if len(audio) < s.cfg.MinAudioBytes {
		return nil, ErrAudioTooShort
	}
	if len(audio) > s.cfg.MaxAudioBytes {
		return nil, ErrAudioTooLarge
	}
	p, err := s.reg.Get(personaID)
	if err != nil {
		return nil, err
	}
	synth, voice, err := s.voiceFor(p, provider)
	if err != nil {
		return nil, err
	}

	userText, err := s.stt.Transcribe(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("transcription failed: %w", err)
	}
	userText = strings.TrimSpace(userText)
	if len(userText) < 2 {
		return nil, ErrUnintelligible
	}
	if _, bad := sentinelTranscriptions[strings.ToLower(userText)]; bad {
		s.log.Info("sentinel transcription rejected", "persona", p.ID, "text", userText)
		return nil, ErrUnintelligible
	}
	s.log.Info("transcription completed", "persona", p.ID, "length", len(userText))

	replyText, err := s.llm.Complete(ctx, p.SystemPrompt, userText)
	if err != nil {
		return nil, fmt.Errorf("reply generation failed: %w", err)
	}
	replyText = strings.TrimSpace(replyText)
	if replyText == "" {
		return nil, errors.New("empty reply generated")
	}
	s.log.Info("reply generated", "persona", p.ID, "length", len(replyText))

	replyAudio, err := synth.Synthesize(ctx, replyText, voice)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	s.log.Info("synthesis completed", "persona", p.ID, "provider", provider, "audioSize", len(replyAudio))

	return &Result{UserText: userText, ReplyText: replyText, Audio: replyAudio}, nil
}

// SynthesizeIdle synthesizes a known utterance; no transcription or reply
// side-channel since the text is already known.
func (s *Service) SynthesizeIdle(ctx context.Context, personaID string, provider session.TTSProvider, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty idle text")
	}
	p, err := s.reg.Get(personaID)
	if err != nil {
		return nil, err
	}
	synth, voice, err := s.voiceFor(p, provider)
	if err != nil {
		return nil, err
	}
	audio, err := synth.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	s.log.Info("idle synthesis completed", "persona", p.ID, "provider", provider, "audioSize", len(audio))
	return audio, nil
}

func (s *Service) voiceFor(p persona.Persona, provider session.TTSProvider) (Synthesizer, string, error) {
	synth, ok := s.synths[provider]
	if !ok || synth == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	switch provider {
	case session.ProviderElevenLabs:
		return synth, p.ElevenLabsVoiceID, nil
	default:
		return synth, p.OpenAIVoice, nil
	}
}
