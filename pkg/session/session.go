// Package session implements the client-side conversational controller: turn
// taking, barge-in, in-flight request cancellation, playback lifecycle and
// idle-prompt timing for one persona call at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/personacall-ai/personacall/pkg/persona"
)

// Session is the turn-taking state machine. Exactly one of the busy flags
// (recording, connecting, speaking) is set at a time; the resting state is
// all of them clear. Every asynchronous resumption re-validates the session
// token before touching shared state, so results that arrive after a
// barge-in or reset are discarded without side effects.
type Session struct {
	id       string
	cfg      Config
	log      Logger
	exchange Exchange
	recorder Recorder
	playback *PlaybackManager
	registry *persona.Registry
	idle     *IdleDetector
	events   chan Event

	// token is written only under mu but read lock-free by the playback
	// currency guard, which runs under the playback manager's mutex.
	token atomic.Uint64

	mu           sync.Mutex
	personaID    string
	provider     TTSProvider
	cancelActive context.CancelFunc
	turns        []Turn
	callActive   bool
	recording    bool
	connecting   bool
	speaking     bool
}

// New wires a session against its collaborators. The idle detector is owned
// by the session and feeds SubmitIdle when the silence window elapses.
func New(exch Exchange, rec Recorder, dev Device, reg *persona.Registry, cfg Config, logger Logger) (*Session, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if reg == nil {
		reg = persona.NewRegistry()
	}
	if cfg.PersonaID == "" {
		cfg.PersonaID = reg.Default().ID
	}
	p, err := reg.Get(cfg.PersonaID)
	if err != nil {
		return nil, err
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderElevenLabs
	}
	if cfg.IdleMin <= 0 {
		cfg.IdleMin = 8 * time.Second
	}
	if cfg.IdleMax <= cfg.IdleMin {
		cfg.IdleMax = cfg.IdleMin + 4*time.Second
	}

	s := &Session{
		id:        "call_" + uuid.NewString(),
		cfg:       cfg,
		log:       logger,
		exchange:  exch,
		recorder:  rec,
		playback:  NewPlaybackManager(dev, cfg.PlaybackRetryDelay, logger),
		registry:  reg,
		events:    make(chan Event, 256),
		personaID: p.ID,
		provider:  cfg.Provider,
	}
	s.idle = NewIdleDetector(cfg.IdleMin, cfg.IdleMax, reg.Default().IdleUtterances, s.handleIdle, logger)
	s.idle.SetUtterances(p.IdleUtterances)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Events returns the notification channel for the presentation layer.
func (s *Session) Events() <-chan Event { return s.events }

// Playback exposes the playback manager, mainly for the view's side-channel
// resume step.
func (s *Session) Playback() *PlaybackManager { return s.playback }

// Activity returns the current activity snapshot.
func (s *Session) Activity() ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activityLocked()
}

func (s *Session) activityLocked() ActivityState {
	return ActivityState{
		CallActive: s.callActive,
		Recording:  s.recording,
		Speaking:   s.speaking,
		Processing: s.connecting,
	}
}

// Turns returns a copy of the transcript log in append order.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// PersonaID returns the active persona.
func (s *Session) PersonaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personaID
}

// Provider returns the active synthesis backend.
func (s *Session) Provider() TTSProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// ToggleProvider flips between the two synthesis backends and returns the
// new selection. Persona and transcript are untouched.
func (s *Session) ToggleProvider() TTSProvider {
	s.mu.Lock()
	if s.provider == ProviderElevenLabs {
		s.provider = ProviderOpenAI
	} else {
		s.provider = ProviderElevenLabs
	}
	p := s.provider
	s.mu.Unlock()
	s.log.Info("tts provider toggled", "session", s.id, "provider", p)
	s.emit(EventStateChanged, nil)
	return p
}

// StartCall activates the session and arms idle detection.
func (s *Session) StartCall() error {
	s.mu.Lock()
	if s.callActive {
		s.mu.Unlock()
		return nil
	}
	s.callActive = true
	s.mu.Unlock()

	// Audio pipelines may start suspended until a user gesture; starting a
	// call is that gesture.
	if err := s.playback.Resume(); err != nil {
		s.log.Warn("audio pipeline resume failed", "session", s.id, "error", err)
	}
	s.log.Info("call started", "session", s.id, "persona", s.PersonaID())
	s.syncActivity()
	s.idle.Reset()
	s.emit(EventStateChanged, nil)
	return nil
}

// EndCall interrupts everything, clears the transcript and releases the
// capture device if it is still held. The interrupt and the teardown share
// one lock hold so no turn can slip in between them and outlive the call.
func (s *Session) EndCall() {
	s.mu.Lock()
	s.interruptLocked()
	wasRecording := s.recording
	s.recording = false
	s.callActive = false
	s.turns = nil
	s.mu.Unlock()
	if wasRecording {
		if _, err := s.recorder.Stop(); err != nil {
			s.log.Warn("releasing capture device", "session", s.id, "error", err)
		}
	}
	s.log.Info("call ended", "session", s.id)
	s.syncActivity()
	s.emit(EventInterrupted, nil)
	s.emit(EventStateChanged, nil)
}

// Close tears the session down; no idle timers survive it.
func (s *Session) Close() {
	s.EndCall()
	s.idle.Stop()
}

// SwitchPersona interrupts the session, clears the transcript and releases
// any held capture device before the new persona takes effect. Interrupt and
// clear happen under one lock hold, same as EndCall.
func (s *Session) SwitchPersona(id string) error {
	p, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.interruptLocked()
	wasRecording := s.recording
	s.recording = false
	s.personaID = p.ID
	s.turns = nil
	s.mu.Unlock()
	if wasRecording {
		if _, err := s.recorder.Stop(); err != nil {
			s.log.Warn("releasing capture device", "session", s.id, "error", err)
		}
	}
	s.idle.SetUtterances(p.IdleUtterances)
	s.idle.Reset()
	s.log.Info("persona switched", "session", s.id, "persona", p.ID)
	s.syncActivity()
	s.emit(EventInterrupted, nil)
	s.emit(EventStateChanged, nil)
	return nil
}

// Interrupt is the barge-in primitive: it stops playback, aborts the
// in-flight exchange and advances the session token so any result still in
// flight resolves as a no-op.
func (s *Session) Interrupt() {
	s.mu.Lock()
	s.interruptLocked()
	s.mu.Unlock()
	s.syncActivity()
	s.emit(EventInterrupted, nil)
}

// interruptLocked advances the token, aborts the active request and stops
// playback. PlaybackManager never calls back into the session, so stopping
// under the session mutex cannot deadlock and keeps the token advance and
// the audio stop atomic with respect to newer turns.
func (s *Session) interruptLocked() {
	s.token.Add(1)
	if s.cancelActive != nil {
		s.cancelActive()
		s.cancelActive = nil
	}
	s.connecting = false
	s.speaking = false
	s.playback.Stop()
}

// BeginRecording barges in on the assistant and acquires the capture
// device. Device errors surface synchronously; no capture state is left
// running on failure.
func (s *Session) BeginRecording() error {
	s.mu.Lock()
	if !s.callActive {
		s.mu.Unlock()
		return ErrCallInactive
	}
	if s.recording {
		s.mu.Unlock()
		return nil
	}
	s.interruptLocked()
	s.mu.Unlock()
	s.emit(EventInterrupted, nil)

	if err := s.recorder.Start(); err != nil {
		s.log.Error("capture start failed", "session", s.id, "error", err)
		s.syncActivity()
		return err
	}
	s.mu.Lock()
	s.recording = true
	s.mu.Unlock()
	s.syncActivity()
	s.emit(EventStateChanged, nil)
	return nil
}

// FinishRecording stops capture and submits the buffer as a user turn.
// An empty capture is "no speech", not an error, and never reaches the
// network.
func (s *Session) FinishRecording() error {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return nil
	}
	s.recording = false
	s.mu.Unlock()

	buf, err := s.recorder.Stop()
	s.syncActivity()
	if err != nil {
		s.log.Error("capture stop failed", "session", s.id, "error", err)
		return err
	}
	if len(buf) == 0 {
		s.log.Info("no speech captured", "session", s.id)
		return nil
	}
	return s.SubmitRecording(buf)
}

// RecordingLevel reports the smoothed microphone amplitude in [0,1].
func (s *Session) RecordingLevel() float64 {
	return s.recorder.Level()
}

// SubmitRecording runs one full user turn: barge-in, remote round-trip,
// transcript append and playback. It blocks until the reply finishes
// playing or the turn is superseded; a superseded turn returns nil.
func (s *Session) SubmitRecording(recording []byte) error {
	if len(recording) == 0 {
		s.log.Debug("empty recording discarded", "session", s.id)
		return nil
	}

	s.mu.Lock()
	if !s.callActive {
		s.mu.Unlock()
		return ErrCallInactive
	}
	s.interruptLocked()
	tok := s.token.Load()
	ctx, cancel := s.requestContext()
	s.cancelActive = cancel
	s.connecting = true
	personaID := s.personaID
	provider := s.provider
	s.mu.Unlock()
	defer cancel()
	s.syncActivity()

	res, err := s.exchange.SpeechTurn(ctx, personaID, provider, recording)
	if err != nil {
		s.finishConnecting(tok)
		if aborted(ctx, err) {
			return nil
		}
		s.log.Error("speech exchange failed", "session", s.id, "error", err)
		s.emit(EventError, err.Error())
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if !s.appendExchangeTurns(tok, res.UserText, res.ReplyText) {
		res.Audio.Close()
		return nil
	}

	audio, err := io.ReadAll(res.Audio)
	res.Audio.Close()
	if err != nil {
		s.finishConnecting(tok)
		if aborted(ctx, err) {
			return nil
		}
		s.log.Error("reading reply audio failed", "session", s.id, "error", err)
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	return s.playReply(tok, audio)
}

// SubmitIdle runs an idle-utterance turn: the text is appended to the
// transcript immediately (it is known locally) and only synthesis goes over
// the wire. Overlapping idle submissions are refused defensively even
// though the idle detector should never produce them.
func (s *Session) SubmitIdle(text string) error {
	s.mu.Lock()
	if !s.callActive {
		s.mu.Unlock()
		return ErrCallInactive
	}
	if s.recording || s.connecting || s.speaking {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.interruptLocked()
	tok := s.token.Load()
	ctx, cancel := s.requestContext()
	s.cancelActive = cancel
	s.connecting = true
	personaID := s.personaID
	provider := s.provider
	turn := Turn{Role: RoleIdle, Content: text, Timestamp: time.Now()}
	s.turns = append(s.turns, turn)
	s.mu.Unlock()
	defer cancel()
	s.emit(EventTurnAppended, turn)
	s.syncActivity()

	body, err := s.exchange.SynthesizeIdle(ctx, personaID, provider, text)
	if err != nil {
		s.finishConnecting(tok)
		if aborted(ctx, err) {
			return nil
		}
		s.log.Error("idle synthesis failed", "session", s.id, "error", err)
		s.emit(EventError, err.Error())
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	audio, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		s.finishConnecting(tok)
		if aborted(ctx, err) {
			return nil
		}
		s.log.Error("reading idle audio failed", "session", s.id, "error", err)
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	return s.playReply(tok, audio)
}

// handleIdle is the idle detector callback. Errors are already logged by
// SubmitIdle; a busy refusal here just means the user won the race.
func (s *Session) handleIdle(text string) {
	if err := s.SubmitIdle(text); err != nil {
		if errors.Is(err, ErrSessionBusy) || errors.Is(err, ErrCallInactive) {
			s.log.Debug("idle utterance dropped", "session", s.id, "reason", err)
		}
	}
}

// appendExchangeTurns appends the user/assistant pair if this turn still
// owns the session. Returns false when the result is stale.
func (s *Session) appendExchangeTurns(tok uint64, userText, replyText string) bool {
	s.mu.Lock()
	if s.token.Load() != tok {
		s.mu.Unlock()
		return false
	}
	now := time.Now()
	var appended []Turn
	if userText != "" {
		appended = append(appended, Turn{Role: RoleUser, Content: userText, Timestamp: now})
	}
	if replyText != "" {
		appended = append(appended, Turn{Role: RoleAssistant, Content: replyText, Timestamp: now})
	}
	s.turns = append(s.turns, appended...)
	s.mu.Unlock()
	for _, t := range appended {
		s.emit(EventTurnAppended, t)
	}
	return true
}

// playReply re-validates the token (time has passed retrieving the buffer),
// then plays the reply. Speaking is true only for the duration of playback.
// The currency guard passed to Play re-checks the token inside the playback
// manager's registration critical section, so a barge-in landing between
// the check here and the device open cannot let a stale reply start.
func (s *Session) playReply(tok uint64, audio []byte) error {
	s.mu.Lock()
	if s.token.Load() != tok {
		s.mu.Unlock()
		return nil
	}
	s.connecting = false
	s.cancelActive = nil
	s.speaking = true
	s.mu.Unlock()
	s.syncActivity()

	err := s.playback.Play(audio, func() bool { return s.token.Load() == tok })

	s.mu.Lock()
	if s.token.Load() == tok {
		s.speaking = false
	}
	s.mu.Unlock()
	s.syncActivity()

	if err != nil {
		// Play resolves nil when superseded, so this failure is current.
		s.log.Error("reply playback failed", "session", s.id, "error", err)
		s.emit(EventError, err.Error())
		return err
	}
	return nil
}

func (s *Session) finishConnecting(tok uint64) {
	s.mu.Lock()
	if s.token.Load() == tok {
		s.connecting = false
		s.cancelActive = nil
	}
	s.mu.Unlock()
	s.syncActivity()
}

func (s *Session) requestContext() (context.Context, context.CancelFunc) {
	if s.cfg.ExchangeTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.ExchangeTimeout)
	}
	return context.WithCancel(context.Background())
}

// syncActivity pushes the latest snapshot to the idle detector.
func (s *Session) syncActivity() {
	s.idle.Update(s.Activity())
}

func (s *Session) emit(eventType EventType, data interface{}) {
	select {
	case s.events <- Event{Type: eventType, SessionID: s.id, Data: data}:
	default:
		// Slow consumer; notifications are advisory.
	}
}

// aborted distinguishes a cooperative barge-in cancellation from a genuine
// failure. A deadline expiry is not a cancellation: the turn hung and timed
// out, and that gets surfaced like any other remote failure.
func aborted(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}
