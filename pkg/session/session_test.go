package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// trackedBody counts closes on a reply audio body.
type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closes int
}

func newTrackedBody(s string) *trackedBody {
	return &trackedBody{Reader: strings.NewReader(s)}
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	b.closes++
	b.mu.Unlock()
	return nil
}

func (b *trackedBody) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type scriptedExchange struct {
	mu          sync.Mutex
	speechCalls int
	idleCalls   int
	speechFn    func(ctx context.Context) (*SpeechResult, error)
	idleFn      func(ctx context.Context, text string) (io.ReadCloser, error)
}

func (e *scriptedExchange) SpeechTurn(ctx context.Context, personaID string, provider TTSProvider, recording []byte) (*SpeechResult, error) {
	e.mu.Lock()
	e.speechCalls++
	fn := e.speechFn
	e.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected speech call")
	}
	return fn(ctx)
}

func (e *scriptedExchange) SynthesizeIdle(ctx context.Context, personaID string, provider TTSProvider, text string) (io.ReadCloser, error) {
	e.mu.Lock()
	e.idleCalls++
	fn := e.idleFn
	e.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected idle call")
	}
	return fn(ctx, text)
}

func (e *scriptedExchange) speechCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speechCalls
}

type stubRecorder struct {
	mu       sync.Mutex
	starts   int
	buf      []byte
	startErr error
}

func (r *stubRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	return nil
}

func (r *stubRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf, nil
}

func (r *stubRecorder) Level() float64 { return 0 }

func newTestSession(t *testing.T, exch Exchange, rec Recorder, dev Device) *Session {
	t.Helper()
	cfg := DefaultConfig()
	// Keep the idle detector out of the way unless a test wants it.
	cfg.IdleMin = time.Hour
	cfg.IdleMax = 2 * time.Hour
	cfg.PlaybackRetryDelay = 5 * time.Millisecond
	s, err := New(exch, rec, dev, nil, cfg, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func completedHandleDevice(handles ...*fakeHandle) *fakeDevice {
	for _, h := range handles {
		h.done <- nil
	}
	return &fakeDevice{queue: handles}
}

func TestSubmitRecordingRequiresActiveCall(t *testing.T) {
	exch := &scriptedExchange{}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice())

	if err := s.SubmitRecording([]byte("wav")); !errors.Is(err, ErrCallInactive) {
		t.Fatalf("expected ErrCallInactive, got %v", err)
	}
	if exch.speechCount() != 0 {
		t.Errorf("exchange must not be reached while call inactive")
	}
}

func TestSpeechTurnAppendsAndPlays(t *testing.T) {
	body := newTrackedBody("mp3!")
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			return &SpeechResult{UserText: "hello", ReplyText: "hi there", Audio: body}, nil
		},
	}
	h := newFakeHandle()
	dev := completedHandleDevice(h)
	s := newTestSession(t, exch, &stubRecorder{}, dev)
	s.StartCall()

	if err := s.SubmitRecording([]byte("wav")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turns := s.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Content != "hello" {
		t.Errorf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant || turns[1].Content != "hi there" {
		t.Errorf("unexpected assistant turn: %+v", turns[1])
	}
	if body.closeCount() != 1 {
		t.Errorf("expected audio body closed once, got %d", body.closeCount())
	}
	if got := string(dev.opened[0]); got != "mp3!" {
		t.Errorf("expected decoded audio to reach the device, got %q", got)
	}
	if !s.Activity().FullyIdle() {
		t.Errorf("expected fully idle after the turn, got %+v", s.Activity())
	}
}

func TestEmptyRecordingNeverSent(t *testing.T) {
	exch := &scriptedExchange{}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice())
	s.StartCall()

	if err := s.SubmitRecording(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exch.speechCount() != 0 {
		t.Errorf("empty recording must not reach the exchange")
	}
}

func TestStaleSpeechResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	body := newTrackedBody("late")
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			<-release
			// Deliberately ignores cancellation: the result arrives intact
			// after the barge-in and must be discarded by the token check.
			return &SpeechResult{UserText: "old", ReplyText: "stale", Audio: body}, nil
		},
	}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice())
	s.StartCall()

	errs := make(chan error, 1)
	go func() { errs <- s.SubmitRecording([]byte("wav")) }()
	waitFor(t, func() bool { return s.Activity().Processing })

	s.Interrupt()
	close(release)

	if err := <-errs; err != nil {
		t.Fatalf("superseded turn should resolve nil, got %v", err)
	}
	if got := len(s.Turns()); got != 0 {
		t.Errorf("stale result must not append turns, got %d", got)
	}
	if body.closeCount() != 1 {
		t.Errorf("stale audio body must still be closed, got %d closes", body.closeCount())
	}
}

func TestCancelledExchangeIsSilent(t *testing.T) {
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice())
	s.StartCall()

	errs := make(chan error, 1)
	go func() { errs <- s.SubmitRecording([]byte("wav")) }()
	waitFor(t, func() bool { return s.Activity().Processing })

	s.Interrupt()
	if err := <-errs; err != nil {
		t.Fatalf("cancelled turn should resolve nil, got %v", err)
	}
	if len(s.Turns()) != 0 {
		t.Errorf("cancelled turn must not append turns")
	}
}

func TestExchangeFailureSurfaces(t *testing.T) {
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			return nil, errors.New("pipeline down")
		},
	}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice())
	s.StartCall()

	err := s.SubmitRecording([]byte("wav"))
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("expected ErrExchangeFailed, got %v", err)
	}
	if len(s.Turns()) != 0 {
		t.Errorf("failed turn must not append turns")
	}
	if s.Activity().Processing {
		t.Errorf("processing flag must clear after failure")
	}
}

func TestBargeInStopsPlayback(t *testing.T) {
	body := newTrackedBody("reply")
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			return &SpeechResult{UserText: "hello", ReplyText: "long reply", Audio: body}, nil
		},
	}
	h := newFakeHandle() // never completes on its own
	dev := &fakeDevice{queue: []*fakeHandle{h}}
	rec := &stubRecorder{}
	s := newTestSession(t, exch, rec, dev)
	s.StartCall()

	errs := make(chan error, 1)
	go func() { errs <- s.SubmitRecording([]byte("wav")) }()
	waitFor(t, func() bool { return s.Activity().Speaking })

	if err := s.BeginRecording(); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("interrupted turn should resolve nil, got %v", err)
	}
	if h.closeCount() != 1 {
		t.Errorf("expected interrupted playback closed once, got %d", h.closeCount())
	}
	act := s.Activity()
	if !act.Recording || act.Speaking {
		t.Errorf("expected recording and not speaking, got %+v", act)
	}
	// The transcript from the interrupted turn survives; only playback dies.
	if got := len(s.Turns()); got != 2 {
		t.Errorf("expected interrupted turn's transcript kept, got %d turns", got)
	}
}

func TestFinishRecordingNoSpeech(t *testing.T) {
	exch := &scriptedExchange{}
	rec := &stubRecorder{} // Stop returns nil buffer
	s := newTestSession(t, exch, rec, completedHandleDevice())
	s.StartCall()

	if err := s.BeginRecording(); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if err := s.FinishRecording(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exch.speechCount() != 0 {
		t.Errorf("silent capture must not reach the exchange")
	}
	if s.Activity().Recording {
		t.Errorf("recording flag must clear")
	}
}

func TestSubmitIdleAppendsOptimistically(t *testing.T) {
	exch := &scriptedExchange{
		idleFn: func(ctx context.Context, text string) (io.ReadCloser, error) {
			return newTrackedBody("idle-audio"), nil
		},
	}
	h := newFakeHandle()
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice(h))
	s.StartCall()

	if err := s.SubmitIdle("still with me?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	turns := s.Turns()
	if len(turns) != 1 || turns[0].Role != RoleIdle || turns[0].Content != "still with me?" {
		t.Fatalf("expected one idle turn, got %+v", turns)
	}
}

func TestSubmitIdleRefusedWhileBusy(t *testing.T) {
	release := make(chan struct{})
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			<-release
			return nil, context.Canceled
		},
	}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice())
	s.StartCall()

	go s.SubmitRecording([]byte("wav"))
	waitFor(t, func() bool { return s.Activity().Processing })

	err := s.SubmitIdle("still with me?")
	close(release)
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if len(s.Turns()) != 0 {
		t.Errorf("refused idle must not append a turn")
	}
}

func TestSwitchPersonaClearsTranscript(t *testing.T) {
	body := newTrackedBody("mp3")
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			return &SpeechResult{UserText: "hello", ReplyText: "hi", Audio: body}, nil
		},
	}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice(newFakeHandle()))
	s.StartCall()

	if err := s.SubmitRecording([]byte("wav")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Turns()) == 0 {
		t.Fatal("expected transcript before the switch")
	}

	if err := s.SwitchPersona("miles"); err != nil {
		t.Fatalf("switch persona: %v", err)
	}
	if got := s.PersonaID(); got != "miles" {
		t.Errorf("expected persona miles, got %s", got)
	}
	if len(s.Turns()) != 0 {
		t.Errorf("switch must clear the transcript")
	}

	if err := s.SwitchPersona("nope"); err == nil {
		t.Fatal("expected error for unknown persona")
	}
	if got := s.PersonaID(); got != "miles" {
		t.Errorf("failed switch must not change persona, got %s", got)
	}
}

func TestToggleProvider(t *testing.T) {
	s := newTestSession(t, &scriptedExchange{}, &stubRecorder{}, completedHandleDevice())

	if got := s.Provider(); got != ProviderElevenLabs {
		t.Fatalf("expected elevenlabs default, got %s", got)
	}
	if got := s.ToggleProvider(); got != ProviderOpenAI {
		t.Errorf("expected openai after toggle, got %s", got)
	}
	if got := s.ToggleProvider(); got != ProviderElevenLabs {
		t.Errorf("expected elevenlabs after second toggle, got %s", got)
	}
}

// seqDevice stamps every Open with a shared sequence number so tests can
// order device activity against other operations.
type seqDevice struct {
	seq     *atomic.Int64
	openSeq atomic.Int64
}

func (d *seqDevice) Open(buf []byte) (Handle, error) {
	d.openSeq.Store(d.seq.Add(1))
	h := newFakeHandle()
	h.done <- nil
	return h, nil
}

func (d *seqDevice) Resume() error { return nil }

func TestInterruptPreventsStaleReplyPlayback(t *testing.T) {
	// A barge-in that has returned must be ordered after any device open the
	// superseded turn could make: once Interrupt is done, the stale reply
	// may never reach the device.
	for i := 0; i < 400; i++ {
		var seq atomic.Int64
		dev := &seqDevice{seq: &seq}
		started := make(chan struct{})
		exch := &scriptedExchange{
			speechFn: func(ctx context.Context) (*SpeechResult, error) {
				close(started)
				return &SpeechResult{UserText: "hello", ReplyText: "hi", Audio: newTrackedBody("mp3")}, nil
			},
		}
		s := newTestSession(t, exch, &stubRecorder{}, dev)
		s.StartCall()

		var wg sync.WaitGroup
		var interruptSeq int64
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SubmitRecording([]byte("wav"))
		}()
		go func() {
			defer wg.Done()
			<-started
			s.Interrupt()
			interruptSeq = seq.Add(1)
		}()
		wg.Wait()

		if open := dev.openSeq.Load(); open > interruptSeq {
			t.Fatalf("iteration %d: stale reply reached the device after the barge-in returned (open %d > interrupt %d)", i, open, interruptSeq)
		}
		s.Close()
	}
}

func TestEndCallDiscardsInFlightTurn(t *testing.T) {
	release := make(chan struct{})
	body := newTrackedBody("late")
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			<-release
			return &SpeechResult{UserText: "old", ReplyText: "stale", Audio: body}, nil
		},
	}
	dev := &fakeDevice{}
	s := newTestSession(t, exch, &stubRecorder{}, dev)
	s.StartCall()

	errs := make(chan error, 1)
	go func() { errs <- s.SubmitRecording([]byte("wav")) }()
	waitFor(t, func() bool { return s.Activity().Processing })

	s.EndCall()
	close(release)

	if err := <-errs; err != nil {
		t.Fatalf("turn superseded by end-call should resolve nil, got %v", err)
	}
	if got := len(s.Turns()); got != 0 {
		t.Errorf("no turns may land after the call ended, got %d", got)
	}
	if len(dev.opened) != 0 {
		t.Errorf("no audio may reach the device after the call ended, got %d opens", len(dev.opened))
	}
	if body.closeCount() != 1 {
		t.Errorf("stale audio body must still be closed, got %d closes", body.closeCount())
	}
}

func TestSwitchPersonaDiscardsInFlightTurn(t *testing.T) {
	release := make(chan struct{})
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			<-release
			return &SpeechResult{UserText: "old", ReplyText: "stale", Audio: newTrackedBody("late")}, nil
		},
	}
	dev := &fakeDevice{}
	s := newTestSession(t, exch, &stubRecorder{}, dev)
	s.StartCall()

	errs := make(chan error, 1)
	go func() { errs <- s.SubmitRecording([]byte("wav")) }()
	waitFor(t, func() bool { return s.Activity().Processing })

	if err := s.SwitchPersona("miles"); err != nil {
		t.Fatalf("switch persona: %v", err)
	}
	close(release)

	if err := <-errs; err != nil {
		t.Fatalf("turn superseded by persona switch should resolve nil, got %v", err)
	}
	if got := len(s.Turns()); got != 0 {
		t.Errorf("old persona's turn must not land after the switch, got %d turns", got)
	}
	if len(dev.opened) != 0 {
		t.Errorf("old persona's audio must not play after the switch, got %d opens", len(dev.opened))
	}
}

func TestExchangeTimeoutSurfaces(t *testing.T) {
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	cfg := DefaultConfig()
	cfg.IdleMin = time.Hour
	cfg.IdleMax = 2 * time.Hour
	cfg.ExchangeTimeout = 20 * time.Millisecond
	s, err := New(exch, &stubRecorder{}, &fakeDevice{}, nil, cfg, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	s.StartCall()

	err = s.SubmitRecording([]byte("wav"))
	if !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("timed-out turn must surface as a failure, got %v", err)
	}
}

func TestBeginRecordingEmitsInterrupted(t *testing.T) {
	s := newTestSession(t, &scriptedExchange{}, &stubRecorder{}, completedHandleDevice())
	s.StartCall()
	drainEvents(s)

	if err := s.BeginRecording(); err != nil {
		t.Fatalf("begin recording: %v", err)
	}

	found := false
	for _, ev := range drainEvents(s) {
		if ev.Type == EventInterrupted {
			found = true
		}
	}
	if !found {
		t.Error("expected an interrupted event on push-to-talk barge-in")
	}
}

func drainEvents(s *Session) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEndCallResetsState(t *testing.T) {
	body := newTrackedBody("mp3")
	exch := &scriptedExchange{
		speechFn: func(ctx context.Context) (*SpeechResult, error) {
			return &SpeechResult{UserText: "hello", ReplyText: "hi", Audio: body}, nil
		},
	}
	s := newTestSession(t, exch, &stubRecorder{}, completedHandleDevice(newFakeHandle()))
	s.StartCall()

	if err := s.SubmitRecording([]byte("wav")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.EndCall()

	if s.Activity().CallActive {
		t.Errorf("call must be inactive after end")
	}
	if len(s.Turns()) != 0 {
		t.Errorf("end call must clear the transcript")
	}
}
