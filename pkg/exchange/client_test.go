package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/personacall-ai/personacall/pkg/session"
)

func TestSpeechTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.FormValue("persona_id"); got != "maya" {
			t.Errorf("expected persona maya, got %s", got)
		}
		if got := r.FormValue("provider"); got != "elevenlabs" {
			t.Errorf("expected provider elevenlabs, got %s", got)
		}
		file, _, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("audio file: %v", err)
		}
		defer file.Close()
		buf, _ := io.ReadAll(file)
		if string(buf) != "wav-bytes" {
			t.Errorf("unexpected recording %q", buf)
		}

		w.Header().Set("X-User-Input", url.QueryEscape("what's up?"))
		w.Header().Set("X-AI-Response", url.QueryEscape("not much & you?"))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer server.Close()

	c := New(server.URL, nil)
	res, err := c.SpeechTurn(context.Background(), "maya", session.ProviderElevenLabs, []byte("wav-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Audio.Close()

	if res.UserText != "what's up?" {
		t.Errorf("expected decoded user text, got %q", res.UserText)
	}
	if res.ReplyText != "not much & you?" {
		t.Errorf("expected decoded reply text, got %q", res.ReplyText)
	}
	audio, _ := io.ReadAll(res.Audio)
	if string(audio) != "mp3-bytes" {
		t.Errorf("unexpected audio body %q", audio)
	}
}

func TestSpeechTurnRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Audio too short. Record for at least 1 second."})
	}))
	defer server.Close()

	c := New(server.URL, nil)
	_, err := c.SpeechTurn(context.Background(), "maya", session.ProviderOpenAI, []byte("x"))
	if !errors.Is(err, ErrTurnRejected) {
		t.Fatalf("expected ErrTurnRejected, got %v", err)
	}
}

func TestSpeechTurnServerFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, nil)
	_, err := c.SpeechTurn(context.Background(), "maya", session.ProviderOpenAI, []byte("wav"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTurnRejected) {
		t.Errorf("server failure must not count as a rejected turn: %v", err)
	}
}

func TestSpeechTurnCancelled(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(server.URL, nil)

	errs := make(chan error, 1)
	go func() {
		_, err := c.SpeechTurn(ctx, "maya", session.ProviderOpenAI, []byte("wav"))
		errs <- err
	}()
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not return")
	}
}

func TestSynthesizeIdle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/idle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Text      string `json:"text"`
			PersonaID string `json:"persona_id"`
			Provider  string `json:"provider"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Text != "still there?" || req.PersonaID != "luna" || req.Provider != "openai" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte("idle-mp3"))
	}))
	defer server.Close()

	c := New(server.URL, nil)
	body, err := c.SynthesizeIdle(context.Background(), "luna", session.ProviderOpenAI, "still there?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer body.Close()

	audio, _ := io.ReadAll(body)
	if string(audio) != "idle-mp3" {
		t.Errorf("unexpected audio %q", audio)
	}
}
