package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAITTSSynthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Model string `json:"model"`
			Voice string `json:"voice"`
			Input string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "tts-1-hd" || req.Voice != "alloy" || req.Input != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte{1, 2, 3})
	}))
	defer server.Close()

	tts := &OpenAITTS{apiKey: "test-key", url: server.URL, model: "tts-1-hd"}

	audio, err := tts.Synthesize(context.Background(), "hello", "alloy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audio) != 3 {
		t.Errorf("expected 3 bytes, got %d", len(audio))
	}
	if tts.Name() != "openai-tts" {
		t.Errorf("expected openai-tts, got %s", tts.Name())
	}
}

func TestOpenAITTSError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	tts := &OpenAITTS{apiKey: "test-key", url: server.URL, model: "tts-1-hd"}
	if _, err := tts.Synthesize(context.Background(), "hello", "alloy"); err == nil {
		t.Fatal("expected error")
	}
}
