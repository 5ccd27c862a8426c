// Package stt provides the transcription backend for the pipeline.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// transcriptionHint steers Whisper away from transcribing background noise
// and sub-half-second utterances.
const transcriptionHint = "Transcribe spoken English accurately, ignoring background noise and short utterances under 0.5 seconds, focusing on clear speech."

type Whisper struct {
	apiKey string
	url    string
	model  string
}

func NewWhisper(apiKey string, model string) *Whisper {
	if model == "" {
		model = "whisper-1"
	}
	return &Whisper{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/audio/transcriptions",
		model:  model,
	}
}

// Transcribe posts the recording (a finished WAV or similar container) and
// returns the raw transcript text.
func (s *Whisper) Transcribe(ctx context.Context, audio []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", s.model); err != nil {
		return "", err
	}
	if err := writer.WriteField("language", "en"); err != nil {
		return "", err
	}
	if err := writer.WriteField("temperature", "0"); err != nil {
		return "", err
	}
	if err := writer.WriteField("prompt", transcriptionHint); err != nil {
		return "", err
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(audio)); err != nil {
		return "", err
	}

	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, body)
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("whisper error (status %d): %v", resp.StatusCode, errResp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Text, nil
}

func (s *Whisper) Name() string {
	return "whisper"
}
