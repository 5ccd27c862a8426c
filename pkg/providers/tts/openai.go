// Package tts provides the two synthesis backends behind the pipeline's
// user-toggleable voice provider.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type OpenAITTS struct {
	apiKey string
	url    string
	model  string
}

func NewOpenAITTS(apiKey string, model string) *OpenAITTS {
	if model == "" {
		model = "tts-1-hd"
	}
	return &OpenAITTS{
		apiKey: apiKey,
		url:    "https://api.openai.com/v1/audio/speech",
		model:  model,
	}
}

// Synthesize returns MP3 audio for text in the given voice.
func (t *OpenAITTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	payload := map[string]interface{}{
		"model": t.model,
		"voice": voice,
		"input": text,
		"speed": 1.0,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("openai tts error (status %d): %v", resp.StatusCode, errResp)
	}

	return io.ReadAll(resp.Body)
}

func (t *OpenAITTS) Name() string {
	return "openai-tts"
}
