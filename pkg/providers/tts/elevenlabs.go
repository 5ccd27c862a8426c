package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ElevenLabs synthesizes over the stream-input websocket endpoint. The voice
// identity is part of the URL path, so each call dials a fresh connection.
type ElevenLabs struct {
	apiKey  string
	host    string
	scheme  string
	modelID string
}

func NewElevenLabs(apiKey string) *ElevenLabs {
	return &ElevenLabs{
		apiKey:  apiKey,
		host:    "api.elevenlabs.io",
		scheme:  "wss",
		modelID: "eleven_multilingual_v2",
	}
}

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	SpeakerBoost    bool    `json:"use_speaker_boost"`
}

type elevenFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Synthesize streams text in and collects the base64 audio frames until the
// final marker.
func (t *ElevenLabs) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	u := url.URL{
		Scheme:   t.scheme,
		Host:     t.host,
		Path:     "/v1/text-to-speech/" + voice + "/stream-input",
		RawQuery: "model_id=" + t.modelID,
	}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elevenlabs: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	conn.SetReadLimit(10 * 1024 * 1024)

	// Handshake carries the key and voice settings; text follows, then an
	// empty text closes the input stream.
	open := map[string]interface{}{
		"text":       " ",
		"xi_api_key": t.apiKey,
		"voice_settings": elevenVoiceSettings{
			Stability:       0.7,
			SimilarityBoost: 0.85,
			Style:           0.3,
			SpeakerBoost:    true,
		},
	}
	if err := wsjson.Write(ctx, conn, open); err != nil {
		return nil, fmt.Errorf("failed to send synthesis handshake: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]interface{}{
		"text":                   text + " ",
		"try_trigger_generation": true,
	}); err != nil {
		return nil, fmt.Errorf("failed to send synthesis text: %w", err)
	}
	if err := wsjson.Write(ctx, conn, map[string]interface{}{"text": ""}); err != nil {
		return nil, fmt.Errorf("failed to close synthesis input: %w", err)
	}

	var audio []byte
	for {
		var frame elevenFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return nil, fmt.Errorf("failed to read from elevenlabs: %w", err)
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("elevenlabs error: %s: %s", frame.Error, frame.Message)
		}
		if frame.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				return nil, fmt.Errorf("invalid audio frame: %w", err)
			}
			audio = append(audio, chunk...)
		}
		if frame.IsFinal {
			return audio, nil
		}
	}
}

func (t *ElevenLabs) Name() string {
	return "elevenlabs"
}
