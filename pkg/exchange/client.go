// Package exchange is the HTTP client for the two remote pipeline
// endpoints: the full speech round-trip (transcribe, reply, synthesize) and
// idle-utterance synthesis. Both calls are cancellable through their
// context; a cancelled call surfaces as context.Canceled so the session can
// tell barge-in from genuine failure.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/personacall-ai/personacall/pkg/session"
)

const (
	speechPath = "/api/chat"
	idlePath   = "/api/chat/idle"

	headerUserInput  = "X-User-Input"
	headerAIResponse = "X-AI-Response"
)

// ErrTurnRejected marks a user-input rejection (empty speech, audio too
// short or too long, unintelligible). The turn is abandoned; no retry.
var ErrTurnRejected = errors.New("turn rejected")

// Client talks to one pipeline server.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     session.Logger
}

func New(baseURL string, logger session.Logger) *Client {
	if logger == nil {
		logger = &session.NoOpLogger{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
		log:     logger,
	}
}

// SpeechTurn posts the recording and returns the side-channel texts plus the
// still-unread audio body. The caller owns closing Audio.
func (c *Client) SpeechTurn(ctx context.Context, personaID string, provider session.TTSProvider, recording []byte) (*session.SpeechResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("persona_id", personaID); err != nil {
		return nil, err
	}
	if err := writer.WriteField("provider", string(provider)); err != nil {
		return nil, err
	}
	part, err := writer.CreateFormFile("audio", "recording.wav")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(recording); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+speechPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	userText, err := url.QueryUnescape(resp.Header.Get(headerUserInput))
	if err != nil {
		userText = resp.Header.Get(headerUserInput)
	}
	replyText, err := url.QueryUnescape(resp.Header.Get(headerAIResponse))
	if err != nil {
		replyText = resp.Header.Get(headerAIResponse)
	}

	return &session.SpeechResult{
		UserText:  userText,
		ReplyText: replyText,
		Audio:     resp.Body,
	}, nil
}

// SynthesizeIdle posts a known utterance for synthesis only and returns the
// unread audio body.
func (c *Client) SynthesizeIdle(ctx context.Context, personaID string, provider session.TTSProvider, text string) (io.ReadCloser, error) {
	payload, err := json.Marshal(map[string]string{
		"text":       text,
		"persona_id": personaID,
		"provider":   string(provider),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+idlePath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// decodeError maps a non-200 response to the error taxonomy: 4xx is a
// rejected turn (user input or bad persona), everything else a server
// failure.
func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s", ErrTurnRejected, msg)
	}
	return fmt.Errorf("pipeline error (status %d): %s", resp.StatusCode, msg)
}
