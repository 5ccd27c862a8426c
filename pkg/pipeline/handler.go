package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/personacall-ai/personacall/pkg/persona"
	"github.com/personacall-ai/personacall/pkg/session"
)

// Handler exposes the service over HTTP:
//
//	POST /api/chat       multipart {audio, persona_id, provider} -> audio/mpeg
//	POST /api/chat/idle  JSON {text, persona_id, provider}       -> audio/mpeg
//
// Side-channel texts travel URL-encoded in X-User-Input / X-AI-Response so
// the client can append the transcript before streaming the audio body.
type Handler struct {
	svc *Service
	log Logger
	mux *http.ServeMux
}

func NewHandler(svc *Service, logger Logger) *Handler {
	if logger == nil {
		logger = &session.NoOpLogger{}
	}
	h := &Handler{svc: svc, log: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /api/chat", h.handleSpeech)
	h.mux.HandleFunc("POST /api/chat/idle", h.handleIdle)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	personaID := r.FormValue("persona_id")
	provider := session.TTSProvider(r.FormValue("provider"))
	file, _, err := r.FormFile("audio")
	if err != nil || personaID == "" {
		writeError(w, http.StatusBadRequest, "missing audio file or persona id")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable audio upload")
		return
	}

	res, err := h.svc.SpeechTurn(r.Context(), personaID, provider, audio)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.Header().Set("X-User-Input", url.QueryEscape(res.UserText))
	w.Header().Set("X-AI-Response", url.QueryEscape(res.ReplyText))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Audio)
}

func (h *Handler) handleIdle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string `json:"text"`
		PersonaID string `json:"persona_id"`
		Provider  string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Text == "" || req.PersonaID == "" {
		writeError(w, http.StatusBadRequest, "missing text or persona id")
		return
	}

	audio, err := h.svc.SynthesizeIdle(r.Context(), req.PersonaID, session.TTSProvider(req.Provider), req.Text)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(audio)
}

// writeServiceError maps the service taxonomy onto status codes: user-input
// and persona problems are 400s the client surfaces as rejected turns,
// anything else is a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAudioTooShort):
		writeError(w, http.StatusBadRequest, "Audio too short. Record for at least 1 second.")
	case errors.Is(err, ErrAudioTooLarge):
		writeError(w, http.StatusBadRequest, "Audio too large. Maximum 25MB.")
	case errors.Is(err, ErrUnintelligible):
		writeError(w, http.StatusBadRequest, "No clear speech detected. Speak louder and closer.")
	case errors.Is(err, persona.ErrUnknownPersona):
		writeError(w, http.StatusBadRequest, "Invalid persona ID.")
	case errors.Is(err, ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "Unknown voice provider.")
	default:
		h.log.Error("pipeline request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
