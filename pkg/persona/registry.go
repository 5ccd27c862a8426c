// Package persona holds the fixed registry of assistant identities: reply
// style, per-backend voice configuration and the idle-utterance set each
// persona speaks into conversational silence.
package persona

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownPersona is returned for persona IDs not present in the registry.
// Unknown IDs are a client error and must never reach the remote pipeline.
var ErrUnknownPersona = errors.New("unknown persona")

// Persona is one named assistant identity.
type Persona struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`

	// Voice identities per synthesis backend.
	OpenAIVoice       string `yaml:"openai_voice"`
	ElevenLabsVoiceID string `yaml:"elevenlabs_voice_id"`

	IdleUtterances []string `yaml:"idle_utterances"`
}

// Registry maps persona IDs to their configuration. Lookups are read-mostly;
// Merge is only expected at startup.
type Registry struct {
	mu        sync.RWMutex
	personas  map[string]Persona
	defaultID string
}

// NewRegistry returns a registry preloaded with the built-in personas.
// Maya is the default; her idle set backs any persona without one.
func NewRegistry() *Registry {
	r := &Registry{personas: make(map[string]Persona), defaultID: "maya"}
	for _, p := range builtins {
		r.personas[p.ID] = p
	}
	return r
}

// Lookup returns the persona for id.
func (r *Registry) Lookup(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	return p, ok
}

// Get is Lookup with a typed error for invalid IDs.
func (r *Registry) Get(id string) (Persona, error) {
	if p, ok := r.Lookup(id); ok {
		return p, nil
	}
	return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
}

// Default returns the fallback persona.
func (r *Registry) Default() Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.personas[r.defaultID]
}

// IdleUtterances returns the idle set for id, falling back to the default
// persona's set when id has none defined.
func (r *Registry) IdleUtterances(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.personas[id]; ok && len(p.IdleUtterances) > 0 {
		return p.IdleUtterances
	}
	return r.personas[r.defaultID].IdleUtterances
}

// IDs returns all registered persona IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MergeFile overlays personas from a YAML file on top of the built-ins.
// Entries with a known ID replace the built-in; new IDs are added.
func (r *Registry) MergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()
	if err := r.MergeReader(f); err != nil {
		return fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return nil
}

// MergeReader decodes a YAML persona list from r. Useful in tests where
// overrides are constructed from string literals.
func (r *Registry) MergeReader(src io.Reader) error {
	var doc struct {
		Personas []Persona `yaml:"personas"`
	}
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range doc.Personas {
		if p.ID == "" {
			return errors.New("persona entry missing id")
		}
		r.personas[p.ID] = p
	}
	return nil
}

var builtins = []Persona{
	{
		ID:   "maya",
		Name: "Maya",
		SystemPrompt: "You are Maya, a professional and empathetic assistant specializing in business strategy and productivity. " +
			"Warm but confident tone; break complex problems into actionable insights; answer in 1-2 concise, impactful sentences.",
		OpenAIVoice:       "alloy",
		ElevenLabsVoiceID: "21m00Tcm4TlvDq8ikWAM",
		IdleUtterances: []string{
			"I'm here when you're ready to discuss your next strategic move.",
			"Take your time - sometimes the best decisions come from thoughtful reflection.",
			"Hmm... are you considering your options?",
			"I'm listening whenever you want to continue our conversation.",
			"Sometimes silence speaks volumes about deep thinking.",
		},
	},
	{
		ID:   "miles",
		Name: "Miles",
		SystemPrompt: "You are Miles, a creative and inspiring companion with a background in arts and design. " +
			"Relaxed and enthusiastic; use imaginative metaphors; think in possibilities; answer in 1-2 engaging sentences.",
		OpenAIVoice:       "echo",
		ElevenLabsVoiceID: "pNInz6obpgDQGcFmaJgB",
		IdleUtterances: []string{
			"The creative mind works in mysterious ways... what's brewing in there?",
			"Hmm... I can almost hear the gears of creativity turning.",
			"You're quiet - are you letting inspiration strike?",
			"Sometimes the best ideas come in moments of silence.",
			"I'm here when the creative spark hits you.",
		},
	},
	{
		ID:   "sophia",
		Name: "Sophia",
		SystemPrompt: "You are Sophia, a wise and calming mentor versed in education, philosophy and personal development. " +
			"Gentle and patient; ask insightful questions; answer in 1-2 reflective, nurturing sentences.",
		OpenAIVoice:       "nova",
		ElevenLabsVoiceID: "EXAVITQu4vr4xnSDxMaL",
		IdleUtterances: []string{
			"Silence can be a form of wisdom too, you know.",
			"Take all the time you need - reflection is valuable.",
			"Hmm... are you contemplating something deeper?",
			"Sometimes we learn more in quiet moments than in conversation.",
			"I'm here whenever you're ready to share your thoughts.",
		},
	},
	{
		ID:   "alex",
		Name: "Alex",
		SystemPrompt: "You are Alex, a tech-savvy and analytical expert in programming and systematic problem-solving. " +
			"Precise and logical; favor step-by-step solutions; answer in 1-2 clear, technical sentences.",
		OpenAIVoice:       "onyx",
		ElevenLabsVoiceID: "ErXwobaYiN019PkySvjV",
		IdleUtterances: []string{
			"Processing... are you debugging your thoughts?",
			"Hmm... running into a logic puzzle?",
			"Take your time - good code requires careful thinking.",
			"Sometimes the best solutions come after a pause.",
			"I'm here when you're ready to tackle the next challenge.",
		},
	},
	{
		ID:   "luna",
		Name: "Luna",
		SystemPrompt: "You are Luna, a friendly and supportive companion specializing in wellness and emotional support. " +
			"Warm, compassionate and non-judgmental; answer in 1-2 caring, supportive sentences.",
		OpenAIVoice:       "shimmer",
		ElevenLabsVoiceID: "AZnzlk1XvdvUeBnXmlld",
		IdleUtterances: []string{
			"It's okay to take a moment for yourself.",
			"Breathing space is important - I'm here when you need me.",
			"Hmm... are you taking a mindful pause?",
			"Sometimes silence is exactly what we need.",
			"I'm here to support you whenever you're ready.",
		},
	},
}
