// Package speech drives host text-to-speech and speech recognition sessions.
package speech

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrRecognitionUnavailable = errors.New("speech recognition not supported")
	ErrAlreadyListening       = errors.New("already listening")
	ErrListeningStopped       = errors.New("listening stopped")
)

// Voice is a host synthesis voice.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default"`
	Local   bool   `json:"localService"`
}

// Utterance is one synthesis request. An empty VoiceName selects the host
// default voice.
type Utterance struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	VoiceName string  `json:"voiceName,omitempty"`
	Lang      string  `json:"lang,omitempty"`
	Rate      float64 `json:"rate"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
}

// EventType is a synthesis callback kind.
type EventType string

const (
	EventStart    EventType = "start"
	EventBoundary EventType = "boundary"
	EventEnd      EventType = "end"
	EventError    EventType = "error"
)

// EngineEvent is a callback reported by the host engine for one utterance.
// CharIndex is the host's offset into the utterance text.
type EngineEvent struct {
	Type      EventType `json:"type"`
	CharIndex int       `json:"charIndex,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Engine is the host text-to-speech engine. Speak starts an utterance and
// returns its callbacks; the channel is closed after the end or error
// callback. Cancelling ctx stops the utterance and closes the channel.
// Cancel stops utterance id before it returns, so a Speak issued after it
// is never cut off by the stop. Unknown or finished ids are ignored.
type Engine interface {
	Voices(ctx context.Context) ([]Voice, error)
	Speak(ctx context.Context, u Utterance) (<-chan EngineEvent, error)
	Cancel(id string)
}

// EndReason tells why a session ended.
type EndReason string

const (
	ReasonFinished EndReason = "finished"
	ReasonCanceled EndReason = "canceled"
	ReasonError    EndReason = "error"
)

// Status is the state of the current or most recent session.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSpeaking Status = "speaking"
	StatusEnded    Status = "ended"
	StatusError    Status = "error"
)

// Hooks observe the session lifecycle. Calls are serialized; OnStart and
// OnEnd fire exactly once per started utterance. Hooks must not call back
// into the Session.
type Hooks struct {
	OnStart    func(tag string)
	OnProgress func(tag string, charIndex int)
	OnEnd      func(tag string, reason EndReason, err error)
}

func (h Hooks) start(tag string) {
	if h.OnStart != nil {
		h.OnStart(tag)
	}
}

func (h Hooks) progress(tag string, idx int) {
	if h.OnProgress != nil {
		h.OnProgress(tag, idx)
	}
}

func (h Hooks) end(tag string, reason EndReason, err error) {
	if h.OnEnd != nil {
		h.OnEnd(tag, reason, err)
	}
}

// Config holds presentation parameters.
type Config struct {
	PreferredVoices  []string
	Lang             string
	Rate             float64
	Pitch            float64
	Volume           float64
	VoiceListTimeout time.Duration
}

// DefaultConfig returns the stock voice settings.
func DefaultConfig() Config {
	return Config{
		PreferredVoices:  []string{"Google", "Microsoft", "Alex", "Samantha"},
		Lang:             "en-US",
		Rate:             0.9,
		Pitch:            1.1,
		Volume:           0.8,
		VoiceListTimeout: time.Second,
	}
}
