package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/rs/zerolog"
)

// RecognitionOptions configure a host recognition session.
type RecognitionOptions struct {
	Lang           string `json:"lang"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interimResults"`
}

// RecognitionEventType is a recognition callback kind.
type RecognitionEventType string

const (
	RecognitionStart  RecognitionEventType = "start"
	RecognitionResult RecognitionEventType = "result"
	RecognitionEnd    RecognitionEventType = "end"
	RecognitionFailed RecognitionEventType = "error"
)

// RecognitionEvent is a host recognition callback.
type RecognitionEvent struct {
	Type       RecognitionEventType `json:"type"`
	Transcript string               `json:"transcript,omitempty"`
	Final      bool                 `json:"final,omitempty"`
	Code       string               `json:"error,omitempty"`
}

// Recognizer is the host speech-to-text engine. The channel is closed after
// the end callback; cancelling ctx aborts recognition.
type Recognizer interface {
	Recognize(ctx context.Context, opts RecognitionOptions) (<-chan RecognitionEvent, error)
}

// RecognitionError carries a host recognition error code verbatim.
type RecognitionError struct {
	Code string
}

func (e *RecognitionError) Error() string {
	return "speech recognition: " + e.Code
}

// Message returns the user-facing text for the code.
func (e *RecognitionError) Message() string {
	switch e.Code {
	case "not-allowed":
		return "Microphone access denied. Please allow microphone permissions."
	case "no-speech":
		return "No speech detected. Please try again."
	case "network":
		return "Network error. Check your connection."
	case "service-not-allowed":
		return "Speech service not allowed."
	default:
		return fmt.Sprintf("Speech error: %s", e.Code)
	}
}

// UserMessage returns the text to show for a listening failure.
func UserMessage(err error) string {
	var rerr *RecognitionError
	switch {
	case errors.As(err, &rerr):
		return rerr.Message()
	case errors.Is(err, ErrRecognitionUnavailable):
		return "Speech recognition not supported in this browser."
	case err == nil:
		return ""
	default:
		return "Speech error: " + err.Error()
	}
}

// Listener runs single-shot recognition sessions, one at a time.
type Listener struct {
	rec         Recognizer
	caps        platform.Prober
	lang        string
	onListening func(bool)
	logger      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewListener creates a listener. onListening may be nil.
func NewListener(rec Recognizer, caps platform.Prober, lang string, onListening func(bool), logger zerolog.Logger) *Listener {
	if caps == nil {
		caps = platform.NewStatic(platform.Capabilities{})
	}
	if lang == "" {
		lang = DefaultConfig().Lang
	}
	return &Listener{
		rec:         rec,
		caps:        caps,
		lang:        lang,
		onListening: onListening,
		logger:      logger.With().Str("component", "recognition").Logger(),
	}
}

// Listening reports whether a session is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Listen runs one non-continuous, final-only recognition and returns the
// trimmed transcript.
func (l *Listener) Listen(ctx context.Context) (string, error) {
	if l.caps.Capabilities().SpeechRecognition == platform.Unavailable {
		return "", ErrRecognitionUnavailable
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return "", ErrAlreadyListening
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
		l.setListening(false)
	}()

	events, err := l.rec.Recognize(ctx, RecognitionOptions{Lang: l.lang})
	if err != nil {
		return "", fmt.Errorf("start recognition: %w", err)
	}
	l.setListening(true)
	l.logger.Debug().Str("lang", l.lang).Msg("Listening")

	var transcript string
	for {
		select {
		case <-ctx.Done():
			return "", ErrListeningStopped
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return "", ErrListeningStopped
				}
				return strings.TrimSpace(transcript), nil
			}
			switch ev.Type {
			case RecognitionResult:
				if ev.Final || transcript == "" {
					transcript = ev.Transcript
				}
			case RecognitionFailed:
				rerr := &RecognitionError{Code: ev.Code}
				l.logger.Warn().Str("code", ev.Code).Msg("Recognition error")
				return "", rerr
			case RecognitionEnd:
				return strings.TrimSpace(transcript), nil
			}
		}
	}
}

// Stop aborts the running session, if any.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Listener) setListening(on bool) {
	if l.onListening != nil {
		l.onListening(on)
	}
}
