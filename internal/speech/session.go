package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/rs/zerolog"
)

// Session speaks one utterance at a time. Starting a new utterance ends the
// previous one first, so at most one is ever active.
type Session struct {
	cfg    Config
	engine Engine
	caps   platform.Prober
	hooks  Hooks
	logger zerolog.Logger

	// emitMu serializes session switches with hook calls.
	emitMu sync.Mutex

	mu        sync.Mutex
	active    *utterance
	status    Status
	text      string
	charIndex int
	voices    []Voice

	wg sync.WaitGroup
}

type utterance struct {
	id     string
	tag    string
	cancel context.CancelFunc
}

// NewSession creates a speech session.
func NewSession(cfg Config, engine Engine, caps platform.Prober, hooks Hooks, logger zerolog.Logger) *Session {
	def := DefaultConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Pitch <= 0 {
		cfg.Pitch = def.Pitch
	}
	if cfg.Volume <= 0 {
		cfg.Volume = def.Volume
	}
	if cfg.VoiceListTimeout <= 0 {
		cfg.VoiceListTimeout = def.VoiceListTimeout
	}
	if caps == nil {
		caps = platform.NewStatic(platform.Capabilities{})
	}
	return &Session{
		cfg:    cfg,
		engine: engine,
		caps:   caps,
		hooks:  hooks,
		logger: logger.With().Str("component", "speech").Logger(),
		status: StatusIdle,
	}
}

// Speak cancels any active utterance and starts speaking text. tag is passed
// back to the hooks. Without a synthesis capability Speak does nothing.
func (s *Session) Speak(ctx context.Context, tag, text string) error {
	if s.caps.Capabilities().SpeechSynthesis == platform.Unavailable {
		s.logger.Debug().Msg("Speech synthesis unavailable, skipping")
		return nil
	}
	if text == "" {
		return nil
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.endActiveLocked(ReasonCanceled, nil)
	voice := s.pickVoice(ctx)

	uctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u := &utterance{id: uuid.NewString(), tag: tag, cancel: cancel}

	s.mu.Lock()
	s.active = u
	s.status = StatusSpeaking
	s.text = text
	s.charIndex = 0
	s.mu.Unlock()

	events, err := s.engine.Speak(uctx, Utterance{
		ID:        u.id,
		Text:      text,
		VoiceName: voice,
		Lang:      s.cfg.Lang,
		Rate:      s.cfg.Rate,
		Pitch:     s.cfg.Pitch,
		Volume:    s.cfg.Volume,
	})
	if err != nil {
		cancel()
		s.mu.Lock()
		if s.active == u {
			s.active = nil
			s.status = StatusError
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("tag", tag).Msg("Failed to start utterance")
		return fmt.Errorf("speak: %w", err)
	}

	s.logger.Debug().Str("tag", tag).Str("voice", voice).Int("chars", len(text)).Msg("Speaking")
	s.hooks.start(tag)

	s.wg.Add(1)
	go s.pump(u, events)
	return nil
}

// Cancel stops the active utterance, if any, and reports its end.
func (s *Session) Cancel() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.endActiveLocked(ReasonCanceled, nil)
}

// Close cancels the active utterance and waits for callback pumps to exit.
func (s *Session) Close() {
	s.Cancel()
	s.wg.Wait()
}

// Speaking reports whether an utterance is active.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Status returns the session status and the last reported offset.
func (s *Session) Status() (Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.charIndex
}

func (s *Session) pump(u *utterance, events <-chan EngineEvent) {
	defer s.wg.Done()

	for ev := range events {
		s.emitMu.Lock()
		if s.isActive(u) {
			switch ev.Type {
			case EventBoundary:
				s.mu.Lock()
				s.charIndex = ev.CharIndex
				s.mu.Unlock()
				s.hooks.progress(u.tag, ev.CharIndex)
			case EventEnd:
				s.endActiveLocked(ReasonFinished, nil)
			case EventError:
				s.endActiveLocked(ReasonError, errors.New(ev.Error))
			}
		}
		s.emitMu.Unlock()
	}

	// A closed channel without an end callback still ends the utterance.
	s.emitMu.Lock()
	if s.isActive(u) {
		s.endActiveLocked(ReasonFinished, nil)
	}
	s.emitMu.Unlock()
}

// endActiveLocked ends the active utterance. emitMu must be held.
func (s *Session) endActiveLocked(reason EndReason, err error) {
	s.mu.Lock()
	u := s.active
	if u == nil {
		s.mu.Unlock()
		return
	}
	s.active = nil
	if reason == ReasonError {
		s.status = StatusError
	} else {
		s.status = StatusEnded
	}
	s.mu.Unlock()

	if reason == ReasonCanceled {
		s.engine.Cancel(u.id)
	}
	u.cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("tag", u.tag).Msg("Utterance failed")
	} else {
		s.logger.Debug().Str("tag", u.tag).Str("reason", string(reason)).Msg("Utterance ended")
	}
	s.hooks.end(u.tag, reason, err)
}

func (s *Session) isActive(u *utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == u
}

// pickVoice returns the preferred voice name, or "" for the host default.
// The voice list is cached once the host reports a non-empty one.
func (s *Session) pickVoice(ctx context.Context) string {
	s.mu.Lock()
	voices := s.voices
	s.mu.Unlock()

	if len(voices) == 0 {
		vctx, cancel := context.WithTimeout(ctx, s.cfg.VoiceListTimeout)
		list, err := s.engine.Voices(vctx)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Voice list unavailable, using default voice")
			return ""
		}
		if len(list) > 0 {
			s.mu.Lock()
			s.voices = list
			s.mu.Unlock()
		}
		voices = list
	}

	v, ok := SelectVoice(voices, s.cfg.PreferredVoices)
	if !ok {
		return ""
	}
	return v.Name
}
