// Package orchestrator turns user input into assistant turns: it decides
// whether a camera frame is needed, captures it, dispatches the request,
// records both messages and speaks the reply.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/conversation"
	"github.com/normanking/nexusavatar/internal/gemini"
	"github.com/normanking/nexusavatar/internal/speech"
	"github.com/normanking/nexusavatar/internal/vision"
	"github.com/rs/zerolog"
)

// Apology replaces the reply when the assistant request fails.
const Apology = "I apologize, but I'm having trouble processing your request right now. Please try again."

// ErrEmptyMessage is returned for input that is blank after trimming.
var ErrEmptyMessage = errors.New("empty message")

// Camera reports whether the user has the camera switched on.
type Camera interface {
	Enabled() bool
}

// Capturer takes a still frame from the live camera.
type Capturer interface {
	Capture(ctx context.Context) (*vision.Frame, bool)
}

// Speaker speaks one reply at a time.
type Speaker interface {
	Speak(ctx context.Context, tag, text string) error
	Cancel()
}

// Listener runs single-shot speech recognition.
type Listener interface {
	Listen(ctx context.Context) (string, error)
	Stop()
}

// Deps are the collaborators an Orchestrator owns by reference.
type Deps struct {
	Log        *conversation.Log
	Camera     Camera
	Capturer   Capturer
	Dispatcher gemini.Dispatcher
	Speaker    Speaker
	Listener   Listener
	EventBus   *bus.EventBus
}

// Orchestrator sequences assistant turns. Submissions are not queued: each
// one runs to completion, and only the newest submission's reply is spoken.
type Orchestrator struct {
	log        *conversation.Log
	camera     Camera
	capturer   Capturer
	dispatcher gemini.Dispatcher
	speaker    Speaker
	listener   Listener
	eventBus   *bus.EventBus
	logger     zerolog.Logger

	seq atomic.Uint64

	mu   sync.RWMutex
	mode vision.Mode
}

// New creates an orchestrator and starts forwarding log changes to the bus.
func New(deps Deps, mode vision.Mode, logger zerolog.Logger) *Orchestrator {
	if mode == "" {
		mode = vision.ModeAuto
	}
	o := &Orchestrator{
		log:        deps.Log,
		camera:     deps.Camera,
		capturer:   deps.Capturer,
		dispatcher: deps.Dispatcher,
		speaker:    deps.Speaker,
		listener:   deps.Listener,
		eventBus:   deps.EventBus,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		mode:       mode,
	}
	o.log.OnChange(o.publishChange)
	return o
}

// Log returns the conversation log.
func (o *Orchestrator) Log() *conversation.Log {
	return o.log
}

// VisionMode returns the current frame attachment mode.
func (o *Orchestrator) VisionMode() vision.Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// SetVisionMode changes when frames are attached.
func (o *Orchestrator) SetVisionMode(mode vision.Mode) {
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()
	o.logger.Info().Str("mode", string(mode)).Msg("Vision mode changed")
}

// Submit runs one assistant turn for text and returns the assistant message.
// Dispatch failures never surface: the reply becomes the apology.
func (o *Orchestrator) Submit(ctx context.Context, text string) (conversation.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return conversation.Message{}, ErrEmptyMessage
	}

	seq := o.seq.Add(1)
	o.log.Append(conversation.RoleUser, text, false)

	// The frame must reflect the camera at send time, so capture comes
	// before the request is built.
	var image []byte
	if o.wantsFrame(text) {
		if frame, ok := o.capturer.Capture(ctx); ok {
			image = frame.Data
		}
	}

	o.publish(bus.EventTypeRequestStarted, map[string]any{
		"seq":    seq,
		"vision": image != nil,
	})

	answer := Apology
	reply, err := o.dispatcher.Dispatch(ctx, gemini.Request{Text: text, Image: image})
	if err != nil {
		o.logger.Error().Err(err).Uint64("seq", seq).Msg("Assistant request failed")
		o.publish(bus.EventTypeRequestFailed, map[string]any{
			"seq":   seq,
			"error": err.Error(),
		})
	} else {
		answer = reply.Text
		o.publish(bus.EventTypeRequestFinished, map[string]any{
			"seq":      seq,
			"vision":   reply.Vision,
			"fallback": reply.Fallback,
		})
	}

	msg := o.log.Append(conversation.RoleAssistant, answer, image != nil)

	if latest := o.seq.Load(); latest != seq {
		o.logger.Debug().
			Uint64("seq", seq).
			Uint64("latest", latest).
			Msg("Newer message pending, reply not spoken")
		return msg, nil
	}
	if err := o.speaker.Speak(ctx, msg.ID, msg.Text); err != nil {
		o.logger.Warn().Err(err).Str("message", msg.ID).Msg("Could not speak reply")
	}
	return msg, nil
}

// StartListening stops any speech, records one utterance from the user and
// submits the transcript. An empty transcript submits nothing.
func (o *Orchestrator) StartListening(ctx context.Context) (conversation.Message, error) {
	o.speaker.Cancel()

	transcript, err := o.listener.Listen(ctx)
	if err != nil {
		if !errors.Is(err, speech.ErrListeningStopped) {
			o.logger.Warn().Err(err).Msg("Listening failed")
			o.publish(bus.EventTypeRecognitionError, map[string]any{
				"error":   err.Error(),
				"message": speech.UserMessage(err),
			})
		}
		return conversation.Message{}, err
	}

	o.publish(bus.EventTypeTranscript, map[string]any{"text": transcript})
	if transcript == "" {
		return conversation.Message{}, ErrEmptyMessage
	}
	return o.Submit(ctx, transcript)
}

// StopListening aborts a running recognition.
func (o *Orchestrator) StopListening() {
	o.listener.Stop()
}

// StopSpeaking cancels the reply being spoken.
func (o *Orchestrator) StopSpeaking() {
	o.speaker.Cancel()
}

func (o *Orchestrator) wantsFrame(text string) bool {
	if o.camera == nil || o.capturer == nil || !o.camera.Enabled() {
		return false
	}
	return vision.ShouldAttach(o.VisionMode(), text)
}

func (o *Orchestrator) publishChange(c conversation.Change) {
	switch c.Kind {
	case conversation.ChangeAdded:
		o.publishSync(bus.EventTypeMessageAdded, map[string]any{"message": c.Message})
	case conversation.ChangeUpdated:
		o.publishSync(bus.EventTypeMessageUpdated, map[string]any{"message": c.Message})
	case conversation.ChangeStatus:
		o.publishSync(bus.EventTypeStatusChanged, map[string]any{"status": c.Status})
	}
}

func (o *Orchestrator) publish(t bus.EventType, data map[string]any) {
	if o.eventBus != nil {
		o.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}

func (o *Orchestrator) publishSync(t bus.EventType, data map[string]any) {
	if o.eventBus != nil {
		o.eventBus.PublishSync(bus.Event{Type: t, Data: data})
	}
}
