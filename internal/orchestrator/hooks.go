package orchestrator

import (
	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/conversation"
	"github.com/normanking/nexusavatar/internal/speech"
)

// SpeechHooks ties a speech session to the log. Utterances are tagged with the
// ID of the message they speak, so the cursor lands on that message and the
// speaking flag follows the session.
func SpeechHooks(log *conversation.Log, eventBus *bus.EventBus) speech.Hooks {
	publish := func(t bus.EventType, data map[string]any) {
		if eventBus != nil {
			eventBus.PublishSync(bus.Event{Type: t, Data: data})
		}
	}
	return speech.Hooks{
		OnStart: func(tag string) {
			log.BeginSpeaking(tag)
			publish(bus.EventTypeSpeakingStarted, map[string]any{"message": tag})
		},
		OnProgress: func(tag string, charIndex int) {
			if log.SetSpokenIndex(tag, charIndex) {
				publish(bus.EventTypeSpeechProgress, map[string]any{
					"message":   tag,
					"charIndex": charIndex,
				})
			}
		},
		OnEnd: func(tag string, reason speech.EndReason, err error) {
			log.EndSpeaking(tag)
			data := map[string]any{"message": tag, "reason": string(reason)}
			if err != nil {
				data["error"] = err.Error()
			}
			publish(bus.EventTypeSpeakingEnded, data)
		},
	}
}

// ListeningHook mirrors the recognizer's listening flag into the log.
func ListeningHook(log *conversation.Log, eventBus *bus.EventBus) func(bool) {
	return func(on bool) {
		log.SetListening(on)
		if eventBus == nil {
			return
		}
		t := bus.EventTypeListeningStopped
		if on {
			t = bus.EventTypeListeningStarted
		}
		eventBus.PublishSync(bus.Event{Type: t, Data: map[string]any{"listening": on}})
	}
}
