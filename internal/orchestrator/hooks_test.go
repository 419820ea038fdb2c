package orchestrator

import (
	"errors"
	"sync"
	"testing"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/conversation"
	"github.com/normanking/nexusavatar/internal/speech"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type busRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *busRecorder) record(e bus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *busRecorder) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestSpeechHooksDriveLog(t *testing.T) {
	log := conversation.NewLog("Hello there, friend")
	greeting, _ := log.Last()

	eventBus := bus.NewEventBus()
	rec := &busRecorder{}
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeSpeakingStarted,
		bus.EventTypeSpeechProgress,
		bus.EventTypeSpeakingEnded,
	}, rec.record)

	hooks := SpeechHooks(log, eventBus)

	hooks.OnStart(greeting.ID)
	assert.Equal(t, conversation.Status{Speaking: true, SpeakingID: greeting.ID}, log.Status())

	hooks.OnProgress(greeting.ID, 6)
	hooks.OnProgress(greeting.ID, 2)
	got, _ := log.Get(greeting.ID)
	require.NotNil(t, got.SpokenCharIndex)
	assert.Equal(t, 6, *got.SpokenCharIndex)

	hooks.OnEnd(greeting.ID, speech.ReasonError, errors.New("synthesis-failed"))
	assert.False(t, log.Status().Speaking, "speaking flag clears on the error path")

	assert.Equal(t, []bus.EventType{
		bus.EventTypeSpeakingStarted,
		bus.EventTypeSpeechProgress,
		bus.EventTypeSpeakingEnded,
	}, rec.types(), "the backwards offset is not republished")
}

func TestListeningHook(t *testing.T) {
	log := conversation.NewLog("")
	eventBus := bus.NewEventBus()
	rec := &busRecorder{}
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeListeningStarted,
		bus.EventTypeListeningStopped,
	}, rec.record)

	hook := ListeningHook(log, eventBus)
	hook(true)
	assert.True(t, log.Status().Listening)
	hook(false)
	assert.False(t, log.Status().Listening)

	assert.Equal(t, []bus.EventType{bus.EventTypeListeningStarted, bus.EventTypeListeningStopped}, rec.types())
}
