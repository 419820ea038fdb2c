package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUtterance struct {
	u      Utterance
	mu     sync.Mutex
	ch     chan EngineEvent
	closed bool
}

func (f *fakeUtterance) send(ev EngineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.ch <- ev
	}
}

func (f *fakeUtterance) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *fakeUtterance) finish() {
	f.send(EngineEvent{Type: EventEnd})
	f.close()
}

type fakeEngine struct {
	mu         sync.Mutex
	voices     []Voice
	voicesErr  error
	speakErr   error
	utterances []*fakeUtterance
	// ops records engine calls in order: voices, speak:<id>, cancel:<id>.
	ops []string
}

func (e *fakeEngine) Voices(ctx context.Context) ([]Voice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, "voices")
	return e.voices, e.voicesErr
}

func (e *fakeEngine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, "cancel:"+id)
	for _, fu := range e.utterances {
		if fu.u.ID == id {
			fu.close()
		}
	}
}

func (e *fakeEngine) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) Speak(ctx context.Context, u Utterance) (<-chan EngineEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speakErr != nil {
		return nil, e.speakErr
	}
	fu := &fakeUtterance{u: u, ch: make(chan EngineEvent, 32)}
	e.utterances = append(e.utterances, fu)
	e.ops = append(e.ops, "speak:"+u.ID)
	go func() {
		<-ctx.Done()
		fu.close()
	}()
	return fu.ch, nil
}

func (e *fakeEngine) utterance(i int) *fakeUtterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.utterances[i]
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.utterances)
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *hookRecorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *hookRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnStart:    func(tag string) { r.add("start:" + tag) },
		OnProgress: func(tag string, idx int) { r.add(fmt.Sprintf("progress:%s:%d", tag, idx)) },
		OnEnd:      func(tag string, reason EndReason, err error) { r.add("end:" + tag + ":" + string(reason)) },
	}
}

func newTestSession(t *testing.T, engine *fakeEngine, caps platform.Capabilities) (*Session, *hookRecorder) {
	t.Helper()
	rec := &hookRecorder{}
	s := NewSession(DefaultConfig(), engine, platform.NewStatic(caps), rec.hooks(), zerolog.Nop())
	t.Cleanup(s.Close)
	return s, rec
}

func waitForEvents(t *testing.T, rec *hookRecorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= n }, time.Second, time.Millisecond)
}

func TestSpeakSupersedesPreviousUtterance(t *testing.T) {
	engine := &fakeEngine{}
	s, rec := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "A", "first reply"))
	require.NoError(t, s.Speak(context.Background(), "B", "second reply"))

	assert.Equal(t, []string{"start:A", "end:A:canceled", "start:B"}, rec.snapshot())

	// Late callbacks from A are ignored.
	engine.utterance(0).send(EngineEvent{Type: EventBoundary, CharIndex: 6})
	engine.utterance(0).send(EngineEvent{Type: EventEnd})

	engine.utterance(1).finish()
	waitForEvents(t, rec, 4)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"start:A", "end:A:canceled", "start:B", "end:B:finished"}, rec.snapshot())
	assert.False(t, s.Speaking())
}

func TestSpeakStopsPreviousBeforeListingVoices(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "A", "first reply"))
	require.NoError(t, s.Speak(context.Background(), "B", "second reply"))

	a, b := engine.utterance(0).u.ID, engine.utterance(1).u.ID
	assert.Equal(t, []string{"voices", "speak:" + a, "cancel:" + a, "voices", "speak:" + b}, engine.calls())
}

func TestSpeakForwardsBoundaries(t *testing.T) {
	engine := &fakeEngine{}
	s, rec := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "m1", "Hello there, friend"))
	u := engine.utterance(0)
	u.send(EngineEvent{Type: EventStart})
	u.send(EngineEvent{Type: EventBoundary, CharIndex: 0})
	u.send(EngineEvent{Type: EventBoundary, CharIndex: 6})
	u.send(EngineEvent{Type: EventBoundary, CharIndex: 13})
	waitForEvents(t, rec, 4)

	status, idx := s.Status()
	assert.Equal(t, StatusSpeaking, status)
	assert.Equal(t, 13, idx)
	assert.True(t, s.Speaking())

	u.finish()
	waitForEvents(t, rec, 5)
	assert.Equal(t, []string{
		"start:m1",
		"progress:m1:0",
		"progress:m1:6",
		"progress:m1:13",
		"end:m1:finished",
	}, rec.snapshot())

	status, _ = s.Status()
	assert.Equal(t, StatusEnded, status)
}

func TestCancelEndsOnce(t *testing.T) {
	engine := &fakeEngine{}
	s, rec := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "m1", "text"))
	s.Cancel()
	s.Cancel()

	assert.Equal(t, []string{"start:m1", "end:m1:canceled"}, rec.snapshot())
	assert.False(t, s.Speaking())
}

func TestEngineErrorEndsSession(t *testing.T) {
	engine := &fakeEngine{}
	s, rec := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "m1", "text"))
	engine.utterance(0).send(EngineEvent{Type: EventError, Error: "synthesis-failed"})
	waitForEvents(t, rec, 2)

	assert.Equal(t, []string{"start:m1", "end:m1:error"}, rec.snapshot())
	status, _ := s.Status()
	assert.Equal(t, StatusError, status)
	assert.False(t, s.Speaking())
}

func TestClosedChannelEndsSession(t *testing.T) {
	engine := &fakeEngine{}
	s, rec := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "m1", "text"))
	engine.utterance(0).close()
	waitForEvents(t, rec, 2)

	assert.Equal(t, []string{"start:m1", "end:m1:finished"}, rec.snapshot())
}

func TestSpeakWithoutSynthesisIsNoop(t *testing.T) {
	engine := &fakeEngine{}
	caps := platform.AllAvailable()
	caps.SpeechSynthesis = platform.Unavailable
	s, rec := newTestSession(t, engine, caps)

	require.NoError(t, s.Speak(context.Background(), "m1", "text"))

	assert.Equal(t, 0, engine.count())
	assert.Empty(t, rec.snapshot())
	assert.False(t, s.Speaking())
}

func TestSpeakStartFailure(t *testing.T) {
	engine := &fakeEngine{speakErr: errors.New("no engine")}
	s, rec := newTestSession(t, engine, platform.AllAvailable())

	err := s.Speak(context.Background(), "m1", "text")

	require.Error(t, err)
	assert.Empty(t, rec.snapshot())
	assert.False(t, s.Speaking())
	status, _ := s.Status()
	assert.Equal(t, StatusError, status)
}

func TestSpeakUsesPreferredVoiceAndFixedParameters(t *testing.T) {
	engine := &fakeEngine{voices: []Voice{
		{Name: "Fred", Lang: "en-US"},
		{Name: "Microsoft Zira", Lang: "en-US"},
		{Name: "Google US English", Lang: "en-US"},
	}}
	s, _ := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "m1", "text"))

	u := engine.utterance(0).u
	assert.Equal(t, "Google US English", u.VoiceName)
	assert.Equal(t, "text", u.Text)
	assert.Equal(t, "en-US", u.Lang)
	assert.InDelta(t, 0.9, u.Rate, 1e-9)
	assert.InDelta(t, 1.1, u.Pitch, 1e-9)
	assert.InDelta(t, 0.8, u.Volume, 1e-9)
	assert.NotEmpty(t, u.ID)
}

func TestSpeakFallsBackToDefaultVoice(t *testing.T) {
	engine := &fakeEngine{voicesErr: errors.New("not loaded")}
	s, _ := newTestSession(t, engine, platform.AllAvailable())

	require.NoError(t, s.Speak(context.Background(), "m1", "text"))

	assert.Empty(t, engine.utterance(0).u.VoiceName)
}

func TestSelectVoice(t *testing.T) {
	voices := []Voice{{Name: "Daniel"}, {Name: "Samantha"}, {Name: "Alex"}}

	v, ok := SelectVoice(voices, []string{"Google", "alex", "Samantha"})
	require.True(t, ok)
	assert.Equal(t, "Alex", v.Name)

	_, ok = SelectVoice(voices, []string{"Google"})
	assert.False(t, ok)

	_, ok = SelectVoice(nil, DefaultConfig().PreferredVoices)
	assert.False(t, ok)
}
