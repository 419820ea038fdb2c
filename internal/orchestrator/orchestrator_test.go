package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/conversation"
	"github.com/normanking/nexusavatar/internal/gemini"
	"github.com/normanking/nexusavatar/internal/speech"
	"github.com/normanking/nexusavatar/internal/vision"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}

type fakeCamera struct {
	mu      sync.Mutex
	enabled bool
	ready   bool
}

func (c *fakeCamera) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *fakeCamera) CaptureTarget() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || !c.ready {
		return "", false
	}
	return "stream-1", true
}

type fakeSource struct {
	mu    sync.Mutex
	grabs int
	err   error
}

func (s *fakeSource) GrabFrame(ctx context.Context, streamID string, quality float64) (vision.RawFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grabs++
	if s.err != nil {
		return vision.RawFrame{}, s.err
	}
	return vision.RawFrame{
		DataURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes),
		Width:   640,
		Height:  480,
	}, nil
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grabs
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []gemini.Request
	err      error
	// gates hold a dispatch for the given text until closed.
	gates map[string]chan struct{}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, req gemini.Request) (gemini.Reply, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	gate := d.gates[req.Text]
	err := d.err
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return gemini.Reply{}, err
	}
	return gemini.Reply{Text: "reply to " + req.Text, Vision: req.Vision()}, nil
}

func (d *fakeDispatcher) last() gemini.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[len(d.requests)-1]
}

type spoken struct {
	tag  string
	text string
}

type fakeSpeaker struct {
	mu      sync.Mutex
	spoken  []spoken
	cancels int
}

func (s *fakeSpeaker) Speak(ctx context.Context, tag, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, spoken{tag: tag, text: text})
	return nil
}

func (s *fakeSpeaker) Cancel() {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

func (s *fakeSpeaker) snapshot() []spoken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spoken(nil), s.spoken...)
}

type fakeListener struct {
	transcript string
	err        error
	stopped    bool
}

func (l *fakeListener) Listen(ctx context.Context) (string, error) {
	return l.transcript, l.err
}

func (l *fakeListener) Stop() { l.stopped = true }

type fixture struct {
	orch       *Orchestrator
	log        *conversation.Log
	camera     *fakeCamera
	source     *fakeSource
	dispatcher *fakeDispatcher
	speaker    *fakeSpeaker
	listener   *fakeListener
	bus        *bus.EventBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		log:        conversation.NewLog(conversation.DefaultGreeting),
		camera:     &fakeCamera{enabled: true, ready: true},
		source:     &fakeSource{},
		dispatcher: &fakeDispatcher{gates: map[string]chan struct{}{}},
		speaker:    &fakeSpeaker{},
		listener:   &fakeListener{},
		bus:        bus.NewEventBus(),
	}
	capturer := vision.NewCapturer(vision.DefaultCaptureConfig(), f.camera, f.source, nil, zerolog.Nop())
	f.orch = New(Deps{
		Log:        f.log,
		Camera:     f.camera,
		Capturer:   capturer,
		Dispatcher: f.dispatcher,
		Speaker:    f.speaker,
		Listener:   f.listener,
		EventBus:   f.bus,
	}, vision.ModeAuto, zerolog.Nop())
	return f
}

func TestSubmitVisualQuestionAttachesFrame(t *testing.T) {
	f := newFixture(t)

	msg, err := f.orch.Submit(context.Background(), "  What am I holding?  ")
	require.NoError(t, err)

	req := f.dispatcher.last()
	assert.Equal(t, "What am I holding?", req.Text)
	assert.Equal(t, jpegBytes, req.Image)

	assert.Equal(t, conversation.RoleAssistant, msg.Role)
	assert.Equal(t, "reply to What am I holding?", msg.Text)
	assert.True(t, msg.HasImage)

	msgs := f.log.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleUser, msgs[1].Role)
	assert.False(t, msgs[1].HasImage)
	assert.Equal(t, msg.ID, msgs[2].ID)

	assert.Equal(t, []spoken{{tag: msg.ID, text: msg.Text}}, f.speaker.snapshot())
}

func TestSubmitPlainQuestionSkipsCapture(t *testing.T) {
	f := newFixture(t)

	msg, err := f.orch.Submit(context.Background(), "What's 2+2?")
	require.NoError(t, err)

	assert.Equal(t, 0, f.source.count())
	assert.Nil(t, f.dispatcher.last().Image)
	assert.False(t, msg.HasImage)
}

func TestSubmitCameraNotReadyDoesNotMislabel(t *testing.T) {
	f := newFixture(t)
	f.camera.ready = false

	msg, err := f.orch.Submit(context.Background(), "What color is this?")
	require.NoError(t, err)

	assert.Nil(t, f.dispatcher.last().Image)
	assert.False(t, msg.HasImage)
}

func TestSubmitCaptureFailureDoesNotMislabel(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("video not decoded")

	msg, err := f.orch.Submit(context.Background(), "Can you see me?")
	require.NoError(t, err)

	assert.Equal(t, 1, f.source.count())
	assert.Nil(t, f.dispatcher.last().Image)
	assert.False(t, msg.HasImage)
}

func TestSubmitCameraDisabled(t *testing.T) {
	f := newFixture(t)
	f.camera.enabled = false

	msg, err := f.orch.Submit(context.Background(), "What am I holding?")
	require.NoError(t, err)

	assert.Equal(t, 0, f.source.count())
	assert.False(t, msg.HasImage)
}

func TestSubmitDispatchFailureBecomesApology(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = &gemini.RequestFailedError{StatusCode: 500, Body: "boom"}

	msg, err := f.orch.Submit(context.Background(), "What's 2+2?")
	require.NoError(t, err)

	assert.Equal(t, Apology, msg.Text)
	assert.Equal(t, conversation.RoleAssistant, msg.Role)
	assert.Equal(t, []spoken{{tag: msg.ID, text: Apology}}, f.speaker.snapshot())
}

func TestSubmitEmptyMessage(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Submit(context.Background(), "   \n")

	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 1, f.log.Len())
}

func TestVisionModes(t *testing.T) {
	f := newFixture(t)

	f.orch.SetVisionMode(vision.ModeOff)
	msg, err := f.orch.Submit(context.Background(), "What am I holding?")
	require.NoError(t, err)
	assert.False(t, msg.HasImage)
	assert.Equal(t, 0, f.source.count())

	f.orch.SetVisionMode(vision.ModeAlways)
	msg, err = f.orch.Submit(context.Background(), "What's 2+2?")
	require.NoError(t, err)
	assert.True(t, msg.HasImage)
	assert.Equal(t, vision.ModeAlways, f.orch.VisionMode())
}

func TestOnlyLatestReplyIsSpoken(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.dispatcher.gates["first question"] = gate

	firstDone := make(chan conversation.Message, 1)
	go func() {
		msg, _ := f.orch.Submit(context.Background(), "first question")
		firstDone <- msg
	}()
	require.Eventually(t, func() bool {
		f.dispatcher.mu.Lock()
		defer f.dispatcher.mu.Unlock()
		return len(f.dispatcher.requests) == 1
	}, time.Second, time.Millisecond)

	second, err := f.orch.Submit(context.Background(), "second question")
	require.NoError(t, err)

	close(gate)
	first := <-firstDone

	assert.Equal(t, []spoken{{tag: second.ID, text: second.Text}}, f.speaker.snapshot())

	// Both turns are still recorded.
	last, ok := f.log.Last()
	require.True(t, ok)
	assert.Equal(t, first.ID, last.ID)
	assert.Equal(t, 5, f.log.Len())
}

func TestStartListeningSubmitsTranscript(t *testing.T) {
	f := newFixture(t)
	f.listener.transcript = "What's 2+2?"

	msg, err := f.orch.StartListening(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "reply to What's 2+2?", msg.Text)
	assert.Equal(t, 1, f.speaker.cancels, "speech stops before listening")
}

func TestStartListeningError(t *testing.T) {
	f := newFixture(t)
	f.listener.err = &speech.RecognitionError{Code: "no-speech"}

	errs := make(chan bus.Event, 1)
	f.bus.Subscribe(bus.EventTypeRecognitionError, func(e bus.Event) { errs <- e })

	_, err := f.orch.StartListening(context.Background())

	var rerr *speech.RecognitionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, f.log.Len())

	select {
	case e := <-errs:
		assert.Equal(t, "No speech detected. Please try again.", e.Data["message"])
	case <-time.After(time.Second):
		t.Fatal("recognition error not published")
	}
}

func TestStartListeningEmptyTranscript(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.StartListening(context.Background())

	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 1, f.log.Len())
}

func TestStopListening(t *testing.T) {
	f := newFixture(t)
	f.orch.StopListening()
	assert.True(t, f.listener.stopped)
}

func TestLogChangesArePublished(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var added []conversation.Message
	f.bus.Subscribe(bus.EventTypeMessageAdded, func(e bus.Event) {
		mu.Lock()
		added = append(added, e.Data["message"].(conversation.Message))
		mu.Unlock()
	})

	_, err := f.orch.Submit(context.Background(), "What's 2+2?")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, added, 2)
	assert.Equal(t, conversation.RoleUser, added[0].Role)
	assert.Equal(t, conversation.RoleAssistant, added[1].Role)
}
