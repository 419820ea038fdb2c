package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecognizer struct {
	mu     sync.Mutex
	opts   []RecognitionOptions
	events []RecognitionEvent
	// hold keeps the channel open until the context ends.
	hold bool
	err  error
}

func (r *fakeRecognizer) Recognize(ctx context.Context, opts RecognitionOptions) (<-chan RecognitionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.opts = append(r.opts, opts)
	ch := make(chan RecognitionEvent, len(r.events)+1)
	for _, ev := range r.events {
		ch <- ev
	}
	if r.hold {
		go func() {
			<-ctx.Done()
			close(ch)
		}()
	} else {
		close(ch)
	}
	return ch, nil
}

type listeningRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (l *listeningRecorder) record(on bool) {
	l.mu.Lock()
	l.states = append(l.states, on)
	l.mu.Unlock()
}

func (l *listeningRecorder) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

func TestListenReturnsFinalTranscript(t *testing.T) {
	rec := &fakeRecognizer{events: []RecognitionEvent{
		{Type: RecognitionStart},
		{Type: RecognitionResult, Transcript: "  what am I holding ", Final: true},
		{Type: RecognitionEnd},
	}}
	flags := &listeningRecorder{}
	l := NewListener(rec, platform.NewStatic(platform.AllAvailable()), "", flags.record, zerolog.Nop())

	text, err := l.Listen(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "what am I holding", text)
	assert.Equal(t, []bool{true, false}, flags.snapshot())
	assert.False(t, l.Listening())

	require.Len(t, rec.opts, 1)
	assert.Equal(t, RecognitionOptions{Lang: "en-US"}, rec.opts[0], "single-shot, final results only")
}

func TestListenErrorCodes(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"not-allowed", "Microphone access denied. Please allow microphone permissions."},
		{"no-speech", "No speech detected. Please try again."},
		{"network", "Network error. Check your connection."},
		{"service-not-allowed", "Speech service not allowed."},
		{"audio-capture", "Speech error: audio-capture"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := &fakeRecognizer{events: []RecognitionEvent{{Type: RecognitionFailed, Code: tt.code}}}
			l := NewListener(rec, nil, "en-US", nil, zerolog.Nop())

			_, err := l.Listen(context.Background())

			var rerr *RecognitionError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.code, rerr.Code)
			assert.Equal(t, tt.want, UserMessage(err))
		})
	}
}

func TestListenUnavailable(t *testing.T) {
	caps := platform.AllAvailable()
	caps.SpeechRecognition = platform.Unavailable
	l := NewListener(&fakeRecognizer{}, platform.NewStatic(caps), "en-US", nil, zerolog.Nop())

	_, err := l.Listen(context.Background())

	assert.ErrorIs(t, err, ErrRecognitionUnavailable)
	assert.Equal(t, "Speech recognition not supported in this browser.", UserMessage(err))
}

func TestListenStopAndSingleFlight(t *testing.T) {
	rec := &fakeRecognizer{hold: true}
	l := NewListener(rec, nil, "en-US", nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := l.Listen(context.Background())
		done <- err
	}()
	require.Eventually(t, l.Listening, time.Second, time.Millisecond)

	_, err := l.Listen(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyListening)

	l.Stop()
	assert.ErrorIs(t, <-done, ErrListeningStopped)
	assert.False(t, l.Listening())
}

func TestListenStartFailure(t *testing.T) {
	l := NewListener(&fakeRecognizer{err: errors.New("busy")}, nil, "en-US", nil, zerolog.Nop())

	_, err := l.Listen(context.Background())

	assert.Error(t, err)
	assert.False(t, l.Listening())
}
