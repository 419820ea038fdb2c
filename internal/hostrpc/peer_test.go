package hostrpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []Envelope
	err  error
	ch   chan Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan Envelope, 16)}
}

func (t *fakeTransport) Send(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, env)
	t.ch <- env
	return nil
}

func (t *fakeTransport) next(tb testing.TB) Envelope {
	tb.Helper()
	select {
	case env := <-t.ch:
		return env
	case <-time.After(time.Second):
		tb.Fatal("no envelope sent")
		return Envelope{}
	}
}

func newTestPeer(t *testing.T) (*Peer, *fakeTransport) {
	t.Helper()
	p := NewPeer(time.Second, nil, zerolog.Nop())
	tr := newFakeTransport()
	p.Attach(tr)
	t.Cleanup(p.Close)
	return p, tr
}

func TestCallRoundTrip(t *testing.T) {
	p, tr := newTestPeer(t)

	go func() {
		env := tr.next(t)
		p.Deliver(Envelope{Kind: KindResult, ID: env.ID, Result: json.RawMessage(`{"state":"granted"}`)})
	}()

	var out struct {
		State string `json:"state"`
	}
	err := p.Call(context.Background(), "permissions.query", map[string]string{"name": "camera"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "granted", out.State)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.sent, 1)
	assert.Equal(t, KindCall, tr.sent[0].Kind)
	assert.Equal(t, "permissions.query", tr.sent[0].Method)
	assert.JSONEq(t, `{"name":"camera"}`, string(tr.sent[0].Params))
	assert.NotEmpty(t, tr.sent[0].ID)
}

func TestCallRemoteError(t *testing.T) {
	p, tr := newTestPeer(t)

	go func() {
		env := tr.next(t)
		p.Deliver(Envelope{Kind: KindResult, ID: env.ID, Error: &RemoteError{Name: "NotAllowedError", Message: "Permission denied"}})
	}()

	err := p.Call(context.Background(), "media.getUserMedia", nil, nil)

	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "NotAllowedError", rerr.Name)
	assert.Equal(t, "NotAllowedError: Permission denied", rerr.Error())
}

func TestCallWithoutTransport(t *testing.T) {
	p := NewPeer(time.Second, nil, zerolog.Nop())

	err := p.Call(context.Background(), "speech.voices", nil, nil)

	assert.ErrorIs(t, err, ErrNoTransport)
	assert.ErrorIs(t, p.Notify("x", nil), ErrNoTransport)
	assert.False(t, p.Connected())
}

func TestCallHonorsContext(t *testing.T) {
	p, _ := newTestPeer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Call(ctx, "video.capture", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallDefaultTimeout(t *testing.T) {
	p := NewPeer(20*time.Millisecond, nil, zerolog.Nop())
	p.Attach(newFakeTransport())

	err := p.Call(context.Background(), "video.capture", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallOrReleaseHandsOverLateResult(t *testing.T) {
	p, tr := newTestPeer(t)
	released := make(chan json.RawMessage, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.CallOrRelease(ctx, "media.getUserMedia", nil, nil, func(raw json.RawMessage) {
			released <- raw
		})
	}()
	env := tr.next(t)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	p.Deliver(Envelope{Kind: KindResult, ID: env.ID, Result: json.RawMessage(`{"streamId":"late"}`)})

	select {
	case raw := <-released:
		assert.JSONEq(t, `{"streamId":"late"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("late result not released")
	}
}

func TestCallOrReleaseSkipsLateFailure(t *testing.T) {
	p, tr := newTestPeer(t)
	var calls int

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		env := tr.next(t)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		p.Deliver(Envelope{Kind: KindResult, ID: env.ID, Error: &RemoteError{Name: "NotAllowedError"}})
	}()

	err := p.CallOrRelease(ctx, "media.getUserMedia", nil, nil, func(json.RawMessage) { calls++ })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	time.Sleep(50 * time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Zero(t, calls)
	assert.Empty(t, p.late)
}

func TestDetachDropsLateReleases(t *testing.T) {
	p, tr := newTestPeer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.CallOrRelease(ctx, "media.getUserMedia", nil, nil, func(json.RawMessage) {})
	}()
	tr.next(t)
	cancel()
	<-done

	p.mu.Lock()
	assert.Len(t, p.late, 1)
	p.mu.Unlock()

	p.Detach(tr)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.late)
}

func TestDetachFailsPendingCalls(t *testing.T) {
	p, tr := newTestPeer(t)

	done := make(chan error, 1)
	go func() {
		done <- p.Call(context.Background(), "media.getUserMedia", nil, nil)
	}()
	tr.next(t)

	p.Detach(tr)
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.False(t, p.Connected())
}

func TestDetachIgnoresStaleTransport(t *testing.T) {
	p, tr := newTestPeer(t)
	p.Detach(newFakeTransport())
	assert.True(t, p.Connected())
	p.Detach(tr)
	assert.False(t, p.Connected())
}

func TestSendFailure(t *testing.T) {
	p, tr := newTestPeer(t)
	tr.err = errors.New("broken pipe")

	err := p.Call(context.Background(), "speech.cancel", nil, nil)
	assert.ErrorContains(t, err, "broken pipe")
}

func TestEventsReachListenersInOrder(t *testing.T) {
	p, _ := newTestPeer(t)

	var got []string
	unsubscribe := p.On("speech.event", func(raw json.RawMessage) {
		got = append(got, string(raw))
	})

	p.Deliver(Envelope{Kind: KindEvent, Method: "speech.event", Params: json.RawMessage(`1`)})
	p.Deliver(Envelope{Kind: KindEvent, Method: "speech.event", Params: json.RawMessage(`2`)})
	p.Deliver(Envelope{Kind: KindEvent, Method: "other", Params: json.RawMessage(`3`)})
	unsubscribe()
	p.Deliver(Envelope{Kind: KindEvent, Method: "speech.event", Params: json.RawMessage(`4`)})

	assert.Equal(t, []string{"1", "2"}, got)
}

func TestInvokeRepliesWithResult(t *testing.T) {
	p, tr := newTestPeer(t)
	p.Handle("camera.getState", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"phase": "ready"}, nil
	})

	p.Deliver(Envelope{Kind: KindInvoke, ID: "42", Method: "camera.getState"})

	env := tr.next(t)
	assert.Equal(t, KindResult, env.Kind)
	assert.Equal(t, "42", env.ID)
	assert.Nil(t, env.Error)
	assert.JSONEq(t, `{"phase":"ready"}`, string(env.Result))
}

func TestInvokeErrors(t *testing.T) {
	p, tr := newTestPeer(t)
	p.Handle("conversation.send", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("empty message")
	})

	p.Deliver(Envelope{Kind: KindInvoke, ID: "1", Method: "conversation.send"})
	env := tr.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Error", env.Error.Name)
	assert.Equal(t, "empty message", env.Error.Message)

	p.Deliver(Envelope{Kind: KindInvoke, ID: "2", Method: "missing"})
	env = tr.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NotFoundError", env.Error.Name)
}

func TestConnectionEventsArePublished(t *testing.T) {
	eventBus := bus.NewEventBus()
	events := make(chan bus.EventType, 2)
	eventBus.SubscribeMultiple([]bus.EventType{bus.EventTypeHostConnected, bus.EventTypeHostDisconnected}, func(e bus.Event) {
		events <- e.Type
	})

	p := NewPeer(time.Second, eventBus, zerolog.Nop())
	tr := newFakeTransport()
	p.Attach(tr)
	assert.Equal(t, bus.EventTypeHostConnected, <-events)
	p.Detach(tr)
	assert.Equal(t, bus.EventTypeHostDisconnected, <-events)
}
