// Package bridge provides Wails bindings between Go and frontend
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Frontend event names.
const (
	EventCameraState      = "camera:state"
	EventMessageAdded     = "conversation:message"
	EventMessageUpdated   = "conversation:messageUpdated"
	EventStatus           = "conversation:status"
	EventThinking         = "assistant:thinking"
	EventSpeechStarted    = "speech:started"
	EventSpeechProgress   = "speech:progress"
	EventSpeechEnded      = "speech:ended"
	EventTranscript       = "recognition:transcript"
	EventRecognitionError = "recognition:error"
	EventHostConnection   = "host:connection"
	EventSettingsSaved    = "settings:saved"
	EventLogEntry         = "log:entry"
	EventHostRPC          = "host:rpc"
)

// Emitter pushes events to the frontend.
type Emitter interface {
	Emit(event string, data any)
}

// WailsEmitter emits through the Wails runtime once bound to its context.
// Events emitted before Bind are dropped.
type WailsEmitter struct {
	mu   sync.RWMutex
	ctx  context.Context
	emit func(ctx context.Context, event string, data ...interface{})
}

// NewWailsEmitter creates an unbound emitter.
func NewWailsEmitter() *WailsEmitter {
	return &WailsEmitter{emit: runtime.EventsEmit}
}

// Bind sets the Wails runtime context
func (e *WailsEmitter) Bind(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

// Emit implements Emitter.
func (e *WailsEmitter) Emit(event string, data any) {
	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()
	if ctx == nil {
		return
	}
	e.emit(ctx, event, data)
}

// PeerEmitter sends frontend events to the host page as one-way events.
// Used in browser mode, where the page is only reachable over the socket.
type PeerEmitter struct {
	peer *hostrpc.Peer
}

// NewPeerEmitter creates an emitter over peer.
func NewPeerEmitter(peer *hostrpc.Peer) *PeerEmitter {
	return &PeerEmitter{peer: peer}
}

// Emit implements Emitter. Events are dropped while no page is connected.
func (e *PeerEmitter) Emit(event string, data any) {
	_ = e.peer.Notify(event, data)
}

// bound keeps the context Wails hands a bridge on startup.
type bound struct {
	mu  sync.RWMutex
	ctx context.Context
}

// Bind sets the Wails runtime context
func (b *bound) Bind(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *bound) context() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// decode unmarshals invoke params. Absent params decode to the zero value.
func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &hostrpc.RemoteError{Name: "TypeError", Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return v, nil
}

// handle registers a no-argument operation as an invoke handler.
func handle(peer *hostrpc.Peer, method string, fn func(ctx context.Context) (any, error)) {
	peer.Handle(method, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return fn(ctx)
	})
}
