// Package hostrpc carries calls and events between the Go core and the host
// page that owns the camera, speech engines and rendering.
package hostrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrClosed      = errors.New("hostrpc: connection closed")
	ErrNoTransport = errors.New("hostrpc: host not connected")
)

// Kind is the envelope type.
type Kind string

const (
	// KindCall asks the host to run a method; the host answers with a result.
	KindCall Kind = "call"
	// KindResult answers a call or an invoke with the same ID.
	KindResult Kind = "result"
	// KindEvent is a one-way notification in either direction.
	KindEvent Kind = "event"
	// KindInvoke asks the Go side to run a registered handler.
	KindInvoke Kind = "invoke"
)

// Envelope is the single message shape on the wire.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError is an exception raised on the other side. Name carries the
// host's exception name, for example NotAllowedError.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Transport delivers envelopes to the host.
type Transport interface {
	Send(env Envelope) error
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
