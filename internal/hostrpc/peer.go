package hostrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/rs/zerolog"
)

// HandlerFunc serves an invoke from the host. The returned value is sent back
// as the result.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// DefaultCallTimeout bounds calls whose context has no deadline.
const DefaultCallTimeout = 10 * time.Second

// Peer is the Go end of the host channel. At most one transport is attached
// at a time; attaching a new one fails the calls pending on the old one.
type Peer struct {
	callTimeout time.Duration
	eventBus    *bus.EventBus
	logger      zerolog.Logger

	mu        sync.Mutex
	transport Transport
	pending   map[string]chan Envelope
	late      map[string]func(json.RawMessage)
	listeners map[string]map[uint64]func(json.RawMessage)
	nextSub   uint64
	handlers  map[string]HandlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeer creates a peer. eventBus may be nil.
func NewPeer(callTimeout time.Duration, eventBus *bus.EventBus, logger zerolog.Logger) *Peer {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		callTimeout: callTimeout,
		eventBus:    eventBus,
		logger:      logger.With().Str("component", "hostrpc").Logger(),
		pending:     make(map[string]chan Envelope),
		late:        make(map[string]func(json.RawMessage)),
		listeners:   make(map[string]map[uint64]func(json.RawMessage)),
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Attach makes t the active transport.
func (p *Peer) Attach(t Transport) {
	p.mu.Lock()
	old := p.transport
	p.transport = t
	pending := p.takePendingLocked()
	p.mu.Unlock()

	failPending(pending)
	if old != nil {
		p.logger.Info().Msg("Host transport replaced")
	} else {
		p.logger.Info().Msg("Host connected")
	}
	p.publish(bus.EventTypeHostConnected)
}

// Detach removes t if it is the active transport and fails its pending calls.
func (p *Peer) Detach(t Transport) {
	p.mu.Lock()
	if p.transport != t {
		p.mu.Unlock()
		return
	}
	p.transport = nil
	pending := p.takePendingLocked()
	p.mu.Unlock()

	failPending(pending)
	p.logger.Info().Int("pending", len(pending)).Msg("Host disconnected")
	p.publish(bus.EventTypeHostDisconnected)
}

// Connected reports whether a transport is attached.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport != nil
}

// Close detaches the transport and waits for running invoke handlers.
func (p *Peer) Close() {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t != nil {
		p.Detach(t)
	}
	p.cancel()
	p.wg.Wait()
}

// Call runs method on the host and decodes its result into result, which may
// be nil. Calls without a deadline are bounded by the peer's call timeout.
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	return p.call(ctx, method, params, result, nil)
}

// CallOrRelease is Call for methods whose result holds a host resource. When
// ctx ends before the host answers, the call stays registered and a later
// successful result is passed to release instead of being dropped. Pending
// releases are discarded when the transport goes away.
func (p *Peer) CallOrRelease(ctx context.Context, method string, params, result any, release func(json.RawMessage)) error {
	return p.call(ctx, method, params, result, release)
}

func (p *Peer) call(ctx context.Context, method string, params, result any, release func(json.RawMessage)) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("hostrpc: encode %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	p.mu.Lock()
	t := p.transport
	if t == nil {
		p.mu.Unlock()
		return ErrNoTransport
	}
	p.pending[id] = ch
	p.mu.Unlock()
	defer p.forget(id)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	if err := t.Send(Envelope{Kind: KindCall, ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("hostrpc: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if release != nil {
			p.handOff(id, ch, release)
		}
		return fmt.Errorf("hostrpc: %s: %w", method, ctx.Err())
	case env, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("hostrpc: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a one-way event to the host.
func (p *Peer) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("hostrpc: encode %s params: %w", method, err)
	}
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return ErrNoTransport
	}
	return t.Send(Envelope{Kind: KindEvent, Method: method, Params: raw})
}

// On registers fn for host events named method and returns a function that
// removes it. Listeners run on the delivering goroutine, in arrival order.
func (p *Peer) On(method string, fn func(json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	if p.listeners[method] == nil {
		p.listeners[method] = make(map[uint64]func(json.RawMessage))
	}
	p.listeners[method][id] = fn
	return func() {
		p.mu.Lock()
		delete(p.listeners[method], id)
		p.mu.Unlock()
	}
}

// Handle registers the handler for invokes named method.
func (p *Peer) Handle(method string, fn HandlerFunc) {
	p.mu.Lock()
	p.handlers[method] = fn
	p.mu.Unlock()
}

// Deliver routes one inbound envelope.
func (p *Peer) Deliver(env Envelope) {
	switch env.Kind {
	case KindResult:
		p.mu.Lock()
		ch, ok := p.pending[env.ID]
		delete(p.pending, env.ID)
		release, late := p.late[env.ID]
		delete(p.late, env.ID)
		p.mu.Unlock()
		switch {
		case ok:
			ch <- env
		case late:
			p.releaseLate(env, release)
		default:
			p.logger.Debug().Str("id", env.ID).Msg("Result for unknown call")
		}

	case KindEvent:
		p.mu.Lock()
		subs := make([]func(json.RawMessage), 0, len(p.listeners[env.Method]))
		for _, fn := range p.listeners[env.Method] {
			subs = append(subs, fn)
		}
		p.mu.Unlock()
		if len(subs) == 0 {
			p.logger.Debug().Str("method", env.Method).Msg("Unhandled host event")
		}
		for _, fn := range subs {
			fn(env.Params)
		}

	case KindInvoke:
		p.mu.Lock()
		h, ok := p.handlers[env.Method]
		p.mu.Unlock()
		if !ok {
			p.reply(env.ID, nil, &RemoteError{Name: "NotFoundError", Message: "no handler for " + env.Method})
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			result, err := h(p.ctx, env.Params)
			p.reply(env.ID, result, err)
		}()

	default:
		p.logger.Warn().Str("kind", string(env.Kind)).Msg("Unknown envelope kind")
	}
}

func (p *Peer) reply(id string, result any, err error) {
	if id == "" {
		return
	}
	env := Envelope{Kind: KindResult, ID: id}
	if err != nil {
		var rerr *RemoteError
		if !errors.As(err, &rerr) {
			rerr = &RemoteError{Name: "Error", Message: err.Error()}
		}
		env.Error = rerr
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			env.Error = &RemoteError{Name: "EncodingError", Message: merr.Error()}
		} else {
			env.Result = raw
		}
	}

	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(env); err != nil {
		p.logger.Warn().Err(err).Str("id", id).Msg("Failed to send result")
	}
}

// handOff moves an abandoned call to the late set. A result that was already
// routed to ch is released at once.
func (p *Peer) handOff(id string, ch chan Envelope, release func(json.RawMessage)) {
	p.mu.Lock()
	if _, ok := p.pending[id]; ok {
		delete(p.pending, id)
		p.late[id] = release
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if env, ok := <-ch; ok {
		p.releaseLate(env, release)
	}
}

func (p *Peer) releaseLate(env Envelope, release func(json.RawMessage)) {
	if env.Error != nil {
		return
	}
	p.logger.Debug().Str("id", env.ID).Msg("Releasing late result")
	release(env.Result)
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Peer) takePendingLocked() []chan Envelope {
	out := make([]chan Envelope, 0, len(p.pending))
	for id, ch := range p.pending {
		out = append(out, ch)
		delete(p.pending, id)
	}
	clear(p.late)
	return out
}

func failPending(chans []chan Envelope) {
	for _, ch := range chans {
		close(ch)
	}
}

func (p *Peer) publish(t bus.EventType) {
	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{Type: t})
	}
}
