package bridge

import (
	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/rs/zerolog"
)

// HostBridge carries host RPC envelopes over Wails events in desktop mode.
// Go sends on the host:rpc event; the page answers through Deliver.
type HostBridge struct {
	peer    *hostrpc.Peer
	emitter Emitter
	logger  zerolog.Logger
}

// NewHostBridge creates the host bridge
func NewHostBridge(peer *hostrpc.Peer, emitter Emitter, eventBus *bus.EventBus, logger zerolog.Logger) *HostBridge {
	b := &HostBridge{
		peer:    peer,
		emitter: emitter,
		logger:  logger.With().Str("component", "host").Logger(),
	}
	if eventBus != nil {
		eventBus.SubscribeMultiple([]bus.EventType{bus.EventTypeHostConnected, bus.EventTypeHostDisconnected}, func(e bus.Event) {
			emitter.Emit(EventHostConnection, map[string]any{
				"connected": e.Type == bus.EventTypeHostConnected,
			})
		})
	}
	return b
}

// Connect is called by the page once its host:rpc listener is installed.
// A reload reconnects and fails calls made to the previous page.
func (b *HostBridge) Connect() {
	b.logger.Info().Msg("Host page connected")
	b.peer.Attach(b)
}

// Disconnect is called by the page when it unloads.
func (b *HostBridge) Disconnect() {
	b.logger.Info().Msg("Host page disconnected")
	b.peer.Detach(b)
}

// Deliver hands an envelope from the page to the peer.
func (b *HostBridge) Deliver(env hostrpc.Envelope) {
	b.peer.Deliver(env)
}

// IsConnected reports whether a host page is attached.
func (b *HostBridge) IsConnected() bool {
	return b.peer.Connected()
}

// Send implements hostrpc.Transport.
func (b *HostBridge) Send(env hostrpc.Envelope) error {
	b.emitter.Emit(EventHostRPC, env)
	return nil
}
