// Package webhost adapts the host page, reached through a hostrpc peer, to
// the camera, vision, speech and platform interfaces of the core.
package webhost

import (
	"encoding/json"
	"sync"

	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/rs/zerolog"
)

// Host method and event names.
const (
	MethodGetUserMedia     = "media.getUserMedia"
	MethodStopTrack        = "media.stopTrack"
	MethodQueryPermission  = "permissions.query"
	MethodCaptureFrame     = "video.capture"
	MethodVoices           = "speech.voices"
	MethodSpeak            = "speech.speak"
	MethodCancelSpeech     = "speech.cancel"
	MethodStartRecognition = "recognition.start"
	MethodAbortRecognition = "recognition.abort"

	EventHello       = "host.hello"
	EventPlaying     = "camera.playing"
	EventSpeech      = "speech.event"
	EventRecognition = "recognition.event"
)

// Hello is the first event a host page sends after connecting.
type Hello struct {
	Capabilities platform.Capabilities `json:"capabilities"`
	UserAgent    string                `json:"userAgent,omitempty"`
}

// Host implements the host-side collaborators over a peer.
type Host struct {
	peer   *hostrpc.Peer
	logger zerolog.Logger

	mu      sync.RWMutex
	caps    platform.Capabilities
	onHello []func(platform.Capabilities)
	onPlay  []func(streamID string)

	utterances   *sinks[utteranceEvent]
	recognitions *sinks[recognitionEvent]
}

// New creates a host adapter and subscribes to host events on peer. Until the
// host says hello every capability is unknown.
func New(peer *hostrpc.Peer, logger zerolog.Logger) *Host {
	h := &Host{
		peer:         peer,
		logger:       logger.With().Str("component", "webhost").Logger(),
		utterances:   newSinks[utteranceEvent](),
		recognitions: newSinks[recognitionEvent](),
	}
	peer.On(EventHello, h.handleHello)
	peer.On(EventPlaying, h.handlePlaying)
	peer.On(EventSpeech, h.handleSpeechEvent)
	peer.On(EventRecognition, h.handleRecognitionEvent)
	return h
}

// Capabilities returns what the host reported in its hello.
func (h *Host) Capabilities() platform.Capabilities {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.caps
}

// OnHello registers fn to run after each hello.
func (h *Host) OnHello(fn func(platform.Capabilities)) {
	h.mu.Lock()
	h.onHello = append(h.onHello, fn)
	h.mu.Unlock()
}

// OnPlaying registers fn for video surfaces that started playing a stream.
func (h *Host) OnPlaying(fn func(streamID string)) {
	h.mu.Lock()
	h.onPlay = append(h.onPlay, fn)
	h.mu.Unlock()
}

func (h *Host) handleHello(raw json.RawMessage) {
	var hello Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed host hello")
		return
	}

	h.mu.Lock()
	h.caps = hello.Capabilities
	listeners := append([]func(platform.Capabilities){}, h.onHello...)
	h.mu.Unlock()

	h.logger.Info().
		Str("media", hello.Capabilities.MediaCapture.String()).
		Str("synthesis", hello.Capabilities.SpeechSynthesis.String()).
		Str("recognition", hello.Capabilities.SpeechRecognition.String()).
		Bool("mobile", hello.Capabilities.Mobile).
		Str("user_agent", hello.UserAgent).
		Msg("Host capabilities received")

	for _, fn := range listeners {
		fn(hello.Capabilities)
	}
}

func (h *Host) handlePlaying(raw json.RawMessage) {
	var ev struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil || ev.StreamID == "" {
		h.logger.Warn().Msg("Malformed playing event")
		return
	}

	h.mu.RLock()
	listeners := append([]func(string){}, h.onPlay...)
	h.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev.StreamID)
	}
}
