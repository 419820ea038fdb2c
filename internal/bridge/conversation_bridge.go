package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/conversation"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/orchestrator"
	"github.com/normanking/nexusavatar/internal/speech"
	"github.com/rs/zerolog"
)

// Conversation is the orchestrator surface the bridge drives.
type Conversation interface {
	Submit(ctx context.Context, text string) (conversation.Message, error)
	StartListening(ctx context.Context) (conversation.Message, error)
	StopListening()
	StopSpeaking()
	Log() *conversation.Log
}

// Highlight is a message split at its spoken cursor.
type Highlight struct {
	Spoken   string `json:"spoken"`
	Unspoken string `json:"unspoken"`
}

// ConversationBridge exposes conversation methods to the frontend
type ConversationBridge struct {
	bound
	conv   Conversation
	logger zerolog.Logger
}

// NewConversationBridge creates the conversation bridge and forwards
// conversation, speech and recognition events to the frontend.
func NewConversationBridge(conv Conversation, emitter Emitter, eventBus *bus.EventBus, logger zerolog.Logger) *ConversationBridge {
	b := &ConversationBridge{
		conv:   conv,
		logger: logger.With().Str("component", "conversation-bridge").Logger(),
	}

	forward := func(t bus.EventType, event, key string) {
		eventBus.Subscribe(t, func(e bus.Event) {
			if key == "" {
				emitter.Emit(event, e.Data)
				return
			}
			emitter.Emit(event, e.Data[key])
		})
	}
	forward(bus.EventTypeMessageAdded, EventMessageAdded, "message")
	forward(bus.EventTypeMessageUpdated, EventMessageUpdated, "message")
	forward(bus.EventTypeStatusChanged, EventStatus, "status")
	forward(bus.EventTypeSpeakingStarted, EventSpeechStarted, "")
	forward(bus.EventTypeSpeechProgress, EventSpeechProgress, "")
	forward(bus.EventTypeSpeakingEnded, EventSpeechEnded, "")
	forward(bus.EventTypeTranscript, EventTranscript, "text")
	forward(bus.EventTypeRecognitionError, EventRecognitionError, "message")

	eventBus.Subscribe(bus.EventTypeRequestStarted, func(e bus.Event) {
		emitter.Emit(EventThinking, map[string]any{"thinking": true, "vision": e.Data["vision"]})
	})
	eventBus.SubscribeMultiple([]bus.EventType{bus.EventTypeRequestFinished, bus.EventTypeRequestFailed}, func(bus.Event) {
		emitter.Emit(EventThinking, map[string]any{"thinking": false})
	})
	return b
}

// Register exposes the conversation operations to the host page.
func (b *ConversationBridge) Register(peer *hostrpc.Peer) {
	peer.Handle("conversation.send", func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			Text string `json:"text"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return b.send(ctx, p.Text)
	})
	handle(peer, "conversation.listen", func(ctx context.Context) (any, error) {
		return b.listen(ctx)
	})
	handle(peer, "conversation.stopListening", func(context.Context) (any, error) {
		b.StopListening()
		return nil, nil
	})
	handle(peer, "conversation.stopSpeaking", func(context.Context) (any, error) {
		b.StopSpeaking()
		return nil, nil
	})
	handle(peer, "conversation.messages", func(context.Context) (any, error) {
		return b.GetMessages(), nil
	})
	handle(peer, "conversation.status", func(context.Context) (any, error) {
		return b.GetStatus(), nil
	})
	peer.Handle("conversation.split", func(_ context.Context, raw json.RawMessage) (any, error) {
		p, err := decode[struct {
			ID string `json:"id"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return b.SplitMessage(p.ID)
	})
}

// SendMessage submits typed text and returns the assistant's reply
func (b *ConversationBridge) SendMessage(text string) (conversation.Message, error) {
	return b.send(b.context(), text)
}

// StartListening records one utterance and submits it. The returned message
// is the assistant's reply.
func (b *ConversationBridge) StartListening() (conversation.Message, error) {
	return b.listen(b.context())
}

// StopListening aborts recognition
func (b *ConversationBridge) StopListening() {
	b.conv.StopListening()
}

// StopSpeaking cancels the spoken reply
func (b *ConversationBridge) StopSpeaking() {
	b.conv.StopSpeaking()
}

// GetMessages returns the conversation in order
func (b *ConversationBridge) GetMessages() []conversation.Message {
	return b.conv.Log().Messages()
}

// GetStatus returns the listening and speaking flags
func (b *ConversationBridge) GetStatus() conversation.Status {
	return b.conv.Log().Status()
}

// SplitMessage returns the spoken and unspoken parts of a message.
func (b *ConversationBridge) SplitMessage(id string) (Highlight, error) {
	m, ok := b.conv.Log().Get(id)
	if !ok {
		return Highlight{}, &hostrpc.RemoteError{Name: "NotFoundError", Message: "no message " + id}
	}
	spoken, unspoken := m.Split()
	return Highlight{Spoken: spoken, Unspoken: unspoken}, nil
}

func (b *ConversationBridge) send(ctx context.Context, text string) (conversation.Message, error) {
	msg, err := b.conv.Submit(ctx, text)
	if err != nil {
		b.logger.Debug().Err(err).Msg("Message not sent")
	}
	return msg, err
}

func (b *ConversationBridge) listen(ctx context.Context) (conversation.Message, error) {
	msg, err := b.conv.StartListening(ctx)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, speech.ErrListeningStopped), errors.Is(err, orchestrator.ErrEmptyMessage):
		// Stopped, or nothing was heard.
		return conversation.Message{}, nil
	default:
		return conversation.Message{}, &hostrpc.RemoteError{Name: "RecognitionError", Message: speech.UserMessage(err)}
	}
}
