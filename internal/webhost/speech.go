package webhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/speech"
)

type utteranceEvent = speech.EngineEvent

type recognitionEvent = speech.RecognitionEvent

// startRecognitionTimeout covers the microphone prompt the host may show
// before recognition starts.
const startRecognitionTimeout = 2 * time.Minute

// Voices lists the host synthesis voices.
func (h *Host) Voices(ctx context.Context) ([]speech.Voice, error) {
	var voices []speech.Voice
	if err := h.peer.Call(ctx, MethodVoices, nil, &voices); err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	return voices, nil
}

// Speak starts u on the host. Callbacks arrive as speech events carrying the
// utterance ID; cancelling ctx cancels the utterance on the host.
func (h *Host) Speak(ctx context.Context, u speech.Utterance) (<-chan speech.EngineEvent, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	k := h.utterances.open(u.ID)

	if err := h.peer.Call(ctx, MethodSpeak, u, nil); err != nil {
		h.utterances.remove(u.ID)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		h.Cancel(u.ID)
	}()
	return k.ch, nil
}

// Cancel stops utterance id on the host. The cancel is sent before Cancel
// returns, ahead of anything the caller sends next.
func (h *Host) Cancel(id string) {
	if !h.utterances.remove(id) {
		return
	}
	if err := h.peer.Notify(MethodCancelSpeech, map[string]string{"id": id}); err != nil {
		h.logger.Debug().Err(err).Str("utterance", id).Msg("Speech cancel not delivered")
	}
}

// Recognize starts one recognition session on the host. The host checks
// microphone access first; a refusal comes back as the not-allowed
// recognition error.
func (h *Host) Recognize(ctx context.Context, opts speech.RecognitionOptions) (<-chan speech.RecognitionEvent, error) {
	id := uuid.NewString()
	k := h.recognitions.open(id)

	params := struct {
		ID string `json:"id"`
		speech.RecognitionOptions
	}{id, opts}
	cctx, cancel := context.WithTimeout(ctx, startRecognitionTimeout)
	defer cancel()
	if err := h.peer.Call(cctx, MethodStartRecognition, params, nil); err != nil {
		h.recognitions.remove(id)
		return nil, recognitionError(err)
	}

	go func() {
		<-ctx.Done()
		if h.recognitions.remove(id) {
			if err := h.peer.Notify(MethodAbortRecognition, map[string]string{"id": id}); err != nil {
				h.logger.Debug().Err(err).Str("recognition", id).Msg("Recognition abort not delivered")
			}
		}
	}()
	return k.ch, nil
}

func (h *Host) handleSpeechEvent(raw json.RawMessage) {
	var ev struct {
		ID string `json:"id"`
		speech.EngineEvent
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed speech event")
		return
	}
	k, ok := h.utterances.get(ev.ID)
	if !ok {
		return
	}
	if !k.push(ev.EngineEvent) {
		h.logger.Debug().Str("utterance", ev.ID).Str("type", string(ev.Type)).Msg("Speech event dropped")
	}
	if ev.Type == speech.EventEnd || ev.Type == speech.EventError {
		k.close()
	}
}

func (h *Host) handleRecognitionEvent(raw json.RawMessage) {
	var ev struct {
		ID string `json:"id"`
		speech.RecognitionEvent
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed recognition event")
		return
	}
	k, ok := h.recognitions.get(ev.ID)
	if !ok {
		return
	}
	if !k.push(ev.RecognitionEvent) {
		h.logger.Debug().Str("recognition", ev.ID).Str("type", string(ev.Type)).Msg("Recognition event dropped")
	}
	if ev.Type == speech.RecognitionEnd {
		k.close()
	}
}

func recognitionError(err error) error {
	var rerr *hostrpc.RemoteError
	if !errors.As(err, &rerr) {
		return err
	}
	switch rerr.Name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return &speech.RecognitionError{Code: "not-allowed"}
	}
	return err
}
