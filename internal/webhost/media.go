package webhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/nexusavatar/internal/camera"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/normanking/nexusavatar/internal/vision"
)

type mediaStream struct {
	id     string
	tracks []camera.Track
}

func (s *mediaStream) ID() string { return s.id }
func (s *mediaStream) Tracks() []camera.Track { return s.tracks }

type mediaTrack struct {
	host     *Host
	streamID string
	id       string
	once     sync.Once
}

// Stop asks the host to stop the track. It does not wait for the host.
func (t *mediaTrack) Stop() {
	t.once.Do(func() {
		err := t.host.peer.Notify(MethodStopTrack, map[string]string{
			"streamId": t.streamID,
			"trackId":  t.id,
		})
		if err != nil {
			t.host.logger.Debug().Err(err).Str("stream", t.streamID).Msg("Track stop not delivered")
		}
	})
}

type acquiredStream struct {
	StreamID string   `json:"streamId"`
	Tracks   []string `json:"tracks"`
}

func (h *Host) stream(res acquiredStream) *mediaStream {
	s := &mediaStream{id: res.StreamID}
	for _, id := range res.Tracks {
		s.tracks = append(s.tracks, &mediaTrack{host: h, streamID: res.StreamID, id: id})
	}
	return s
}

// GetUserMedia requests a stream from the host. Host exceptions come back as
// *camera.MediaError. A stream the host opens after ctx has ended is stopped
// as soon as it arrives.
func (h *Host) GetUserMedia(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	var res acquiredStream
	if err := h.peer.CallOrRelease(ctx, MethodGetUserMedia, c, &res, h.stopLateStream); err != nil {
		return nil, mediaError(err)
	}
	if res.StreamID == "" {
		return nil, fmt.Errorf("webhost: %s returned no stream", MethodGetUserMedia)
	}

	s := h.stream(res)
	h.logger.Debug().Str("stream", s.id).Int("tracks", len(s.tracks)).Msg("Stream acquired")
	return s, nil
}

func (h *Host) stopLateStream(raw json.RawMessage) {
	var res acquiredStream
	if err := json.Unmarshal(raw, &res); err != nil || res.StreamID == "" {
		return
	}
	h.logger.Debug().Str("stream", res.StreamID).Msg("Stopping stream opened after its request ended")
	for _, t := range h.stream(res).tracks {
		t.Stop()
	}
}

// QueryCamera returns the stored camera permission.
func (h *Host) QueryCamera(ctx context.Context) (camera.Permission, error) {
	var res struct {
		State string `json:"state"`
	}
	if err := h.peer.Call(ctx, MethodQueryPermission, map[string]string{"name": "camera"}, &res); err != nil {
		return camera.PermissionUnknown, err
	}
	switch p := camera.Permission(res.State); p {
	case camera.PermissionGranted, camera.PermissionDenied, camera.PermissionPrompt:
		return p, nil
	default:
		return camera.PermissionUnknown, nil
	}
}

// GrabFrame draws the current frame of streamID and returns it JPEG encoded.
func (h *Host) GrabFrame(ctx context.Context, streamID string, quality float64) (vision.RawFrame, error) {
	var frame vision.RawFrame
	params := map[string]any{
		"streamId": streamID,
		"mimeType": "image/jpeg",
		"quality":  quality,
	}
	if err := h.peer.Call(ctx, MethodCaptureFrame, params, &frame); err != nil {
		return vision.RawFrame{}, fmt.Errorf("capture frame: %w", err)
	}
	return frame, nil
}

func mediaError(err error) error {
	var rerr *hostrpc.RemoteError
	if errors.As(err, &rerr) {
		return &camera.MediaError{Name: rerr.Name, Message: rerr.Message}
	}
	return err
}
