package bridge

import (
	"context"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/normanking/nexusavatar/internal/camera"
	"github.com/normanking/nexusavatar/internal/hostrpc"
	"github.com/rs/zerolog"
)

// Camera is the camera manager surface the bridge drives.
type Camera interface {
	State() camera.State
	OnChange(fn func(camera.State))
	Start(ctx context.Context) error
	Retry(ctx context.Context) error
	SwitchFacing(ctx context.Context) error
	RequestPermission(ctx context.Context) error
	Stop()
}

// CameraView is the camera state as the frontend renders it.
type CameraView struct {
	camera.State
	Actions []camera.Action `json:"actions"`
}

func newCameraView(s camera.State) CameraView {
	actions := s.Actions()
	if actions == nil {
		actions = []camera.Action{}
	}
	return CameraView{State: s, Actions: actions}
}

// CameraBridge exposes camera methods to the frontend
type CameraBridge struct {
	bound
	cam    Camera
	logger zerolog.Logger
}

// NewCameraBridge creates the camera bridge. Every state change is emitted
// to the frontend and published on the bus.
func NewCameraBridge(cam Camera, emitter Emitter, eventBus *bus.EventBus, logger zerolog.Logger) *CameraBridge {
	b := &CameraBridge{
		cam:    cam,
		logger: logger.With().Str("component", "camera-bridge").Logger(),
	}
	cam.OnChange(func(s camera.State) {
		emitter.Emit(EventCameraState, newCameraView(s))
		if eventBus != nil {
			eventBus.Publish(bus.Event{
				Type: bus.EventTypeCameraStateChanged,
				Data: map[string]any{"state": s},
			})
		}
	})
	return b
}

// Register exposes the camera operations to the host page.
func (b *CameraBridge) Register(peer *hostrpc.Peer) {
	handle(peer, "camera.getState", func(context.Context) (any, error) {
		return b.GetState(), nil
	})
	handle(peer, "camera.enable", func(ctx context.Context) (any, error) {
		return b.enable(ctx)
	})
	handle(peer, "camera.disable", func(context.Context) (any, error) {
		return b.Disable(), nil
	})
	handle(peer, "camera.switchFacing", func(ctx context.Context) (any, error) {
		return b.run(b.cam.SwitchFacing, ctx)
	})
	handle(peer, "camera.requestPermission", func(ctx context.Context) (any, error) {
		return b.run(b.cam.RequestPermission, ctx)
	})
	handle(peer, "camera.retry", func(ctx context.Context) (any, error) {
		return b.run(b.cam.Retry, ctx)
	})
}

// GetState returns the current camera state
func (b *CameraBridge) GetState() CameraView {
	return newCameraView(b.cam.State())
}

// Enable turns the camera on. Acquisition failures are reported in the
// returned state rather than as an error.
func (b *CameraBridge) Enable() CameraView {
	v, _ := b.enable(b.context())
	return v
}

// Disable turns the camera off and releases the stream
func (b *CameraBridge) Disable() CameraView {
	b.cam.Stop()
	return b.GetState()
}

// SwitchFacing toggles between the front and back cameras
func (b *CameraBridge) SwitchFacing() CameraView {
	v, _ := b.run(b.cam.SwitchFacing, b.context())
	return v
}

// RequestPermission prompts for camera access after a denial
func (b *CameraBridge) RequestPermission() CameraView {
	v, _ := b.run(b.cam.RequestPermission, b.context())
	return v
}

// Retry restarts acquisition after an error
func (b *CameraBridge) Retry() CameraView {
	v, _ := b.run(b.cam.Retry, b.context())
	return v
}

func (b *CameraBridge) enable(ctx context.Context) (CameraView, error) {
	return b.run(b.cam.Start, ctx)
}

func (b *CameraBridge) run(op func(context.Context) error, ctx context.Context) (CameraView, error) {
	if err := op(ctx); err != nil {
		b.logger.Debug().Err(err).Msg("Camera operation ended in error state")
	}
	return b.GetState(), nil
}
