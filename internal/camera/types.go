// Package camera owns the single live video stream of the application.
package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Phase is the acquisition state of the camera.
type Phase string

const (
	PhaseDisabled  Phase = "disabled"
	PhaseAcquiring Phase = "acquiring"
	PhaseReady     Phase = "ready"
	PhaseError     Phase = "error"
)

// Facing identifies which physical camera is preferred.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Toggle returns the opposite facing.
func (f Facing) Toggle() Facing {
	if f == FacingBack {
		return FacingFront
	}
	return FacingBack
}

// ErrorKind classifies acquisition failures.
type ErrorKind string

const (
	KindPermissionDenied         ErrorKind = "PermissionDenied"
	KindDeviceNotFound           ErrorKind = "DeviceNotFound"
	KindDeviceBusy               ErrorKind = "DeviceBusy"
	KindUnsupported              ErrorKind = "Unsupported"
	KindConstraintsUnsatisfiable ErrorKind = "ConstraintsUnsatisfiable"
	KindTimeout                  ErrorKind = "Timeout"
	KindUnknown                  ErrorKind = "Unknown"
)

// Sentinel errors, one per kind. An *Error matches the sentinel of its kind
// with errors.Is.
var (
	ErrPermissionDenied         = errors.New("camera permission denied")
	ErrDeviceNotFound           = errors.New("camera not found")
	ErrDeviceBusy               = errors.New("camera busy")
	ErrUnsupported              = errors.New("camera unsupported")
	ErrConstraintsUnsatisfiable = errors.New("camera constraints unsatisfiable")
	ErrTimeout                  = errors.New("camera acquisition timed out")
	ErrUnknown                  = errors.New("camera error")

	// ErrSuperseded is returned by an attempt that was replaced by a newer
	// Start, RequestPermission or Stop before it finished.
	ErrSuperseded = errors.New("camera acquisition superseded")
)

var kindSentinels = map[ErrorKind]error{
	KindPermissionDenied:         ErrPermissionDenied,
	KindDeviceNotFound:           ErrDeviceNotFound,
	KindDeviceBusy:               ErrDeviceBusy,
	KindUnsupported:              ErrUnsupported,
	KindConstraintsUnsatisfiable: ErrConstraintsUnsatisfiable,
	KindTimeout:                  ErrTimeout,
	KindUnknown:                  ErrUnknown,
}

// User-facing messages.
const (
	msgUnsupported        = "Camera not supported by this browser."
	msgPreviouslyDenied   = "Camera access was previously denied. Please enable camera permissions in your browser settings and refresh the page."
	msgAccessDenied       = "Camera access denied. Please click the camera icon in your browser's address bar and allow camera access, then refresh the page."
	msgPermissionDeclined = "Camera permission was not granted. Allow camera access when prompted to continue."
	msgNotFound           = "No camera found. Please connect a camera device."
	msgBusy               = "Camera is already in use by another application. Please close other camera apps and try again."
	msgUnsatisfiable      = "Camera not available or supported."
	msgTimeout            = "Camera is taking too long to load. Please check your permissions and try again."
	msgUnknown            = "Unable to access camera. Please check your permissions and try again."
)

// Error is a classified acquisition failure carrying a plain-language message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("camera %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying host error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// MediaError is an exception raised by the host media API, identified by its
// DOMException name.
type MediaError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *MediaError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Permission is the result of a host permission query.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
	PermissionUnknown Permission = "unknown"
)

// Action is a user action the UI should offer for the current state.
type Action string

const (
	ActionRetry             Action = "retry"
	ActionRequestPermission Action = "requestPermission"
)

// State is a snapshot of the camera.
type State struct {
	Phase        Phase     `json:"phase"`
	StreamID     string    `json:"streamId,omitempty"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Facing       Facing    `json:"facing"`
	// ReadyForCapture is set once the video surface reports it is playing
	// the current stream.
	ReadyForCapture bool   `json:"readyForCapture"`
	Attempt         uint64 `json:"attempt"`
}

// Actions lists the recovery actions available in this state.
func (s State) Actions() []Action {
	if s.Phase != PhaseError {
		return nil
	}
	if s.ErrorKind == KindPermissionDenied {
		return []Action{ActionRetry, ActionRequestPermission}
	}
	return []Action{ActionRetry}
}

// Range is a soft numeric constraint.
type Range struct {
	Ideal int `json:"ideal,omitempty"`
	Max   int `json:"max,omitempty"`
}

// FacingConstraint is a soft facing-mode preference in host terms
// ("user" or "environment").
type FacingConstraint struct {
	Ideal string `json:"ideal"`
}

// VideoConstraints are the preferred video parameters. None of them are
// mandatory.
type VideoConstraints struct {
	Width      *Range            `json:"width,omitempty"`
	Height     *Range            `json:"height,omitempty"`
	FacingMode *FacingConstraint `json:"facingMode,omitempty"`
}

// Constraints is a media request. A nil Video asks for any video track.
type Constraints struct {
	Video *VideoConstraints
	Audio bool
}

// Permissive returns the least constrained video request.
func Permissive() Constraints {
	return Constraints{}
}

// MarshalJSON renders the host request shape {video: {...}|true, audio: false}.
func (c Constraints) MarshalJSON() ([]byte, error) {
	var video any = true
	if c.Video != nil {
		video = c.Video
	}
	return json.Marshal(struct {
		Video any  `json:"video"`
		Audio bool `json:"audio"`
	}{video, c.Audio})
}

// Track is one stoppable media track.
type Track interface {
	Stop()
}

// Stream is an opaque handle to a live host media stream.
type Stream interface {
	ID() string
	Tracks() []Track
}

// MediaDevices acquires streams from the host.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, c Constraints) (Stream, error)
}

// PermissionProber queries the host's stored camera permission.
type PermissionProber interface {
	QueryCamera(ctx context.Context) (Permission, error)
}

// Config tunes acquisition.
type Config struct {
	AcquireTimeout    time.Duration
	ProbeTimeout      time.Duration
	PermissionTimeout time.Duration // wait for the user to answer a prompt
	IdealWidth        int
	MaxWidth          int
	IdealHeight       int
	MaxHeight         int
	DefaultFacing     Facing
}

// DefaultConfig returns the stock acquisition settings.
func DefaultConfig() Config {
	return Config{
		AcquireTimeout:    5 * time.Second,
		ProbeTimeout:      time.Second,
		PermissionTimeout: 2 * time.Minute,
		IdealWidth:        640,
		MaxWidth:          1280,
		IdealHeight:       480,
		MaxHeight:         720,
		DefaultFacing:     FacingFront,
	}
}
