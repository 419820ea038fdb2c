// Package vision decides when a request needs a camera frame and captures it.
package vision

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotReady     = errors.New("camera not ready for capture")
	ErrEmptyFrame   = errors.New("empty frame")
	ErrInvalidFrame = errors.New("invalid frame data")
)

// Mode controls when frames are attached to requests.
type Mode string

const (
	// ModeAuto attaches a frame when the request text looks visual.
	ModeAuto Mode = "auto"
	// ModeAlways attaches a frame whenever one can be captured.
	ModeAlways Mode = "always"
	// ModeOff never attaches frames.
	ModeOff Mode = "off"
)

// ParseMode validates a configured mode. Empty means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeAlways, ModeOff:
		return m, nil
	default:
		return "", fmt.Errorf("vision: unknown mode %q", s)
	}
}

// ShouldAttach reports whether a frame should be captured for text under mode.
func ShouldAttach(mode Mode, text string) bool {
	switch mode {
	case ModeAlways:
		return true
	case ModeOff:
		return false
	default:
		return NeedsVision(text)
	}
}

// Frame is a captured still image.
type Frame struct {
	Data       []byte    `json:"-"`
	MIMEType   string    `json:"mimeType"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"capturedAt"`
}

// RawFrame is a frame as the host returns it: an encoded data URL plus the
// video dimensions it was drawn at.
type RawFrame struct {
	DataURL string `json:"dataUrl"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// ParseDataURL decodes "data:<mime>;base64,<payload>". A bare base64 payload
// is accepted and assumed to be JPEG.
func ParseDataURL(s string) (mimeType string, data []byte, err error) {
	mimeType = "image/jpeg"
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, rest, ok := strings.Cut(s, ",")
		if !ok {
			return "", nil, fmt.Errorf("%w: missing payload", ErrInvalidFrame)
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return "", nil, fmt.Errorf("%w: not base64 encoded", ErrInvalidFrame)
		}
		if mt := strings.TrimSuffix(meta, ";base64"); mt != "" {
			mimeType = mt
		}
		payload = rest
	}
	if payload == "" {
		return "", nil, ErrEmptyFrame
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return mimeType, data, nil
}
