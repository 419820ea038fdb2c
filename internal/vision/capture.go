package vision

import (
	"context"
	"time"

	"github.com/normanking/nexusavatar/internal/bus"
	"github.com/rs/zerolog"
)

// Target exposes the stream a frame may be captured from. ok is false while
// the stream is missing or its video surface has not started playing.
type Target interface {
	CaptureTarget() (streamID string, ok bool)
}

// FrameSource encodes the current video frame of a stream.
type FrameSource interface {
	GrabFrame(ctx context.Context, streamID string, quality float64) (RawFrame, error)
}

// CaptureConfig tunes frame capture.
type CaptureConfig struct {
	// Quality is the JPEG quality in (0, 1].
	Quality float64
	Timeout time.Duration
}

// DefaultCaptureConfig returns JPEG quality 0.8 with a short grab timeout.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{Quality: 0.8, Timeout: 3 * time.Second}
}

// Capturer takes single still frames on demand.
type Capturer struct {
	cfg      CaptureConfig
	target   Target
	source   FrameSource
	eventBus *bus.EventBus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCapturer creates a capturer. eventBus may be nil.
func NewCapturer(cfg CaptureConfig, target Target, source FrameSource, eventBus *bus.EventBus, logger zerolog.Logger) *Capturer {
	def := DefaultCaptureConfig()
	if cfg.Quality <= 0 || cfg.Quality > 1 {
		cfg.Quality = def.Quality
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Capturer{
		cfg:      cfg,
		target:   target,
		source:   source,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "capture").Logger(),
		now:      time.Now,
	}
}

// Capture grabs one frame. It returns no frame, rather than an error, when
// the camera is not ready for capture or the grab fails.
func (c *Capturer) Capture(ctx context.Context) (*Frame, bool) {
	streamID, ok := c.target.CaptureTarget()
	if !ok {
		c.logger.Debug().Err(ErrNotReady).Msg("Skipping capture")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.source.GrabFrame(ctx, streamID, c.cfg.Quality)
	if err != nil {
		c.logger.Warn().Err(err).Str("stream", streamID).Msg("Frame capture failed")
		return nil, false
	}

	mimeType, data, err := ParseDataURL(raw.DataURL)
	if err != nil {
		c.logger.Warn().Err(err).Str("stream", streamID).Msg("Captured frame unusable")
		return nil, false
	}

	frame := &Frame{
		Data:       data,
		MIMEType:   mimeType,
		Width:      raw.Width,
		Height:     raw.Height,
		CapturedAt: c.now(),
	}

	c.logger.Debug().
		Int("bytes", len(data)).
		Int("width", frame.Width).
		Int("height", frame.Height).
		Msg("Frame captured")

	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeFrameCaptured,
			Data: map[string]any{
				"stream": streamID,
				"width":  frame.Width,
				"height": frame.Height,
				"bytes":  len(data),
			},
		})
	}
	return frame, true
}
