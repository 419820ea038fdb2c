// Package gemini sends one user message, optionally with a camera frame, to
// the Gemini generateContent API and normalizes the reply.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultBaseURL is the public Gemini models endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash"

// Backend names.
const (
	BackendREST = "rest"
	BackendSDK  = "sdk"
)

// Fallback replies for a successful response without text.
const (
	FallbackText   = "I couldn't generate a response."
	FallbackVision = "I couldn't analyze the image."
)

const (
	textPersona   = "You are Nexus, an advanced AI assistant with a futuristic personality. You are helpful, intelligent, and slightly witty. Keep responses concise but engaging. User message: "
	visionPersona = "You are Nexus, an advanced AI assistant with vision capabilities. You can see through the user's camera. Be helpful and observant. Analyze the image and respond to: "
)

// Fixed generation parameters.
const (
	temperature     = 0.7
	topK            = 40
	topP            = 0.95
	maxOutputTokens = 1024
)

// ErrEmptyInput is returned for text that is empty after trimming.
var ErrEmptyInput = errors.New("gemini: empty input")

// RequestFailedError reports a non-success HTTP status from the service.
type RequestFailedError struct {
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("gemini: request failed with status %d: %s", e.StatusCode, body)
}

// Request is one outbound turn. Image holds JPEG bytes or nil.
type Request struct {
	Text  string
	Image []byte
}

// Vision reports whether the request carries an image.
func (r Request) Vision() bool { return len(r.Image) > 0 }

// Reply is the normalized service response.
type Reply struct {
	Text string
	// Vision is true when the request carried an image.
	Vision bool
	// Fallback is true when the service returned no text and Text is the
	// fixed fallback string.
	Fallback bool
}

// Dispatcher sends a request and returns exactly one reply or an error.
// Implementations do not retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Reply, error)
}

// Config configures a dispatcher.
type Config struct {
	Backend    string
	BaseURL    string
	Model      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

func prompt(req Request) string {
	if req.Vision() {
		return visionPersona + req.Text
	}
	return textPersona + req.Text
}

func fallback(req Request) Reply {
	if req.Vision() {
		return Reply{Text: FallbackVision, Vision: true, Fallback: true}
	}
	return Reply{Text: FallbackText, Fallback: true}
}
