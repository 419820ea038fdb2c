package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// SDKDispatcher is a Dispatcher over the google.golang.org/genai client.
type SDKDispatcher struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

// NewSDKDispatcher creates a genai-backed dispatcher. BaseURL, when it is the
// REST models URL, is split into the SDK's host root and API version.
func NewSDKDispatcher(ctx context.Context, cfg Config, logger zerolog.Logger) (*SDKDispatcher, error) {
	cfg = cfg.withDefaults()

	root, version := sdkEndpoint(cfg.BaseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    root,
			APIVersion: version,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &SDKDispatcher{
		client: client,
		model:  cfg.Model,
		logger: logger.With().Str("component", "gemini").Str("backend", BackendSDK).Logger(),
	}, nil
}

// sdkEndpoint turns ".../v1beta/models" into (".../", "v1beta").
func sdkEndpoint(base string) (root, version string) {
	trimmed := strings.TrimSuffix(strings.TrimRight(base, "/"), "/models")
	if trimmed == strings.TrimRight(base, "/") {
		return base, ""
	}
	i := strings.LastIndex(trimmed, "/")
	if i < 0 || !strings.HasPrefix(trimmed[i+1:], "v") {
		return trimmed + "/", ""
	}
	return trimmed[:i+1], trimmed[i+1:]
}

// Dispatch implements Dispatcher.
func (d *SDKDispatcher) Dispatch(ctx context.Context, req Request) (Reply, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return Reply{}, ErrEmptyInput
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt(req))}
	if req.Vision() {
		parts = append(parts, genai.NewPartFromBytes(req.Image, "image/jpeg"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		TopP:            genai.Ptr(float32(topP)),
		TopK:            genai.Ptr(float32(topK)),
		MaxOutputTokens: int32(maxOutputTokens),
	}

	d.logger.Debug().Str("model", d.model).Bool("vision", req.Vision()).Msg("Sending request")

	resp, err := d.client.Models.GenerateContent(ctx, d.model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Reply{}, &RequestFailedError{StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return Reply{}, fmt.Errorf("generate content: %w", err)
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}
	if strings.TrimSpace(text) == "" {
		d.logger.Warn().Bool("vision", req.Vision()).Msg("Empty reply, using fallback")
		return fallback(req), nil
	}
	return Reply{Text: text, Vision: req.Vision()}, nil
}

// NewDispatcher selects the backend named by cfg.Backend.
func NewDispatcher(ctx context.Context, cfg Config, logger zerolog.Logger) (Dispatcher, error) {
	switch cfg.Backend {
	case "", BackendREST:
		return NewClient(cfg, logger), nil
	case BackendSDK:
		return NewSDKDispatcher(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("gemini: unknown backend %q", cfg.Backend)
	}
}
