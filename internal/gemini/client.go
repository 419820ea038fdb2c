package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const maxResponseBytes = 4 << 20

// Client is a Dispatcher over the REST generateContent endpoint.
type Client struct {
	cfg    Config
	logger zerolog.Logger
}

// NewClient creates a REST dispatcher.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "gemini").Logger(),
	}
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content content `json:"content"`
}

func buildRequest(req Request) generateRequest {
	parts := []part{{Text: prompt(req)}}
	if req.Vision() {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(req.Image),
		}})
	}
	return generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			TopK:            topK,
			TopP:            topP,
			MaxOutputTokens: maxOutputTokens,
		},
	}
}

// Dispatch implements Dispatcher.
func (c *Client) Dispatch(ctx context.Context, req Request) (Reply, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return Reply{}, ErrEmptyInput
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
	}

	c.logger.Debug().
		Str("model", c.cfg.Model).
		Bool("vision", req.Vision()).
		Int("imageBytes", len(req.Image)).
		Msg("Sending request")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{}, &RequestFailedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Reply{}, fmt.Errorf("unmarshal response: %w", err)
	}

	text := firstText(parsed)
	if strings.TrimSpace(text) == "" {
		c.logger.Warn().Bool("vision", req.Vision()).Msg("Empty reply, using fallback")
		return fallback(req), nil
	}
	return Reply{Text: text, Vision: req.Vision()}, nil
}

func firstText(r generateResponse) string {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}
