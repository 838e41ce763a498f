// Package imagegen implements the image-generation provider port on the
// Replicate predictions API.
package imagegen

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/shaycohen-verbali/Image-generation/internal/adapter/observability"
	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/retryutil"
)

const (
	draftModelPath   = "black-forest-labs/flux-schnell"
	whiteBGModelPath = "google/nano-banana"

	defaultPollInterval = 2 * time.Second
	defaultPollMaxTries = 90
)

// Client talks to the Replicate API. Poll timings are fields so tests can
// shrink them.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client

	maxRetries atomic.Int64

	PollInterval time.Duration
	PollMaxTries int
}

// New constructs the client from process configuration.
func New(cfg config.Config) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.ReplicateBaseURL, "/"),
		token:        cfg.ReplicateAPIToken,
		hc:           &http.Client{Timeout: 180 * time.Second},
		PollInterval: defaultPollInterval,
		PollMaxTries: defaultPollMaxTries,
	}
	c.maxRetries.Store(3)
	return c
}

// SetMaxAPIRetries sets the per-call retry budget; the pipeline refreshes it
// from runtime config before each run.
func (c *Client) SetMaxAPIRetries(n int) {
	if n < 0 {
		n = 0
	}
	c.maxRetries.Store(int64(n))
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("replicate status %d: %s", e.status, e.body)
}

func retryableProviderError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return true
}

func (c *Client) request(ctx domain.Context, method, url string, body any, op string) (map[string]any, error) {
	start := time.Now()
	cfg := retryutil.Config{Retries: int(c.maxRetries.Load())}
	out, err := retryutil.Do(ctx, cfg, retryableProviderError, func() (map[string]any, error) {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("op=imagegen.%s: %w", op, err)
			}
			rd = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, fmt.Errorf("op=imagegen.%s: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		// Synchronous-ish create: the provider holds the request open up to
		// 60s, often returning a terminal prediction without polling.
		req.Header.Set("Prefer", "wait=60")
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=imagegen.%s: %w", op, err)
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("op=imagegen.%s: %w", op, err)
		}
		if resp.StatusCode >= 400 {
			body := raw
			if len(body) > 512 {
				body = body[:512]
			}
			return nil, &statusError{status: resp.StatusCode, body: string(body)}
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("op=imagegen.%s: decode: %w", op, err)
		}
		return payload, nil
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveProviderRequest("replicate", op, outcome, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamFailed, err)
	}
	return out, nil
}

func predictionFrom(payload map[string]any) domain.Prediction {
	id, _ := payload["id"].(string)
	status, _ := payload["status"].(string)
	return domain.Prediction{ID: id, Status: status, Raw: payload}
}

func isTerminalPrediction(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func (c *Client) createPrediction(ctx domain.Context, modelPath string, input map[string]any) (domain.Prediction, error) {
	url := c.baseURL + "/v1/models/" + modelPath + "/predictions"
	payload, err := c.request(ctx, http.MethodPost, url, map[string]any{"input": input}, "create_prediction")
	if err != nil {
		return domain.Prediction{}, err
	}
	return predictionFrom(payload), nil
}

func (c *Client) pollPrediction(ctx domain.Context, id string) (domain.Prediction, error) {
	url := c.baseURL + "/v1/predictions/" + id
	for i := 0; i < c.PollMaxTries; i++ {
		payload, err := c.request(ctx, http.MethodGet, url, nil, "poll_prediction")
		if err != nil {
			return domain.Prediction{}, err
		}
		pred := predictionFrom(payload)
		if isTerminalPrediction(pred.Status) {
			return pred, nil
		}
		select {
		case <-ctx.Done():
			return domain.Prediction{}, fmt.Errorf("op=imagegen.poll: %w", ctx.Err())
		case <-time.After(c.PollInterval):
		}
	}
	return domain.Prediction{ID: id, Status: "timeout", Raw: map[string]any{"id": id, "status": "timeout"}}, nil
}

func (c *Client) runPrediction(ctx domain.Context, modelPath string, input map[string]any) (domain.Prediction, error) {
	created, err := c.createPrediction(ctx, modelPath, input)
	if err != nil {
		return domain.Prediction{}, err
	}
	if isTerminalPrediction(created.Status) {
		return created, nil
	}
	if created.ID == "" {
		return domain.Prediction{}, fmt.Errorf("op=imagegen.run model=%s: missing prediction id: %w", modelPath, domain.ErrUpstreamFailed)
	}
	return c.pollPrediction(ctx, created.ID)
}

// GenerateDraft produces the fast stage-2 draft image.
func (c *Client) GenerateDraft(ctx domain.Context, prompt string) (domain.Prediction, error) {
	return c.runPrediction(ctx, draftModelPath, map[string]any{
		"prompt":        prompt,
		"output_format": "jpg",
	})
}

// stage3Request maps a normalized model key onto its provider path and input
// payload.
func stage3Request(modelKey, prompt string) (string, map[string]any) {
	switch modelKey {
	case "flux-1.1-pro":
		return "black-forest-labs/flux-1.1-pro", map[string]any{
			"prompt":            prompt,
			"aspect_ratio":      "4:3",
			"output_format":     "jpg",
			"output_quality":    80,
			"prompt_upsampling": false,
			"safety_tolerance":  2,
			"seed":              10000,
		}
	case "imagen-4":
		return "google/imagen-4", map[string]any{
			"prompt":            prompt,
			"num_outputs":       1,
			"aspect_ratio":      "4:3",
			"output_format":     "jpg",
			"output_quality":    80,
			"prompt_upsampling": true,
			"safety_tolerance":  2,
		}
	case "nano-banana":
		return "google/nano-banana", map[string]any{
			"prompt":        prompt,
			"aspect_ratio":  "4:3",
			"output_format": "jpg",
		}
	case "nano-banana-pro":
		return "google/nano-banana-pro", map[string]any{
			"prompt":        prompt,
			"aspect_ratio":  "4:3",
			"output_format": "jpg",
		}
	default: // imagen-3 and anything unknown
		return "google/imagen-3-fast", map[string]any{
			"prompt":            prompt,
			"num_outputs":       1,
			"aspect_ratio":      "4:3",
			"output_format":     "jpg",
			"output_quality":    80,
			"prompt_upsampling": true,
			"safety_tolerance":  2,
		}
	}
}

// GenerateStage3 produces the upgraded image with the configured model and
// returns the provider model path actually used.
func (c *Client) GenerateStage3(ctx domain.Context, modelKey, prompt string) (domain.Prediction, string, error) {
	modelPath, input := stage3Request(domain.NormalizeGenerationModel(modelKey), prompt)
	pred, err := c.runPrediction(ctx, modelPath, input)
	return pred, modelPath, err
}

// RemoveBackgroundToWhite runs the stage-4 edit on the winner image.
func (c *Client) RemoveBackgroundToWhite(ctx domain.Context, imagePath, word string) (domain.Prediction, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("op=imagegen.white_bg path=%s: %w", imagePath, err)
	}
	uri := "data:" + mimetype.Detect(data).String() + ";base64," + base64.StdEncoding.EncodeToString(data)
	prompt := "remove the background - keep only the important elements of the image and make the background white. " +
		fmt.Sprintf("The image's main message is to represent the concept %q. ", word) +
		"Do not add text in the image."
	return c.runPrediction(ctx, whiteBGModelPath, map[string]any{
		"prompt":        prompt,
		"image_input":   []string{uri},
		"aspect_ratio":  "match_input_image",
		"output_format": "jpg",
	})
}

// Download fetches generated image bytes from the provider's delivery URL.
func (c *Client) Download(ctx domain.Context, url string) ([]byte, error) {
	start := time.Now()
	cfg := retryutil.Config{Retries: int(c.maxRetries.Load())}
	data, err := retryutil.Do(ctx, cfg, retryableProviderError, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("op=imagegen.download: %w", err)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=imagegen.download: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 400 {
			return nil, &statusError{status: resp.StatusCode, body: resp.Status}
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveProviderRequest("replicate", "download", outcome, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamFailed, err)
	}
	return data, nil
}
