// Package assistant implements the prompt/critique/score provider port on
// the OpenAI API: Assistants v2 threads for prompt generation and chat
// completions with image parts for vision calls.
package assistant

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/shaycohen-verbali/Image-generation/internal/adapter/observability"
	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
	"github.com/shaycohen-verbali/Image-generation/internal/retryutil"
	"github.com/shaycohen-verbali/Image-generation/pkg/jsonx"
)

const (
	defaultRunPollInterval = 2 * time.Second
	defaultRunPollBudget   = 300 * time.Second
)

// Client talks to the OpenAI API. Poll timings are fields so tests can
// shrink them.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client

	maxRetries atomic.Int64

	RunPollInterval time.Duration
	RunPollBudget   time.Duration
}

// New constructs the client from process configuration.
func New(cfg config.Config) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:          cfg.OpenAIAPIKey,
		hc:              &http.Client{Timeout: 180 * time.Second},
		RunPollInterval: defaultRunPollInterval,
		RunPollBudget:   defaultRunPollBudget,
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

// statusError classifies provider HTTP failures for the retry predicate.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openai status %d: %s", e.status, e.body)
}

func retryableProviderError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	// Transport-level failures (timeouts, resets) are retryable.
	return true
}

func (c *Client) request(ctx domain.Context, method, path string, params url.Values, body any, assistantsV2 bool, op string) (map[string]any, error) {
	start := time.Now()
	cfg := retryutil.Config{Retries: int(c.maxRetries.Load())}
	out, err := retryutil.Do(ctx, cfg, retryableProviderError, func() (map[string]any, error) {
		var rd io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("op=assistant.%s: %w", op, err)
			}
			rd = bytes.NewReader(b)
		}
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return nil, fmt.Errorf("op=assistant.%s: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		if assistantsV2 {
			req.Header.Set("OpenAI-Beta", "assistants=v2")
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=assistant.%s: %w", op, err)
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("op=assistant.%s: %w", op, err)
		}
		if resp.StatusCode >= 400 {
			return nil, &statusError{status: resp.StatusCode, body: snippet(raw, 512)}
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("op=assistant.%s: decode: %w", op, err)
		}
		return payload, nil
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveProviderRequest("openai", op, outcome, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamFailed, err)
	}
	return out, nil
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// ResolveAssistantID returns the configured id as-is, or pages through the
// assistants list (50 per page) matching the configured name
// case-insensitively.
func (c *Client) ResolveAssistantID(ctx domain.Context, configuredID, configuredName string) (string, error) {
	if configuredID != "" {
		return configuredID, nil
	}
	after := ""
	for {
		params := url.Values{"limit": {"50"}}
		if after != "" {
			params.Set("after", after)
		}
		payload, err := c.request(ctx, http.MethodGet, "/assistants", params, nil, true, "resolve_assistant")
		if err != nil {
			return "", err
		}
		items, _ := payload["data"].([]any)
		for _, raw := range items {
			item, _ := raw.(map[string]any)
			name, _ := item["name"].(string)
			if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(configuredName)) {
				if id, ok := item["id"].(string); ok {
					return id, nil
				}
			}
		}
		last, _ := payload["last_id"].(string)
		if last == "" {
			break
		}
		after = last
	}
	return "", fmt.Errorf("op=assistant.resolve: assistant named %q: %w", configuredName, domain.ErrNotFound)
}

func (c *Client) createThread(ctx domain.Context, message string) (string, error) {
	payload := map[string]any{
		"messages": []map[string]any{{"role": "user", "content": message}},
	}
	data, err := c.request(ctx, http.MethodPost, "/threads", nil, payload, true, "create_thread")
	if err != nil {
		return "", err
	}
	id, _ := data["id"].(string)
	return id, nil
}

func (c *Client) createRun(ctx domain.Context, threadID, assistantID string) (string, error) {
	data, err := c.request(ctx, http.MethodPost, "/threads/"+threadID+"/runs", nil, map[string]any{"assistant_id": assistantID}, true, "create_run")
	if err != nil {
		return "", err
	}
	id, _ := data["id"].(string)
	return id, nil
}

func isTerminalRunStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "expired":
		return true
	}
	return false
}

func (c *Client) pollRun(ctx domain.Context, threadID, runID string) (string, error) {
	deadline := time.Now().Add(c.RunPollBudget)
	for {
		data, err := c.request(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, nil, true, "poll_run")
		if err != nil {
			return "", err
		}
		status, _ := data["status"].(string)
		if isTerminalRunStatus(status) {
			return status, nil
		}
		if time.Now().After(deadline) {
			return "timeout", nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("op=assistant.poll_run: %w", ctx.Err())
		case <-time.After(c.RunPollInterval):
		}
	}
}

func (c *Client) latestAssistantText(ctx domain.Context, threadID string) (string, error) {
	params := url.Values{"limit": {"1"}, "order": {"desc"}, "role": {"assistant"}}
	payload, err := c.request(ctx, http.MethodGet, "/threads/"+threadID+"/messages", params, nil, true, "latest_message")
	if err != nil {
		return "", err
	}
	items, _ := payload["data"].([]any)
	if len(items) == 0 {
		return "", nil
	}
	first, _ := items[0].(map[string]any)
	parts, _ := first["content"].([]any)
	var texts []string
	for _, raw := range parts {
		part, _ := raw.(map[string]any)
		if part["type"] != "text" {
			continue
		}
		if txt, ok := part["text"].(map[string]any); ok {
			if v, ok := txt["value"].(string); ok {
				texts = append(texts, v)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n")), nil
}

func (c *Client) assistantJSON(ctx domain.Context, userText, assistantID string) (domain.AssistantReply, error) {
	threadID, err := c.createThread(ctx, userText)
	if err != nil {
		return domain.AssistantReply{}, err
	}
	runID, err := c.createRun(ctx, threadID, assistantID)
	if err != nil {
		return domain.AssistantReply{}, err
	}
	status, err := c.pollRun(ctx, threadID, runID)
	if err != nil {
		return domain.AssistantReply{}, err
	}
	if status != "completed" {
		if status == "timeout" {
			return domain.AssistantReply{}, fmt.Errorf("op=assistant.run thread=%s: %w", threadID, domain.ErrUpstreamTimeout)
		}
		return domain.AssistantReply{}, fmt.Errorf("op=assistant.run thread=%s status=%s: %w", threadID, status, domain.ErrUpstreamFailed)
	}
	rawText, err := c.latestAssistantText(ctx, threadID)
	if err != nil {
		return domain.AssistantReply{}, err
	}
	return domain.AssistantReply{
		Parsed: jsonx.ParseRelaxed(rawText),
		Raw:    map[string]any{"thread_id": threadID, "run_id": runID, "raw_text": rawText},
	}, nil
}

// GenerateFirstPrompt runs the stage-1 assistant exchange.
func (c *Client) GenerateFirstPrompt(ctx domain.Context, userText, assistantID string) (domain.AssistantReply, error) {
	return c.assistantJSON(ctx, userText, assistantID)
}

// GenerateUpgradedPrompt runs the stage-3 assistant exchange.
func (c *Client) GenerateUpgradedPrompt(ctx domain.Context, userText, assistantID string) (domain.AssistantReply, error) {
	return c.assistantJSON(ctx, userText, assistantID)
}

func imageDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("op=assistant.read_image path=%s: %w", path, err)
	}
	mime := mimetype.Detect(data).String()
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) visionCompletion(ctx domain.Context, model, prompt, imageURI string, temperature float64, op string) (string, map[string]any, error) {
	payload := map[string]any{
		"model": model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
				{"type": "image_url", "image_url": map[string]any{"url": imageURI}},
			},
		}},
		"temperature": temperature,
	}
	response, err := c.request(ctx, http.MethodPost, "/chat/completions", nil, payload, false, op)
	if err != nil {
		return "", nil, err
	}
	choices, _ := response["choices"].([]any)
	if len(choices) == 0 {
		return "", response, fmt.Errorf("op=assistant.%s: empty choices: %w", op, domain.ErrUpstreamFailed)
	}
	choice, _ := choices[0].(map[string]any)
	message, _ := choice["message"].(map[string]any)
	content, _ := message["content"].(string)
	return content, response, nil
}

// AnalyzeImage asks the vision model for a stage-3 critique of the current
// image.
func (c *Client) AnalyzeImage(ctx domain.Context, imagePath, word, partOfSentence, category, model string) (domain.ImageAnalysis, error) {
	uri, err := imageDataURI(imagePath)
	if err != nil {
		return domain.ImageAnalysis{}, err
	}
	prompt := "You are an expert AAC visual designer for children. " +
		"Analyze the image for concept clarity. Return STRICT JSON with keys " +
		`{"challenges":"...", "recommendations":"..."}. ` +
		fmt.Sprintf("Concept word: %s. Part of sentence: %s. Category: %s.", word, partOfSentence, category)
	content, response, err := c.visionCompletion(ctx, domain.NormalizeVisionModel(model), prompt, uri, 0.2, "analyze_image")
	if err != nil {
		return domain.ImageAnalysis{}, err
	}
	parsed := jsonx.ParseRelaxed(content)
	challenges, _ := parsed["challenges"].(string)
	recommendations, _ := parsed["recommendations"].(string)
	return domain.ImageAnalysis{
		Challenges:      challenges,
		Recommendations: recommendations,
		Raw:             map[string]any{"raw_response": response, "raw_text": content},
	}, nil
}

// ScoreImage asks the quality-gate model for a verdict. In abstract mode the
// rubric carries the contrast sub-scores and is normalized so every field is
// numerically present.
func (c *Client) ScoreImage(ctx domain.Context, req domain.ScoreImageRequest) (domain.ImageScore, error) {
	uri, err := imageDataURI(req.ImagePath)
	if err != nil {
		return domain.ImageScore{}, err
	}
	var prompt string
	if req.AbstractMode {
		prompt = "Score this AAC image for an abstract/ambiguous concept. Return STRICT JSON with fields: " +
			`{"score":0-100, "contrast_clarity":0-5, "absence_signal_strength":0-5, "aac_interpretability":0-5, ` +
			`"explanation":"...", "failure_tags":["ambiguity","clutter","wrong_concept","text_in_image","distracting_details"]}. ` +
			fmt.Sprintf("Word: %s. Part of sentence: %s. Category: %s. ", req.Word, req.PartOfSentence, req.Category) +
			fmt.Sprintf("Contrast subject: %s. ", req.ContrastSubject) +
			fmt.Sprintf("Pass threshold is %d.", req.Threshold)
	} else {
		prompt = "Score the AAC concept image quality for a child user. Return STRICT JSON with fields: " +
			`{"score":0-100, "explanation":"...", "failure_tags":["ambiguity","clutter","wrong_concept","text_in_image","distracting_details"]}. ` +
			fmt.Sprintf("Word: %s. Part of sentence: %s. Category: %s. ", req.Word, req.PartOfSentence, req.Category) +
			fmt.Sprintf("Pass threshold is %d.", req.Threshold)
	}
	content, response, err := c.visionCompletion(ctx, domain.NormalizeVisionModel(req.Model), prompt, uri, 0.1, "score_image")
	if err != nil {
		return domain.ImageScore{}, err
	}
	parsed := jsonx.ParseRelaxed(content)
	if req.AbstractMode {
		parsed = NormalizeAbstractRubric(parsed)
	} else if _, ok := parsed["score"]; !ok {
		parsed["score"] = float64(0)
	}
	slog.Debug("quality gate scored image",
		slog.String("word", req.Word),
		slog.Any("score", parsed["score"]))
	return domain.ImageScore{
		Rubric: parsed,
		Raw:    map[string]any{"raw_response": response, "raw_text": content},
	}, nil
}

// NormalizeAbstractRubric coerces the abstract-mode rubric fields to floats
// and guarantees explanation/failure_tags exist.
func NormalizeAbstractRubric(parsed map[string]any) map[string]any {
	normalized := make(map[string]any, len(parsed)+5)
	for k, v := range parsed {
		normalized[k] = v
	}
	for _, key := range []string{"score", "contrast_clarity", "absence_signal_strength", "aac_interpretability"} {
		normalized[key] = toFloat(normalized[key])
	}
	if _, ok := normalized["failure_tags"].([]any); !ok {
		normalized["failure_tags"] = []any{}
	}
	if _, ok := normalized["explanation"]; !ok {
		normalized["explanation"] = ""
	}
	return normalized
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f
		}
	}
	return 0
}
