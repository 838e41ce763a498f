package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaycohen-verbali/Image-generation/internal/config"
	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

func newTestClient(baseURL string) *Client {
	c := New(config.Config{OpenAIBaseURL: baseURL, OpenAIAPIKey: "test-key"})
	c.RunPollInterval = time.Millisecond
	c.RunPollBudget = 250 * time.Millisecond
	return c
}

func writeJSONResponse(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestResolveAssistantIDPassthrough(t *testing.T) {
	c := newTestClient("http://unreachable.invalid")
	id, err := c.ResolveAssistantID(context.Background(), "asst_configured", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "asst_configured", id)
}

func TestResolveAssistantIDPagesUntilMatch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assistants", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		switch calls.Add(1) {
		case 1:
			assert.Empty(t, r.URL.Query().Get("after"))
			writeJSONResponse(t, w, map[string]any{
				"data":    []map[string]any{{"id": "asst_other", "name": "CV evaluator"}},
				"last_id": "asst_other",
			})
		default:
			assert.Equal(t, "asst_other", r.URL.Query().Get("after"))
			writeJSONResponse(t, w, map[string]any{
				"data": []map[string]any{{"id": "asst_match", "name": " aac IMAGE prompts "}},
			})
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.ResolveAssistantID(context.Background(), "", "AAC image prompts")
	require.NoError(t, err)
	assert.Equal(t, "asst_match", id)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolveAssistantIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{
			"data": []map[string]any{{"id": "asst_other", "name": "something else"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.ResolveAssistantID(context.Background(), "", "AAC image prompts")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// assistantServer drives a full thread/run/messages exchange. pollStatuses is
// consumed one per poll; the last value repeats.
func assistantServer(t *testing.T, pollStatuses []string, messageText string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{"id": "thread_1"})
	})
	mux.HandleFunc("POST /threads/thread_1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asst_1", body["assistant_id"])
		writeJSONResponse(t, w, map[string]any{"id": "run_1"})
	})
	mux.HandleFunc("GET /threads/thread_1/runs/run_1", func(w http.ResponseWriter, _ *http.Request) {
		i := int(polls.Add(1)) - 1
		if i >= len(pollStatuses) {
			i = len(pollStatuses) - 1
		}
		writeJSONResponse(t, w, map[string]any{"id": "run_1", "status": pollStatuses[i]})
	})
	mux.HandleFunc("GET /threads/thread_1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		writeJSONResponse(t, w, map[string]any{
			"data": []map[string]any{{
				"content": []map[string]any{{
					"type": "text",
					"text": map[string]any{"value": messageText},
				}},
			}},
		})
	})
	return httptest.NewServer(mux), &polls
}

func TestGenerateFirstPromptParsesFencedJSON(t *testing.T) {
	srv, polls := assistantServer(t, []string{"in_progress", "completed"},
		"```json\n{\"first prompt\": \"a red apple on a table\", \"need a person\": \"no\"}\n```")
	defer srv.Close()

	c := newTestClient(srv.URL)
	reply, err := c.GenerateFirstPrompt(context.Background(), "word: apple", "asst_1")
	require.NoError(t, err)

	assert.Equal(t, "a red apple on a table", reply.Parsed["first prompt"])
	assert.Equal(t, "no", reply.Parsed["need a person"])
	assert.Equal(t, "thread_1", reply.Raw["thread_id"])
	assert.Equal(t, int64(2), polls.Load())
}

func TestGenerateUpgradedPromptRunTimeout(t *testing.T) {
	srv, _ := assistantServer(t, []string{"in_progress"}, "ignored")
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.RunPollBudget = 0
	_, err := c.GenerateUpgradedPrompt(context.Background(), "upgrade", "asst_1")
	require.ErrorIs(t, err, domain.ErrUpstreamTimeout)
}

func TestGenerateFirstPromptRunFailed(t *testing.T) {
	srv, _ := assistantServer(t, []string{"failed"}, "ignored")
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GenerateFirstPrompt(context.Background(), "word: apple", "asst_1")
	require.ErrorIs(t, err, domain.ErrUpstreamFailed)
	assert.NotErrorIs(t, err, domain.ErrUpstreamTimeout)
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		writeJSONResponse(t, w, map[string]any{
			"data": []map[string]any{{"id": "asst_match", "name": "AAC image prompts"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetMaxAPIRetries(1)
	id, err := c.ResolveAssistantID(context.Background(), "", "AAC image prompts")
	require.NoError(t, err)
	assert.Equal(t, "asst_match", id)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetMaxAPIRetries(3)
	_, err := c.ResolveAssistantID(context.Background(), "", "AAC image prompts")
	require.ErrorIs(t, err, domain.ErrUpstreamFailed)
	assert.NotErrorIs(t, err, domain.ErrRetryExceeded)
	assert.Equal(t, int64(1), calls.Load(), "4xx responses are permanent")
}

func tempImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.jpg")
	require.NoError(t, os.WriteFile(path, []byte("fake-image-bytes"), 0o644))
	return path
}

func TestAnalyzeImageParsesCritique(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		writeJSONResponse(t, w, map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": `{"challenges":"low contrast","recommendations":"increase salience"}`,
			}}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	analysis, err := c.AnalyzeImage(context.Background(), tempImage(t), "apple", "noun", "food", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "low contrast", analysis.Challenges)
	assert.Equal(t, "increase salience", analysis.Recommendations)
}

func TestScoreImageNormalizesAbstractRubric(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content []map[string]any `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 1)
		gotPrompt, _ = body.Messages[0].Content[0]["text"].(string)
		writeJSONResponse(t, w, map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": `{"score":"88","contrast_clarity":4,"explanation":"clear absence"}`,
			}}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	score, err := c.ScoreImage(context.Background(), domain.ScoreImageRequest{
		ImagePath:       tempImage(t),
		Word:            "empty",
		PartOfSentence:  "adjective",
		Category:        "descriptive",
		Threshold:       95,
		Model:           "gpt-4o-mini",
		AbstractMode:    true,
		ContrastSubject: "glass",
	})
	require.NoError(t, err)

	assert.Equal(t, float64(88), score.Rubric["score"], "string score coerced")
	assert.Equal(t, float64(4), score.Rubric["contrast_clarity"])
	assert.Equal(t, float64(0), score.Rubric["absence_signal_strength"], "missing sub-score defaults to zero")
	assert.Equal(t, float64(0), score.Rubric["aac_interpretability"])
	assert.Equal(t, []any{}, score.Rubric["failure_tags"])
	assert.Equal(t, "clear absence", score.Rubric["explanation"])
	assert.Contains(t, gotPrompt, "Contrast subject: glass.")
	assert.Contains(t, gotPrompt, "Pass threshold is 95.")
}

func TestScoreImageDefaultsScoreOnUnparseableReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "I cannot score this."}}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	score, err := c.ScoreImage(context.Background(), domain.ScoreImageRequest{
		ImagePath: tempImage(t),
		Word:      "apple",
		Model:     "gpt-4o-mini",
		Threshold: 95,
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0), score.Rubric["score"])
	assert.Equal(t, "I cannot score this.", score.Raw["raw_text"])
}

func TestScoreImageEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.ScoreImage(context.Background(), domain.ScoreImageRequest{
		ImagePath: tempImage(t),
		Word:      "apple",
		Model:     "gpt-4o-mini",
	})
	require.ErrorIs(t, err, domain.ErrUpstreamFailed)
}

func TestNormalizeAbstractRubric(t *testing.T) {
	got := NormalizeAbstractRubric(map[string]any{
		"score":            "72.5",
		"contrast_clarity": 3,
		"failure_tags":     []any{"ambiguity"},
	})
	assert.Equal(t, 72.5, got["score"])
	assert.Equal(t, float64(3), got["contrast_clarity"])
	assert.Equal(t, float64(0), got["absence_signal_strength"])
	assert.Equal(t, float64(0), got["aac_interpretability"])
	assert.Equal(t, []any{"ambiguity"}, got["failure_tags"])
	assert.Equal(t, "", got["explanation"])
}
