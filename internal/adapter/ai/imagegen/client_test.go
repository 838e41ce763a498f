package imagegen

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
	c := New(config.Config{ReplicateBaseURL: baseURL, ReplicateAPIToken: "test-token"})
	c.PollInterval = time.Millisecond
	c.PollMaxTries = 3
	return c
}

func writeJSONResponse(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestGenerateDraftSynchronousSuccess(t *testing.T) {
	var gotInput map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models/black-forest-labs/flux-schnell/predictions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "wait=60", r.Header.Get("Prefer"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotInput, _ = body["input"].(map[string]any)
		writeJSONResponse(t, w, map[string]any{
			"id":     "pred_1",
			"status": "succeeded",
			"output": []any{"https://delivery.test/draft.jpg"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	pred, err := c.GenerateDraft(context.Background(), "a red apple on a table")
	require.NoError(t, err)

	assert.True(t, pred.Succeeded())
	assert.Equal(t, "https://delivery.test/draft.jpg", pred.OutputURL())
	assert.Equal(t, "a red apple on a table", gotInput["prompt"])
	assert.Equal(t, "jpg", gotInput["output_format"])
}

func TestGenerateDraftPollsToTerminal(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models/black-forest-labs/flux-schnell/predictions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "processing"})
	})
	mux.HandleFunc("GET /v1/predictions/pred_1", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 2 {
			writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "processing"})
			return
		}
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "succeeded", "output": "https://delivery.test/out.jpg"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	pred, err := c.GenerateDraft(context.Background(), "prompt")
	require.NoError(t, err)
	assert.True(t, pred.Succeeded())
	assert.Equal(t, int64(2), polls.Load())
}

func TestGenerateDraftPollBudgetExhaustedReturnsTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/models/black-forest-labs/flux-schnell/predictions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "starting"})
	})
	mux.HandleFunc("GET /v1/predictions/pred_1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "processing"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv.URL)
	pred, err := c.GenerateDraft(context.Background(), "prompt")
	require.NoError(t, err, "timeout is a prediction status, not a transport error")
	assert.Equal(t, "timeout", pred.Status)
	assert.False(t, pred.Succeeded())
}

func TestGenerateDraftMissingPredictionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(t, w, map[string]any{"status": "starting"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GenerateDraft(context.Background(), "prompt")
	require.ErrorIs(t, err, domain.ErrUpstreamFailed)
}

func TestStage3Request(t *testing.T) {
	tests := []struct {
		modelKey string
		wantPath string
		check    func(t *testing.T, input map[string]any)
	}{
		{
			modelKey: "flux-1.1-pro",
			wantPath: "black-forest-labs/flux-1.1-pro",
			check: func(t *testing.T, input map[string]any) {
				assert.Equal(t, 10000, input["seed"], "fixed seed keeps reruns comparable")
				assert.Equal(t, false, input["prompt_upsampling"])
			},
		},
		{
			modelKey: "imagen-3",
			wantPath: "google/imagen-3-fast",
			check: func(t *testing.T, input map[string]any) {
				assert.Equal(t, 1, input["num_outputs"])
				assert.Equal(t, true, input["prompt_upsampling"])
			},
		},
		{
			modelKey: "imagen-4",
			wantPath: "google/imagen-4",
			check: func(t *testing.T, input map[string]any) {
				assert.Equal(t, 1, input["num_outputs"])
			},
		},
		{
			modelKey: "nano-banana",
			wantPath: "google/nano-banana",
			check: func(t *testing.T, input map[string]any) {
				assert.NotContains(t, input, "seed")
			},
		},
		{
			modelKey: "nano-banana-pro",
			wantPath: "google/nano-banana-pro",
			check:    func(_ *testing.T, _ map[string]any) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.modelKey, func(t *testing.T) {
			path, input := stage3Request(tt.modelKey, "a prompt")
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, "a prompt", input["prompt"])
			assert.Equal(t, "4:3", input["aspect_ratio"])
			assert.Equal(t, "jpg", input["output_format"])
			tt.check(t, input)
		})
	}
}

func TestGenerateStage3NormalizesUnknownModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models/black-forest-labs/flux-1.1-pro/predictions", r.URL.Path,
			"unknown keys fall back to the default generation model")
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "succeeded", "output": "https://delivery.test/x.jpg"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	pred, modelPath, err := c.GenerateStage3(context.Background(), "dall-e-3", "prompt")
	require.NoError(t, err)
	assert.True(t, pred.Succeeded())
	assert.Equal(t, "black-forest-labs/flux-1.1-pro", modelPath)
}

func TestRemoveBackgroundToWhiteSendsImageInput(t *testing.T) {
	imgPath := filepath.Join(t.TempDir(), "winner.jpg")
	require.NoError(t, os.WriteFile(imgPath, []byte("winner-bytes"), 0o644))

	var gotInput map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models/google/nano-banana/predictions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotInput, _ = body["input"].(map[string]any)
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "succeeded", "output": "https://delivery.test/white.jpg"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	pred, err := c.RemoveBackgroundToWhite(context.Background(), imgPath, "apple")
	require.NoError(t, err)
	assert.True(t, pred.Succeeded())

	assert.Equal(t, "match_input_image", gotInput["aspect_ratio"])
	prompt, _ := gotInput["prompt"].(string)
	assert.Contains(t, prompt, `the concept "apple"`)
	images, _ := gotInput["image_input"].([]any)
	require.Len(t, images, 1)
	uri, _ := images[0].(string)
	assert.Contains(t, uri, ";base64,")
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeJSONResponse(t, w, map[string]any{"id": "pred_1", "status": "succeeded"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetMaxAPIRetries(1)
	pred, err := c.GenerateDraft(context.Background(), "prompt")
	require.NoError(t, err)
	assert.True(t, pred.Succeeded())
	assert.Equal(t, int64(2), calls.Load())
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"detail":"invalid input"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetMaxAPIRetries(3)
	_, err := c.GenerateDraft(context.Background(), "prompt")
	require.ErrorIs(t, err, domain.ErrUpstreamFailed)
	assert.NotErrorIs(t, err, domain.ErrRetryExceeded)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/delivery/out.jpg", r.URL.Path)
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	data, err := c.Download(context.Background(), srv.URL+"/delivery/out.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestDownloadUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetMaxAPIRetries(0)
	_, err := c.Download(context.Background(), srv.URL+"/missing.jpg")
	require.ErrorIs(t, err, domain.ErrUpstreamFailed)
}
