package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"newsdigest/internal/model"
	"newsdigest/pkg/trace"
)

func chatServer(t *testing.T, status int, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)

		if status != http.StatusOK {
			http.Error(w, "upstream exploded", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
}

func newTestClient(t *testing.T, url string) *Client {
	return NewClient(Config{BaseURL: url + "/", APIKey: "sk-test", Model: "gpt-test"}, nil, zaptest.NewLogger(t))
}

func TestClassifyParsesAnswer(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "```json\n{\"confidence\": 0.92, \"category\": \"tech\"}\n```", nil)
	defer srv.Close()

	cat, conf, err := newTestClient(t, srv.URL).Classify(context.Background(), "From: news@golangweekly.com")
	require.NoError(t, err)
	assert.Equal(t, model.CategoryTech, cat)
	assert.InDelta(t, 0.92, conf, 1e-9)
}

func TestClassifyUnknownCategoryAndClamp(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"confidence": 1.7, "category": "SPORTS"}`, nil)
	defer srv.Close()

	cat, conf, err := newTestClient(t, srv.URL).Classify(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, model.CategoryOther, cat)
	assert.Equal(t, 1.0, conf)
}

func TestClassifyGarbageIsUnavailable(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "I think it is a newsletter", nil)
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL).Classify(context.Background(), "x")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, http.StatusInternalServerError, "", &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for i := 0; i < 5; i++ {
		_, err := client.Summarize(context.Background(), model.CategoryTech, []model.SourceItem{{Subject: "s"}})
		require.ErrorIs(t, err, ErrUnavailable)
	}
	// breaker opens after three consecutive failures
	assert.Equal(t, int32(3), calls.Load())
}

func TestSummarizeSendsRunID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "run-7", r.Header.Get(trace.HeaderName))
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.True(t, strings.Contains(req.Messages[1].Content, "Go 1.26 released"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "  Go 1.26 is out.\n"}}},
		})
	}))
	defer srv.Close()

	ctx := trace.WithContext(context.Background(), "run-7")
	text, err := newTestClient(t, srv.URL).Summarize(ctx, model.CategoryTech, []model.SourceItem{
		{Sender: "news@golangweekly.com", Subject: "Go 1.26 released", Body: "..."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Go 1.26 is out.", text)
}

func TestNotConfigured(t *testing.T) {
	client := NewClient(Config{}, nil, zaptest.NewLogger(t))
	assert.False(t, client.Configured())
	_, _, err := client.Classify(context.Background(), "x")
	require.ErrorIs(t, err, ErrUnavailable)
}
