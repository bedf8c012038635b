package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatHandler(t *testing.T, content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Messages)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestLLMClientComplete(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth.Store(r.Header.Get("Authorization"))
		chatHandler(t, "hello")(w, r)
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL + "/v1/", APIKey: "secret", Model: "test"})
	out, err := c.Complete(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "Bearer secret", auth.Load())
}

func TestLLMClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		chatHandler(t, "ok")(w, r)
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL, Retries: 2, Timeout: time.Second})
	out, err := c.Complete(context.Background(), "", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLLMClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL, Retries: 3})
	_, err := c.Complete(context.Background(), "", "prompt")
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLLMClientClientCredentials(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"cloud-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cloud-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		chatHandler(t, "planned")(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewLLMClient(LLMConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "medshield",
		ClientSecret: "s3cret",
	})
	for i := 0; i < 2; i++ {
		out, err := c.Complete(context.Background(), "", "prompt")
		require.NoError(t, err)
		assert.Equal(t, "planned", out)
	}
	// token is cached between calls
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestCompleteJSONToleratesWrapping(t *testing.T) {
	srv := httptest.NewServer(chatHandler(t, "Sure!\n```json\n{\"summary_text\": \"two visits\"}\n```"))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	var out struct {
		SummaryText string `json:"summary_text"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), "", "p", &out))
	assert.Equal(t, "two visits", out.SummaryText)
}

func TestCompleteJSONRejectsProse(t *testing.T) {
	srv := httptest.NewServer(chatHandler(t, "I cannot help with that"))
	defer srv.Close()

	c := NewLLMClient(LLMConfig{BaseURL: srv.URL})
	var out map[string]interface{}
	assert.ErrorIs(t, c.CompleteJSON(context.Background(), "", "p", &out), ErrUnparsableResponse)
}

func TestDisabledClient(t *testing.T) {
	var c *LLMClient
	assert.False(t, c.Enabled())
	assert.False(t, NewLLMClient(LLMConfig{}).Enabled())
}
