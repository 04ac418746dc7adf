package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rag/internal/turns"
)

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	return New(cfg, nil)
}

func TestClient_Complete(t *testing.T) {
	var got wireRequest
	c := newTestClient(t, Config{APIKey: "sk-test", Model: "gpt-4o-mini"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`)
	})

	resp, err := c.Complete(context.Background(), &Request{
		Messages:    []turns.Completion{{Role: turns.RoleUser, Content: "Hello"}},
		Temperature: Float(1),
		MaxTokens:   64,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 1.0, *got.Temperature)
	assert.False(t, got.Stream)
	assert.Equal(t, []wireMessage{{Role: "user", Content: "Hello"}}, got.Messages)
}

func TestClient_Complete_AzureShape(t *testing.T) {
	c := newTestClient(t, Config{APIKey: "azure-key", Model: "chat", APIVersion: "2024-02-01"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/chat/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-02-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "azure-key", r.Header.Get("api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "model")

		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	})

	resp, err := c.Complete(context.Background(), &Request{Messages: []turns.Completion{{Role: turns.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestClient_Complete_ContentFilterError(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"The response was filtered","type":null,"code":"content_filter"}}`)
	})

	_, err := c.Complete(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrContentFiltered)
}

func TestClient_Complete_ContentFilterFinishReason(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`)
	})

	_, err := c.Complete(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrContentFiltered)
}

func TestClient_Complete_APIError(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`)
	})

	_, err := c.Complete(context.Background(), &Request{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limit_exceeded", apiErr.Code)
	assert.Equal(t, "slow down", apiErr.Message)
}

func TestClient_Stream(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := c.Stream(context.Background(), &Request{})
	require.NoError(t, err)

	var text string
	var finish string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Delta
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", finish)
}

func TestClient_Stream_ContentFilterMidStream(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"content_filter\"}]}\n\n")
	})

	ch, err := c.Stream(context.Background(), &Request{})
	require.NoError(t, err)

	var chunks []Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.ErrorIs(t, chunks[1].Err, ErrContentFiltered)
}

func TestClient_Stream_ErrorStatus(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})

	_, err := c.Stream(context.Background(), &Request{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "boom", apiErr.Message)
}
