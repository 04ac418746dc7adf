package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/indexes/docs/docs/search", r.URL.Path)
		assert.Equal(t, defaultAPIVersion, r.URL.Query().Get("api-version"))
		assert.Equal(t, "key", r.Header.Get("api-key"))

		var body searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "health plans", body.Search)
		assert.Equal(t, 3, body.Top)
		assert.Equal(t, "page,text", body.Select)

		fmt.Fprint(w, `{"value":[{"page":"benefits.pdf#page=2","text":"Plan A covers..."},{"page":"handbook.pdf","text":"Employees..."}]}`)
	}))
	defer srv.Close()

	c := New(Config{
		Endpoint:     srv.URL + "/",
		Index:        "docs",
		APIKey:       "key",
		SourceField:  "page",
		ContentField: "text",
	}, nil)

	docs, err := c.Search(context.Background(), "health plans", 3)
	require.NoError(t, err)
	assert.Equal(t, []Document{
		{SourcePage: "benefits.pdf#page=2", Content: "Plan A covers..."},
		{SourcePage: "handbook.pdf", Content: "Employees..."},
	}, docs)
}

func TestClient_Search_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "bad key")
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Index: "docs"}, nil)
	_, err := c.Search(context.Background(), "q", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
