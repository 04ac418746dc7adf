// ABOUTME: Tests for the chi route table and JSON fallback handlers
// ABOUTME: Walks the router to check every endpoint is mounted with the right method

package gateway

import (
	"net/http"
	"sort"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-rag/internal/config"
)

func TestRoutes_Mounted(t *testing.T) {
	h := newAPIHarness(t, nil)

	routes, ok := h.gw.routes().(chi.Routes)
	require.True(t, ok, "routes() should return a chi router")

	var got []string
	err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+route)
		return nil
	})
	require.NoError(t, err)
	sort.Strings(got)

	want := []string{
		"GET /auth_setup",
		"GET /conversation/events",
		"GET /health",
		"GET /health/ready",
		"GET /metrics",
		"POST /ask",
		"POST /chat",
		"POST /conversation/add",
		"POST /conversation/delete",
		"POST /conversation/gen_title",
		"POST /conversation/list",
		"POST /conversation/read",
		"POST /conversation/update",
	}
	assert.Equal(t, want, got)
}

func TestRoutes_MetricsDisabled(t *testing.T) {
	h := newAPIHarness(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = false
	})

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/conversation/list", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method not allowed", errorBody(t, rec))
}
