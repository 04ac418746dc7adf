package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New(nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/conversation/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversation/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("/conversation/{id}", http.MethodGet, "418"))
	assert.Equal(t, 2.0, got)
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	m := New(nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/health", http.MethodGet, "200")))
}

func TestTurnAndStreamCounters(t *testing.T) {
	m := New(nil)

	m.Turn("chat", "ok")
	m.Turn("chat", "ok")
	m.Turn("rtr", "not_found")
	m.Stream("cancelled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.turns.WithLabelValues("chat", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("rtr", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streams.WithLabelValues("cancelled")))
}

type fakeEvents struct {
	subscribers int
	dropped     uint64
}

func (f fakeEvents) SubscriberCount() int { return f.subscribers }
func (f fakeEvents) Dropped() uint64      { return f.dropped }

func TestHandler_ExposesEventFigures(t *testing.T) {
	m := New(fakeEvents{subscribers: 3, dropped: 7})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "coven_rag_event_subscribers 3"), "gauge missing from output")
	assert.True(t, strings.Contains(string(body), "coven_rag_events_dropped_total 7"), "counter missing from output")
}
