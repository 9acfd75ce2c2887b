package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usagetrail/pkg/testutil"
)

func TestNewRouter_Health(t *testing.T) {
	r := NewRouter(Options{})

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/healthz"))

	testutil.AssertStatusOK(t, rr)
	testutil.AssertJSONContains(t, rr, "status", "ok")
}

func TestNewRouter_Readiness(t *testing.T) {
	var reported []bool
	healthy := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("audit store circuit open") }

	t.Run("all probes pass", func(t *testing.T) {
		r := NewRouter(Options{
			Probes:  map[string]Probe{"postgres": healthy, "redis": healthy},
			OnReady: func(ok bool) { reported = append(reported, ok) },
		})

		rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/readyz"))

		testutil.AssertStatusOK(t, rr)
		resp := testutil.UnmarshalResponse[readinessResponse](t, rr)
		assert.Equal(t, map[string]string{"postgres": "ok", "redis": "ok"}, resp.Checks)
	})

	t.Run("one failing probe makes the service unready", func(t *testing.T) {
		r := NewRouter(Options{
			Probes:  map[string]Probe{"postgres": down, "redis": healthy},
			OnReady: func(ok bool) { reported = append(reported, ok) },
		})

		rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/readyz"))

		testutil.AssertStatus(t, rr, http.StatusServiceUnavailable)
		resp := testutil.UnmarshalResponse[readinessResponse](t, rr)
		assert.Equal(t, "unavailable", resp.Status)
		assert.Equal(t, "audit store circuit open", resp.Checks["postgres"])
	})

	assert.Equal(t, []bool{true, false}, reported)
}

func TestNewRouter_MetricsAndExtraRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("usagetrail_ready 1\n"))
	})
	r := NewRouter(Options{Metrics: metrics}, func(r chi.Router) {
		r.Get("/extra", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	})

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/metrics"))
	testutil.AssertStatusOK(t, rr)
	assert.Contains(t, rr.Body.String(), "usagetrail_ready 1")

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/extra", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)
}

func TestNew(t *testing.T) {
	srv := New(":0", http.NotFoundHandler())
	assert.Equal(t, ":0", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}
