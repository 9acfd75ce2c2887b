package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"usagetrail/pkg/platform/httputil"
	"usagetrail/pkg/platform/middleware/requesttime"
)

// New builds an HTTP server with sane defaults for this project.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Probe reports whether one dependency is usable.
type Probe func(ctx context.Context) error

// Options configures the operational router.
type Options struct {
	Logger  *slog.Logger
	Metrics http.Handler
	// Probes run on /readyz, keyed by dependency name.
	Probes map[string]Probe
	// OnReady receives the outcome of every readiness probe round.
	OnReady      func(ok bool)
	ProbeTimeout time.Duration
}

// NewRouter serves /healthz, /readyz and /metrics. register mounts extra
// routes on the same router.
func NewRouter(opts Options, register ...func(chi.Router)) chi.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(opts))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	for _, fn := range register {
		fn(r)
	}
	return r
}

type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func readiness(opts Options) http.HandlerFunc {
	names := make([]string, 0, len(opts.Probes))
	for name := range opts.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), opts.ProbeTimeout)
		defer cancel()

		resp := readinessResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, name := range names {
			wg.Add(1)
			go func(name string, probe Probe) {
				defer wg.Done()
				result := "ok"
				if err := probe(ctx); err != nil {
					result = err.Error()
				}
				mu.Lock()
				resp.Checks[name] = result
				mu.Unlock()
			}(name, opts.Probes[name])
		}
		wg.Wait()

		status := http.StatusOK
		for _, name := range names {
			if resp.Checks[name] != "ok" {
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				opts.Logger.WarnContext(ctx, "readiness probe failed",
					"dependency", name,
					"error", resp.Checks[name],
				)
			}
		}
		if opts.OnReady != nil {
			opts.OnReady(status == http.StatusOK)
		}
		httputil.WriteJSON(w, status, resp)
	}
}
