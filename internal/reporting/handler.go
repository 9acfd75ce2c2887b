// Package reporting serves the read side of the pipeline: daily usage
// counters from the metrics store and recorded events from the audit store.
package reporting

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/deliverycontext"
	"usagetrail/pkg/domain"
	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/platform/httputil"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	dayLayout    = "2006-01-02"
)

// UsageReader reads the daily usage counters of an organization.
type UsageReader interface {
	Usage(ctx context.Context, org string, day time.Time) (map[string]int64, error)
}

// EventLister reads persisted records back from the audit store.
type EventLister interface {
	ListByOrganization(ctx context.Context, org domain.OrganizationID, limit int) ([]analytics.CanonicalAnalyticRecord, error)
	ListRecent(ctx context.Context, limit int) ([]analytics.CanonicalAnalyticRecord, error)
}

// Handler serves the reporting routes. Either dependency may be nil when the
// configured store cannot answer; its routes then return 503.
type Handler struct {
	usage  UsageReader
	events EventLister
	logger *slog.Logger
}

func New(usage UsageReader, events EventLister, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{usage: usage, events: events, logger: logger}
}

// Register registers the reporting routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/organizations/{org}/usage", h.handleUsage)
	r.Get("/organizations/{org}/events", h.handleOrganizationEvents)
	r.Get("/events/recent", h.handleRecentEvents)
}

type usageResponse struct {
	Organization string           `json:"organization"`
	Day          string           `json:"day"`
	Counters     map[string]int64 `json:"counters"`
}

type eventsResponse struct {
	Events []analytics.CanonicalAnalyticRecord `json:"events"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.usage == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "configured metrics store has no usage counters"))
		return
	}

	org := chi.URLParam(r, "org")
	day := deliverycontext.Now(ctx).UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse(dayLayout, raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "day must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	counters, err := h.usage.Usage(ctx, org, day)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read usage",
			"organization_id", org,
			"request_id", requestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, usageResponse{
		Organization: org,
		Day:          day.Format(dayLayout),
		Counters:     counters,
	})
}

func (h *Handler) handleOrganizationEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	org, err := domain.ParseOrganizationID(chi.URLParam(r, "org"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid organization id"))
		return
	}
	events, err := h.events.ListByOrganization(ctx, org, limit)
	h.writeEvents(w, r, events, err)
}

func (h *Handler) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	events, err := h.events.ListRecent(r.Context(), limit)
	h.writeEvents(w, r, events, err)
}

// limit parses ?limit= and answers the request itself when the audit store
// is missing or the value is bad.
func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	if h.events == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnavailable, "configured audit store cannot be queried"))
		return 0, false
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and "+strconv.Itoa(maxLimit)))
		return 0, false
	}
	return n, true
}

func (h *Handler) writeEvents(w http.ResponseWriter, r *http.Request, events []analytics.CanonicalAnalyticRecord, err error) {
	ctx := r.Context()
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list events",
			"request_id", requestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	if events == nil {
		events = []analytics.CanonicalAnalyticRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func requestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}
