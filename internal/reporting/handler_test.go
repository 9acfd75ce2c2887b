package reporting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/analytics/normalize"
	"usagetrail/pkg/analytics/store/memory"
	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/testutil"
)

type failingUsage struct{ err error }

func (f failingUsage) Usage(context.Context, string, time.Time) (map[string]int64, error) {
	return nil, f.err
}

// =============================================================================
// Reporting handler
// =============================================================================
// Justification: the reporting routes are the only way operators read what
// the pipeline recorded. Tests pin parameter validation and store failures.

type HandlerSuite struct {
	suite.Suite
	metrics *memory.MetricsStore
	audit   *memory.AuditStore
	router  chi.Router
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.metrics = memory.NewMetricsStore()
	s.audit = memory.NewAuditStore()
	s.router = s.newRouter(New(s.metrics, s.audit, nil))

	ctx := context.Background()
	for i, op := range []analytics.OperationKind{analytics.OperationCreate, analytics.OperationRead, analytics.OperationRead} {
		rec := s.record(op, "/videos/"+strconv.Itoa(i))
		s.Require().NoError(s.metrics.WritePoint(ctx, rec))
		s.Require().NoError(s.audit.Insert(ctx, rec))
	}
}

func (s *HandlerSuite) newRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (s *HandlerSuite) record(op analytics.OperationKind, url string) analytics.CanonicalAnalyticRecord {
	org := "org-42"
	rec, _ := normalize.Normalize(analytics.RawDomainEvent{
		URL:            url,
		Method:         "GET",
		OperationKind:  op,
		ChargeCategory: analytics.ChargeOrganization,
		OrganizationID: &org,
		OccurredAt:     "2024-03-01T10:15:30.123Z",
	})
	return rec
}

func (s *HandlerSuite) TestUsage() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-42/usage?day=2024-03-01"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[usageResponse](s.T(), rr)
	s.Equal("org-42", resp.Organization)
	s.Equal("2024-03-01", resp.Day)
	s.Equal(map[string]int64{"Create": 1, "Read": 2, "total": 3}, resp.Counters)
}

func (s *HandlerSuite) TestUsageDefaultsToToday() {
	req := testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-42/usage")
	req = req.WithContext(testutil.WithFixedTime(req.Context(), time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)))

	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[usageResponse](s.T(), rr)
	s.Equal("2024-03-02", resp.Day)
	s.Empty(resp.Counters)
}

func (s *HandlerSuite) TestUsageRejectsBadDay() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-42/usage?day=01-03-2024"))

	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
}

func (s *HandlerSuite) TestUsageStoreFailure() {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := New(failingUsage{err: dErrors.Wrap(errors.New("dial tcp"), dErrors.CodeUnavailable, "read usage counters")}, s.audit, logger)
	req := testutil.WithRequestID(testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-42/usage"), "req-17")

	rr := testutil.DoRequest(s.newRouter(h), req)

	testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "unavailable")
	s.Contains(logs.String(), `"request_id":"req-17"`)
}

func (s *HandlerSuite) TestUsageWithoutCounters() {
	rr := testutil.DoRequest(s.newRouter(New(nil, s.audit, nil)),
		testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-42/usage"))

	testutil.AssertStatus(s.T(), rr, http.StatusServiceUnavailable)
}

func (s *HandlerSuite) TestOrganizationEvents() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-42/events?limit=2"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[eventsResponse](s.T(), rr)
	s.Len(resp.Events, 2)
	s.Equal("org-42", resp.Events[0].OrganizationID())
}

func (s *HandlerSuite) TestUnknownOrganizationHasNoEvents() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/organizations/org-7/events"))

	testutil.AssertStatusOK(s.T(), rr)
	assert.JSONEq(s.T(), `{"events":[]}`, rr.Body.String())
}

func (s *HandlerSuite) TestRecentEvents() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/events/recent"))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[eventsResponse](s.T(), rr)
	s.Len(resp.Events, 3)
}

func (s *HandlerSuite) TestLimitValidation() {
	for _, limit := range []string{"0", "-1", "abc", "501"} {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/events/recent?limit="+limit))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	}
}

func TestEventsWithoutAuditStore(t *testing.T) {
	r := chi.NewRouter()
	New(nil, nil, nil).Register(r)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/events/recent"))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

var _ EventLister = (*memory.AuditStore)(nil)
var _ UsageReader = (*memory.MetricsStore)(nil)
