package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/classbook/pkg/audit"
	"github.com/platinummonkey/classbook/pkg/billing"
	"github.com/platinummonkey/classbook/pkg/billingrun"
	"github.com/platinummonkey/classbook/pkg/middleware"
	"github.com/platinummonkey/classbook/pkg/observability"
	"github.com/platinummonkey/classbook/pkg/orgs"
)

type mockOrgStore struct {
	mu      sync.Mutex
	orgs    map[int64]*orgs.Organization
	gets    int
	updates []billing.BillingDayUpdate
}

func (m *mockOrgStore) GetOrganization(_ context.Context, id int64) (*orgs.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	org, ok := m.orgs[id]
	if !ok {
		return nil, orgs.ErrOrgNotFound
	}
	cp := *org
	return &cp, nil
}

func (m *mockOrgStore) UpdateBillingDay(_ context.Context, id int64, billingDay, feeDueDay int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[id]
	if !ok {
		return orgs.ErrOrgNotFound
	}
	org.BillingDay = &billingDay
	org.FeeDueDay = feeDueDay
	m.updates = append(m.updates, billing.BillingDayUpdate{BillingDay: billingDay, FeeDueDay: feeDueDay})
	return nil
}

type mockPayments struct {
	listFunc func(orgID int64, month string) ([]billing.MonthlyPaymentRecord, error)
}

func (m *mockPayments) ListPaymentRecords(_ context.Context, orgID int64, month string) ([]billing.MonthlyPaymentRecord, error) {
	if m.listFunc != nil {
		return m.listFunc(orgID, month)
	}
	return nil, nil
}

type mockStatus struct {
	reactivateFunc func(orgID int64, actor string) (*orgs.Outcome, error)
	checkFunc      func(orgID int64) (orgs.AutoDeactivateCheck, error)
}

func (m *mockStatus) Reactivate(_ context.Context, orgID int64, actor string) (*orgs.Outcome, error) {
	return m.reactivateFunc(orgID, actor)
}

func (m *mockStatus) CheckAutoDeactivateConditions(_ context.Context, orgID int64) (orgs.AutoDeactivateCheck, error) {
	return m.checkFunc(orgID)
}

type mockRunner struct {
	runAt time.Time
	err   error
}

func (m *mockRunner) Run(ctx context.Context) (billingrun.Report, error) {
	return m.RunAt(ctx, time.Time{})
}

func (m *mockRunner) RunAt(_ context.Context, now time.Time) (billingrun.Report, error) {
	m.runAt = now
	if m.err != nil {
		return billingrun.Report{}, m.err
	}
	return billingrun.Report{RunID: "run-1", Updated: 2}, nil
}

type mockWebhooks struct {
	err error
	sig string
}

func (m *mockWebhooks) Process(_ context.Context, payload []byte, signature string) (*billing.WebhookResult, error) {
	m.sig = signature
	if m.err != nil {
		return nil, m.err
	}
	return &billing.WebhookResult{EventID: "evt_1", Type: "invoice.paid", OrgID: 1, Handled: true}, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (a *recordingAudit) Log(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) Close() error { return nil }

type testEnv struct {
	server   *Server
	orgs     *mockOrgStore
	payments *mockPayments
	status   *mockStatus
	runner   *mockRunner
	webhooks *mockWebhooks
	audit    *recordingAudit
}

var fixedNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		orgs: &mockOrgStore{orgs: map[int64]*orgs.Organization{
			1: {ID: 1, Name: "Northside", Status: orgs.OrgStatusActive},
			2: {ID: 2, Name: "Southside", Status: orgs.OrgStatusActive, BillingDay: intPtr(15), FeeDueDay: 15},
		}},
		payments: &mockPayments{},
		status:   &mockStatus{},
		runner:   &mockRunner{},
		webhooks: &mockWebhooks{},
		audit:    &recordingAudit{},
	}
	cfg := Config{
		Orgs:     env.orgs,
		Payments: env.payments,
		Status:   env.status,
		Runner:   env.runner,
		Webhooks: env.webhooks,
		Audit:    env.audit,
		Now:      func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.server = NewServer(cfg)
	return env
}

func (e *testEnv) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListPayments_DefaultAnchorOverdue(t *testing.T) {
	env := newTestEnv(t, nil)
	env.payments.listFunc = func(orgID int64, month string) ([]billing.MonthlyPaymentRecord, error) {
		assert.Equal(t, int64(1), orgID)
		assert.Equal(t, "2024-03", month)
		return []billing.MonthlyPaymentRecord{
			{ID: 1, Month: "2024-03", AmountP: 5000, Status: billing.PaymentStatusPending},
			{ID: 2, Month: "2024-03", AmountP: 5000, Status: billing.PaymentStatusPaid, PaidAt: &fixedNow},
		}, nil
	}

	rec := env.do(http.MethodGet, "/orgs/1/payments?month=2024-03", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PaymentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.BillingDay)
	assert.Equal(t, "2024-03-01", resp.DueDate)
	assert.Equal(t, billing.GracePeriodDays, resp.GraceDays)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, billing.PaymentStatusOverdue, resp.Records[0].EffectiveStatus)
	assert.Equal(t, billing.PaymentStatusPaid, resp.Records[1].EffectiveStatus)
}

func TestListPayments_StatusFilterAndDefaultMonth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.payments.listFunc = func(orgID int64, month string) ([]billing.MonthlyPaymentRecord, error) {
		assert.Equal(t, "2024-03", month)
		return []billing.MonthlyPaymentRecord{
			{ID: 1, Month: "2024-03", Status: billing.PaymentStatusPending},
			{ID: 2, Month: "2024-02", Status: billing.PaymentStatusPending},
		}, nil
	}

	// Org 2 bills on the 15th: March is LATE on the 20th, February is OVERDUE
	rec := env.do(http.MethodGet, "/orgs/2/payments?status=late", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PaymentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, int64(1), resp.Records[0].ID)
	assert.Equal(t, billing.PaymentStatusLate, resp.Records[0].EffectiveStatus)

	rec = env.do(http.MethodGet, "/orgs/2/payments?status=PAID", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)
}

func TestListPayments_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/orgs/1/payments?month=March", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/orgs/1/payments?status=unknown", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/orgs/x/payments", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/orgs/99/payments", nil, nil).Code)

	env.payments.listFunc = func(int64, string) ([]billing.MonthlyPaymentRecord, error) {
		return nil, errors.New("db down")
	}
	rec := env.do(http.MethodGet, "/orgs/1/payments", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestListPayments_CachesAnchor(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/orgs/2/payments", nil, nil).Code)
	}
	assert.Equal(t, 1, env.orgs.gets)
}

func TestUpdateBillingDay(t *testing.T) {
	env := newTestEnv(t, nil)

	// Warm the anchor cache with day 15
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/orgs/2/payments", nil, nil).Code)

	rec := env.do(http.MethodPut, "/orgs/2/billing-day", []byte(`{"billing_day":"20"}`), map[string]string{"X-Actor": "ops@classbook.test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"billing_day":20,"fee_due_day":20}`, rec.Body.String())
	assert.Equal(t, []billing.BillingDayUpdate{{BillingDay: 20, FeeDueDay: 20}}, env.orgs.updates)

	require.Len(t, env.audit.entries, 1)
	entry := env.audit.entries[0]
	assert.Equal(t, audit.EventTypeBillingDayChanged, entry.EventType)
	assert.Equal(t, "Southside", entry.OrganizationName)
	assert.Equal(t, "ops@classbook.test", entry.Actor)
	assert.Equal(t, 15, entry.Metadata["previous_billing_day"])

	// The cached anchor was evicted
	rec = env.do(http.MethodGet, "/orgs/2/payments", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"billing_day":20`)
}

func TestUpdateBillingDay_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"billing_day":29}`, `{"billing_day":0}`, `{"billing_day":"abc"}`, `{"billing_day":null}`, `{"billing_day":15.5}`} {
		rec := env.do(http.MethodPut, "/orgs/1/billing-day", []byte(body), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPut, "/orgs/99/billing-day", []byte(`{"billing_day":3}`), nil).Code)
	assert.Empty(t, env.orgs.updates)
	assert.Empty(t, env.audit.entries)
}

func TestBillingHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.status.checkFunc = func(orgID int64) (orgs.AutoDeactivateCheck, error) {
		if orgID == 99 {
			return orgs.AutoDeactivateCheck{}, orgs.ErrOrgNotFound
		}
		return orgs.AutoDeactivateCheck{ShouldDeactivate: true, Reason: "3 failed payments in the last 30 days", FailureCount: 3}, nil
	}

	rec := env.do(http.MethodGet, "/orgs/1/billing-health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"should_deactivate":true,"reason":"3 failed payments in the last 30 days","failure_count":3}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/orgs/99/billing-health", nil, nil).Code)
}

func TestReactivate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.status.reactivateFunc = func(orgID int64, actor string) (*orgs.Outcome, error) {
		switch orgID {
		case 1:
			assert.Equal(t, "admin", actor)
			return &orgs.Outcome{
				Organization: &orgs.Organization{ID: 1, Status: orgs.OrgStatusActive},
				Transition:   orgs.Transition{From: orgs.OrgStatusPaused, To: orgs.OrgStatusActive},
			}, nil
		case 2:
			return nil, orgs.ErrAlreadyActive
		default:
			return nil, orgs.ErrOrgNotFound
		}
	}

	rec := env.do(http.MethodPost, "/admin/orgs/1/reactivate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"from":"PAUSED"`)

	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/admin/orgs/2/reactivate", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/admin/orgs/3/reactivate", nil, nil).Code)
}

func TestRunBilling(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/admin/billing/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"run-1"`)

	rec = env.do(http.MethodPost, "/admin/billing/run?date=2024-02-28", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), env.runner.runAt)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/admin/billing/run?date=yesterday", nil, nil).Code)

	env.runner.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, env.do(http.MethodPost, "/admin/billing/run", nil, nil).Code)
}

// emptyBillingStore has nobody due
type emptyBillingStore struct {
	billing.Store
}

func (emptyBillingStore) ListDueForBilling(context.Context, []int, time.Time) ([]*billing.PlatformBilling, error) {
	return nil, nil
}

func TestRunBilling_DateInBillingLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	env := newTestEnv(t, func(cfg *Config) { cfg.Location = ny })
	rec := env.do(http.MethodPost, "/admin/billing/run?date=2024-03-14", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.runner.runAt.Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, ny)))

	// Through the real orchestrator the run date stays the 14th and bills the 15th
	orch := billingrun.NewOrchestrator(emptyBillingStore{}, nil, nil, nil, billingrun.Config{Location: ny}, nil)
	env = newTestEnv(t, func(cfg *Config) {
		cfg.Location = ny
		cfg.Runner = orch
	})
	rec = env.do(http.MethodPost, "/admin/billing/run?date=2024-03-14", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report billingrun.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "2024-03-14", report.RunDate.In(ny).Format("2006-01-02"))
	assert.True(t, report.RunDate.Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, ny)))
	assert.Equal(t, []int{15}, report.Days)
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/billing/webhook", []byte(`{}`), map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t=1,v1=abc", env.webhooks.sig)
	assert.Contains(t, rec.Body.String(), `"handled":true`)

	env.webhooks.err = billing.ErrInvalidSignature
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/billing/webhook", []byte(`{}`), nil).Code)

	env.webhooks.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, env.do(http.MethodPost, "/billing/webhook", []byte(`{}`), nil).Code)
}

func TestRateLimitPolicies(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.StandardLimiter = middleware.NewLimiter(middleware.Policy{Name: "standard", MaxRequests: 3, Window: time.Minute}, middleware.NewMemoryStore(0))
		cfg.StrictLimiter = middleware.NewLimiter(middleware.Policy{Name: "strict", MaxRequests: 1, Window: time.Minute}, middleware.NewMemoryStore(0))
	})

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/admin/billing/run", nil, nil).Code)
	rec := env.do(http.MethodPost, "/admin/billing/run", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodGet, "/orgs/1/payments", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/orgs/2/payments", nil, nil).Code)
}

func TestRateLimit_ForwardedForFromUntrustedPeer(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.StrictLimiter = middleware.NewLimiter(middleware.StrictPolicy(), middleware.NewMemoryStore(0))
	})

	denied := 0
	for i := 0; i < 50; i++ {
		rec := env.do(http.MethodPost, "/admin/billing/run", nil, map[string]string{
			"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i),
		})
		if rec.Code == http.StatusTooManyRequests {
			denied++
		}
	}
	assert.Equal(t, 30, denied)
}

func TestRateLimit_TrustedProxyForwardsClient(t *testing.T) {
	proxies, err := middleware.ParseTrustedProxies([]string{"192.0.2.10"})
	require.NoError(t, err)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.StrictLimiter = middleware.NewLimiter(middleware.Policy{Name: "strict", MaxRequests: 1, Window: time.Minute}, middleware.NewMemoryStore(0))
		cfg.TrustedProxies = proxies
	})

	from := func(client string) int {
		return env.do(http.MethodPost, "/admin/billing/run", nil, map[string]string{"X-Forwarded-For": client}).Code
	}
	assert.Equal(t, http.StatusOK, from("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, from("203.0.113.7"))
	assert.Equal(t, http.StatusOK, from("203.0.113.8"))
}

func TestTracing_SpanPerRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	})

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/orgs/1/payments", nil, nil).Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /orgs/{id}/payments", spans[0].Name())
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Metrics = metrics
		cfg.Gatherer = reg
		cfg.Health = observability.NewHealthChecker(nil, nil)
	})

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/orgs/1/payments", nil, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health/live", nil, nil).Code)

	rec := env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `classbook_http_requests_total{method="GET",route="/orgs/{id}/payments",status="200"} 1`)
}
