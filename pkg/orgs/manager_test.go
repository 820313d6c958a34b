package orgs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/classbook/pkg/audit"
	"github.com/platinummonkey/classbook/pkg/observability"
)

// memoryStore is an in-memory Store whose UpdateLocked serializes on a mutex
type memoryStore struct {
	mu       sync.Mutex
	orgs     map[int64]*Organization
	staff    map[int64][]StaffMember
	attempts []*PaymentAttempt
	staffErr error
}

func newMemoryStore(orgs ...*Organization) *memoryStore {
	s := &memoryStore{orgs: make(map[int64]*Organization), staff: make(map[int64][]StaffMember)}
	for _, o := range orgs {
		s.orgs[o.ID] = o
	}
	return s
}

func (s *memoryStore) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrOrgNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *memoryStore) UpdateLocked(ctx context.Context, id int64, fn func(org *Organization) error) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrOrgNotFound
	}
	cp := *org
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.orgs[id] = &cp
	out := cp
	return &out, nil
}

func (s *memoryStore) UpdateBillingDay(ctx context.Context, id int64, billingDay, feeDueDay int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return ErrOrgNotFound
	}
	org.BillingDay = &billingDay
	org.FeeDueDay = feeDueDay
	return nil
}

func (s *memoryStore) ListStaff(ctx context.Context, orgID int64) ([]StaffMember, error) {
	if s.staffErr != nil {
		return nil, s.staffErr
	}
	return s.staff[orgID], nil
}

func (s *memoryStore) CountFailedPayments(ctx context.Context, orgID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.attempts {
		if a.OrgID == orgID && !a.Succeeded && !a.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) RecordPaymentAttempt(ctx context.Context, attempt *PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.ID = int64(len(s.attempts) + 1)
	s.attempts = append(s.attempts, attempt)
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (r *recordingAudit) Log(ctx context.Context, entry *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func (r *recordingAudit) Close() error { return nil }

func newTestManager(store Store, auditLog audit.Logger) *StatusManager {
	return NewStatusManager(store, auditLog, observability.NopLogger()).
		WithClock(func() time.Time { return testNow })
}

func TestStatusManager_FailuresPauseThenDeactivate(t *testing.T) {
	store := newMemoryStore(activeOrg())
	store.staff[1] = []StaffMember{{UserID: 10, Name: "Ada", Email: "ada@example.com", Role: "admin"}}
	auditLog := &recordingAudit{}
	manager := newTestManager(store, auditLog)
	ctx := context.Background()
	ev := PaymentFailureEvent{OrgID: 1, Reason: "card_declined", AmountP: 4500, OccurredAt: testNow}

	out, err := manager.HandlePaymentFailure(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OrgStatusActive, out.Organization.Status)
	assert.Empty(t, out.Staff)
	assert.Empty(t, auditLog.entries)

	out, err = manager.HandlePaymentFailure(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OrgStatusPaused, out.Organization.Status)
	assert.Len(t, out.Staff, 1)
	require.Len(t, auditLog.entries, 1)
	entry := auditLog.entries[0]
	assert.Equal(t, audit.EventTypeOrgAutoPaused, entry.EventType)
	assert.Equal(t, "Riverside Academy", entry.OrganizationName)
	assert.Equal(t, 2, entry.FailureCount)
	assert.Equal(t, audit.ActorSystem, entry.Actor)
	assert.Equal(t, "card_declined", entry.Metadata["reason"])

	// Paused orgs stay paused on further failures; no second audit entry
	out, err = manager.HandlePaymentFailure(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OrgStatusPaused, out.Organization.Status)
	assert.Equal(t, 3, out.Organization.PaymentFailureCount)
	assert.Len(t, auditLog.entries, 1)

	assert.Len(t, store.attempts, 3)
}

func TestStatusManager_SuccessResetsCount(t *testing.T) {
	store := newMemoryStore(activeOrg())
	manager := newTestManager(store, nil)
	ctx := context.Background()

	_, err := manager.HandlePaymentFailure(ctx, PaymentFailureEvent{OrgID: 1, Reason: "card_declined"})
	require.NoError(t, err)

	out, err := manager.HandlePaymentSuccess(ctx, PaymentSuccessEvent{OrgID: 1, AmountP: 4500})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Organization.PaymentFailureCount)
	assert.Equal(t, OrgStatusActive, out.Organization.Status)
	require.NotNil(t, out.Organization.LastPaymentDate)
	assert.True(t, out.Organization.LastPaymentDate.Equal(testNow))
}

func TestStatusManager_ConcurrentFailuresSerialize(t *testing.T) {
	store := newMemoryStore(activeOrg())
	auditLog := &recordingAudit{}
	manager := newTestManager(store, auditLog)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.HandlePaymentFailure(context.Background(), PaymentFailureEvent{OrgID: 1, Reason: "card_declined"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	org, err := store.GetOrganization(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, org.PaymentFailureCount)
	assert.Equal(t, OrgStatusPaused, org.Status)
	assert.Len(t, auditLog.entries, 1)
}

func TestStatusManager_AuditFailureDoesNotUndoTransition(t *testing.T) {
	org := activeOrg()
	org.PaymentFailureCount = 1
	store := newMemoryStore(org)
	store.staffErr = errors.New("staff lookup failed")
	manager := newTestManager(store, &recordingAudit{err: errors.New("audit down")})

	out, err := manager.HandlePaymentFailure(context.Background(), PaymentFailureEvent{OrgID: 1, Reason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, OrgStatusPaused, out.Organization.Status)

	stored, _ := store.GetOrganization(context.Background(), 1)
	assert.Equal(t, OrgStatusPaused, stored.Status)
}

func TestStatusManager_UnknownOrg(t *testing.T) {
	manager := newTestManager(newMemoryStore(), nil)

	_, err := manager.HandlePaymentFailure(context.Background(), PaymentFailureEvent{OrgID: 404})
	assert.ErrorIs(t, err, ErrOrgNotFound)

	_, err = manager.CheckAutoDeactivateConditions(context.Background(), 404)
	assert.ErrorIs(t, err, ErrOrgNotFound)
}

func TestStatusManager_Reactivate(t *testing.T) {
	org := activeOrg()
	org.PaymentFailureCount = 1
	store := newMemoryStore(org)
	auditLog := &recordingAudit{}
	manager := newTestManager(store, auditLog)
	ctx := context.Background()

	_, err := manager.Reactivate(ctx, 1, "admin@example.com")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = manager.HandlePaymentFailure(ctx, PaymentFailureEvent{OrgID: 1, Reason: "card_declined"})
	require.NoError(t, err)

	out, err := manager.Reactivate(ctx, 1, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, OrgStatusActive, out.Organization.Status)
	assert.Nil(t, out.Organization.PausedAt)
	assert.Equal(t, 2, out.Organization.PaymentFailureCount)

	require.Len(t, auditLog.entries, 2)
	assert.Equal(t, audit.EventTypeOrgReactivated, auditLog.entries[1].EventType)
	assert.Equal(t, "admin@example.com", auditLog.entries[1].Actor)
}

func TestStatusManager_CheckAutoDeactivateConditions(t *testing.T) {
	org := activeOrg()
	org.AutoSuspendEnabled = true
	store := newMemoryStore(org)
	manager := newTestManager(store, nil)
	ctx := context.Background()

	for _, age := range []time.Duration{time.Hour, 5 * 24 * time.Hour, 40 * 24 * time.Hour} {
		require.NoError(t, manager.RecordPaymentAttempt(ctx, &PaymentAttempt{OrgID: 1, OccurredAt: testNow.Add(-age)}))
	}

	check, err := manager.CheckAutoDeactivateConditions(ctx, 1)
	require.NoError(t, err)
	assert.False(t, check.ShouldDeactivate)
	assert.Equal(t, 2, check.FailureCount)

	require.NoError(t, manager.RecordPaymentAttempt(ctx, &PaymentAttempt{OrgID: 1, OccurredAt: testNow.Add(-29 * 24 * time.Hour)}))
	check, err = manager.CheckAutoDeactivateConditions(ctx, 1)
	require.NoError(t, err)
	assert.True(t, check.ShouldDeactivate)
	assert.Equal(t, 3, check.FailureCount)
	assert.Contains(t, check.Reason, "3 failed payments")

	// The predicate never mutates the organisation
	stored, _ := store.GetOrganization(ctx, 1)
	assert.Equal(t, OrgStatusActive, stored.Status)
}

func TestStatusManager_CheckAutoDeactivateDisabled(t *testing.T) {
	store := newMemoryStore(activeOrg())
	manager := newTestManager(store, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.RecordPaymentAttempt(context.Background(), &PaymentAttempt{OrgID: 1}))
	}

	check, err := manager.CheckAutoDeactivateConditions(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, check.ShouldDeactivate)
	assert.Contains(t, check.Reason, "disabled")
}

func TestStatusManager_Metrics(t *testing.T) {
	org := activeOrg()
	org.PaymentFailureCount = 1
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	manager := newTestManager(newMemoryStore(org), nil).WithMetrics(metrics)

	_, err := manager.HandlePaymentFailure(context.Background(), PaymentFailureEvent{OrgID: 1})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PaymentEventsTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OrgTransitionsTotal.WithLabelValues("ACTIVE", "PAUSED")))
}
