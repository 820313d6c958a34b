package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/classbook/pkg/observability"
)

// Policy configures a fixed request window
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// StandardPolicy applies to ordinary read and write endpoints
func StandardPolicy() Policy {
	return Policy{Name: "standard", MaxRequests: 100, Window: 15 * time.Minute}
}

// StrictPolicy applies to authentication and destructive endpoints
func StrictPolicy() Policy {
	return Policy{Name: "strict", MaxRequests: 20, Window: 15 * time.Minute}
}

// UploadPolicy applies to file upload endpoints. classbook itself serves no
// uploads; the policy is for hosts that mount upload routes beside the API.
func UploadPolicy() Policy {
	return Policy{Name: "upload", MaxRequests: 10, Window: 60 * time.Minute}
}

// Decision is the outcome of a single Check
type Decision struct {
	Allowed           bool
	Limit             int
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
}

// WindowStore counts hits within a fixed window. Hit must be atomic per key:
// it starts a new window of length window when none is live, increments the
// count otherwise, and returns the post-increment count and the window reset time.
type WindowStore interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
}

// Limiter applies a Policy over a WindowStore
type Limiter struct {
	policy  Policy
	store   WindowStore
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter for policy backed by store
func NewLimiter(policy Policy, store WindowStore) *Limiter {
	return &Limiter{
		policy: policy,
		store:  store,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
}

// WithMetrics records decisions in m
func (l *Limiter) WithMetrics(m *observability.Metrics) *Limiter {
	l.metrics = m
	return l
}

// WithLogger sets the logger used for store failures
func (l *Limiter) WithLogger(logger *observability.Logger) *Limiter {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// WithClock overrides the time source
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Policy returns the limiter's policy
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check counts a request for key. It never fails: a store error admits the request.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	now := l.now()
	count, resetAt, err := l.store.Hit(ctx, l.policy.Name+":"+key, l.policy.Window, now)
	if err != nil {
		l.logger.WithError(err).WithField("policy", l.policy.Name).Warn("rate limit store unavailable, allowing request")
		if l.metrics != nil {
			l.metrics.RateLimitStoreErrors.WithLabelValues(l.policy.Name).Inc()
		}
		l.record("allowed")
		return Decision{
			Allowed:   true,
			Limit:     l.policy.MaxRequests,
			Remaining: l.policy.MaxRequests,
			ResetAt:   now.Add(l.policy.Window),
		}
	}

	d := Decision{
		Allowed: count <= l.policy.MaxRequests,
		Limit:   l.policy.MaxRequests,
		ResetAt: resetAt,
	}
	if remaining := l.policy.MaxRequests - count; remaining > 0 {
		d.Remaining = remaining
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfter(resetAt, now)
		l.record("denied")
		return d
	}
	l.record("allowed")
	return d
}

func (l *Limiter) record(outcome string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisionsTotal.WithLabelValues(l.policy.Name, outcome).Inc()
	}
}

func retryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is an in-process WindowStore. Expired windows are removed by
// the sweep started with Start.
type MemoryStore struct {
	mu            sync.Mutex
	windows       map[string]*window
	sweepInterval time.Duration
	now           func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewMemoryStore creates an empty store; sweepInterval defaults to one minute
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &MemoryStore{
		windows:       make(map[string]*window),
		sweepInterval: sweepInterval,
		now:           time.Now,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Hit implements WindowStore
func (s *MemoryStore) Hit(_ context.Context, key string, length time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(length)}
		s.windows[key] = w
		return w.count, w.resetAt, nil
	}
	w.count++
	return w.count, w.resetAt, nil
}

// Sweep deletes windows that have expired at now and returns how many were removed
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called
func (s *MemoryStore) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.sweepLoop(ctx)
	})
}

func (s *MemoryStore) sweepLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(s.now())
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Stop ends the sweep started by Start and waits for it to exit
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// RateLimitMiddleware throttles requests per client and route
type RateLimitMiddleware struct {
	limiter *Limiter
	proxies *TrustedProxies
}

// NewRateLimitMiddleware wraps limiter for HTTP use. Forwarding headers are
// ignored until trusted proxies are configured with WithTrustedProxies.
func NewRateLimitMiddleware(limiter *Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter}
}

// WithTrustedProxies sets the peers whose forwarding headers identify the client
func (m *RateLimitMiddleware) WithTrustedProxies(proxies *TrustedProxies) *RateLimitMiddleware {
	m.proxies = proxies
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := m.limiter.Check(r.Context(), RequestKey(r, m.proxies))

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))

		if !d.Allowed {
			rateLimitExceeded(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitExceeded(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", d.RetryAfterSeconds))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(fmt.Sprintf(`{"error":"rate limit exceeded","retry_after":%d}`, d.RetryAfterSeconds)))
}

// RequestKey identifies the caller and route of r. The mux path template is
// used when the request was routed, so /orgs/1 and /orgs/2 share a window.
func RequestKey(r *http.Request, proxies *TrustedProxies) string {
	route := r.URL.Path
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			route = tmpl
		}
	}
	return proxies.ClientIP(r) + ":" + route
}
