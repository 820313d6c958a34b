// Package middleware provides HTTP middleware for request throttling and
// organisation context.
//
// # Rate Limiting
//
// Limiter applies a fixed window per key. The first request for a key (or the
// first after its window elapsed) opens a window of Policy.Window with a count
// of one; later requests increment the count and are denied once it exceeds
// Policy.MaxRequests. Denied decisions carry RetryAfterSeconds, the seconds left
// in the window rounded up and never less than one.
//
// Three policies are predefined:
//
//	StandardPolicy  100 requests / 15 minutes
//	StrictPolicy     20 requests / 15 minutes (destructive and admin endpoints)
//	UploadPolicy     10 requests / 60 minutes
//
// The classbook API mounts no upload routes. UploadPolicy is provided for hosts
// that serve uploads next to it and want the same limiter.
//
// Window state lives behind WindowStore. MemoryStore keeps it in process and
// must be started to sweep expired windows:
//
//	store := middleware.NewMemoryStore(time.Minute)
//	store.Start(ctx)
//	defer store.Stop()
//
// RedisStore shares windows between instances using a single Lua script:
//
//	store := middleware.NewRedisStore(redisClient, "classbook:ratelimit")
//
// A store failure never blocks a request: the limiter allows it and counts the
// failure in classbook_ratelimit_store_errors_total.
//
// # HTTP
//
//	limiter := middleware.NewLimiter(middleware.StrictPolicy(), store).WithMetrics(metrics)
//	router.Use(middleware.NewRateLimitMiddleware(limiter).Handler)
//
// Requests are keyed by client address and the gorilla/mux route template. The
// client address is the connection peer. Forwarding headers count only when the
// peer is a trusted proxy; X-Forwarded-For is then read right to left and the
// first hop outside the trusted set is the client:
//
//	proxies, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8"})
//	mw := middleware.NewRateLimitMiddleware(limiter).WithTrustedProxies(proxies)
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset; denials return 429 with Retry-After and a JSON body.
//
// OrgContextMiddleware resolves the {id} route variable to an organisation and
// stores it in the request context for OrgFromContext.
package middleware
