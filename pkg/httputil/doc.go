// Package httputil provides the JSON response helpers, request parsing and
// request-scoped middleware shared by the HTTP handlers.
//
//	router.Use(httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	))
//
//	orgID, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	if !ok {
//		return // 400 already written
//	}
package httputil
