package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/classbook/pkg/orgs"
)

// OrgContextKey is the key for organization context
type OrgContextKey string

const (
	// OrgKey is the context key for organization
	OrgKey OrgContextKey = "organization"
)

// OrgLoader fetches an organisation by id
type OrgLoader interface {
	GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error)
}

// OrgContextMiddleware loads the organisation named by the {id} route
// variable into the request context. Requests without the variable pass through.
func OrgContextMiddleware(loader OrgLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			orgIDStr, ok := mux.Vars(r)["id"]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			orgID, err := strconv.ParseInt(orgIDStr, 10, 64)
			if err != nil || orgID <= 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid organization id")
				return
			}

			org, err := loader.GetOrganization(r.Context(), orgID)
			if errors.Is(err, orgs.ErrOrgNotFound) {
				writeJSONError(w, http.StatusNotFound, "organization not found")
				return
			}
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to load organization")
				return
			}

			ctx := context.WithValue(r.Context(), OrgKey, org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgFromContext returns the organisation loaded by OrgContextMiddleware
func OrgFromContext(ctx context.Context) (*orgs.Organization, bool) {
	org, ok := ctx.Value(OrgKey).(*orgs.Organization)
	return org, ok && org != nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
