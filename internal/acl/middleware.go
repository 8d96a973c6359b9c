package acl

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Headers set by the upstream authenticator. Authentication itself is out of
// scope here; these carry the already-established identity.
const (
	HeaderPrincipal   = "X-Acl-Principal"
	HeaderAuthorities = "X-Acl-Authorities"
)

// Middleware wires object-level authorization helpers for HTTP handlers.
type Middleware struct {
	Evaluator *Evaluator
	Logger    *slog.Logger
}

// WithPrincipal extracts the caller identity from the authenticator headers
// into the request context. Requests without a principal pass through
// unauthenticated; guarded routes reject them later.
func (m Middleware) WithPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get(HeaderPrincipal))
		if name == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal := Principal{Name: name}
		if raw := strings.TrimSpace(r.Header.Get(HeaderAuthorities)); raw != "" {
			for _, a := range strings.Split(raw, ",") {
				if a = strings.TrimSpace(a); a != "" {
					principal.Authorities = append(principal.Authorities, a)
				}
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// ObjectResolver maps a request to the target object identity. The bool
// reports whether a target could be derived.
type ObjectResolver func(r *http.Request) (ObjectIdentity, bool)

// RouteObject resolves the target from {type} and {id} chi route parameters.
func RouteObject(r *http.Request) (ObjectIdentity, bool) {
	objType := chi.URLParam(r, "type")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if objType == "" || err != nil {
		return ObjectIdentity{}, false
	}
	return ObjectIdentity{Type: objType, ID: id}, true
}

// Require guards routes behind an object-level permission check: the caller
// must hold at least one of the given permissions on the resolved object.
func (m Middleware) Require(resolve ObjectResolver, perms ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			oid, ok := resolve(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			if m.Evaluator == nil {
				if m.Logger != nil {
					m.Logger.Error("acl require without evaluator")
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if m.Evaluator.HasPermission(r.Context(), principal, oid, perms...) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}
