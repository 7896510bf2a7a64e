package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/callquery/callquery/internal/auth"
)

const anonymousUser = "anonymous"

// userFromRequest resolves whose conversation and preferences a request acts
// on: the authenticated identity, then X-User-ID, then anonymous.
func userFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if userID := strings.TrimSpace(identity.UserID); userID != "" {
			return userID
		}
	}
	if userID := strings.TrimSpace(r.Header.Get("X-User-ID")); userID != "" {
		return userID
	}
	return anonymousUser
}

// requireAnyRole passes unauthenticated requests; auth.Middleware decides
// whether those reach the handler at all.
func requireAnyRole(r *http.Request, roles ...string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	for _, role := range roles {
		if identity.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("missing required role, expected one of %q", strings.Join(roles, ","))
}
