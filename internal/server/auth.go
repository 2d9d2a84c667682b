package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"permitflow/internal/engine/auth"
)

type AuthConfig struct {
	JWTSecret string
	// DevLogin registers POST /auth/dev/login.
	DevLogin bool
	Signer   auth.Signer
}

type identityKey struct{}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFromContext returns the resolved caller, or Anonymous when the
// middleware did not run.
func identityFromContext(ctx context.Context) auth.Identity {
	if id, ok := ctx.Value(identityKey{}).(auth.Identity); ok {
		return id
	}
	return auth.Anonymous()
}

// newIdentityMiddleware attaches the caller identity to every request. It
// never rejects: a missing or unverifiable token yields the anonymous user and
// authorization is left to the operation.
func newIdentityMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	resolver := auth.Resolver{Secret: cfg.JWTSecret}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := resolver.Resolve(req.Header.Get("Authorization"))
			if l := requestLogger(req.Context()); l != nil && id.Name != auth.UnknownIdentity {
				l.Debug("identity resolved", "user", id.Name, "role", string(id.Role))
			}
			next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
