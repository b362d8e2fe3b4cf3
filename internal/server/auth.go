package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"specline/internal/engine"
	"specline/internal/engine/auth"
	"specline/internal/logger"
)

type AuthConfig struct {
	Service auth.Service
	// DevLogin enables the token minting endpoint for local use.
	DevLogin bool
	Logger   *logger.Logger
}

type Principal struct {
	UserID string
	Email  string
	Source string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func userIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				id  auth.Identity
				err error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				id, err = cfg.Service.ParseToken(token)
			case apiKey != "":
				id, err = cfg.Service.ResolveAPIKey(req.Context(), apiKey)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthenticated) && !engine.IsNotFound(err) {
					cfg.Logger.Error("resolve credentials", "error", err)
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			if id.Source == auth.SourceJWT {
				if _, err := e.EnsureUser(req.Context(), id.UserID, id.Email); err != nil {
					cfg.Logger.Error("ensure user", "user_id", id.UserID, "error", err)
					respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					return
				}
			}
			ctx := withPrincipal(req.Context(), Principal{UserID: id.UserID, Email: id.Email, Source: id.Source})
			next.ServeHTTP(w, req.WithContext(ctx))
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
