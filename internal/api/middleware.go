package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/metrics"
)

type ctxKey struct{}

// adminID returns the authenticated admin.
func adminID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func withAdmin(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeProblem(w, http.StatusUnauthorized, codeUnauthenticated, "bearer token required")
			return
		}
		claims, err := h.Sessions.Verify(token)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, codeUnauthenticated, "invalid or expired session")
			return
		}
		next.ServeHTTP(w, r.WithContext(withAdmin(r.Context(), claims.AdminID)))
	})
}

// requireMFA admits mutating calls only inside an open step-up window.
func (h *handler) requireMFA(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := adminID(r.Context())
		fresh, err := h.StepUp.Fresh(r.Context(), id)
		if err != nil {
			slog.Error("Failed to check mfa window", "admin_id", id, "error", err)
			writeProblem(w, http.StatusInternalServerError, codeInternal, "mfa state unavailable")
			return
		}
		if !fresh {
			denied := fmt.Errorf("%w: recent second factor required for %s %s", domain.ErrPermissionDenied, r.Method, r.URL.Path)
			if err := h.Trail.Deny(r.Context(), id, domain.OpMFARequired, "", "", denied); !errors.Is(err, domain.ErrPermissionDenied) {
				writeError(w, r, err, nil)
				return
			}
			writeProblem(w, http.StatusForbidden, codeMFARequired, "recent second factor required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		slog.Debug("HTTP request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
