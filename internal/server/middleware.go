package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"

	"specline/internal/logger"
)

type bodyBytesKey struct{}

// bufferBody keeps a copy of the request body so handlers can tell an absent body from an empty one.
func bufferBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(data))
		ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

// requestLogger records one structured line per request and attaches a Sentry
// hub and transaction. Panics are recovered, reported and answered with 500.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
			}
			tx := sentry.StartTransaction(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer tx.Finish()
			r = r.WithContext(tx.Context())
			hub.Scope().SetRequest(r)

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				if rec := recover(); rec != nil {
					tx.Status = sentry.SpanStatusInternalError
					hub.RecoverWithContext(r.Context(), rec)
					log.Error("panic recovered", "method", r.Method, "path", r.URL.Path,
						"request_id", middleware.GetReqID(r.Context()), "panic", fmt.Sprint(rec))
					if ww.Status() == 0 {
						respondStatusError(ww, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					}
					return
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				tx.Status = sentry.HTTPtoSpanStatus(status)
				kv := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				}
				switch {
				case status >= 500:
					log.Error("request completed", kv...)
				case status >= 400:
					log.Warn("request completed", kv...)
				default:
					log.Info("request completed", kv...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// reportError sends an unexpected failure to Sentry using the request's hub when present.
func reportError(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}
