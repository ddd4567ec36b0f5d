package adminserver

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// handlerFunc is http.HandlerFunc with an error return, so each route can
// report its outcome without hand-rolling status-code plumbing at every
// call site.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// withMiddleware wraps h with the teacher's LoggingInterceptor/
// RecoveryInterceptor pair, reimagined as net/http middleware since this
// surface is plain HTTP rather than a ConnectRPC unary interceptor chain.
func withMiddleware(log *slog.Logger, h handlerFunc) http.Handler {
	return recoveryMiddleware(log, loggingMiddleware(log, h))
}

// loggingMiddleware logs procedure, duration, and error for every admin
// call, mirroring the teacher's LoggingInterceptor Info/Warn split.
func loggingMiddleware(log *slog.Logger, h handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		start := time.Now()
		err := h(w, r)
		dur := time.Since(start)

		var statusErr *statusError
		if err == nil {
			log.Info("admin call completed", "procedure", r.URL.Path, "duration", dur)
			return nil
		}
		if errors.As(err, &statusErr) {
			http.Error(w, statusErr.Error(), statusErr.status)
			log.Warn("admin call failed", "procedure", r.URL.Path, "duration", dur, "error", statusErr.err)
			return nil
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		log.Warn("admin call failed", "procedure", r.URL.Path, "duration", dur, "error", err)
		return nil
	}
}

// recoveryMiddleware recovers panics in h, logs a stack trace, and answers
// 500 instead of letting net/http's default recovery close the connection
// silently. Mirrors the teacher's RecoveryInterceptor.
func recoveryMiddleware(log *slog.Logger, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Error("panic in admin handler", "procedure", r.URL.Path, "panic", rec, "stack", string(buf[:n]))
				http.Error(w, ErrPanicRecovered.Error(), http.StatusInternalServerError)
			}
		}()
		_ = h(w, r)
	})
}
