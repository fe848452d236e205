package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/dubhub/internal/api/response"
)

// startedWriter records whether any part of the response has been sent.
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *startedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Recovery turns a handler panic into a 500 error envelope. Once a response
// has started (an event stream, say) the connection is aborted instead, since
// a second status line cannot be sent.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &startedWriter{ResponseWriter: w}
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			slog.Error("panic recovered",
				"error", err,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
				"response_started", sw.started,
			)
			if sw.started {
				panic(http.ErrAbortHandler)
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(sw, r)
	})
}
