package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/sentinel/internal/crypto"
)

// maxSignedBody bounds how much of a request body is read for signature
// verification.
const maxSignedBody = 1 << 20

// Auth returns middleware that verifies HMAC-signed requests. The body is
// read, checked against the signature and restored for the handler. A nil
// auth disables the check; paths in public are never checked.
func Auth(auth *crypto.RequestAuth, logger *slog.Logger, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil || open[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			var body []byte
			if r.Body != nil {
				b, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
				r.Body.Close()
				if err != nil {
					writeJSONError(w, http.StatusBadRequest, "unreadable body")
					return
				}
				if len(b) > maxSignedBody {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
					return
				}
				body = b
				r.Body = io.NopCloser(bytes.NewReader(b))
			}

			if err := auth.Verify(r.Header, r.Method, r.URL.Path, body, time.Now()); err != nil {
				logger.WarnContext(r.Context(), "request rejected",
					slog.String("path", r.URL.Path),
					slog.String("reason", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "invalid request signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
