package transport

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gestia/tramite/internal/idempotency"
	"github.com/gestia/tramite/model"
)

// maxIdempotentBody bounds the request body buffered for hashing.
const maxIdempotentBody = 1 << 20

// Idempotency returns middleware that deduplicates mutating requests carrying
// an X-Idempotency-Key header. A replay with the same key and payload returns
// the originally stored response; the same key with a different payload is
// rejected with CONFLICT. Requests without the header pass through untouched.
func Idempotency(store idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headerKey := r.Header.Get("X-Idempotency-Key")
			if headerKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				WriteError(w, model.NewBadRequestError("failed to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := idempotency.FormatKey(r.URL.Path, headerKey)
			hash := idempotency.HashInput(body)

			cached, found, err := store.Check(r.Context(), key, hash)
			if err != nil {
				if found {
					// Key reuse with a different payload.
					WriteError(w, model.NewConflictError(
						"idempotency key was already used with a different payload"))
					return
				}
				// Store failures degrade to executing the request.
				slog.Warn("idempotency: check failed", "error", err)
			}
			if cached != nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Only successful outcomes are worth replaying.
			if rec.status >= 200 && rec.status < 300 {
				result := idempotency.CachedResponse{
					Status: rec.status,
					Body:   rec.buf.Bytes(),
				}
				if err := store.Store(r.Context(), key, hash, result, ttl); err != nil {
					slog.Warn("idempotency: store failed", "error", err)
				}
			}
		})
	}
}

// recordingWriter tees the response body so it can be stored for replay.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	buf     bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}
