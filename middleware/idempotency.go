// Package middleware carries the HTTP middleware of the settlement core.
package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"settlecore/models"
)

type contextKey string

const idempotencyContextKey contextKey = "idempotency-key"

// maxIdempotencyKeyLen matches the column width of the backing table.
const maxIdempotencyKeyLen = 128

// WithIdempotency replays the recorded response for requests that repeat an
// Idempotency-Key, so retried commands execute at most once. First
// executions are captured and stored alongside the key.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || len(key) > maxIdempotencyKeyLen {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.First(&record, "key = ?", key).Error; err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), idempotencyContextKey, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		stored := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now(),
		}
		if stored.Status == 0 {
			stored.Status = http.StatusOK
		}
		_ = db.Create(&stored).Error
	})
}

// IdempotencyKeyFromContext returns the key attached to the request, if any.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyContextKey).(string)
	return key, ok
}

// responseRecorder captures the response so it can be replayed for retries.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
