package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftvault/models"
)

// ContextKeyIDKey stores the idempotency key associated with the request.
type ContextKeyIDKey string

const contextKeyIdempotency ContextKeyIDKey = "idempotency-key"

// WithIdempotency ensures mutating requests carrying the same Idempotency-Key
// header are executed once; replays receive the recorded response. The key
// row is claimed with an insert-conflict guard before the handler runs, so
// two concurrent requests with the same key cannot both execute: the loser
// either replays the recorded response or, while the winner is still in
// flight, is told to retry. The tx hash ledger in settlement stays the
// consistency anchor for payments; this middleware only shields the HTTP
// surface from client retries.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		claim := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now().UTC(),
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
		if res.Error != nil {
			http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
			return
		}
		if res.RowsAffected == 0 {
			var record models.IdempotencyKey
			if err := db.First(&record, "key = ?", key).Error; err != nil {
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if record.Status == 0 {
				// The claiming request has not finished yet.
				http.Error(w, "request with this idempotency key is in progress", http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		err := db.Model(&models.IdempotencyKey{}).
			Where("key = ?", key).
			Updates(map[string]any{"status": status, "response": recorder.buf}).Error
		if err != nil {
			slog.Default().Error("idempotency record failed", "key", key, "error", err.Error())
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
