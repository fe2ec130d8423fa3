package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	domainErrors "github.com/cassiomorais/eventcore/internal/domain/errors"
	"github.com/cassiomorais/eventcore/internal/domain/idempotency"
)

const maxOperationLen = 100

// Guard runs a function at most once per idempotency key.
type Guard interface {
	Do(ctx context.Context, key idempotency.Key, ttl time.Duration, fn func(ctx context.Context) (idempotency.Result, error)) (idempotency.Result, bool, error)
}

// Idempotency makes admin mutations keyed by the Idempotency-Key header run
// once. A repeated request gets the original status code back with
// X-Idempotency-Replayed set. Server errors release the key.
func Idempotency(guard Guard, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Idempotency-Key")
			if header == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			operation := r.Method + " " + r.URL.Path
			if len(operation) > maxOperationLen {
				operation = operation[:maxOperationLen]
			}
			key := idempotency.Key{Operation: operation, Key: header}

			var served bool
			res, replayed, err := guard.Do(r.Context(), key, ttl, func(ctx context.Context) (idempotency.Result, error) {
				rec := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
				next.ServeHTTP(rec, r.WithContext(ctx))
				served = true
				if rec.statusCode >= http.StatusInternalServerError {
					return idempotency.Result{}, fmt.Errorf("handler returned %d", rec.statusCode)
				}
				return idempotency.Result{ResourceID: r.URL.Path, ResponseCode: rec.statusCode}, nil
			})
			if served {
				return
			}

			w.Header().Set("Content-Type", "application/json")
			switch {
			case replayed:
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(res.ResponseCode)
				json.NewEncoder(w).Encode(map[string]any{"replayed": true, "resource": res.ResourceID})
			case errors.Is(err, domainErrors.ErrOperationInProgress):
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "a request with this idempotency key is in progress",
					"code":  "in_progress",
				})
			case errors.As(err, new(*domainErrors.ValidationError)):
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"error": err.Error(),
					"code":  "validation_error",
				})
			default:
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "internal server error",
					"code":  "internal_error",
				})
			}
		})
	}
}
