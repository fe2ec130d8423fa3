package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sagaApp "github.com/cassiomorais/eventcore/internal/application/saga"
	"github.com/cassiomorais/eventcore/internal/middleware"
	"github.com/cassiomorais/eventcore/internal/repository/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newIdempotentHandler(status int) (http.Handler, *atomic.Int32) {
	var calls atomic.Int32
	guard := sagaApp.NewGuard(memory.NewIdempotencyStore(), zerolog.Nop())
	h := middleware.Idempotency(guard, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":true}`))
	}))
	return h, &calls
}

func post(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/outbox/dead-letters/abc/requeue", nil)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_ReplaysCompletedRequest(t *testing.T) {
	h, calls := newIdempotentHandler(http.StatusAccepted)

	first := post(h, "req-1")
	second := post(h, "req-1")

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.JSONEq(t, `{"ok":true}`, first.Body.String())
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	h, calls := newIdempotentHandler(http.StatusOK)

	post(h, "")
	post(h, "")

	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_ServerErrorReleasesKey(t *testing.T) {
	h, calls := newIdempotentHandler(http.StatusInternalServerError)

	first := post(h, "req-2")
	second := post(h, "req-2")

	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, http.StatusInternalServerError, second.Code)
	assert.Empty(t, second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, int32(2), calls.Load())
}
