package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("backend down")
}
func (failingLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestMiddlewareRejectsWithEnvelope(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	h := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-9" }, slog.Default())(okHandler())

	serve := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/topics", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, serve().Code)

	rec := serve()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-9", body.Meta.RequestID)
}

func TestMiddlewareSkipsEmptyKeyAndFailsOpen(t *testing.T) {
	skip := Middleware(NewMemoryLimiter(0.001, 1), func(*http.Request) string { return "" }, nil, slog.Default())(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		skip.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	open := Middleware(failingLimiter{}, IPKeyFunc, nil, slog.Default())(okHandler())
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "ip:192.0.2.7", IPKeyFunc(req))
}
