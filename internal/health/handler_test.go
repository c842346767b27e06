package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/d9705996/oncall/internal/api/jsonapi"
	"github.com/d9705996/oncall/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPinger struct{ err error }

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func ready(h *health.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeReady(w, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
	return w
}

func TestServeHealth_AlwaysOK(t *testing.T) {
	h := health.New(&mockPinger{})
	w := httptest.NewRecorder()
	h.ServeHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.api+json", w.Header().Get("Content-Type"))

	var doc jsonapi.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.NotNil(t, doc.Data)
}

func TestServeReady_DBHealthy(t *testing.T) {
	w := ready(health.New(&mockPinger{}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
}

func TestServeReady_DBUnhealthy(t *testing.T) {
	w := ready(health.New(&mockPinger{err: errors.New("connection refused")}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var doc jsonapi.ErrorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "dependency_unavailable", doc.Errors[0].Code)
	assert.Equal(t, "database", doc.Errors[0].Source.Parameter)
}

func TestServeReady_NilDB(t *testing.T) {
	w := ready(health.New(nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeReady_ReportsEveryFailingCheck(t *testing.T) {
	h := health.New(&mockPinger{}).
		Add("events", health.PingFunc(func(context.Context) error { return errors.New("no brokers") })).
		Add("queue", &mockPinger{})
	w := ready(h)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var doc jsonapi.ErrorDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Errors, 1)
	assert.Contains(t, doc.Errors[0].Detail, "events is unreachable: no brokers")
}
