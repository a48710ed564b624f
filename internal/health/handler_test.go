package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"context"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeSnapshotter struct{ snap Snapshot }

func (f fakeSnapshotter) Snapshot() Snapshot { return f.snap }

func TestLiveness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, nil, 10, func() int { return 0 })
	r := gin.New()
	r.GET("/live", h.Liveness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessUnderCapacity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, nil, 10, func() int { return 3 })
	r := gin.New()
	r.GET("/ready", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessAtCapacity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, nil, 10, func() int { return 10 })
	r := gin.New()
	r.GET("/ready", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessRedisDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakePinger{err: errors.New("down")}, nil, 10, func() int { return 1 })
	r := gin.New()
	r.GET("/ready", h.Readiness)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, fakeSnapshotter{snap: Snapshot{ClientsCurrent: 2, ClientsMax: 10, Counters: map[string]int{"sessions": 1}}}, 10, func() int { return 2 })
	r := gin.New()
	r.GET("/health", h.Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"clientsCurrent\":2")
}
