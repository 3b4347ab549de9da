package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// fakeClock is advanced manually so refill tests don't sleep.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := newLimiter(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute}, clock.Now)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("ip"))

	// 60/min refills one token per second.
	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("ip"))
	assert.False(t, limiter.Allow("ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 2)

	limiter.Allow("ip")
	clock.Advance(time.Hour)

	assert.True(t, limiter.Allow("ip"))
	assert.True(t, limiter.Allow("ip"))
	assert.False(t, limiter.Allow("ip"))
}

func TestConfigForRPM(t *testing.T) {
	cfg := ConfigForRPM(120)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)

	assert.Equal(t, 1, ConfigForRPM(3).BurstSize)
	assert.Equal(t, DefaultConfig(), ConfigForRPM(0))
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, 30, 1)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/purchase-links/resolve", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/purchase-links/resolve", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/purchase-links/resolve", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	// 30/min is one token every two seconds.
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
