package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(20, 100))
	assert.Equal(t, time.Second, bucketTTL(1000, 1))
}

func TestParseTokens(t *testing.T) {
	assert.InDelta(t, 0.25, parseTokens("0.25"), 1e-9)
	assert.Equal(t, float64(3), parseTokens(int64(3)))
	assert.Equal(t, float64(0), parseTokens("nope"))
	assert.Equal(t, float64(0), parseTokens(nil))
}

func TestNilGuardAllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var guard *WebhookGuard

	r := gin.New()
	r.POST("/hook", guard.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	release, err := guard.LockSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	release()
}

func TestNilLockerRejectsTryLock(t *testing.T) {
	var l *Locker
	_, ok, err := l.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
}
