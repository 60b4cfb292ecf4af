package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/config"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/service"
)

type stubClientRepo struct {
	clients map[string]*model.Client
}

func (r stubClientRepo) GetByAPIKey(_ context.Context, key string) (*model.Client, error) {
	return r.clients[key], nil
}

func serve(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func clientRouter(cm *service.ClientManager, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append([]gin.HandlerFunc{AuthMiddleware(cm)}, extra...)
	chain = append(chain, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"client": ClientFrom(c).ID})
	})
	r.GET("/ping", chain...)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{
		Auth:    config.AuthConfig{RequireAPIKey: true},
		Clients: []config.ClientConfig{{ID: "shop-1", APIKey: "key-1"}},
	}
	repo := stubClientRepo{clients: map[string]*model.Client{"key-db": {ID: "shop-db", APIKey: "key-db"}}}
	r := clientRouter(service.NewClientManager(cfg, repo))

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/ping", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/ping", map[string]string{HeaderAPIKey: "wrong"}).Code)

	rec := serve(r, http.MethodGet, "/ping", map[string]string{HeaderAPIKey: "key-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shop-1")

	rec = serve(r, http.MethodGet, "/ping", map[string]string{HeaderAPIKey: "key-db"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shop-db")
}

func TestAuthMiddlewareAnonymous(t *testing.T) {
	r := clientRouter(service.NewClientManager(&config.Config{}, nil))
	rec := serve(r, http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anonymous")
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := &config.Config{
		Auth:    config.AuthConfig{RequireAPIKey: true},
		Clients: []config.ClientConfig{{ID: "shop-1", APIKey: "key-1", QPS: 0.001, Burst: 2}},
	}
	cm := service.NewClientManager(cfg, nil)
	r := clientRouter(cm, RateLimitMiddleware(cm))
	h := map[string]string{HeaderAPIKey: "key-1"}

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/ping", h).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/ping", h).Code)
	rec := serve(r, http.MethodGet, "/ping", h)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{GlobalQPS: 0.001, GlobalBurst: 1}}
	cm := service.NewClientManager(cfg, nil)
	r := clientRouter(cm, RateLimitMiddleware(cm))

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/ping", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/ping", nil).Code)
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	r := gin.New()
	r.GET("/admin", AdminMiddleware(&config.Config{Auth: config.AuthConfig{AdminKey: "s3cret"}}), ok)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/admin", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/admin", map[string]string{HeaderAdminKey: "s3cre"}).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/admin", map[string]string{HeaderAdminKey: "s3cret"}).Code)

	// no key configured: admin surface is closed
	r2 := gin.New()
	r2.GET("/admin", AdminMiddleware(&config.Config{}), ok)
	assert.Equal(t, http.StatusForbidden, serve(r2, http.MethodGet, "/admin", map[string]string{HeaderAdminKey: ""}).Code)
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cm := service.NewClientManager(&config.Config{}, nil)
	var calls atomic.Int32

	r := gin.New()
	r.POST("/evaluate", AuthMiddleware(cm), IdempotencyMiddleware(NewInMemIdempotencyStore(0)), func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(http.StatusOK, gin.H{"call": n})
	})

	h := map[string]string{HeaderIdempotencyKey: "retry-1"}
	first := serve(r, http.MethodPost, "/evaluate", h)
	second := serve(r, http.MethodPost, "/evaluate", h)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, int32(1), calls.Load())

	serve(r, http.MethodPost, "/evaluate", map[string]string{HeaderIdempotencyKey: "retry-2"})
	serve(r, http.MethodPost, "/evaluate", nil)
	assert.Equal(t, int32(3), calls.Load())
}

func TestIdempotencyDoesNotCacheServerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cm := service.NewClientManager(&config.Config{}, nil)
	var calls atomic.Int32

	r := gin.New()
	r.POST("/evaluate", AuthMiddleware(cm), IdempotencyMiddleware(NewInMemIdempotencyStore(0)), func(c *gin.Context) {
		if calls.Add(1) == 1 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	h := map[string]string{HeaderIdempotencyKey: "k"}
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodPost, "/evaluate", h).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/evaluate", h).Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyInFlightConflict(t *testing.T) {
	store := NewInMemIdempotencyStore(0)
	_, hit := store.GetOrLock(context.Background(), "anonymous:busy")
	require.False(t, hit)

	gin.SetMode(gin.TestMode)
	cm := service.NewClientManager(&config.Config{}, nil)
	r := gin.New()
	r.POST("/evaluate", AuthMiddleware(cm), IdempotencyMiddleware(store), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	rec := serve(r, http.MethodPost, "/evaluate", map[string]string{HeaderIdempotencyKey: "busy"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
