package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"liveconsult/internal/auth"
	"liveconsult/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "mw-test-secret"

func authedRouter(extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(testSecret))
	r.Use(extra...)
	r.GET("/me", func(c *gin.Context) {
		uid, ok := UserID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": uid, "roles": Roles(c)})
	})
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := authedRouter()

	if w := get(r, "/me", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", w.Code)
	}
	if w := get(r, "/me", "not-a-jwt"); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", w.Code)
	}

	other, err := auth.Issue("other-secret", 7, nil, time.Hour)
	require.NoError(t, err)
	if w := get(r, "/me", other); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: expected 401, got %d", w.Code)
	}

	noExp, err := auth.Issue(testSecret, 7, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get(r, "/me", noExp).Code)

	tok, err := auth.Issue(testSecret, 7, []string{"provider"}, time.Hour)
	require.NoError(t, err)
	w := get(r, "/me", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":7,"roles":["provider"]}`, w.Body.String())
}

func TestRequireRole(t *testing.T) {
	r := authedRouter(RequireRole("provider"))

	client, _ := auth.Issue(testSecret, 1, []string{"client"}, time.Hour)
	provider, _ := auth.Issue(testSecret, 2, []string{"provider"}, time.Hour)
	admin, _ := auth.Issue(testSecret, 3, []string{"admin"}, time.Hour)

	assert.Equal(t, http.StatusForbidden, get(r, "/me", client).Code)
	assert.Equal(t, http.StatusOK, get(r, "/me", provider).Code)
	assert.Equal(t, http.StatusOK, get(r, "/me", admin).Code)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	r := gin.New()
	r.Use(RateLimitMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 50; i++ {
		if w := get(r, "/test", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_PerUser(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{RateLimiting: config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             2,
	}}}
	r := authedRouter(RateLimitMiddleware(cfg))

	alice, _ := auth.Issue(testSecret, 1, nil, time.Hour)
	bob, _ := auth.Issue(testSecret, 2, nil, time.Hour)

	assert.Equal(t, http.StatusOK, get(r, "/me", alice).Code)
	assert.Equal(t, http.StatusOK, get(r, "/me", alice).Code)
	w := get(r, "/me", alice)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	// separate bucket per user
	assert.Equal(t, http.StatusOK, get(r, "/me", bob).Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 2, rl.size())
}

func TestMetrics_CountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/sessions/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	base := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/sessions/:id", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))

	get(r, "/sessions/abc", "")
	get(r, "/sessions/def", "")
	get(r, "/nope", "")

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/sessions/:id", "200")); got != base+2 {
		t.Fatalf("route counter: expected %v, got %v", base+2, got)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != base404+1 {
		t.Fatalf("fallback path counter: expected %v, got %v", base404+1, got)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(httpInflight))
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("allow all", func(t *testing.T) {
		r := gin.New()
		r.Use(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "http://client.test")
		r.ServeHTTP(w, req)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("allow list", func(t *testing.T) {
		r := gin.New()
		r.Use(CORS(config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://app.local"}}))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "http://app.local")
		r.ServeHTTP(w, req)
		assert.Equal(t, "http://app.local", w.Header().Get("Access-Control-Allow-Origin"))

		w = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "http://evil.local")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		r := gin.New()
		r.Use(CORS(config.CORSConfig{}))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "http://client.test")
		r.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
