package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sokoni/bff/internal/config"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/middleware"
)

const testSecret = "server-test-secret"

func testServer(t *testing.T, routes map[string]string) *Server {
	t.Helper()
	cfg := &config.Config{
		Env:                "test",
		JWTSecret:          testSecret,
		JWTEnforce:         true,
		RateLimitPerMinute: 10000,
		Routes:             routes,
	}
	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)
	return s
}

func bearerToken(t *testing.T, sub string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestServer_Health(t *testing.T) {
	s := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, "bff", gjson.Get(body, "service").String())
	assert.Equal(t, "test", gjson.Get(body, "env").String())
}

func TestServer_HealthSystem(t *testing.T) {
	s := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/system", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "goroutines").Int() > 0)
}

func TestServer_Metrics(t *testing.T) {
	s := testServer(t, nil)

	// Prime the request counter so the scrape has samples to render.
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bff_http_requests_total")
}

func TestServer_StaticRoutesBeatTheWildcard(t *testing.T) {
	// "v1" is not a routed service; /v1/features must still resolve to the
	// features handler, never the dynamic proxy.
	s := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/features", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "features").IsArray())
}

func TestServer_UnknownServiceWildcard404(t *testing.T) {
	s := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing-here/path", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"unknown service"}`, rec.Body.String())
}

func TestServer_ProxyEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rides/42", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ride":"42"}`))
	}))
	defer upstream.Close()

	s := testServer(t, map[string]string{"taxi": upstream.URL})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/taxi/rides/42", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ride":"42"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_MeRequiresBearer(t *testing.T) {
	s := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/me", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"missing bearer token"}`, rec.Body.String())
}

func TestServer_MeComposesWithValidToken(t *testing.T) {
	payments := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/wallet" {
			_, _ = w.Write([]byte(`{"balance":0}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer payments.Close()

	s := testServer(t, map[string]string{"payments": payments.URL})

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-1"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "wallet").Exists())
}

func TestServer_AuthPassthroughRouted(t *testing.T) {
	payments := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"wrong pin"}`))
	}))
	defer payments.Close()

	s := testServer(t, map[string]string{"payments": payments.URL})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"wrong pin"}`, rec.Body.String())
}

func TestServer_HealthExemptFromRateLimit(t *testing.T) {
	cfg := &config.Config{
		Env:                "test",
		JWTSecret:          testSecret,
		RateLimitPerMinute: 1,
	}
	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestServer_RateLimitAppliesToProxy(t *testing.T) {
	cfg := &config.Config{
		Env:                "test",
		JWTSecret:          testSecret,
		RateLimitPerMinute: 2,
	}
	s, err := New(cfg, logging.NewNop())
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/nothing/x", nil)
		req.RemoteAddr = "10.9.9.9:1"
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestServer_WebSocketBridgedThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), payload...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	s := testServer(t, map[string]string{"chat": upstream.URL})
	gateway := httptest.NewServer(s.Router())
	defer gateway.Close()

	// The upgrade must succeed through the full middleware chain; the
	// instrumentation and tracing wrappers hand over the connection.
	conn, resp, err := websocket.DefaultDialer.Dial(
		"ws://"+strings.TrimPrefix(gateway.URL, "http://")+"/chat/ws", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("habari")))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "echo:habari", string(payload))
}

func TestServer_PrivateOrdersCacheIsPerBearer(t *testing.T) {
	// The upstream echoes the caller's token so a cross-user cache leak
	// would hand user B a body carrying user A's token.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"owner":"` + r.Header.Get("Authorization") + `"}`))
	}))
	defer upstream.Close()

	s := testServer(t, map[string]string{"commerce": upstream.URL})

	for _, sub := range []string{"user-a", "user-b"} {
		token := bearerToken(t, sub)
		req := httptest.NewRequest(http.MethodGet, "/v1/commerce/orders", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Bearer "+token, gjson.Get(rec.Body.String(), "owner").String(),
			"each user must see a body fetched with their own token")
	}
}

func TestServer_PushRegisterRequiresBearer(t *testing.T) {
	s := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/push/register", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
