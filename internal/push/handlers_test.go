package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/middleware"
)

const testSecret = "push-test-secret"

// fakeSender records deliveries and fails configured tokens.
type fakeSender struct {
	mu         sync.Mutex
	sent       []string
	failTokens map[string]bool
}

func (f *fakeSender) Send(_ context.Context, token, _, _ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTokens[token] {
		return assert.AnError
	}
	f.sent = append(f.sent, token)
	return nil
}

func signToken(t *testing.T, claims middleware.Claims) string {
	t.Helper()
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func testHandlers(t *testing.T, cfg HandlersConfig) (*Handlers, *MemoryStore, *fakeSender) {
	t.Helper()
	store := NewMemoryStore()
	sender := &fakeSender{failTokens: map[string]bool{}}
	cfg.Store = store
	cfg.Sender = sender
	cfg.Verifier = middleware.NewVerifier(testSecret, "", "", true, logging.NewNop())
	cfg.Logger = logging.NewNop()
	return NewHandlers(cfg), store, sender
}

func jsonRequest(method, target, sub, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(logging.WithUserSub(req.Context(), sub))
}

func TestHandleRegister(t *testing.T) {
	h, store, _ := testHandlers(t, HandlersConfig{})

	rec := httptest.NewRecorder()
	h.HandleRegister(rec, jsonRequest(http.MethodPost, "/v1/push/register", "user-1",
		`{"token":"fcm-token-1","platform":"android","device_id":"dev-a"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "android", gjson.Get(rec.Body.String(), "platform").String())

	regs, err := store.Registrations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "fcm-token-1", regs[0].Token)
	assert.Equal(t, PlatformAndroid, regs[0].Platform)
}

func TestHandleRegister_MissingToken(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{})

	rec := httptest.NewRecorder()
	h.HandleRegister(rec, jsonRequest(http.MethodPost, "/v1/push/register", "user-1", `{"platform":"ios"}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "token required")
}

func TestHandleRegister_SameDeviceOverwrites(t *testing.T) {
	h, store, _ := testHandlers(t, HandlersConfig{})

	for _, token := range []string{"old-token", "new-token"} {
		rec := httptest.NewRecorder()
		h.HandleRegister(rec, jsonRequest(http.MethodPost, "/v1/push/register", "user-1",
			`{"token":"`+token+`","platform":"ios","device_id":"dev-a"}`))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	regs, err := store.Registrations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, regs, 1, "same device slot is upserted")
	assert.Equal(t, "new-token", regs[0].Token)
}

func TestHandleRegister_UnknownPlatformNormalized(t *testing.T) {
	assert.Equal(t, PlatformUnknown, NormalizePlatform("blackberry"))
	assert.Equal(t, PlatformIOS, NormalizePlatform("ios"))
	assert.Equal(t, PlatformWeb, NormalizePlatform("web"))
}

func TestDevEndpoints_DeniedWithoutPrivilege(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{Production: true})

	rec := httptest.NewRecorder()
	h.HandleDevList(rec, jsonRequest(http.MethodGet, "/v1/push/dev/list", "user-1", ""))

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"detail":"push dev access denied"}`, rec.Body.String())
}

func TestDevEndpoints_AdminRoleAllowed(t *testing.T) {
	h, store, _ := testHandlers(t, HandlersConfig{Production: true})
	require.NoError(t, store.Register(context.Background(), "user-1", Registration{Token: "tok-1"}))

	token := signToken(t, middleware.Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1"},
	})
	req := jsonRequest(http.MethodGet, "/v1/push/dev/list", "admin-1", "")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	h.HandleDevList(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())
	assert.Equal(t, "tok-1", gjson.Get(body, "users.user-1.0.token").String())
}

func TestDevEndpoints_OpenInDevelopment(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{Production: false, DevAllowAll: true})

	rec := httptest.NewRecorder()
	h.HandleDevList(rec, jsonRequest(http.MethodGet, "/v1/push/dev/list", "anyone", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevEndpoints_SubAllowlist(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{
		Production:     true,
		DevAllowedSubs: []string{"trusted-sub"},
	})

	token := signToken(t, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "trusted-sub"},
	})
	req := jsonRequest(http.MethodGet, "/v1/push/dev/list", "trusted-sub", "")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	h.HandleDevList(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDevSend_CountsSentAndFailed(t *testing.T) {
	h, store, sender := testHandlers(t, HandlersConfig{DevAllowAll: true})
	ctx := context.Background()
	require.NoError(t, store.Register(ctx, "user-1", Registration{Token: "good-1", DeviceID: "d1"}))
	require.NoError(t, store.Register(ctx, "user-1", Registration{Token: "bad-1", DeviceID: "d2"}))
	sender.failTokens["bad-1"] = true

	rec := httptest.NewRecorder()
	h.HandleDevSend(rec, jsonRequest(http.MethodPost, "/v1/push/dev/send", "dev",
		`{"sub":"user-1","title":"hi","body":"there"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out["sent"])
	assert.Equal(t, 1, out["failed"])
	assert.Equal(t, 1, out["targets"])
	assert.Equal(t, []string{"good-1"}, sender.sent)
}

func TestHandleDevSend_RequiresSub(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{DevAllowAll: true})

	rec := httptest.NewRecorder()
	h.HandleDevSend(rec, jsonRequest(http.MethodPost, "/v1/push/dev/send", "dev", `{"title":"x"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDevBroadcast_AllUsers(t *testing.T) {
	h, store, sender := testHandlers(t, HandlersConfig{DevAllowAll: true})
	ctx := context.Background()
	require.NoError(t, store.Register(ctx, "user-a", Registration{Token: "tok-a"}))
	require.NoError(t, store.Register(ctx, "user-b", Registration{Token: "tok-b"}))

	rec := httptest.NewRecorder()
	h.HandleDevBroadcast(rec, jsonRequest(http.MethodPost, "/v1/push/dev/broadcast", "dev",
		`{"title":"maintenance","body":"tonight"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out["sent"])
	assert.Equal(t, 2, out["targets"])
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, sender.sent)
}

func TestHandleDevBroadcastTopic_UnknownTopic(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{DevAllowAll: true})

	rec := httptest.NewRecorder()
	h.HandleDevBroadcastTopic(rec, jsonRequest(http.MethodPost, "/v1/push/dev/broadcast_topic", "dev",
		`{"topic":"ghost-town","title":"x"}`))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"unknown topic"}`, rec.Body.String())
}

func TestHandleDevBroadcastTopic_DeliversToSubscribers(t *testing.T) {
	h, store, sender := testHandlers(t, HandlersConfig{DevAllowAll: true})
	ctx := context.Background()
	require.NoError(t, store.Register(ctx, "user-a", Registration{Token: "tok-a"}))
	require.NoError(t, store.Register(ctx, "user-b", Registration{Token: "tok-b"}))
	require.NoError(t, store.Subscribe(ctx, "price-alerts", "user-a"))

	rec := httptest.NewRecorder()
	h.HandleDevBroadcastTopic(rec, jsonRequest(http.MethodPost, "/v1/push/dev/broadcast_topic", "dev",
		`{"topic":"price-alerts","title":"maize up"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"tok-a"}, sender.sent, "only subscribers receive topic broadcasts")
}

func TestTopicSubscribeFlow(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{TopicsAllowAll: true})

	rec := httptest.NewRecorder()
	h.HandleTopicSubscribe(rec, jsonRequest(http.MethodPost, "/v1/push/topics/subscribe", "user-1",
		`{"topic":"price-alerts"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleTopicList(rec, jsonRequest(http.MethodGet, "/v1/push/topics", "user-1", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"topics":["price-alerts"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleTopicUnsubscribe(rec, jsonRequest(http.MethodPost, "/v1/push/topics/unsubscribe", "user-1",
		`{"topic":"price-alerts"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleTopicList(rec, jsonRequest(http.MethodGet, "/v1/push/topics", "user-1", ""))
	assert.JSONEq(t, `{"topics":[]}`, rec.Body.String())
}

func TestTopicSubscribe_AllowlistGates(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{
		TopicsAllowedSubs: []string{"vip"},
	})

	// Caller without a token and not on the allowlist is refused.
	rec := httptest.NewRecorder()
	h.HandleTopicSubscribe(rec, jsonRequest(http.MethodPost, "/v1/push/topics/subscribe", "user-1",
		`{"topic":"x"}`))
	require.Equal(t, http.StatusForbidden, rec.Code)

	token := signToken(t, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "vip"},
	})
	req := jsonRequest(http.MethodPost, "/v1/push/topics/subscribe", "vip", `{"topic":"x"}`)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.HandleTopicSubscribe(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTopicSubscribe_OpenWithoutAllowlist(t *testing.T) {
	h, _, _ := testHandlers(t, HandlersConfig{})

	token := signToken(t, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "any-user"},
	})
	req := jsonRequest(http.MethodPost, "/v1/push/topics/subscribe", "any-user", `{"topic":"x"}`)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	h.HandleTopicSubscribe(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFCMSender_SimulatesWithoutKey(t *testing.T) {
	s := NewFCMSender("", nil, logging.NewNop())
	err := s.Send(context.Background(), "some-token", "t", "b", nil)
	assert.NoError(t, err)
}
