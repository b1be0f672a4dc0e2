package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/middleware"
	"chorus/presence-service/models"
	"chorus/presence-service/services"
	"chorus/presence-service/utils"
)

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]models.UserPresence
}

func (r *memoryRepo) GetMany(_ context.Context, ids []string) ([]models.UserPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.UserPresence
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) MarkOnline(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(rec *models.UserPresence) { rec.IsOnline, rec.LastActive = true, at })
}

func (r *memoryRepo) MarkOffline(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(rec *models.UserPresence) { rec.IsOnline, rec.LastActive = false, at })
}

func (r *memoryRepo) SetPrivacyMode(_ context.Context, id string, mode models.PrivacyMode) error {
	return r.update(id, func(rec *models.UserPresence) { rec.PrivacyMode = mode })
}

func (r *memoryRepo) ListOnline(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (r *memoryRepo) update(id string, fn func(*models.UserPresence)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		rec = models.UserPresence{UserID: id, PrivacyMode: models.PrivacyPublic}
	}
	fn(&rec)
	r.records[id] = rec
	return nil
}

type noFriends struct{}

func (noFriends) AreFriends(context.Context, string, []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishPresence(context.Context, models.PresenceEvent) error { return nil }

type testEnv struct {
	mr         *miniredis.Miniredis
	router     *gin.Engine
	presence   *services.PresenceService
	typing     *services.TypingService
	dispatcher *services.Dispatcher
	registry   *services.ConnectionRegistry

	mu     sync.Mutex
	timers int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := utils.NewNopLogger()
	metrics := services.NewMetrics(prometheus.NewRegistry())
	cache := services.NewRecordCache(100, time.Minute)
	store := services.NewStore(client, time.Second)
	registry := services.NewConnectionRegistry()

	presence := services.NewPresenceService(services.PresenceDeps{
		Store:       store,
		Registry:    registry,
		Repository:  &memoryRepo{records: map[string]models.UserPresence{}},
		Friends:     noFriends{},
		Cache:       cache,
		Invalidator: services.NewCacheInvalidator(services.NewRedisInvalidationBus(client, logger), cache, metrics, logger),
		Events:      nopPublisher{},
		Metrics:     metrics,
		Logger:      logger,
	}, services.PresenceConfig{
		HeartbeatTTL:   90 * time.Second,
		RecheckDelay:   30 * time.Second,
		OfflineLockTTL: 45 * time.Second,
		StoreTimeout:   time.Second,
		MaxBatchSize:   10,
	})
	t.Cleanup(presence.Close)

	env := &testEnv{
		mr:       mr,
		presence: presence,
		typing:   services.NewTypingService(store, 5*time.Second, logger),
		registry: registry,
	}
	presence.SetScheduler(func(time.Duration, func()) func() bool {
		env.mu.Lock()
		env.timers++
		env.mu.Unlock()
		return func() bool { return true }
	})

	env.dispatcher = services.NewDispatcher(logger)
	services.NewLifecycle(presence, env.typing, registry, store, metrics, logger).Register(env.dispatcher)

	presenceHandler := NewPresenceHandler(presence, logger)
	typingHandler := NewTypingHandler(env.typing, logger)
	wsHandler := NewWebSocketHandler(env.dispatcher, presence, env.typing, nil, logger)

	// Identity comes from the X-User header so tests do not need to sign tokens.
	asUser := func(c *gin.Context) {
		if id := c.GetHeader("X-User"); id != "" {
			c.Set(middleware.UserIDKey, id)
		}
		c.Next()
	}

	router := gin.New()
	router.GET("/health", HealthCheck(client, "node-test"))
	router.GET("/ws", asUser, wsHandler.Serve)
	v1 := router.Group("/api/v1", asUser)
	v1.POST("/presence/heartbeat", presenceHandler.Heartbeat)
	v1.PUT("/presence/subscriptions", presenceHandler.SyncSubscriptions)
	v1.GET("/presence/subscriptions", presenceHandler.GetSubscriptions)
	v1.POST("/presence/batch", presenceHandler.BatchPresence)
	v1.PUT("/presence/privacy", presenceHandler.SetPrivacy)
	v1.PUT("/presence/status", presenceHandler.SetStatus)
	v1.GET("/presence/online", presenceHandler.GetOnlineUsers)
	v1.POST("/conversations/:id/typing", typingHandler.StartTyping)
	v1.DELETE("/conversations/:id/typing", typingHandler.StopTyping)
	v1.GET("/conversations/:id/typing", typingHandler.GetTyping)
	v1.DELETE("/conversations/:id/typing/all", typingHandler.ClearTyping)
	env.router = router

	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) scheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timers
}

func TestHeartbeatEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "alice", gin.H{"session_id": "phone"})
	assert.Equal(t, http.StatusOK, rec.Code)

	member, err := env.mr.SIsMember("online_users", "alice")
	require.NoError(t, err)
	assert.True(t, member)

	rec = env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "alice", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "", gin.H{"session_id": "phone"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/presence/subscriptions", "viewer", gin.H{"user_ids": []string{"a", "b"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPut, "/api/v1/presence/subscriptions", "viewer", gin.H{"user_ids": []string{"c"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/presence/subscriptions", "viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.SubscriptionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"c"}, resp.UserIDs)
}

func TestBatchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "alice", gin.H{"session_id": "phone"})
	env.do(t, http.MethodPut, "/api/v1/presence/privacy", "hidden", gin.H{"mode": "HIDDEN"})
	env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "hidden", gin.H{"session_id": "phone"})

	rec := env.do(t, http.MethodPost, "/api/v1/presence/batch", "viewer", gin.H{"user_ids": []string{"alice", "hidden", "carol"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.BatchPresenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusOnline, resp.Presence["alice"].Status)
	assert.Equal(t, models.StatusOffline, resp.Presence["hidden"].Status)
	assert.Equal(t, models.StatusOffline, resp.Presence["carol"].Status)
	assert.Nil(t, resp.Presence["hidden"].LastSeen)

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	rec = env.do(t, http.MethodPost, "/api/v1/presence/batch", "viewer", gin.H{"user_ids": ids})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrivacyAndStatusValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/presence/privacy", "alice", gin.H{"mode": "SECRET"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/presence/privacy", "alice", gin.H{"mode": "FRIENDS_ONLY"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/presence/status", "alice", gin.H{"status": "busy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/presence/status", "alice", gin.H{"status": "away"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOnlineUsersEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "alice", gin.H{"session_id": "phone"})

	rec := env.do(t, http.MethodGet, "/api/v1/presence/online", "viewer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.OnlineUsersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, []string{"alice"}, resp.Users)
}

func TestTypingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/conversations/conv-1/typing", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/conv-1/typing", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.TypingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, []string{"alice"}, resp.UserIDs)

	rec = env.do(t, http.MethodDelete, "/api/v1/conversations/conv-1/typing", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/conversations/conv-1/typing", "bob", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.UserIDs)
}

func TestClearConversationTyping(t *testing.T) {
	env := newTestEnv(t)

	for _, user := range []string{"alice", "bob"} {
		rec := env.do(t, http.MethodPost, "/api/v1/conversations/conv-1/typing", user, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/conversations/conv-2/typing", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/conversations/conv-1/typing/all", "alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.False(t, env.mr.Exists("typing:conv-1:alice"))
	assert.False(t, env.mr.Exists("typing:conv-1:bob"))
	assert.True(t, env.mr.Exists("typing:conv-2:alice"))
}

func TestRejectsIDsContainingKeySeparator(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/presence/batch", "viewer", gin.H{"user_ids": []string{"alice", "a:b"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/presence/subscriptions", "viewer", gin.H{"user_ids": []string{"a:b"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/presence/heartbeat", "alice", gin.H{"session_id": "tab:1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/conversations/c:x/typing", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.mr.Keys())
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	env.mr.Close()
	rec = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}
