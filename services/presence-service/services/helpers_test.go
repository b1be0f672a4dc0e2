package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]models.UserPresence
	err     error
	loads   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]models.UserPresence)}
}

func (r *fakeRepo) put(rec models.UserPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.UserID] = rec
}

func (r *fakeRepo) get(userID string) (models.UserPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	return rec, ok
}

func (r *fakeRepo) GetMany(_ context.Context, userIDs []string) ([]models.UserPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	if r.err != nil {
		return nil, r.err
	}
	var out []models.UserPresence
	for _, id := range userIDs {
		if rec, ok := r.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkOnline(_ context.Context, userID string, at time.Time) error {
	return r.set(userID, true, at)
}

func (r *fakeRepo) MarkOffline(_ context.Context, userID string, at time.Time) error {
	return r.set(userID, false, at)
}

func (r *fakeRepo) set(userID string, online bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	rec := r.records[userID]
	rec.UserID = userID
	rec.IsOnline = online
	rec.LastActive = at
	if rec.PrivacyMode == "" {
		rec.PrivacyMode = models.PrivacyPublic
	}
	r.records[userID] = rec
	return nil
}

func (r *fakeRepo) SetPrivacyMode(_ context.Context, userID string, mode models.PrivacyMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	rec := r.records[userID]
	rec.UserID = userID
	rec.PrivacyMode = mode
	r.records[userID] = rec
	return nil
}

func (r *fakeRepo) ListOnline(_ context.Context, afterUserID string, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var ids []string
	for id, rec := range r.records {
		if rec.IsOnline && id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type fakeFriends struct {
	mu    sync.Mutex
	pairs map[[2]string]bool
	err   error
	calls int
}

func newFakeFriends() *fakeFriends {
	return &fakeFriends{pairs: make(map[[2]string]bool)}
}

func (f *fakeFriends) befriend(a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs[[2]string{a, b}] = true
	f.pairs[[2]string{b, a}] = true
}

func (f *fakeFriends) AreFriends(_ context.Context, userID string, targetIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		out[id] = f.pairs[[2]string{userID, id}]
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PresenceEvent
}

func (p *recordingPublisher) PublishPresence(_ context.Context, event models.PresenceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) all() []models.PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PresenceEvent(nil), p.events...)
}

func (p *recordingPublisher) count(online bool) int {
	n := 0
	for _, ev := range p.all() {
		if ev.Online == online {
			n++
		}
	}
	return n
}

type fakeClient struct {
	id     string
	mu     sync.Mutex
	frames []models.ServerFrame
	closed bool
	full   bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) SessionID() string { return c.id }

func (c *fakeClient) Send(frame models.ServerFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return errors.New("buffer full")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) received() []models.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ServerFrame(nil), c.frames...)
}

type scheduledTask struct {
	delay   time.Duration
	f       func()
	fired   bool
	stopped bool
}

// manualScheduler queues rechecks until the test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*scheduledTask
}

func (m *manualScheduler) schedule(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := &scheduledTask{delay: d, f: f}
	m.tasks = append(m.tasks, task)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if task.fired || task.stopped {
			return false
		}
		task.stopped = true
		return true
	}
}

func (m *manualScheduler) runAll() int {
	m.mu.Lock()
	var due []*scheduledTask
	for _, task := range m.tasks {
		if !task.fired && !task.stopped {
			task.fired = true
			due = append(due, task)
		}
	}
	m.mu.Unlock()

	for _, task := range due {
		task.f()
	}
	return len(due)
}

func (m *manualScheduler) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, task := range m.tasks {
		if !task.fired && !task.stopped {
			n++
		}
	}
	return n
}

type harness struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	store    *Store
	registry *ConnectionRegistry
	repo     *fakeRepo
	friends  *fakeFriends
	events   *recordingPublisher
	sched    *manualScheduler
	metrics  *Metrics
	cache    *RecordCache
	presence *PresenceService
	typing   *TypingService
	logger   *utils.Logger
}

const (
	testHeartbeatTTL = 90 * time.Second
	testRecheckDelay = 30 * time.Second
	testLockTTL      = 45 * time.Second
	testTypingTTL    = 5 * time.Second
)

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := utils.NewNopLogger()
	metrics := NewMetrics(prometheus.NewRegistry())
	cache := NewRecordCache(100, time.Minute)
	store := NewStore(client, time.Second)

	h := &harness{
		mr:       mr,
		client:   client,
		store:    store,
		registry: NewConnectionRegistry(),
		repo:     newFakeRepo(),
		friends:  newFakeFriends(),
		events:   &recordingPublisher{},
		sched:    &manualScheduler{},
		metrics:  metrics,
		cache:    cache,
		logger:   logger,
	}

	h.presence = NewPresenceService(PresenceDeps{
		Store:       store,
		Registry:    h.registry,
		Repository:  h.repo,
		Friends:     h.friends,
		Cache:       cache,
		Invalidator: NewCacheInvalidator(NewRedisInvalidationBus(client, logger), cache, metrics, logger),
		Events:      h.events,
		Metrics:     metrics,
		Logger:      logger,
	}, PresenceConfig{
		HeartbeatTTL:   testHeartbeatTTL,
		RecheckDelay:   testRecheckDelay,
		OfflineLockTTL: testLockTTL,
		StoreTimeout:   time.Second,
		MaxBatchSize:   50,
	})
	h.presence.SetScheduler(h.sched.schedule)
	t.Cleanup(h.presence.Close)

	h.typing = NewTypingService(store, testTypingTTL, logger)
	return h
}
