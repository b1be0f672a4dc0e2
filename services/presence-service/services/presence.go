package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

var (
	ErrInvalidUserID      = errors.New("user id must be non-empty and must not contain ':' or whitespace")
	ErrInvalidSessionID   = errors.New("session id must be non-empty and must not contain ':' or whitespace")
	ErrInvalidPrivacyMode = errors.New("privacy mode must be PUBLIC, FRIENDS_ONLY or HIDDEN")
	ErrInvalidStatus      = errors.New("status must be online or away")
	ErrBatchTooLarge      = errors.New("too many user ids in one request")
)

// PresenceRepository persists the durable presence record. Implementations must treat a missing
// record as a PUBLIC, offline user.
type PresenceRepository interface {
	GetMany(ctx context.Context, userIDs []string) ([]models.UserPresence, error)
	MarkOnline(ctx context.Context, userID string, at time.Time) error
	MarkOffline(ctx context.Context, userID string, at time.Time) error
	SetPrivacyMode(ctx context.Context, userID string, mode models.PrivacyMode) error
	// ListOnline pages through users whose record says online, ordered by user id, starting after
	// afterUserID.
	ListOnline(ctx context.Context, afterUserID string, limit int) ([]string, error)
}

// FriendshipChecker answers which of targetIDs are friends of userID. Friendship is symmetric.
type FriendshipChecker interface {
	AreFriends(ctx context.Context, userID string, targetIDs []string) (map[string]bool, error)
}

type PresenceConfig struct {
	HeartbeatTTL   time.Duration
	RecheckDelay   time.Duration
	OfflineLockTTL time.Duration
	StoreTimeout   time.Duration
	MaxBatchSize   int
}

type PresenceDeps struct {
	Store       *Store
	Registry    *ConnectionRegistry
	Repository  PresenceRepository
	Friends     FriendshipChecker
	Cache       *RecordCache
	Invalidator *CacheInvalidator
	Events      EventPublisher
	Metrics     *Metrics
	Logger      *utils.Logger
}

// ScheduleFunc runs f after d and returns a function that cancels it if it has not fired yet.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type pendingRecheck struct {
	stop  func() bool
	token string
}

// offlineOutcome is the result of one attempt to finish an offline transition.
type offlineOutcome int

const (
	offlineRemoved offlineOutcome = iota
	offlineNotMember
	offlineSessionLive
	offlineFailed
)

// PresenceService is the only writer of authoritative online/offline state.
//
// Per user the state moves OFFLINE -> ONLINE on the first heartbeat or connect, ONLINE ->
// PENDING_OFFLINE when a disconnect takes the offline lock, and PENDING_OFFLINE -> OFFLINE only if
// the delayed recheck finds no live session. A heartbeat during PENDING_OFFLINE keeps the user in
// the online set, so the recheck sees the session and does nothing.
type PresenceService struct {
	store       *Store
	registry    *ConnectionRegistry
	repo        PresenceRepository
	friends     FriendshipChecker
	cache       *RecordCache
	invalidator *CacheInvalidator
	events      EventPublisher
	metrics     *Metrics
	logger      *utils.Logger
	cfg         PresenceConfig

	now      func() time.Time
	schedule ScheduleFunc

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]pendingRecheck
	closed  bool
	wg      sync.WaitGroup
}

func NewPresenceService(deps PresenceDeps, cfg PresenceConfig) *PresenceService {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &PresenceService{
		store:       deps.Store,
		registry:    deps.Registry,
		repo:        deps.Repository,
		friends:     deps.Friends,
		cache:       deps.Cache,
		invalidator: deps.Invalidator,
		events:      deps.Events,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "presence"),
		cfg:         cfg,
		now:         time.Now,
		schedule:    afterFunc,
		baseCtx:     ctx,
		cancel:      cancel,
		pending:     make(map[string]pendingRecheck),
	}
}

// SetScheduler replaces the timer used for delayed offline rechecks.
func (s *PresenceService) SetScheduler(schedule ScheduleFunc) {
	s.schedule = schedule
}

func (s *PresenceService) SetClock(now func() time.Time) {
	s.now = now
}

// HandleHeartbeat refreshes the device's heartbeat key. Only the first heartbeat of an offline user
// performs the online transition; every later one is a single store round trip with no fan-out.
// Store failures are logged and swallowed.
func (s *PresenceService) HandleHeartbeat(ctx context.Context, userID, sessionID string) error {
	if !models.ValidID(userID) {
		return ErrInvalidUserID
	}
	if !models.ValidID(sessionID) {
		return ErrInvalidSessionID
	}

	s.metrics.Heartbeats.Inc()
	added, err := s.store.RefreshHeartbeat(ctx, userID, sessionID, s.cfg.HeartbeatTTL)
	if err != nil {
		s.metrics.HeartbeatFailures.Inc()
		s.logger.Warn("Heartbeat refresh failed", "user_id", userID, "session_id", sessionID, "error", err)
		return nil
	}
	if added {
		s.onOnline(ctx, userID, "heartbeat")
	}
	return nil
}

// SetUserOnlineStatus is the direct transition used by the connection lifecycle. Going online is
// immediate and cancels an offline recheck this node still has pending for the user. Going offline
// takes a TTL lock and schedules a recheck; if the lock is already held an offline check is pending
// somewhere and this call does nothing.
func (s *PresenceService) SetUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	if !models.ValidID(userID) {
		return ErrInvalidUserID
	}

	if online {
		s.cancelRecheck(ctx, userID)

		added, err := s.store.MarkOnline(ctx, userID, s.cfg.HeartbeatTTL)
		if err != nil {
			return err
		}
		if added {
			s.onOnline(ctx, userID, "connect")
		}
		return nil
	}

	token, acquired, err := s.store.AcquireLock(ctx, offlineLockKey(userID), s.cfg.OfflineLockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		s.metrics.OfflineRechecks.WithLabelValues("deduplicated").Inc()
		s.logger.Debug("Offline check already pending", "user_id", userID)
		return nil
	}

	s.scheduleRecheck(userID, token)
	return nil
}

func (s *PresenceService) scheduleRecheck(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.wg.Add(1)
	stop := s.schedule(s.cfg.RecheckDelay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.pending, userID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(s.baseCtx, 4*s.cfg.StoreTimeout)
		defer cancel()
		s.RecheckOffline(ctx, userID, token)
	})
	s.pending[userID] = pendingRecheck{stop: stop, token: token}
	s.logger.Debug("Scheduled offline recheck", "user_id", userID, "delay", s.cfg.RecheckDelay)
}

// cancelRecheck stops this node's pending recheck for the user, if it has not fired yet, and
// releases the offline lock it held.
func (s *PresenceService) cancelRecheck(ctx context.Context, userID string) {
	s.mu.Lock()
	p, ok := s.pending[userID]
	if ok && p.stop() {
		delete(s.pending, userID)
		s.wg.Done()
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if _, err := s.store.ReleaseLock(ctx, offlineLockKey(userID), p.token); err != nil {
		s.logger.Warn("Failed to release offline lock", "user_id", userID, "error", err)
	}
	s.metrics.OfflineRechecks.WithLabelValues("cancelled").Inc()
}

// RecheckOffline re-validates liveness at fire time and declares the user offline only if no
// connection on this node and no heartbeat key anywhere remains. The heartbeat check and the
// removal from the online set are one atomic store step. It releases the offline lock if lockToken
// still owns it.
func (s *PresenceService) RecheckOffline(ctx context.Context, userID, lockToken string) bool {
	defer func() {
		if _, err := s.store.ReleaseLock(ctx, offlineLockKey(userID), lockToken); err != nil {
			s.logger.Warn("Failed to release offline lock", "user_id", userID, "error", err)
		}
	}()

	if s.registry.HasActiveConnection(userID) {
		s.metrics.OfflineRechecks.WithLabelValues("local_connection").Inc()
		return false
	}

	switch s.completeOffline(ctx, userID, "debounce") {
	case offlineRemoved:
		s.metrics.OfflineRechecks.WithLabelValues("offline").Inc()
		return true
	case offlineSessionLive:
		s.metrics.OfflineRechecks.WithLabelValues("live_session").Inc()
	case offlineNotMember:
		s.metrics.OfflineRechecks.WithLabelValues("already_offline").Inc()
	default:
		// Left to the reconciliation sweep.
		s.metrics.OfflineRechecks.WithLabelValues("error").Inc()
	}
	return false
}

// PendingRechecks reports how many offline rechecks this node has scheduled.
func (s *PresenceService) PendingRechecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// completeOffline removes the user from the online set unless a session is still heartbeating and,
// if this call removed it, finishes the offline transition. Removal is the gate, so racing callers
// produce one transition.
func (s *PresenceService) completeOffline(ctx context.Context, userID, source string) offlineOutcome {
	removed, live, err := s.store.RemoveIdleOnline(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to remove user from online set", "user_id", userID, "error", err)
		return offlineFailed
	}
	if live {
		return offlineSessionLive
	}
	if !removed {
		return offlineNotMember
	}
	s.onOffline(ctx, userID, source)
	return offlineRemoved
}

func (s *PresenceService) onOnline(ctx context.Context, userID, source string) {
	s.transition(ctx, userID, true, source)
}

func (s *PresenceService) onOffline(ctx context.Context, userID, source string) {
	s.transition(ctx, userID, false, source)
}

// transition persists the durable record, drops cached copies and announces the change. The store
// write already happened; nothing here rolls it back.
func (s *PresenceService) transition(ctx context.Context, userID string, online bool, source string) {
	at := s.now()
	direction := "offline"
	var err error
	if online {
		direction = "online"
		err = s.repo.MarkOnline(ctx, userID, at)
	} else {
		err = s.repo.MarkOffline(ctx, userID, at)
	}
	if err != nil {
		s.logger.Error("Failed to persist presence transition", "user_id", userID, "online", online, "error", err)
	}

	s.invalidateRecord(ctx, userID)

	if err := s.events.PublishPresence(ctx, models.PresenceEvent{
		UserID:    userID,
		Online:    online,
		Timestamp: at,
	}); err != nil {
		s.logger.Warn("Failed to publish presence event", "user_id", userID, "online", online, "error", err)
	}

	s.metrics.Transitions.WithLabelValues(direction, source).Inc()
	s.logger.Info("Presence transition", "user_id", userID, "online", online, "source", source)
}

func (s *PresenceService) invalidateRecord(ctx context.Context, userID string) {
	if err := s.invalidator.Invalidate(ctx, RecordCacheKey(userID)); err != nil {
		s.logger.Warn("Failed to publish cache invalidation", "user_id", userID, "error", err)
	}
}

// SyncSubscriptions replaces the viewer's subscription set with targetIDs. Calling it with A then
// B leaves exactly B.
func (s *PresenceService) SyncSubscriptions(ctx context.Context, viewerID string, targetIDs []string) ([]string, error) {
	if !models.ValidID(viewerID) {
		return nil, ErrInvalidUserID
	}
	targets, err := normalizeIDs(targetIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) > s.cfg.MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	if err := s.store.ReplaceSubscriptions(ctx, viewerID, targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (s *PresenceService) GetSubscriptions(ctx context.Context, viewerID string) ([]string, error) {
	if !models.ValidID(viewerID) {
		return nil, ErrInvalidUserID
	}
	return s.store.Subscriptions(ctx, viewerID)
}

// Audience returns the viewers connected to this node who subscribed to target and are allowed to
// see its presence.
func (s *PresenceService) Audience(ctx context.Context, targetID string) ([]string, error) {
	watchers, err := s.store.Watchers(ctx, targetID)
	if err != nil {
		return nil, err
	}
	local := s.registry.ConnectedUsers(watchers)
	if len(local) == 0 {
		return nil, nil
	}

	records := s.records(ctx, []string{targetID})
	record := records[targetID]

	switch record.PrivacyMode {
	case models.PrivacyPublic:
		return local, nil
	case models.PrivacyFriendsOnly:
		friends, err := s.friends.AreFriends(ctx, targetID, local)
		if err != nil {
			s.logger.Warn("Friendship check failed, withholding presence event", "user_id", targetID, "error", err)
			return filterSelf(local, targetID), nil
		}
		var out []string
		for _, viewer := range local {
			if viewer == targetID || friends[viewer] {
				out = append(out, viewer)
			}
		}
		return out, nil
	default:
		return filterSelf(local, targetID), nil
	}
}

func filterSelf(viewers []string, targetID string) []string {
	for _, v := range viewers {
		if v == targetID {
			return []string{targetID}
		}
	}
	return nil
}

// GetBatchPresence returns each requested user's presence as seen by viewerID. HIDDEN users always
// read as OFFLINE with no timestamps. FRIENDS_ONLY users are resolved with one friendship lookup for
// the whole batch. If the store is unreachable the durable isOnline flag is served instead.
func (s *PresenceService) GetBatchPresence(ctx context.Context, viewerID string, userIDs []string) (map[string]models.PresenceView, error) {
	ids, err := normalizeIDs(userIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) > s.cfg.MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	result := make(map[string]models.PresenceView, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	degraded := false
	liveness, err := s.store.Liveness(ctx, ids)
	if err != nil {
		degraded = true
		s.logger.Warn("Store unavailable, serving last known presence", "error", err)
	}

	records := s.records(ctx, ids)

	var friendsOnly []string
	for _, id := range ids {
		if id != viewerID && records[id].PrivacyMode == models.PrivacyFriendsOnly {
			friendsOnly = append(friendsOnly, id)
		}
	}
	friends := map[string]bool{}
	if len(friendsOnly) > 0 && viewerID != "" {
		friends, err = s.friends.AreFriends(ctx, viewerID, friendsOnly)
		if err != nil {
			s.logger.Warn("Friendship check failed, treating as not friends", "viewer_id", viewerID, "error", err)
			friends = map[string]bool{}
		}
	}

	now := s.now()
	for _, id := range ids {
		record := records[id]
		visible := id == viewerID
		if !visible {
			switch record.PrivacyMode {
			case models.PrivacyPublic:
				visible = true
			case models.PrivacyFriendsOnly:
				visible = friends[id]
			}
		}
		if !visible {
			result[id] = models.PresenceView{Status: models.StatusOffline}
			continue
		}

		online, away := record.IsOnline, false
		if !degraded {
			live := liveness[id]
			online, away = live.Alive, live.Away
		}
		result[id] = buildView(record, online, away, now)
	}
	return result, nil
}

func buildView(record models.UserPresence, online, away bool, now time.Time) models.PresenceView {
	view := models.PresenceView{Status: models.StatusOffline}
	if !record.LastActive.IsZero() {
		lastSeen := record.LastActive
		view.LastSeen = &lastSeen
	}

	if online {
		view.Status = models.StatusOnline
		if away {
			view.Status = models.StatusAway
		}
		return view
	}

	if view.LastSeen != nil {
		ago := humanize.RelTime(*view.LastSeen, now, "ago", "from now")
		view.LastActiveAgo = &ago
	}
	return view
}

// records loads durable records through the local cache. Users with no record read as PUBLIC and
// offline. If the repository fails, uncached users are treated as HIDDEN so nothing leaks.
func (s *PresenceService) records(ctx context.Context, userIDs []string) map[string]models.UserPresence {
	out := make(map[string]models.UserPresence, len(userIDs))
	var misses []string
	for _, id := range userIDs {
		if rec, ok := s.cache.Get(id); ok {
			out[id] = rec
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out
	}

	loaded, err := s.repo.GetMany(ctx, misses)
	if err != nil {
		s.logger.Error("Failed to load presence records", "count", len(misses), "error", err)
		for _, id := range misses {
			out[id] = models.UserPresence{UserID: id, PrivacyMode: models.PrivacyHidden}
		}
		return out
	}

	for _, rec := range loaded {
		if !rec.PrivacyMode.Valid() {
			rec.PrivacyMode = models.PrivacyPublic
		}
		out[rec.UserID] = rec
		s.cache.Add(rec)
	}
	for _, id := range misses {
		if _, ok := out[id]; !ok {
			rec := models.UserPresence{UserID: id, PrivacyMode: models.PrivacyPublic}
			out[id] = rec
			s.cache.Add(rec)
		}
	}
	return out
}

// SetPrivacyMode updates the durable privacy mode and evicts the record from every node's cache.
func (s *PresenceService) SetPrivacyMode(ctx context.Context, userID string, mode models.PrivacyMode) error {
	if !models.ValidID(userID) {
		return ErrInvalidUserID
	}
	if !mode.Valid() {
		return ErrInvalidPrivacyMode
	}
	if err := s.repo.SetPrivacyMode(ctx, userID, mode); err != nil {
		return fmt.Errorf("failed to update privacy mode: %w", err)
	}
	s.invalidateRecord(ctx, userID)
	return nil
}

// SetManualStatus records a client-chosen status. "away" is reported as AWAY while the user stays
// online; "online" clears it. The flag is dropped on the offline transition.
func (s *PresenceService) SetManualStatus(ctx context.Context, userID, status string) error {
	if !models.ValidID(userID) {
		return ErrInvalidUserID
	}
	switch status {
	case "online":
		return s.store.SetManualStatus(ctx, userID, "")
	case "away":
		return s.store.SetManualStatus(ctx, userID, "away")
	default:
		return ErrInvalidStatus
	}
}

// OnlineUsers lists online members of the online set that viewerID is allowed to see.
func (s *PresenceService) OnlineUsers(ctx context.Context, viewerID string) ([]string, error) {
	members, err := s.store.OnlineMembers(ctx)
	if err != nil {
		return nil, err
	}

	online := make([]string, 0, len(members))
	for start := 0; start < len(members); start += s.cfg.MaxBatchSize {
		end := min(start+s.cfg.MaxBatchSize, len(members))
		views, err := s.GetBatchPresence(ctx, viewerID, members[start:end])
		if err != nil {
			return nil, err
		}
		for _, id := range members[start:end] {
			if views[id].Status != models.StatusOffline {
				online = append(online, id)
			}
		}
	}
	return online, nil
}

// Close cancels pending rechecks and waits for any that are already running. Offline locks left
// behind expire on their own; the reconciliation sweep finishes those users.
func (s *PresenceService) Close() {
	s.mu.Lock()
	s.closed = true
	for userID, p := range s.pending {
		if p.stop() {
			s.wg.Done()
		}
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
}

// normalizeIDs drops empty and duplicate ids, keeping first-seen order. Any other malformed id
// fails the whole list.
func normalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if !models.ValidID(id) {
			return nil, ErrInvalidUserID
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
