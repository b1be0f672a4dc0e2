package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key layout of the ephemeral state store.
const (
	onlineSetKey       = "online_users"
	heartbeatKeyPrefix = "presence:hb:"       // presence:hb:{user}:{session}
	sessionsKeyPrefix  = "presence:sessions:" // presence:sessions:{user} -> session ids
	aliveKeyPrefix     = "presence:alive:"    // presence:alive:{user}
	statusKeyPrefix    = "presence:status:"   // presence:status:{user}
	subsKeyPrefix      = "presence:subs:"     // presence:subs:{viewer} -> targets
	watchersKeyPrefix  = "presence:watchers:" // presence:watchers:{target} -> viewers
	lockKeyPrefix      = "presence:lock:"
	debounceKeyPrefix  = "presence:debounce:"
	typingKeyPrefix    = "typing:"          // typing:{conversation}:{user}
	typingConvPrefix   = "typing_idx:conv:" // typing_idx:conv:{conversation} -> users
	typingUserPrefix   = "typing_idx:user:" // typing_idx:user:{user} -> conversations

	scanBatch = 200
)

func heartbeatKey(userID, sessionID string) string {
	return heartbeatKeyPrefix + userID + ":" + sessionID
}

func sessionsKey(userID string) string { return sessionsKeyPrefix + userID }
func aliveKey(userID string) string { return aliveKeyPrefix + userID }
func statusKey(userID string) string { return statusKeyPrefix + userID }
func subsKey(userID string) string { return subsKeyPrefix + userID }
func watchersKey(userID string) string { return watchersKeyPrefix + userID }
func offlineLockKey(userID string) string { return lockKeyPrefix + "offline:" + userID }
func reconcileMarkerKey(userID string) string { return debounceKeyPrefix + "reconcile:" + userID }

func typingKey(conversationID, userID string) string {
	return typingKeyPrefix + conversationID + ":" + userID
}

func typingConvKey(conversationID string) string { return typingConvPrefix + conversationID }
func typingUserKey(userID string) string { return typingUserPrefix + userID }

// liveMembersScript drops index members whose backing key has expired and returns the rest.
// KEYS[1] index set; ARGV[1] backing key prefix; ARGV[2] backing key suffix.
var liveMembersScript = redis.NewScript(`
local live = {}
for _, member in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', ARGV[1] .. member .. ARGV[2]) == 1 then
    live[#live + 1] = member
  else
    redis.call('SREM', KEYS[1], member)
  end
end
return live
`)

// removeIdleScript removes the user from the online set only if none of the indexed sessions still
// has a heartbeat key, so a heartbeat landing during an offline check always wins. Returns -1 when
// a session is live, otherwise the SREM result.
// KEYS[1] session index; KEYS[2] online set; KEYS[3] alive key; KEYS[4] status key;
// ARGV[1] heartbeat key prefix of the user; ARGV[2] user.
var removeIdleScript = redis.NewScript(`
for _, session in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', ARGV[1] .. session) == 1 then
    return -1
  end
end
redis.call('DEL', KEYS[1], KEYS[3], KEYS[4])
return redis.call('SREM', KEYS[2], ARGV[2])
`)

// releaseLockScript deletes the lock only while it still holds the caller's token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// clearTypingScript deletes every flag listed in one typing index and unlinks it from the
// opposite index.
// KEYS[1] index; ARGV[1] flag key prefix; ARGV[2] flag key suffix; ARGV[3] opposite index prefix;
// ARGV[4] id held in the opposite index.
var clearTypingScript = redis.NewScript(`
local removed = 0
for _, member in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  removed = removed + redis.call('DEL', ARGV[1] .. member .. ARGV[2])
  redis.call('SREM', ARGV[3] .. member, ARGV[4])
end
redis.call('DEL', KEYS[1])
return removed
`)

// replaceSubscriptionsScript clears a viewer's subscription set and its reverse index entries, then
// adds the new targets, in one atomic step.
// KEYS[1] subscription set; ARGV[1] viewer; ARGV[2] watchers key prefix; ARGV[3..] targets.
var replaceSubscriptionsScript = redis.NewScript(`
local old = redis.call('SMEMBERS', KEYS[1])
for _, target in ipairs(old) do
  redis.call('SREM', ARGV[2] .. target, ARGV[1])
end
redis.call('DEL', KEYS[1])
for i = 3, #ARGV do
  redis.call('SADD', KEYS[1], ARGV[i])
  redis.call('SADD', ARGV[2] .. ARGV[i], ARGV[1])
end
return #ARGV - 2
`)

// Liveness is the store's view of one user at read time.
type Liveness struct {
	Alive bool
	Away  bool
}

// Store is the ephemeral state store adapter. Every call is bounded by a short timeout so a slow
// Redis never stalls connection handling.
type Store struct {
	redis   *redis.Client
	timeout time.Duration
	now     func() time.Time
}

func NewStore(client *redis.Client, timeout time.Duration) *Store {
	return &Store{
		redis:   client,
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) stamp() string {
	return strconv.FormatInt(s.now().UnixMilli(), 10)
}

// RefreshHeartbeat refreshes the device heartbeat key, indexes the session under its user, refreshes
// the per-user liveness key and adds the user to the online set. It reports whether the user was
// newly added, which is the online transition gate.
func (s *Store) RefreshHeartbeat(ctx context.Context, userID, sessionID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stamp := s.stamp()
	var added *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, heartbeatKey(userID, sessionID), stamp, ttl)
		pipe.SAdd(ctx, sessionsKey(userID), sessionID)
		pipe.PExpire(ctx, sessionsKey(userID), ttl)
		pipe.Set(ctx, aliveKey(userID), stamp, ttl)
		added = pipe.SAdd(ctx, onlineSetKey, userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh heartbeat: %w", err)
	}
	return added.Val() == 1, nil
}

// MarkOnline adds the user to the online set without a device key. Reports whether the user was
// newly added.
func (s *Store) MarkOnline(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var added *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, aliveKey(userID), s.stamp(), ttl)
		added = pipe.SAdd(ctx, onlineSetKey, userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark online: %w", err)
	}
	return added.Val() == 1, nil
}

// RemoveIdleOnline removes the user from the online set and drops the session index, liveness and
// manual status keys, but only if no indexed session still has a heartbeat key. The check and the
// removal run as one script. removed is the offline transition gate; live reports that a session
// kept the user online.
func (s *Store) RemoveIdleOnline(ctx context.Context, userID string) (removed, live bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{sessionsKey(userID), onlineSetKey, aliveKey(userID), statusKey(userID)}
	res, err := removeIdleScript.Run(ctx, s.redis, keys, heartbeatKeyPrefix+userID+":", userID).Int64()
	if err != nil {
		return false, false, fmt.Errorf("failed to remove online member: %w", err)
	}
	return res == 1, res == -1, nil
}

func (s *Store) DeleteHeartbeat(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, heartbeatKey(userID, sessionID))
		pipe.SRem(ctx, sessionsKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// LiveSessions returns the user's sessions that still hold a heartbeat key, pruning expired ones
// from the index. Cost is bounded by the user's own sessions.
func (s *Store) LiveSessions(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sessions, err := liveMembersScript.Run(ctx, s.redis, []string{sessionsKey(userID)}, heartbeatKeyPrefix+userID+":", "").StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

// HasLiveSession reports whether any device heartbeat key exists for the user.
func (s *Store) HasLiveSession(ctx context.Context, userID string) (bool, error) {
	sessions, err := s.LiveSessions(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// Liveness reads the liveness and manual status keys for many users in one round trip.
func (s *Store) Liveness(ctx context.Context, userIDs []string) (map[string]Liveness, error) {
	result := make(map[string]Liveness, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	alive := make([]*redis.IntCmd, len(userIDs))
	status := make([]*redis.StringCmd, len(userIDs))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			alive[i] = pipe.Exists(ctx, aliveKey(id))
			status[i] = pipe.Get(ctx, statusKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read liveness: %w", err)
	}

	for i, id := range userIDs {
		result[id] = Liveness{
			Alive: alive[i].Val() == 1,
			Away:  status[i].Val() == "away",
		}
	}
	return result, nil
}

func (s *Store) OnlineMembers(ctx context.Context) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	members, err := s.redis.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	return members, nil
}

// SetManualStatus stores a client-chosen status ("away"); an empty status clears it.
func (s *Store) SetManualStatus(ctx context.Context, userID, status string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var err error
	if status == "" {
		err = s.redis.Del(ctx, statusKey(userID)).Err()
	} else {
		err = s.redis.Set(ctx, statusKey(userID), status, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set manual status: %w", err)
	}
	return nil
}

// AcquireLock sets key only if absent, always with a TTL so a crashed holder cannot wedge it.
// The value is "{unix millis}:{random}", the time part used by the stale marker sweep. The whole
// value is returned as the owner token for ReleaseLock.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	token = s.stamp() + ":" + uuid.NewString()
	ok, err = s.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock deletes key only if it still holds token. A lock that expired and was taken by
// another holder is left alone.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := releaseLockScript.Run(ctx, s.redis, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return n == 1, nil
}

// ReplaceSubscriptions overwrites the viewer's subscription set with targets.
func (s *Store) ReplaceSubscriptions(ctx context.Context, viewerID string, targets []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]interface{}, 0, len(targets)+2)
	args = append(args, viewerID, watchersKeyPrefix)
	for _, t := range targets {
		args = append(args, t)
	}
	if err := replaceSubscriptionsScript.Run(ctx, s.redis, []string{subsKey(viewerID)}, args...).Err(); err != nil {
		return fmt.Errorf("failed to replace subscriptions: %w", err)
	}
	return nil
}

func (s *Store) Subscriptions(ctx context.Context, viewerID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	targets, err := s.redis.SMembers(ctx, subsKey(viewerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}
	return targets, nil
}

// Watchers returns the viewers subscribed to target.
func (s *Store) Watchers(ctx context.Context, targetID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	viewers, err := s.redis.SMembers(ctx, watchersKey(targetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get watchers: %w", err)
	}
	return viewers, nil
}

// SetTyping sets or refreshes a typing flag and links it into the conversation and user indexes.
// Each index lives at least as long as its newest flag.
func (s *Store) SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, typingKey(conversationID, userID), s.stamp(), ttl)
		pipe.SAdd(ctx, typingConvKey(conversationID), userID)
		pipe.PExpire(ctx, typingConvKey(conversationID), ttl)
		pipe.SAdd(ctx, typingUserKey(userID), conversationID)
		pipe.PExpire(ctx, typingUserKey(userID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

func (s *Store) ClearTyping(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, typingKey(conversationID, userID))
		pipe.SRem(ctx, typingConvKey(conversationID), userID)
		pipe.SRem(ctx, typingUserKey(userID), conversationID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear typing: %w", err)
	}
	return nil
}

// TypingUsers returns the users whose flag in the conversation has not expired.
func (s *Store) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	users, err := liveMembersScript.Run(ctx, s.redis, []string{typingConvKey(conversationID)},
		typingKeyPrefix+conversationID+":", "").StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read typing users: %w", err)
	}
	return users, nil
}

// ClearUserTyping removes the user's flags in every conversation and returns how many existed.
func (s *Store) ClearUserTyping(ctx context.Context, userID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := clearTypingScript.Run(ctx, s.redis, []string{typingUserKey(userID)},
		typingKeyPrefix, ":"+userID, typingConvPrefix, userID).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clear user typing: %w", err)
	}
	return n, nil
}

// ClearConversationTyping removes every flag in the conversation and returns how many existed.
func (s *Store) ClearConversationTyping(ctx context.Context, conversationID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := clearTypingScript.Run(ctx, s.redis, []string{typingConvKey(conversationID)},
		typingKeyPrefix+conversationID+":", "", typingUserPrefix, conversationID).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clear conversation typing: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// ScanKeys enumerates every key matching pattern. Expired keys are never returned.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.redis.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// MarkerInfo describes a lock or debounce marker found by the sweep.
type MarkerInfo struct {
	Key    string
	Age    time.Duration // negative when the value carries no timestamp
	HasTTL bool
	Exists bool
}

// InspectMarkers reads the stored timestamp and TTL of each key.
func (s *Store) InspectMarkers(ctx context.Context, keys []string) ([]MarkerInfo, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			values[i] = pipe.Get(ctx, key)
			ttls[i] = pipe.PTTL(ctx, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to inspect markers: %w", err)
	}

	now := s.now()
	infos := make([]MarkerInfo, 0, len(keys))
	for i, key := range keys {
		info := MarkerInfo{Key: key, Age: -1}
		ttl := ttls[i].Val()
		if ttl == -2 {
			infos = append(infos, info)
			continue
		}
		info.Exists = true
		info.HasTTL = ttl != -1
		stamp, _, _ := strings.Cut(values[i].Val(), ":")
		if ms, err := strconv.ParseInt(stamp, 10, 64); err == nil {
			info.Age = now.Sub(time.UnixMilli(ms))
		}
		infos = append(infos, info)
	}
	return infos, nil
}
