package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/botlabs-edu/sessiond/internal/session"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. It is the backend to pick when
// several orchestrator nodes share one session space.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "sessiond:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedis creates a Redis session store and verifies connectivity.
func NewRedis(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: normalizePrefix(cfg.Prefix)}, nil
}

// NewRedisFromClient creates a Redis store from an existing client. This is
// useful for testing with miniredis.
func NewRedisFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: normalizePrefix(prefix)}
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "sessiond:"
	}
	return prefix
}

func (r *RedisStore) sessionKey(id string) string   { return r.prefix + "session:" + id }
func (r *RedisStore) userIndexKey(id string) string { return r.prefix + "user:" + id }
func (r *RedisStore) activeKey(userID string) string {
	return r.prefix + "active:" + userID
}
func (r *RedisStore) allKey() string { return r.prefix + "sessions" }

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *RedisStore) Create(ctx context.Context, sess *session.Session) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	// The per-user active pointer is the admission gate. SetNX makes the
	// check-then-create race resolve to exactly one winner. A pointer left
	// behind by a terminal or vanished session is released with a
	// compare-and-delete on the observed value and the claim retried, so a
	// concurrent creator that claimed the key in between is never clobbered.
	key := r.activeKey(sess.UserID)
	for attempt := 0; ; attempt++ {
		ok, err := r.client.SetNX(ctx, key, sess.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("claim active session for %s: %w", sess.UserID, err)
		}
		if ok {
			break
		}
		current, stale, err := r.activePointerStale(ctx, sess.UserID)
		if err != nil {
			return err
		}
		if !stale || attempt >= 2 {
			return ErrActiveSessionExists
		}
		if current != "" {
			if err := releaseStalePointer.Run(ctx, r.client, []string{key}, current).Err(); err != nil {
				return fmt.Errorf("release stale active session for %s: %w", sess.UserID, err)
			}
		}
	}

	data, err := json.Marshal(redisRecordFromSession(sess))
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.sessionKey(sess.ID), data, 0)
	pipe.SAdd(ctx, r.userIndexKey(sess.UserID), sess.ID)
	pipe.SAdd(ctx, r.allKey(), sess.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// releaseStalePointer deletes the active pointer only while it still holds
// the observed stale session id. A fresh claim by a concurrent creator
// survives.
var releaseStalePointer = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// activePointerStale returns the session id the user's active pointer holds
// and whether that pointer is stale, meaning the referenced session is
// terminal or gone.
func (r *RedisStore) activePointerStale(ctx context.Context, userID string) (string, bool, error) {
	current, err := r.client.Get(ctx, r.activeKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", true, nil
		}
		return "", false, fmt.Errorf("read active session for %s: %w", userID, err)
	}
	existing, err := r.Get(ctx, current)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return current, true, nil
		}
		return current, false, err
	}
	return current, existing.Status.Terminal(), nil
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return rec.toSession(), nil
}

func (r *RedisStore) ListByUser(ctx context.Context, userID string, statuses []session.Status) ([]*session.Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", userID, err)
	}
	return r.loadFiltered(ctx, ids, statuses)
}

func (r *RedisStore) ListByStatus(ctx context.Context, statuses []session.Status) ([]*session.Session, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, r.allKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return r.loadFiltered(ctx, ids, statuses)
}

func (r *RedisStore) loadFiltered(ctx context.Context, ids []string, statuses []session.Status) ([]*session.Session, error) {
	// Redis sets are unordered; sort for deterministic output.
	sort.Strings(ids)

	out := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if statusMatches(sess.Status, statuses) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (r *RedisStore) Update(ctx context.Context, sess *session.Session) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	exists, err := r.client.Exists(ctx, r.sessionKey(sess.ID)).Result()
	if err != nil {
		return fmt.Errorf("check session %s: %w", sess.ID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(redisRecordFromSession(sess))
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := r.client.Set(ctx, r.sessionKey(sess.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	// Terminal sessions release the admission gate, but only if the pointer
	// still names this session.
	if sess.Status.Terminal() {
		current, err := r.client.Get(ctx, r.activeKey(sess.UserID)).Result()
		if err == nil && current == sess.ID {
			_ = r.client.Del(ctx, r.activeKey(sess.UserID)).Err()
		}
	}
	return nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// Ping checks if the Redis connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// redisRecord is the JSON document stored per session.
type redisRecord struct {
	ID                 string                    `json:"id"`
	UserID             string                    `json:"user_id"`
	CurrentChallengeID string                    `json:"current_challenge_id,omitempty"`
	Status             session.Status            `json:"status"`
	ComputeHandle      string                    `json:"compute_handle,omitempty"`
	Routes             []session.Route           `json:"routes,omitempty"`
	ResourceProfile    string                    `json:"resource_profile"`
	FailureReason      string                    `json:"failure_reason,omitempty"`
	TerminationReason  session.TerminationReason `json:"termination_reason,omitempty"`
	CreatedAtUnix      int64                     `json:"created_at_unix"`
	LastActivityUnix   int64                     `json:"last_activity_unix"`
	ExpiresAtUnix      int64                     `json:"expires_at_unix"`
	TerminatedAtUnix   int64                     `json:"terminated_at_unix"`
}

func redisRecordFromSession(s *session.Session) redisRecord {
	return redisRecord{
		ID:                 s.ID,
		UserID:             s.UserID,
		CurrentChallengeID: s.CurrentChallengeID,
		Status:             s.Status,
		ComputeHandle:      s.ComputeHandle,
		Routes:             s.Routes,
		ResourceProfile:    s.ResourceProfile,
		FailureReason:      s.FailureReason,
		TerminationReason:  s.TerminationReason,
		CreatedAtUnix:      unixOrZero(s.CreatedAt),
		LastActivityUnix:   unixOrZero(s.LastActivity),
		ExpiresAtUnix:      unixOrZero(s.ExpiresAt),
		TerminatedAtUnix:   unixOrZero(s.TerminatedAt),
	}
}

func (rec redisRecord) toSession() *session.Session {
	return &session.Session{
		ID:                 rec.ID,
		UserID:             rec.UserID,
		CurrentChallengeID: rec.CurrentChallengeID,
		Status:             rec.Status,
		ComputeHandle:      rec.ComputeHandle,
		Routes:             rec.Routes,
		ResourceProfile:    rec.ResourceProfile,
		FailureReason:      rec.FailureReason,
		TerminationReason:  rec.TerminationReason,
		CreatedAt:          timeOrZero(rec.CreatedAtUnix),
		LastActivity:       timeOrZero(rec.LastActivityUnix),
		ExpiresAt:          timeOrZero(rec.ExpiresAtUnix),
		TerminatedAt:       timeOrZero(rec.TerminatedAtUnix),
	}
}
