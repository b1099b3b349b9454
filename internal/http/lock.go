package http

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTurnInProgress is returned when another turn for the same session is
// still running. Turns within a session are strictly serialized; callers
// should retry after the current turn commits.
type ErrTurnInProgress struct{ SessionID string }

func (e ErrTurnInProgress) Error() string {
	return "a turn is already in progress for session " + e.SessionID
}

// SessionLocker serializes turn processing per session.
type SessionLocker interface {
	// Acquire takes the per-session lock. It returns a release func on
	// success and ErrTurnInProgress when the lock is held elsewhere.
	Acquire(ctx context.Context, sessionID string) (func(), error)
}

// RedisLocker holds per-session locks in redis so multiple service replicas
// never interleave turns for one session. The TTL bounds how long a crashed
// replica can wedge a session.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func lockKey(sessionID string) string { return "patientsim:turnlock:" + sessionID }

func (l *RedisLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := lockKey(sessionID)
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTurnInProgress{SessionID: sessionID}
	}
	return func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.client.Del(relCtx, key)
	}, nil
}

// LocalLocker is the single-replica fallback used when redis is not
// configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[sessionID] {
		return nil, ErrTurnInProgress{SessionID: sessionID}
	}
	l.held[sessionID] = true
	return func() {
		l.mu.Lock()
		delete(l.held, sessionID)
		l.mu.Unlock()
	}, nil
}
