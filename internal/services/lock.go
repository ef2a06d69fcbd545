package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockRetryDelay = 250 * time.Millisecond

// Locker serialises turns on one conversation.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker keeps one mutex per key in process. A key's mutex is dropped
// once no caller holds or waits on it.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &localLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}, nil
}

func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// RedisLocker shares conversation locks between replicas.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.SugaredLogger
}

// NewRedisLocker builds a redsync backed locker. expiry must outlive the
// slowest generation.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration, logger *zap.SugaredLogger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if expiry <= 0 {
		expiry = 3 * time.Minute
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: logger,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	tries := int(l.expiry/lockRetryDelay) + 1
	mutex := l.rs.NewMutex("lock:conversation:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(lockRetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("chat: lock conversation: %w", err)
	}

	return func() {
		if _, err := mutex.Unlock(); err != nil {
			l.logger.Warnw("failed to unlock conversation", "key", key, "error", err)
		}
	}, nil
}
