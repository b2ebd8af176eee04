package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
	poll      time.Duration
	logger    *slog.Logger
}

func New(addr, password string, db int, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		keyPrefix: "csv-ingest:lock:",
		ttl:       ttl,
		poll:      250 * time.Millisecond,
		logger:    logger,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// release only if we still own the key
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// ErrLockLost is the cancellation cause of a lock context whose lease
// expired or was taken over.
var ErrLockLost = errors.New("redis lock lost")

// Lock blocks until key is acquired or ctx is done. The lease is extended in
// the background every ttl/3 until the returned unlock func is called. The
// returned context is cancelled with ErrLockLost if the lease cannot be kept.
func (s *Store) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, nil, err
	}
	k := s.keyPrefix + key

	for {
		ok, err := s.rdb.SetNX(ctx, k, token, s.ttl).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(s.poll):
		}
	}

	lctx, cancel := context.WithCancelCause(ctx)
	l := s.logger.With("lock", k)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.ttl / 3)
		defer ticker.Stop()
		held := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := extendScript.Run(context.Background(), s.rdb, []string{k}, token, s.ttl.Milliseconds()).Int64()
				if err != nil && !errors.Is(err, redis.Nil) {
					l.Warn("extend lock failed", "error", err)
					// the key has expired by now even if redis comes back
					if time.Since(held) >= s.ttl {
						l.Error("lock lease expired")
						cancel(ErrLockLost)
						return
					}
					continue
				}
				if n == 0 {
					l.Error("lock taken over")
					cancel(ErrLockLost)
					return
				}
				held = time.Now()
			}
		}
	}()

	var once sync.Once
	return lctx, func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			cancel(nil)
			ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := unlockScript.Run(ctx, s.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.Warn("unlock failed", "error", err)
			}
		})
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
