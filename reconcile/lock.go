package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// SweepLocker makes sure a single sweep runs across all instances.
type SweepLocker interface {
	// Acquire returns ErrSweepInProgress when another holder has the lock.
	Acquire(ctx context.Context) (release func(), err error)
}

type RedisSweepLocker struct {
	mutex  *redsync.Mutex
	expiry time.Duration
	logger *slog.Logger
}

// NewRedisSweepLocker builds a lock on key that expires after expiry so a
// crashed sweeper can not wedge the others. A live holder keeps extending it
// until released.
func NewRedisSweepLocker(client redis.UniversalClient, key string, expiry time.Duration, logger *slog.Logger) *RedisSweepLocker {
	if logger == nil {
		logger = slog.Default()
	}
	rs := redsync.New(goredis.NewPool(client))
	return &RedisSweepLocker{
		mutex: rs.NewMutex(
			key,
			redsync.WithExpiry(expiry),
			redsync.WithTries(1),
		),
		expiry: expiry,
		logger: logger,
	}
}

func (l *RedisSweepLocker) Acquire(ctx context.Context) (func(), error) {
	if err := l.mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrSweepInProgress
		}
		return nil, fmt.Errorf("acquiring sweep lock: %w", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		l.keepAlive(stop)
	})

	return func() {
		close(stop)
		wg.Wait()
		if _, err := l.mutex.UnlockContext(context.Background()); err != nil {
			l.logger.Warn("failed to release sweep lock", "error", err)
		}
	}, nil
}

// keepAlive extends the lock every half expiry until stop is closed.
func (l *RedisSweepLocker) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(l.expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if ok, err := l.mutex.ExtendContext(context.Background()); !ok {
				l.logger.Warn("failed to extend sweep lock", "error", err)
			}
		}
	}
}
