package callsession

import (
	"context"
	"errors"
	"time"

	"telemed-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StartLock serializes StartCall per appointment across processes.
//
// It narrows the race window; the store constraint stays authoritative.
type StartLock interface {
	// Lock blocks until the appointment is held or gives up with an error.
	// The returned func releases the hold.
	Lock(ctx context.Context, appointmentID string) (unlock func(), err error)
}

// NoopStartLock never blocks.
type NoopStartLock struct{}

func (NoopStartLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

var ErrLockTimeout = errors.New("callsession: start lock wait timed out")

const startLockPrefix = "lock:call-start:"

// RedisStartLock holds one owner-tokened Redis key per appointment. A
// release only removes the caller's own hold, so a holder that outlived
// its TTL cannot free the next holder's lock.
type RedisStartLock struct {
	rdb  *redis.Client
	ttl  time.Duration
	wait time.Duration
	poll time.Duration
}

// NewRedisStartLock returns a lock whose holds expire after ttl and whose
// waiters give up after wait.
func NewRedisStartLock(rdb *redis.Client, ttl, wait time.Duration) *RedisStartLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisStartLock{rdb: rdb, ttl: ttl, wait: wait, poll: 25 * time.Millisecond}
}

func (l *RedisStartLock) Lock(ctx context.Context, appointmentID string) (func(), error) {
	key := startLockPrefix + appointmentID
	token := uuid.NewString()
	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()

	for {
		ok, err := utils.AcquireLock(ctx, l.rdb, key, token, l.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				// Release even when the request ctx is already done.
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				_, _ = utils.ReleaseLock(rctx, l.rdb, key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrLockTimeout
		case <-time.After(l.poll):
		}
	}
}
