package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"github.com/bsm/redislock"
)

// AcquireExecutionLease takes the best-effort Redis lease for a file's
// execution. Reliability does not depend on Redis: the MySQL advisory lock
// in ExecuteFile is the authoritative guard, the lease just stops redundant
// workers from queueing up on it. A nil-locker (Redis down) acquires a
// no-op lease.
func AcquireExecutionLease(ctx context.Context, fileId int) (release func(), err error) {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}, nil
	}

	lock, err := locker.Obtain(ctx, fmt.Sprintf("masspay:exec:%d", fileId), 5*time.Minute, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(time.Second), 3),
	})
	if err == redislock.ErrNotObtained {
		return nil, fmt.Errorf("execution lease held elsewhere for file_id=%d", fileId)
	}
	if err != nil {
		// Redis trouble is not fatal; fall through to the advisory lock.
		return func() {}, nil
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
