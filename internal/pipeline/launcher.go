package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"studio-server/internal/domain"
)

// Launcher starts isolated workers and withdraws queued work on cancel.
// Launch must tell a timeout apart from a rejection: a timed-out launch may
// already be running in its own container and is reported as
// domain.ErrLaunchTimeout; only a definite rejection surfaces as
// domain.ErrLaunchRejected and fails the task.
type Launcher interface {
	Launch(ctx context.Context, taskID string) error
	Withdraw(ctx context.Context, taskID string) error
}

// CancelFlag is the out-of-band cancellation signal an in-flight worker polls
// between pipeline stages.
type CancelFlag interface {
	Set(ctx context.Context, taskID string) error
	IsSet(ctx context.Context, taskID string) (bool, error)
}

// RedisLauncher implements Launcher over a Redis list. The queue carries bare
// task ids; the worker loads everything else from the task store, so the
// queue entry is idempotent and withdrawable by value.
type RedisLauncher struct {
	rdb      *redis.Client
	queueKey string
	timeout  time.Duration
}

// NewRedisLauncher wires the launcher to the shared task queue.
func NewRedisLauncher(rdb *redis.Client, queueKey string, timeout time.Duration) *RedisLauncher {
	return &RedisLauncher{rdb: rdb, queueKey: queueKey, timeout: timeout}
}

// Launch pushes the task id onto the worker queue with an explicit deadline.
func (l *RedisLauncher) Launch(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.rdb.LPush(ctx, l.queueKey, taskID).Err(); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", domain.ErrLaunchTimeout, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrLaunchRejected, err)
	}
	return nil
}

// Withdraw removes a still-queued task id. Best effort: a task already popped
// by a worker is out of reach and the cancel flag covers it instead.
func (l *RedisLauncher) Withdraw(ctx context.Context, taskID string) error {
	return l.rdb.LRem(ctx, l.queueKey, 0, taskID).Err()
}

func isLaunchTimeout(err error) bool {
	return errors.Is(err, domain.ErrLaunchTimeout)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

const cancelFlagTTL = 24 * time.Hour

// RedisCancelFlag implements CancelFlag as a keyed marker with a TTL so
// abandoned flags clean themselves up.
type RedisCancelFlag struct {
	rdb *redis.Client
}

// NewRedisCancelFlag returns the Redis-backed cancel signal.
func NewRedisCancelFlag(rdb *redis.Client) *RedisCancelFlag {
	return &RedisCancelFlag{rdb: rdb}
}

// Set marks the task as cancelled for any in-flight worker.
func (f *RedisCancelFlag) Set(ctx context.Context, taskID string) error {
	return f.rdb.Set(ctx, cancelKey(taskID), "1", cancelFlagTTL).Err()
}

// IsSet reports whether a cancel was requested for the task.
func (f *RedisCancelFlag) IsSet(ctx context.Context, taskID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, cancelKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func cancelKey(taskID string) string {
	return "task:cancel:" + taskID
}
