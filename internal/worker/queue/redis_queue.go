// Package queue carries tile ids between the API and worker processes.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"tilefarm/internal/pkg/errors"
)

type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push enqueues ids with LPUSH so Pop hands them out in push order.
func (q *RedisQueue) Push(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	if err := q.rdb.LPush(ctx, q.queueName, vals...).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "queue.push", "lpush").WithField("queue", q.queueName)
	}
	return nil
}

// Pop blocks up to timeout for an element (BRPOP). It returns "" with a nil
// error when the timeout passes with nothing queued.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len returns the number of queued ids.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
