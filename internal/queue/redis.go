package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix      = "stackpilot:queue:"
	redisRetryPrefix    = "stackpilot:retry:"
	redisDeadPrefix     = "stackpilot:dead:"
	redisDequeueBlock   = 2 * time.Second
	redisRetrySweepTick = time.Second
)

// RedisQueue is a Queue backed by redis lists, with a sorted set per job
// type holding delayed retries until they come due.
type RedisQueue struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to redis and verifies the connection.
func NewRedisQueue(addr, password string, db int, logger *slog.Logger) (*RedisQueue, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisQueue{client: client, logger: logger}, nil
}

// Enqueue pushes the job onto its type list.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.LPush(ctx, redisKeyPrefix+job.Type, payload).Err()
}

// Dequeue blocks until a job of the given type is available. Due retries are
// promoted back onto the list before each wait.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType string) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.promoteDue(ctx, jobType)
		result, err := q.client.BRPop(ctx, redisDequeueBlock, redisKeyPrefix+jobType).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logError("brpop", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(redisRetrySweepTick):
			}
			continue
		}
		if len(result) != 2 {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			q.logError("decode", err)
			continue
		}
		return &job, nil
	}
}

// Requeue schedules the job for redelivery after the delay.
func (q *RedisQueue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, redisRetryPrefix+job.Type, redis.Z{Score: readyAt, Member: payload}).Err()
}

// DeadLetter parks a job on the dead-letter list for its type.
func (q *RedisQueue) DeadLetter(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.LPush(ctx, redisDeadPrefix+job.Type, payload).Err()
}

// promoteDue moves retry-scheduled jobs whose time has come back onto the
// main list.
func (q *RedisQueue) promoteDue(ctx context.Context, jobType string) {
	retryKey := redisRetryPrefix + jobType
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			q.logError("zrangebyscore", err)
		}
		return
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, retryKey, member).Result()
		if err != nil {
			q.logError("zrem", err)
			continue
		}
		// another worker may have claimed it first
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, redisKeyPrefix+jobType, member).Err(); err != nil {
			q.logError("lpush", err)
		}
	}
}

// Close releases the redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) logError(op string, err error) {
	if q.logger == nil {
		return
	}
	q.logger.Error("redis queue error", "op", op, "error", err)
}
