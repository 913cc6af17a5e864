// Package queue is a Redis-backed, at-least-once job queue with
// per-job delayed delivery. Each topic has a ready list and a sorted
// set of delayed jobs scored by due time; a promotion tick moves due
// jobs into the ready list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/heraldhq/herald/internal/clock"
)

type Topic string

const (
	TopicConnectSession    Topic = "session.connect"
	TopicDisconnectSession Topic = "session.disconnect"
	TopicSendMessage       Topic = "message.send"
	TopicSyncContacts      Topic = "contacts.sync"
)

// redeliveryMax bounds queue-level redelivery of a job whose handler
// errored or panicked. Business retries (send backoff) are the
// dispatcher's own and re-enqueue fresh jobs; this is only the
// at-least-once safety net.
const redeliveryMax = 5

const redeliveryDelay = 15 * time.Second

type Job struct {
	ID          string          `json:"id"`
	Topic       Topic           `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Producer is the enqueue side consumed by the orchestrator, the
// lifecycle manager and the dispatcher.
type Producer interface {
	Enqueue(ctx context.Context, topic Topic, payload any) error
	EnqueueIn(ctx context.Context, topic Topic, payload any, delay time.Duration) error
}

type RedisQueue struct {
	rdb *redis.Client
	clk clock.Clock
}

func NewRedisQueue(rdb *redis.Client, clk clock.Clock) *RedisQueue {
	return &RedisQueue{rdb: rdb, clk: clk}
}

func readyKey(t Topic) string   { return fmt.Sprintf("herald:ready:%s", t) }
func delayedKey(t Topic) string { return fmt.Sprintf("herald:delayed:%s", t) }

func (q *RedisQueue) Enqueue(ctx context.Context, topic Topic, payload any) error {
	return q.EnqueueIn(ctx, topic, payload, 0)
}

func (q *RedisQueue) EnqueueIn(ctx context.Context, topic Topic, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     raw,
		Attempt:     0,
		MaxAttempts: redeliveryMax,
		EnqueuedAt:  q.clk.Now().UTC(),
	}
	return q.push(ctx, job, delay)
}

func (q *RedisQueue) push(ctx context.Context, job Job, delay time.Duration) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if delay <= 0 {
		return q.rdb.LPush(ctx, readyKey(job.Topic), b).Err()
	}
	due := q.clk.Now().Add(delay)
	return q.rdb.ZAdd(ctx, delayedKey(job.Topic), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: b,
	}).Err()
}

// PromoteDue moves delayed jobs whose due time has passed into the
// topic's ready list. Runs on a scheduler tick.
func (q *RedisQueue) PromoteDue(ctx context.Context, topics ...Topic) error {
	now := fmt.Sprintf("%d", q.clk.Now().UnixMilli())
	for _, t := range topics {
		members, err := q.rdb.ZRangeByScore(ctx, delayedKey(t), &redis.ZRangeBy{
			Min: "-inf",
			Max: now,
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, delayedKey(t), m)
			pipe.LPush(ctx, readyKey(t), m)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// pop blocks on the ready lists of the given topics for up to wait.
// Returns nil when nothing arrived.
func (q *RedisQueue) pop(ctx context.Context, topics []Topic, wait time.Duration) (*Job, error) {
	keys := make([]string, len(topics))
	for i, t := range topics {
		keys[i] = readyKey(t)
	}
	res, err := q.rdb.BRPop(ctx, wait, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res is [key, value]
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
