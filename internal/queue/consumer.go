package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Handler func(ctx context.Context, job Job) error

// Pool binds a set of topics to a bounded number of workers. Send jobs
// run in their own pool at low concurrency; control jobs (connect,
// disconnect, sync) get a separate pool so pairing is never starved by
// a send backlog.
type Pool struct {
	Name    string
	Topics  []Topic
	Workers int
}

type Consumer struct {
	q        *RedisQueue
	handlers map[Topic]Handler
	pools    []Pool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewConsumer(q *RedisQueue, pools []Pool) *Consumer {
	return &Consumer{
		q:        q,
		handlers: make(map[Topic]Handler),
		pools:    pools,
	}
}

func (c *Consumer) Handle(topic Topic, h Handler) {
	c.handlers[topic] = h
}

func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("consumer already started")
	}
	for _, p := range c.pools {
		if p.Workers <= 0 {
			return fmt.Errorf("pool %q: workers must be > 0", p.Name)
		}
		for _, t := range p.Topics {
			if _, ok := c.handlers[t]; !ok {
				return fmt.Errorf("pool %q: no handler for topic %s", p.Name, t)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.started = true

	for _, p := range c.pools {
		for i := 0; i < p.Workers; i++ {
			c.wg.Add(1)
			go c.worker(ctx, p)
		}
		slog.Info("queue pool started", "pool", p.Name, "workers", p.Workers)
	}
	return nil
}

// Close stops intake and waits for in-flight handlers to finish.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	slog.Info("queue consumer drained")
}

func (c *Consumer) worker(ctx context.Context, p Pool) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.q.pop(ctx, p.Topics, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue pop failed", "pool", p.Name, "err", err)
			continue
		}
		if job == nil {
			continue
		}
		c.run(ctx, p, *job)
	}
}

func (c *Consumer) run(ctx context.Context, p Pool, job Job) {
	h := c.handlers[job.Topic]

	// The worker context only gates intake. A claimed job runs
	// detached, so draining lets in-flight work settle its own state
	// instead of aborting it into a redelivery.
	hctx := context.WithoutCancel(ctx)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(hctx, job)
	}()
	if err == nil {
		return
	}

	job.Attempt++
	if job.Attempt >= job.MaxAttempts {
		slog.Error("job dropped after redelivery limit",
			"pool", p.Name, "topic", job.Topic, "job", job.ID, "attempt", job.Attempt, "err", err)
		return
	}

	slog.Warn("job redelivery scheduled",
		"pool", p.Name, "topic", job.Topic, "job", job.ID, "attempt", job.Attempt, "err", err)
	// Use a background context so shutdown cannot lose the job between
	// pop and requeue.
	if pushErr := c.q.push(context.Background(), job, redeliveryDelay); pushErr != nil {
		slog.Error("job requeue failed", "topic", job.Topic, "job", job.ID, "err", pushErr)
	}
}
