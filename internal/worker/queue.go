package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	QueueFiscal = "jobs:fiscal"
	QueueEmail  = "jobs:email"

	jobTypeFiscal = "fiscal"
	jobTypeEmail  = "email"
)

// ErrQueueEmpty is returned by Pop when the wait timed out.
var ErrQueueEmpty = errors.New("queue empty")

// Job is the generic envelope for all async tasks.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FiscalNotice tells the pool that a lane has work. Postgres stays the
// source of truth; a lost notice only delays the job until the next sweep.
type FiscalNotice struct {
	JobID          string `json:"job_id"`
	AccountID      string `json:"account_id"`
	FiscalConfigID string `json:"fiscal_config_id"`
}

// Queue is a set of FIFO lists: LPUSH on one end, blocking pop on the other.
type Queue interface {
	Push(ctx context.Context, queue string, data []byte) error
	// Pop waits up to timeout for an element of any of queues, checked in order.
	Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error)
	Len(ctx context.Context, queue string) (int64, error)
}

// RedisQueue backs Queue with redis lists.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Push(ctx context.Context, queue string, data []byte) error {
	return q.rdb.LPush(ctx, queue, data).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error) {
	result, err := q.rdb.BRPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrQueueEmpty
	}
	if err != nil {
		return "", nil, err
	}
	if len(result) < 2 {
		return "", nil, ErrQueueEmpty
	}
	return result[0], []byte(result[1]), nil
}

func (q *RedisQueue) Len(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, queue).Result()
}

// MemoryQueue is an in-process Queue for single-instance deployments
// without redis, and for tests.
type MemoryQueue struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	changed chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{lists: make(map[string][][]byte), changed: make(chan struct{})}
}

func (q *MemoryQueue) Push(_ context.Context, queue string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists[queue] = append(q.lists[queue], data)
	close(q.changed)
	q.changed = make(chan struct{})
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		for _, name := range queues {
			if l := q.lists[name]; len(l) > 0 {
				data := l[0]
				q.lists[name] = l[1:]
				q.mu.Unlock()
				return name, data, nil
			}
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return "", nil, ErrQueueEmpty
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Len(_ context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[queue])), nil
}

// Dispatcher enqueues async jobs. The intake goroutines dequeue them.
type Dispatcher struct {
	q Queue
}

func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{q: q}
}

// EnqueueFiscal notifies the pool that a fiscal job is waiting in its lane.
func (d *Dispatcher) EnqueueFiscal(ctx context.Context, n FiscalNotice) error {
	return d.enqueue(ctx, QueueFiscal, jobTypeFiscal, n)
}

// EnqueueEmail pushes a receipt copy email job.
func (d *Dispatcher) EnqueueEmail(ctx context.Context, p EmailJobPayload) error {
	return d.enqueue(ctx, QueueEmail, jobTypeEmail, p)
}

func (d *Dispatcher) enqueue(ctx context.Context, queue, jobType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(Job{Type: jobType, Payload: data})
	if err != nil {
		return err
	}
	return d.q.Push(ctx, queue, encoded)
}

// Handler processes the payload of one job type.
type Handler func(ctx context.Context, payload json.RawMessage)

// Handlers routes job types to their processors.
type Handlers struct {
	Fiscal Handler
	Email  Handler
}

// StartIntake launches n goroutines consuming both queues. Each blocks on
// Pop with a 5s timeout so it notices ctx cancellation. The returned
// WaitGroup is done once every goroutine has exited.
func StartIntake(ctx context.Context, q Queue, h Handlers, n int) *sync.WaitGroup {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runIntake(ctx, q, h, id)
		}(i)
	}
	log.Info().Msgf("intake started with %d workers", n)
	return &wg
}

func runIntake(ctx context.Context, q Queue, h Handlers, id int) {
	queues := []string{QueueFiscal, QueueEmail}
	for {
		if ctx.Err() != nil {
			log.Info().Msgf("intake %d shutting down", id)
			return
		}
		queue, raw, err := q.Pop(ctx, 5*time.Second, queues...)
		if err != nil {
			if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
				log.Warn().Err(err).Int("intake", id).Msg("intake: pop failed")
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		processJob(ctx, h, queue, raw)
	}
}

func processJob(ctx context.Context, h Handlers, queue string, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		log.Error().Str("queue", queue).Err(err).Msg("failed to unmarshal job")
		return
	}
	var handler Handler
	switch job.Type {
	case jobTypeFiscal:
		handler = h.Fiscal
	case jobTypeEmail:
		handler = h.Email
	}
	if handler == nil {
		log.Warn().Str("type", job.Type).Str("queue", queue).Msg("no handler for job type")
		return
	}
	handler(ctx, job.Payload)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
