package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hatchworks/conveyor/pkg/log"
	"github.com/hatchworks/conveyor/pkg/types"
)

// ErrEmpty is returned by Dequeue when no task arrived within the wait
var ErrEmpty = errors.New("broker: no task available")

// Task is the wire envelope for one unit of queued work. The task ID
// always equals the job ID so status lookups need no mapping table.
type Task struct {
	Name       string    `json:"task"`
	Args       []string  `json:"args"`
	JobID      string    `json:"job_id"`
	TraceID    string    `json:"trace_id"`
	Queue      string    `json:"queue"`
	Priority   int       `json:"priority"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Broker is a Redis-list task queue. Each logical queue fans out into
// ten priority lists consumed highest-first; delayed tasks park in a
// sorted set until due, and tasks that exhaust their retries land in a
// dead-letter list for inspection.
type Broker struct {
	client     *redis.Client
	queues     []string
	maxRetries int
	now        func() time.Time
}

// New creates a broker over an existing Redis connection. queues is
// the consumption order when several queues hold work.
func New(client *redis.Client, queues []string, maxRetries int) *Broker {
	if len(queues) == 0 {
		queues = []string{types.QueueDefault}
	}
	return &Broker{
		client:     client,
		queues:     queues,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

func listKey(queue string, priority int) string {
	return "queue:" + queue + ":p" + strconv.Itoa(priority)
}

func delayedKey(queue string) string { return "queue:" + queue + ":delayed" }
func dlqKey(queue string) string     { return "queue:" + queue + ":dead" }

// Enqueue pushes a task onto its queue at its priority
func (b *Broker) Enqueue(ctx context.Context, task *Task) error {
	if task.Queue == "" {
		task.Queue = types.QueueDefault
	}
	task.Priority = types.ClampPriority(task.Priority)
	task.EnqueuedAt = b.now()

	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, listKey(task.Queue, task.Priority), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", task.Name, err)
	}
	log.WithJob(task.JobID, task.TraceID).Debug().
		Str("task", task.Name).
		Str("queue", task.Queue).
		Int("priority", task.Priority).
		Msg("task enqueued")
	return nil
}

// EnqueueDelayed parks a task until the given time. DrainDelayed moves
// due tasks onto their priority lists.
func (b *Broker) EnqueueDelayed(ctx context.Context, task *Task, at time.Time) error {
	if task.Queue == "" {
		task.Queue = types.QueueDefault
	}
	task.Priority = types.ClampPriority(task.Priority)
	task.EnqueuedAt = b.now()

	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	err = b.client.ZAdd(ctx, delayedKey(task.Queue), redis.Z{
		Score:  float64(at.Unix()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed %s: %w", task.Name, err)
	}
	return nil
}

// Dequeue blocks up to wait for the next task, scanning priorities
// from highest to lowest across all configured queues.
func (b *Broker) Dequeue(ctx context.Context, wait time.Duration) (*Task, error) {
	keys := make([]string, 0, len(b.queues)*types.PriorityMax)
	for p := types.PriorityMax; p >= types.PriorityMin; p-- {
		for _, q := range b.queues {
			keys = append(keys, listKey(q, p))
		}
	}

	res, err := b.client.BLPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	// BLPOP returns [key, value]
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// Retry re-enqueues a failed task unless it exhausted its attempts, in
// which case it moves to the dead-letter list. Returns whether the
// task will run again.
func (b *Broker) Retry(ctx context.Context, task *Task) (bool, error) {
	task.Retries++
	if task.Retries > b.maxRetries {
		raw, err := json.Marshal(task)
		if err != nil {
			return false, err
		}
		if err := b.client.RPush(ctx, dlqKey(task.Queue), raw).Err(); err != nil {
			return false, fmt.Errorf("failed to dead-letter %s: %w", task.Name, err)
		}
		log.WithJob(task.JobID, task.TraceID).Warn().
			Str("task", task.Name).
			Int("retries", task.Retries-1).
			Msg("task moved to dead letter queue")
		return false, nil
	}

	// Exponential delay between attempts: 10s, 20s, 40s...
	delay := 10 * time.Second << (task.Retries - 1)
	return true, b.EnqueueDelayed(ctx, task, b.now().Add(delay))
}

// DrainDelayed moves due delayed tasks onto their priority lists and
// reports how many were promoted. The scheduler calls this every beat.
func (b *Broker) DrainDelayed(ctx context.Context) (int, error) {
	moved := 0
	nowScore := strconv.FormatInt(b.now().Unix(), 10)

	for _, queue := range b.queues {
		key := delayedKey(queue)
		members, err := b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: nowScore,
		}).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to read delayed tasks: %w", err)
		}
		for _, raw := range members {
			var task Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				b.client.ZRem(ctx, key, raw)
				log.WithComponent("broker").Warn().Err(err).Msg("dropped undecodable delayed task")
				continue
			}
			// Remove first so a crash duplicates nothing
			removed, err := b.client.ZRem(ctx, key, raw).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := b.client.RPush(ctx, listKey(task.Queue, task.Priority), raw).Err(); err != nil {
				return moved, fmt.Errorf("failed to promote delayed task: %w", err)
			}
			moved++
		}
	}
	return moved, nil
}

// Depth reports the number of ready tasks per queue
func (b *Broker) Depth(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(b.queues))
	for _, queue := range b.queues {
		var total int64
		for p := types.PriorityMin; p <= types.PriorityMax; p++ {
			n, err := b.client.LLen(ctx, listKey(queue, p)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to measure queue depth: %w", err)
			}
			total += n
		}
		depths[queue] = total
	}
	return depths, nil
}

// DeadLetters returns up to limit tasks from a queue's dead-letter list
func (b *Broker) DeadLetters(ctx context.Context, queue string, limit int64) ([]Task, error) {
	raws, err := b.client.LRange(ctx, dlqKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ping verifies broker connectivity
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
