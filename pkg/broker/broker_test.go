package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatchworks/conveyor/pkg/types"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, []string{types.QueueDefault, types.QueueBackground}, 3), mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	err := b.Enqueue(ctx, &Task{
		Name:    types.ProcessingTaskName(types.SourceSharepoint),
		Args:    []string{"sharepoint:j1:alice@example.com"},
		JobID:   "j1",
		TraceID: "t1",
	})
	require.NoError(t, err)

	task, err := b.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "sharepoint_embedding.task_processing", task.Name)
	assert.Equal(t, []string{"sharepoint:j1:alice@example.com"}, task.Args)
	assert.Equal(t, "j1", task.JobID)
	assert.Equal(t, types.PriorityDefault, task.Priority)
	assert.Equal(t, types.QueueDefault, task.Queue)
	assert.False(t, task.EnqueuedAt.IsZero())
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.Dequeue(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestHighPriorityDequeuedFirst(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, &Task{Name: "low", JobID: "j1", Priority: 2}))
	require.NoError(t, b.Enqueue(ctx, &Task{Name: "high", JobID: "j2", Priority: 9}))
	require.NoError(t, b.Enqueue(ctx, &Task{Name: "mid", JobID: "j3", Priority: 5}))

	var order []string
	for i := 0; i < 3; i++ {
		task, err := b.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		order = append(order, task.Name)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestDelayedTaskNotVisibleUntilDue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	task := &Task{Name: "later", JobID: "j1"}
	require.NoError(t, b.EnqueueDelayed(ctx, task, base.Add(time.Minute)))

	moved, err := b.DrainDelayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	_, err = b.Dequeue(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	// Past the due time the drain promotes it
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	moved, err = b.DrainDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, err := b.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "later", got.Name)
}

func TestRetrySchedulesWithBackoff(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	base := time.Now()
	b.now = func() time.Time { return base }

	task := &Task{Name: "flaky", JobID: "j1", Queue: types.QueueDefault}

	again, err := b.Retry(ctx, task)
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, 1, task.Retries)

	// Not due yet
	moved, err := b.DrainDelayed(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Due after the first 10s delay
	b.now = func() time.Time { return base.Add(11 * time.Second) }
	moved, err = b.DrainDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	task := &Task{Name: "doomed", JobID: "j1", Queue: types.QueueDefault, Retries: 3}

	again, err := b.Retry(ctx, task)
	require.NoError(t, err)
	assert.False(t, again)

	dead, err := b.DeadLetters(ctx, types.QueueDefault, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].Name)
	assert.Equal(t, 4, dead[0].Retries)

	// Dead letters are not dequeued
	_, err = b.Dequeue(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestDepthCountsAllPriorities(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, &Task{Name: "a", Priority: 1}))
	require.NoError(t, b.Enqueue(ctx, &Task{Name: "b", Priority: 10}))
	require.NoError(t, b.Enqueue(ctx, &Task{Name: "c", Queue: types.QueueBackground}))

	depths, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths[types.QueueDefault])
	assert.Equal(t, int64(1), depths[types.QueueBackground])
}
