package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, maxReceives int) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, Options{
		VisibilityTimeout: time.Minute,
		MaxReceives:       maxReceives,
	})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)

	require.NoError(t, q.Enqueue(ctx, "job-1"))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, int64(1), msg.Receives)

	// Leased message is no longer visible.
	depth, err = q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	none, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Ack(ctx, msg))

	// Nothing came back after ack.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestFailRedeliversThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 2)

	require.NoError(t, q.Enqueue(ctx, "job-1"))

	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, msg))

	// First failure: back on the ready list, receive count carried over.
	msg, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(2), msg.Receives)

	// Second failure exhausts the budget and dead-letters.
	require.NoError(t, q.Fail(ctx, msg))

	none, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0], "job-1")
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Not yet expired.
	n, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the deadline the lease is reclaimed and the message redelivered.
	n, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "job-1", again.JobID)
	assert.Equal(t, int64(2), again.Receives)
}

func TestExtendLeaseDefersReclaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 3)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	msg, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, q.ExtendLease(ctx, msg, 10*time.Minute))

	// The original deadline has passed but the extended lease still holds.
	n, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.RequeueExpired(ctx, time.Now().Add(20*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
