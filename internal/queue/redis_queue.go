package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pedalboard-service/internal/models"
)

// Message is one delivery taken from the queue. Body is the raw JSON payload;
// it must be handed back verbatim to Ack or Fail.
type Message struct {
	JobID    string
	Body     string
	Receives int64
}

// RedisQueue is an at-least-once delivery channel for job-start messages:
// a ready list, an in-flight zset scored by visibility deadline, a receive
// counter per job, and a dead-letter list once the receive budget is spent.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	receivesKey   string
	dlqKey        string
	visibilityTTL time.Duration
	maxReceives   int64
}

// Options configures a RedisQueue.
type Options struct {
	Addr              string
	Password          string
	DB                int
	QueueName         string
	DLQName           string
	VisibilityTimeout time.Duration
	MaxReceives       int
}

// NewRedisQueue builds a queue client.
func NewRedisQueue(opts Options) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisQueueWithClient(client, opts)
}

// NewRedisQueueWithClient wraps an existing client; used by tests.
func NewRedisQueueWithClient(client *redis.Client, opts Options) *RedisQueue {
	name := opts.QueueName
	if name == "" {
		name = "queue:jobs"
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	maxReceives := int64(opts.MaxReceives)
	if maxReceives <= 0 {
		maxReceives = 3
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		receivesKey:   name + ":receives",
		dlqKey:        dlq,
		visibilityTTL: visibility,
		maxReceives:   maxReceives,
	}
}

// Enqueue pushes a start message for the given job onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	body, err := json.Marshal(models.StartMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal start message: %w", err)
	}
	if err := q.client.RPush(ctx, q.readyKey, string(body)).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease pops one message and moves it into the in-flight zset with
// a visibility deadline. Returns nil when the queue is empty. Each delivery
// bumps the receive count, so redelivered messages are distinguishable.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Message, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey, q.receivesKey}, deadline).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return nil, fmt.Errorf("unexpected dequeue script result: %T", res)
	}
	body, _ := arr[0].(string)
	receives, _ := arr[1].(int64)

	var msg models.StartMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		// Undecodable body: drop it into the DLQ rather than poisoning the loop.
		_ = q.client.ZRem(ctx, q.inflightKey, body).Err()
		_ = q.client.RPush(ctx, q.dlqKey, body).Err()
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	return &Message{JobID: msg.JobID, Body: body, Receives: receives}, nil
}

// Ack reports the message processed and removes all trace of it.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.Body)
	pipe.HDel(ctx, q.receivesKey, msg.JobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Fail reports the message as failed. It goes back on the ready list for
// redelivery unless the receive budget is exhausted, in which case it is
// dead-lettered. Failure reporting is per message; other deliveries are
// untouched.
func (q *RedisQueue) Fail(ctx context.Context, msg *Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msg.Body)
	if msg.Receives >= q.maxReceives {
		pipe.RPush(ctx, q.dlqKey, msg.Body)
		pipe.HDel(ctx, q.receivesKey, msg.JobID)
	} else {
		pipe.RPush(ctx, q.readyKey, msg.Body)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, msg *Message, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: msg.Body,
	}).Err()
}

// RequeueExpired reclaims in-flight messages whose lease lapsed, making them
// visible again. Returns how many were reclaimed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	bodies, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(bodies) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, body := range bodies {
		pipe.ZRem(ctx, q.inflightKey, body)
		pipe.RPush(ctx, q.readyKey, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(bodies), nil
}

// DLQPeek reads the oldest dead-lettered message bodies for inspection.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local body = redis.call('LPOP', KEYS[1])
if not body then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], body)
local decoded = cjson.decode(body)
local receives = redis.call('HINCRBY', KEYS[3], decoded['job_id'], 1)
return {body, receives}
`)
