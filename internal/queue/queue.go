// Package queue implements the durable job queue (C5, §4.5): a per-name
// FIFO with delay, priority, retries, bulk add, and pause/resume, backed by
// Redis sorted sets and hashes rather than a generic queue library.
//
// The wire format is bespoke (score = due-time with a priority tiebreak, a
// per-job hash for payload/attempts/status) because the natural-key jobId
// dedup, cross-worker pause coordination, and counter shape this component
// needs are not offered off-the-shelf by asynq or any queue library present
// in the retrieval pack (see DESIGN.md). The client underneath is
// github.com/redis/go-redis/v9, grounded the same way internal/store is.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultAttempts  = 5
	defaultBackoffMs = 1000
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned by GetJob when no job with that id exists.
var ErrNotFound = errors.New("queue: job not found")

// ErrDeferred signals that a handler already moved its job itself (e.g. a
// Reschedule after an upstream 429): the consumer loop must neither
// Complete nor Fail it.
var ErrDeferred = errors.New("queue: job deferred by handler")

// AddOptions configures Add/AddBulk. A caller-supplied JobID enables
// natural-key dedup: adding twice with the same JobID is a no-op the
// second time (used by C9 lazy refresh and C10 idempotency, §4.5).
type AddOptions struct {
	JobID     string
	Delay     time.Duration
	Priority  int
	Attempts  int
	BackoffMs int64
}

// Job is the durable record of one queued unit of work.
type Job struct {
	ID           string
	Name         string
	Payload      json.RawMessage
	Attempts     int
	MaxAttempts  int
	BackoffMs    int64
	Priority     int
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
}

// Counts reports the live/cumulative sizes spec.md asks a queue to expose.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Queue is a handle to one named queue (e.g. "playlist", "import") on a
// shared Redis connection.
type Queue struct {
	rdb  *redis.Client
	name string
}

func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) key(suffix string) string { return fmt.Sprintf("queue:%s:%s", q.name, suffix) }
func (q *Queue) jobKey(id string) string  { return fmt.Sprintf("queue:%s:job:%s", q.name, id) }

// score orders the waiting set by due time first, breaking ties by
// priority: each priority point pulls the job one millisecond earlier, so
// a higher-priority job pops first among jobs due at effectively the same
// instant while a real delay (always seconds or longer in this system)
// still dominates.
func score(dueAt time.Time, priority int) float64 {
	return float64(dueAt.UnixMilli() - int64(priority))
}

var addScript = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
	"name", ARGV[1], "payload", ARGV[2], "attempts", "0",
	"maxAttempts", ARGV[3], "backoffMs", ARGV[4], "priority", ARGV[5],
	"status", "waiting", "errorMessage", "", "createdAt", ARGV[6])
redis.call("ZADD", KEYS[2], ARGV[7], ARGV[8])
return 1
`)

// Add enqueues one job, returning its id. If opts.JobID names an id that
// already exists in this queue, Add is a no-op and returns that id.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts AddOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := opts.BackoffMs
	if backoff <= 0 {
		backoff = defaultBackoffMs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}
	dueAt := time.Now().Add(opts.Delay)

	_, err = addScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.key("waiting")},
		name, string(body), attempts, backoff, opts.Priority,
		time.Now().Format(time.RFC3339Nano),
		score(dueAt, opts.Priority), id,
	).Result()
	if err != nil {
		return "", fmt.Errorf("queue: add job %s: %w", id, err)
	}
	return id, nil
}

// AddBulk enqueues many jobs, preserving natural-key dedup per item.
func (q *Queue) AddBulk(ctx context.Context, items []struct {
	Name    string
	Payload any
	Opts    AddOptions
}) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id, err := q.Add(ctx, it.Name, it.Payload, it.Opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.key("paused")).Err()
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("queue: check paused: %w", err)
	}
	return n == 1, nil
}

// popOne atomically claims the earliest due, highest-priority waiting job
// id, moving it from the waiting zset to the active set. Returns "" if the
// queue is paused or empty.
func (q *Queue) popOne(ctx context.Context) (string, error) {
	id, err := q.rdb.Eval(ctx, `
local paused = redis.call("EXISTS", KEYS[1])
if paused == 1 then return "" end
local items = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, 1)
if #items == 0 then return "" end
local id = items[1]
redis.call("ZREM", KEYS[2], id)
redis.call("SADD", KEYS[3], id)
return id
`, []string{q.key("paused"), q.key("waiting"), q.key("active")}, float64(time.Now().UnixMilli())).Text()
	if err != nil {
		return "", fmt.Errorf("queue: pop: %w", err)
	}
	return id, nil
}

// Reserve pops the next ready job (if any) and loads its full record,
// stamping it active and incrementing its attempt count.
func (q *Queue) Reserve(ctx context.Context) (*Job, error) {
	id, err := q.popOne(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	if err := q.rdb.HSet(ctx, q.jobKey(id), "status", string(StatusActive)).Err(); err != nil {
		return nil, fmt.Errorf("queue: mark active %s: %w", id, err)
	}
	if err := q.rdb.HIncrBy(ctx, q.jobKey(id), "attempts", 1).Err(); err != nil {
		return nil, fmt.Errorf("queue: bump attempts %s: %w", id, err)
	}
	return q.GetJob(ctx, id)
}

// GetJob loads a job's current record by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return parseJob(id, m)
}

func parseJob(id string, m map[string]string) (*Job, error) {
	j := &Job{ID: id, Name: m["name"], Status: Status(m["status"]), ErrorMessage: m["errorMessage"]}
	j.Payload = json.RawMessage(m["payload"])
	fmt.Sscanf(m["attempts"], "%d", &j.Attempts)
	fmt.Sscanf(m["maxAttempts"], "%d", &j.MaxAttempts)
	fmt.Sscanf(m["backoffMs"], "%d", &j.BackoffMs)
	fmt.Sscanf(m["priority"], "%d", &j.Priority)
	if ts, err := time.Parse(time.RFC3339Nano, m["createdAt"]); err == nil {
		j.CreatedAt = ts
	}
	return j, nil
}

// Complete marks a reserved job completed and bumps the cumulative counter.
func (q *Queue) Complete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), id)
	pipe.HSet(ctx, q.jobKey(id), "status", string(StatusCompleted))
	pipe.Incr(ctx, q.key("stats:completed"))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. If the job has attempts remaining it is
// rescheduled with exponential backoff (backoffMs * 2^(attempts-1));
// otherwise it is marked terminally failed and the failure counter ticks.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	q.rdb.HSet(ctx, q.jobKey(id), "errorMessage", cause.Error())

	if job.Attempts < job.MaxAttempts {
		backoff := time.Duration(job.BackoffMs) * time.Millisecond
		for i := 1; i < job.Attempts; i++ {
			backoff *= 2
		}
		return q.requeue(ctx, id, backoff, job.Priority, StatusWaiting)
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), id)
	pipe.HSet(ctx, q.jobKey(id), "status", string(StatusFailed))
	pipe.Incr(ctx, q.key("stats:failed"))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: terminal fail %s: %w", id, err)
	}
	return nil
}

// Reschedule re-enqueues an in-flight job with a delay without counting it
// as a failed attempt. Used for the playlist worker's 429 handling (§4.10):
// the job returns to waiting, not to a retry/backoff path.
func (q *Queue) Reschedule(ctx context.Context, id string, delay time.Duration) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return q.requeue(ctx, id, delay, job.Priority, StatusWaiting)
}

func (q *Queue) requeue(ctx context.Context, id string, delay time.Duration, priority int, status Status) error {
	dueAt := time.Now().Add(delay)
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), id)
	pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: score(dueAt, priority), Member: id})
	pipe.HSet(ctx, q.jobKey(id), "status", string(status))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}
	return nil
}

// Counts reports current waiting/active sizes and cumulative
// completed/failed totals.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	var err error
	if c.Waiting, err = q.rdb.ZCard(ctx, q.key("waiting")).Result(); err != nil {
		return c, err
	}
	if c.Active, err = q.rdb.SCard(ctx, q.key("active")).Result(); err != nil {
		return c, err
	}
	if c.Completed, err = q.rdb.Get(ctx, q.key("stats:completed")).Int64(); err != nil && err != redis.Nil {
		return c, err
	}
	if c.Failed, err = q.rdb.Get(ctx, q.key("stats:failed")).Int64(); err != nil && err != redis.Nil {
		return c, err
	}
	return c, nil
}
