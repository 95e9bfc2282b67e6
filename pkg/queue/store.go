// Package queue implements the durable queue store and the queue registry
// of the facturaq orchestration core. The store is Redis-backed and
// supports reliable job processing with features including:
//   - Atomic job leasing with BLMove into a per-queue processing list
//   - Per-policy retry with fixed or exponential backoff
//   - Dead letter list for permanently failed jobs
//   - Delayed job scheduling and stale-lease reclaim via Lua scripts
//   - Token-bucket rate limiting per queue
//   - An atomic batch progress counter for exactly-once batch completion
//
// Key layout per queue <name>:
//
//	q:<name>:high | q:<name>:default | q:<name>:low   pending, by priority band
//	q:<name>:processing                               leased jobs
//	q:<name>:leases                                   ZSET raw -> lease deadline
//	q:<name>:delayed                                  ZSET raw -> ready-at nanos
//	q:<name>:completed                                trimmed history
//	q:<name>:dead                                     permanently failed jobs
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
)

// ErrEmpty is returned by Dequeue when no job is available in any band
// within the blocking window.
var ErrEmpty = redis.Nil

// Store manages the connection to Redis and provides the queue store
// protocol: push, pop-with-lease, ack, nack-with-requeue, and the batch
// counter primitive. All operations are context-aware.
type Store struct {
	rdb *redis.Client

	// block is the BLMove timeout per priority band during Dequeue.
	block time.Duration

	// leaseTTL is how long a dequeued job may sit in the processing list
	// before the reclaimer hands it back to a pending band.
	leaseTTL time.Duration
}

// NewStore creates a queue store on the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:      rdb,
		block:    time.Second,
		leaseTTL: 15 * time.Minute,
	}
}

// Client exposes the underlying Redis client for components that share the
// connection (Pub/Sub notification fan-out).
func (s *Store) Client() *redis.Client { return s.rdb }

// SetBlock overrides the Dequeue blocking window. The Redis client
// truncates BLMove timeouts below one second, so that is the floor.
func (s *Store) SetBlock(d time.Duration) {
	if d < time.Second {
		d = time.Second
	}
	s.block = d
}

// SetLeaseTTL overrides the processing lease duration.
func (s *Store) SetLeaseTTL(d time.Duration) { s.leaseTTL = d }

func keyBand(queue string, priority int) string {
	switch {
	case priority <= jobs.PriorityHigh:
		return "q:" + queue + ":high"
	case priority >= jobs.PriorityLow:
		return "q:" + queue + ":low"
	default:
		return "q:" + queue + ":default"
	}
}

func keyProcessing(queue string) string { return "q:" + queue + ":processing" }
func keyLeases(queue string) string     { return "q:" + queue + ":leases" }
func keyDelayed(queue string) string    { return "q:" + queue + ":delayed" }
func keyCompleted(queue string) string  { return "q:" + queue + ":completed" }
func keyDead(queue string) string       { return "q:" + queue + ":dead" }

// Push adds a job to its queue. With delay > 0 the job parks in the delayed
// ZSET until the promoter moves it to a pending band; otherwise it is
// appended to the band matching its priority.
func (s *Store) Push(ctx context.Context, job jobs.Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if delay > 0 {
		return s.rdb.ZAdd(ctx, keyDelayed(job.Queue), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixNano()),
			Member: data,
		}).Err()
	}
	return s.rdb.RPush(ctx, keyBand(job.Queue, job.Priority), data).Err()
}

// Dequeue atomically leases the next job from the highest non-empty
// priority band, moving it into the processing list and recording a lease
// deadline. It blocks up to the store's window per band; if every band is
// empty it returns ErrEmpty.
//
// The raw string returned alongside the job is the lease token: it must be
// handed back to Complete, Retry or Fail.
func (s *Store) Dequeue(ctx context.Context, queue string) (*jobs.Job, string, error) {
	bands := []string{
		keyBand(queue, jobs.PriorityHigh),
		keyBand(queue, jobs.PriorityDefault),
		keyBand(queue, jobs.PriorityLow),
	}

	for _, band := range bands {
		raw, err := s.rdb.BLMove(ctx, band, keyProcessing(queue), "LEFT", "RIGHT", s.block).Result()
		if err == redis.Nil {
			// Band empty, fall through to the next priority.
			continue
		}
		if err != nil {
			return nil, "", err
		}

		var job jobs.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Malformed entry: drop it from processing so it cannot wedge
			// the reclaimer, and surface the decode error.
			s.rdb.LRem(ctx, keyProcessing(queue), 1, raw)
			return nil, "", err
		}

		deadline := float64(time.Now().Add(s.leaseTTL).UnixNano())
		if err := s.rdb.ZAdd(ctx, keyLeases(queue), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			logger.Log.Warn().Err(err).Str("queue", queue).Msg("Lease registration failed")
		}
		return &job, raw, nil
	}

	return nil, "", ErrEmpty
}

// Complete acknowledges successful completion, dropping the lease and
// keeping the job in a trimmed completed history.
func (s *Store) Complete(ctx context.Context, queue, raw string, keep int) error {
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, keyProcessing(queue), 1, raw)
	pipe.ZRem(ctx, keyLeases(queue), raw)
	pipe.RPush(ctx, keyCompleted(queue), raw)
	pipe.LTrim(ctx, keyCompleted(queue), int64(-keep), -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry schedules a failed job for another attempt after delay. The job's
// attempt counter is incremented and the new body replaces the leased one
// in the delayed ZSET; the original lease is released atomically.
func (s *Store) Retry(ctx context.Context, job jobs.Job, raw string, delay time.Duration) error {
	job.Attempts++

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyDelayed(job.Queue), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixNano()),
		Member: data,
	})
	pipe.LRem(ctx, keyProcessing(job.Queue), 1, raw)
	pipe.ZRem(ctx, keyLeases(job.Queue), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail moves a permanently failed job to the dead letter list. This is
// terminal: the job is never retried again. The dead list is trimmed to the
// queue's failed-retention count so it can be inspected or replayed.
func (s *Store) Fail(ctx context.Context, job jobs.Job, raw string, keep int) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keyDead(job.Queue), data)
	pipe.LTrim(ctx, keyDead(job.Queue), int64(-keep), -1)
	pipe.LRem(ctx, keyProcessing(job.Queue), 1, raw)
	pipe.ZRem(ctx, keyLeases(job.Queue), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// promoteScript moves due members of the delayed ZSET back to the pending
// band matching each job's priority. Atomic so that concurrent promoters
// never double-deliver a delayed job.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, raw in ipairs(due) do
		local band = KEYS[3]
		local ok, job = pcall(cjson.decode, raw)
		if ok and job.priority ~= nil then
			if job.priority <= 0 then
				band = KEYS[2]
			elseif job.priority >= 2 then
				band = KEYS[4]
			end
		end
		redis.call('RPUSH', band, raw)
	end
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	end
	return #due
`)

// PromoteDue moves every delayed job whose ready time has arrived back into
// its pending band. Returns the number of promoted jobs.
func (s *Store) PromoteDue(ctx context.Context, queue string) (int, error) {
	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{
			keyDelayed(queue),
			keyBand(queue, jobs.PriorityHigh),
			keyBand(queue, jobs.PriorityDefault),
			keyBand(queue, jobs.PriorityLow),
		},
		float64(time.Now().UnixNano()),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// reclaimScript hands expired leases back to a pending band. A lease
// expires when a worker crashed or was abandoned past the lease TTL.
var reclaimScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, raw in ipairs(due) do
		redis.call('LREM', KEYS[2], 1, raw)
		local band = KEYS[4]
		local ok, job = pcall(cjson.decode, raw)
		if ok and job.priority ~= nil then
			if job.priority <= 0 then
				band = KEYS[3]
			elseif job.priority >= 2 then
				band = KEYS[5]
			end
		end
		redis.call('RPUSH', band, raw)
	end
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	end
	return #due
`)

// ReclaimStale re-queues jobs whose processing lease has expired, providing
// at-least-once delivery across worker crashes.
func (s *Store) ReclaimStale(ctx context.Context, queue string) (int, error) {
	n, err := reclaimScript.Run(ctx, s.rdb,
		[]string{
			keyLeases(queue),
			keyProcessing(queue),
			keyBand(queue, jobs.PriorityHigh),
			keyBand(queue, jobs.PriorityDefault),
			keyBand(queue, jobs.PriorityLow),
		},
		float64(time.Now().UnixNano()),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// RunPromoter periodically promotes due delayed jobs for the given queues
// until the context is cancelled.
func (s *Store) RunPromoter(ctx context.Context, queues []string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				if _, err := s.PromoteDue(ctx, q); err != nil && ctx.Err() == nil {
					logger.Log.Error().Err(err).Str("queue", q).Msg("Promoter error")
				}
			}
		}
	}
}

// allowScript implements a token bucket per queue.
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 1
	else
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 0
	end
`)

// Allow checks whether a job start in the named queue stays under the
// queue's rate limit. Token bucket: rate tokens per second, burst capacity.
func (s *Store) Allow(ctx context.Context, queue string, rate, burst int) (bool, error) {
	if burst <= 0 {
		burst = rate
	}
	result, err := allowScript.Run(ctx, s.rdb,
		[]string{"ratelimit:" + queue},
		rate, burst, time.Now().Unix(), 1,
	).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

func keyBatch(batchID string) string       { return "batch:" + batchID }
func keyBatchErrors(batchID string) string { return "batch:" + batchID + ":errors" }

// InitBatch declares a batch's total job count before its jobs are
// enqueued. The batch state expires after 24 hours.
func (s *Store) InitBatch(ctx context.Context, batchID string, total int) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keyBatch(batchID), "total", total, "done", 0)
	pipe.Expire(ctx, keyBatch(batchID), 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// batchStepScript is the atomic increment-and-compare used for batch
// completion: exactly one caller, the one whose increment reaches the
// declared total, sees 1.
var batchStepScript = redis.NewScript(`
	local done = redis.call('HINCRBY', KEYS[1], 'done', 1)
	local total = tonumber(redis.call('HGET', KEYS[1], 'total'))
	if total and done == total then
		return 1
	end
	return 0
`)

// BatchStep records one finished job of the batch and reports whether the
// caller is the last one. Sibling jobs complete concurrently and out of
// order; the Lua script guarantees exactly one winner.
func (s *Store) BatchStep(ctx context.Context, batchID string) (last bool, err error) {
	result, err := batchStepScript.Run(ctx, s.rdb, []string{keyBatch(batchID)}).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

// BatchError records a per-document failure against the batch for the
// summary notification.
func (s *Store) BatchError(ctx context.Context, batchID, detail string) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keyBatchErrors(batchID), detail)
	pipe.Expire(ctx, keyBatchErrors(batchID), 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// BatchErrors returns the failures recorded so far for a batch.
func (s *Store) BatchErrors(ctx context.Context, batchID string) ([]string, error) {
	return s.rdb.LRange(ctx, keyBatchErrors(batchID), 0, -1).Result()
}

// BatchCounts returns done/total for a batch.
func (s *Store) BatchCounts(ctx context.Context, batchID string) (done, total int, err error) {
	vals, err := s.rdb.HMGet(ctx, keyBatch(batchID), "done", "total").Result()
	if err != nil {
		return 0, 0, err
	}
	parse := func(v interface{}) int {
		if sv, ok := v.(string); ok {
			var n int
			fmt.Sscanf(sv, "%d", &n)
			return n
		}
		return 0
	}
	return parse(vals[0]), parse(vals[1]), nil
}

// SetResult stores the result of a job execution with a 24-hour TTL.
func (s *Store) SetResult(ctx context.Context, jobID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, "result:"+jobID, data, 24*time.Hour).Err()
}

// SetResultIfAbsent stores a result only when the handler has not already
// recorded a richer one of its own.
func (s *Store) SetResultIfAbsent(ctx context.Context, jobID string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.rdb.SetNX(ctx, "result:"+jobID, data, 24*time.Hour).Err()
}

// GetResult retrieves a job result as raw JSON.
func (s *Store) GetResult(ctx context.Context, jobID string) (string, error) {
	return s.rdb.Get(ctx, "result:"+jobID).Result()
}

// Depths returns the current depth of every list and ZSET belonging to the
// named queue, for the metrics collector and the stats endpoint.
func (s *Store) Depths(ctx context.Context, queue string) map[string]int64 {
	depths := make(map[string]int64)

	lists := map[string]string{
		"high":       keyBand(queue, jobs.PriorityHigh),
		"default":    keyBand(queue, jobs.PriorityDefault),
		"low":        keyBand(queue, jobs.PriorityLow),
		"processing": keyProcessing(queue),
		"completed":  keyCompleted(queue),
		"dead":       keyDead(queue),
	}
	for name, key := range lists {
		if n, err := s.rdb.LLen(ctx, key).Result(); err == nil {
			depths[name] = n
		}
	}
	if n, err := s.rdb.ZCard(ctx, keyDelayed(queue)).Result(); err == nil {
		depths["delayed"] = n
	}
	return depths
}

// Inspect returns up to limit jobs from one of a queue's lists ("high",
// "default", "low", "processing", "completed", "dead", "delayed") without
// removing them.
func (s *Store) Inspect(ctx context.Context, queue, list string, limit int64) ([]*jobs.Job, error) {
	var key string
	switch list {
	case "high":
		key = keyBand(queue, jobs.PriorityHigh)
	case "default":
		key = keyBand(queue, jobs.PriorityDefault)
	case "low":
		key = keyBand(queue, jobs.PriorityLow)
	case "processing":
		key = keyProcessing(queue)
	case "completed":
		key = keyCompleted(queue)
	case "dead":
		key = keyDead(queue)
	case "delayed":
		key = keyDelayed(queue)
	default:
		return nil, fmt.Errorf("unknown list %q", list)
	}

	var raws []string
	var err error
	if list == "delayed" {
		raws, err = s.rdb.ZRange(ctx, key, 0, limit-1).Result()
	} else {
		raws, err = s.rdb.LRange(ctx, key, 0, limit-1).Result()
	}
	if err != nil {
		return nil, err
	}

	var out []*jobs.Job
	for _, raw := range raws {
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}
