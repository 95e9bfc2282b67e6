package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hvilchis/facturaq/pkg/jobs"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	store := NewStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	store.SetBlock(50 * time.Millisecond)
	return s, store
}

func testJob(id, queue string, priority int) jobs.Job {
	return jobs.Job{
		ID:        id,
		Queue:     queue,
		Handler:   "h",
		Payload:   json.RawMessage(`{}`),
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

func TestPushAndBandSelection(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Push(ctx, testJob("a", "Email", jobs.PriorityHigh), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := store.Push(ctx, testJob("b", "Email", jobs.PriorityLow), 0); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if n, _ := rdb.LLen(ctx, "q:Email:high").Result(); n != 1 {
		t.Errorf("Expected q:Email:high length 1, got %d", n)
	}
	if n, _ := rdb.LLen(ctx, "q:Email:low").Result(); n != 1 {
		t.Errorf("Expected q:Email:low length 1, got %d", n)
	}
}

func TestPriorityDequeue(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	store.Push(ctx, testJob("low", "Email", jobs.PriorityLow), 0)
	store.Push(ctx, testJob("high", "Email", jobs.PriorityHigh), 0)
	store.Push(ctx, testJob("default", "Email", jobs.PriorityDefault), 0)

	for _, want := range []string{"high", "default", "low"} {
		job, _, err := store.Dequeue(ctx, "Email")
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if job.ID != want {
			t.Errorf("Expected %s job, got %s", want, job.ID)
		}
	}

	if _, _, err := store.Dequeue(ctx, "Email"); err != ErrEmpty {
		t.Errorf("Expected ErrEmpty on drained queue, got %v", err)
	}
}

func TestDequeueLeasesIntoProcessing(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()

	store.Push(ctx, testJob("x", "Email", jobs.PriorityDefault), 0)
	_, raw, err := store.Dequeue(ctx, "Email")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if n, _ := rdb.LLen(ctx, "q:Email:processing").Result(); n != 1 {
		t.Errorf("Expected 1 leased job, got %d", n)
	}

	if err := store.Complete(ctx, "Email", raw, 100); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if n, _ := rdb.LLen(ctx, "q:Email:processing").Result(); n != 0 {
		t.Errorf("Expected processing empty after Complete, got %d", n)
	}
	if n, _ := rdb.LLen(ctx, "q:Email:completed").Result(); n != 1 {
		t.Errorf("Expected 1 completed job, got %d", n)
	}
}

func TestRetrySchedulesDelayedAndIncrementsAttempts(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()

	job := testJob("r", "Email", jobs.PriorityDefault)
	store.Push(ctx, job, 0)
	got, raw, err := store.Dequeue(ctx, "Email")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if err := store.Retry(ctx, *got, raw, 30*time.Second); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	members, _ := rdb.ZRangeWithScores(ctx, "q:Email:delayed", 0, -1).Result()
	if len(members) != 1 {
		t.Fatalf("Expected 1 delayed job, got %d", len(members))
	}
	if members[0].Score <= float64(time.Now().UnixNano()) {
		t.Error("Expected delayed score in the future")
	}

	var rescheduled jobs.Job
	if err := json.Unmarshal([]byte(members[0].Member.(string)), &rescheduled); err != nil {
		t.Fatalf("Unmarshal rescheduled job: %v", err)
	}
	if rescheduled.Attempts != 1 {
		t.Errorf("Expected attempts 1 after first retry, got %d", rescheduled.Attempts)
	}
	if n, _ := rdb.LLen(ctx, "q:Email:processing").Result(); n != 0 {
		t.Errorf("Expected lease released on retry, got %d", n)
	}
}

func TestFailMovesToDeadLetter(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()

	job := testJob("d", "Email", jobs.PriorityDefault)
	store.Push(ctx, job, 0)
	got, raw, _ := store.Dequeue(ctx, "Email")

	if err := store.Fail(ctx, *got, raw, 500); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if n, _ := rdb.LLen(ctx, "q:Email:dead").Result(); n != 1 {
		t.Errorf("Expected 1 dead job, got %d", n)
	}
	if n, _ := rdb.LLen(ctx, "q:Email:processing").Result(); n != 0 {
		t.Errorf("Expected processing empty after Fail, got %d", n)
	}
}

func TestPromoteDueRestoresPriorityBand(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Push(ctx, testJob("delayed-high", "Email", jobs.PriorityHigh), 10*time.Millisecond); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	n, err := store.PromoteDue(ctx, "Email")
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 promoted job, got %d", n)
	}

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	if llen, _ := rdb.LLen(ctx, "q:Email:high").Result(); llen != 1 {
		t.Errorf("Expected promoted job in high band, got %d", llen)
	}
	if card, _ := rdb.ZCard(ctx, "q:Email:delayed").Result(); card != 0 {
		t.Errorf("Expected delayed set drained, got %d", card)
	}
}

func TestPromoteDueLeavesFutureJobs(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	store.Push(ctx, testJob("future", "Email", jobs.PriorityDefault), time.Hour)
	n, err := store.PromoteDue(ctx, "Email")
	if err != nil {
		t.Fatalf("PromoteDue failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 promoted jobs, got %d", n)
	}
}

func TestReclaimStale(t *testing.T) {
	_, store := setupTestRedis(t)
	store.SetLeaseTTL(10 * time.Millisecond)
	ctx := context.Background()

	store.Push(ctx, testJob("stale", "Email", jobs.PriorityDefault), 0)
	if _, _, err := store.Dequeue(ctx, "Email"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	n, err := store.ReclaimStale(ctx, "Email")
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 reclaimed job, got %d", n)
	}

	job, _, err := store.Dequeue(ctx, "Email")
	if err != nil {
		t.Fatalf("Dequeue after reclaim failed: %v", err)
	}
	if job.ID != "stale" {
		t.Errorf("Expected reclaimed job, got %s", job.ID)
	}
}

func TestRateLimit(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	// 1 token per second, capacity 1
	allowed, err := store.Allow(ctx, "CfdiStamping", 1, 1)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allowed {
		t.Error("Expected first call to be allowed")
	}

	allowed, err = store.Allow(ctx, "CfdiStamping", 1, 1)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if allowed {
		t.Error("Expected second call to be denied")
	}

	time.Sleep(1100 * time.Millisecond)
	allowed, err = store.Allow(ctx, "CfdiStamping", 1, 1)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !allowed {
		t.Error("Expected third call to be allowed after refill")
	}
}

func TestRateLimitBurstBound(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	// Burst 10 at 10/s: 100 back-to-back requests can be granted at most
	// the burst plus one refill window, never all 100.
	granted := 0
	for i := 0; i < 100; i++ {
		allowed, err := store.Allow(ctx, "CfdiStamping", 10, 10)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if allowed {
			granted++
		}
	}
	if granted > 20 {
		t.Errorf("Expected at most 20 grants, got %d", granted)
	}
	if granted < 10 {
		t.Errorf("Expected at least the burst of 10 grants, got %d", granted)
	}
}

func TestBatchStepExactlyOnce(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	const total = 50
	if err := store.InitBatch(ctx, "batch-1", total); err != nil {
		t.Fatalf("InitBatch failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last, err := store.BatchStep(ctx, "batch-1")
			if err != nil {
				t.Errorf("BatchStep failed: %v", err)
				return
			}
			if last {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one batch winner, got %d", winners)
	}

	done, totalGot, err := store.BatchCounts(ctx, "batch-1")
	if err != nil {
		t.Fatalf("BatchCounts failed: %v", err)
	}
	if done != total || totalGot != total {
		t.Errorf("Expected counts %d/%d, got %d/%d", total, total, done, totalGot)
	}
}

func TestBatchErrors(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	store.BatchError(ctx, "batch-2", "factura1.xml: RFC inválido")
	store.BatchError(ctx, "batch-2", "factura2.xml: sin timbre")

	errs, err := store.BatchErrors(ctx, "batch-2")
	if err != nil {
		t.Fatalf("BatchErrors failed: %v", err)
	}
	if len(errs) != 2 {
		t.Errorf("Expected 2 recorded errors, got %d", len(errs))
	}
}

func TestResultRoundTrip(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SetResult(ctx, "job-1", map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	raw, err := store.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if result["status"] != "completed" {
		t.Errorf("Expected status completed, got %s", result["status"])
	}
	if s.TTL("result:job-1") == 0 {
		t.Error("Expected TTL on stored result")
	}
}

func TestSetResultIfAbsentKeepsHandlerResult(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	// A handler-recorded result wins over the generic completion record.
	if err := store.SetResult(ctx, "job-1", map[string]int{"sent": 9, "failed": 1}); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	if err := store.SetResultIfAbsent(ctx, "job-1", map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("SetResultIfAbsent failed: %v", err)
	}

	raw, err := store.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	var counts map[string]int
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		t.Fatalf("Handler result overwritten: %s", raw)
	}
	if counts["sent"] != 9 {
		t.Errorf("Expected handler result preserved, got %s", raw)
	}

	// With no prior result the generic record is written.
	if err := store.SetResultIfAbsent(ctx, "job-2", map[string]string{"status": "completed"}); err != nil {
		t.Fatalf("SetResultIfAbsent failed: %v", err)
	}
	if _, err := store.GetResult(ctx, "job-2"); err != nil {
		t.Errorf("Expected default result stored, got %v", err)
	}
}

func TestDepths(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	store.Push(ctx, testJob("1", "Email", jobs.PriorityDefault), 0)
	store.Push(ctx, testJob("2", "Email", jobs.PriorityDefault), time.Hour)

	depths := store.Depths(ctx, "Email")
	if depths["default"] != 1 {
		t.Errorf("Expected default depth 1, got %d", depths["default"])
	}
	if depths["delayed"] != 1 {
		t.Errorf("Expected delayed depth 1, got %d", depths["delayed"])
	}
}
