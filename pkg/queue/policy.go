package queue

import (
	"time"

	"github.com/hvilchis/facturaq/pkg/jobs"
)

// Backoff selects how the retry delay grows between attempts.
type Backoff int

const (
	// BackoffFixed waits BaseDelay before every retry.
	BackoffFixed Backoff = iota
	// BackoffExponential waits BaseDelay * 2^(attempt-1) before attempt n.
	BackoffExponential
)

// Policy is the operating policy bound to one queue. Policies are fixed by
// domain requirement and declared once at process start; they are never
// mutated at runtime.
type Policy struct {
	// MaxAttempts bounds how many executions a job gets before it is
	// permanently failed. Minimum 1.
	MaxAttempts int

	Backoff   Backoff
	BaseDelay time.Duration

	// Concurrency is the maximum number of simultaneously in-flight jobs
	// in this queue's worker pool.
	Concurrency int

	// RatePerSec throttles job starts (token bucket). 0 disables the
	// limiter. Burst defaults to RatePerSec when zero.
	RatePerSec int
	Burst      int

	// KeepCompleted / KeepFailed bound the retained history per queue.
	KeepCompleted int
	KeepFailed    int

	// Timeout abandons an in-flight handler and treats the job as failed
	// for retry purposes. 0 means no timeout: a hung handler ties up a
	// worker slot indefinitely, which is accepted only for best-effort
	// queues.
	Timeout time.Duration
}

// Delay returns the wait before retrying attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff == BackoffExponential {
		return p.BaseDelay * time.Duration(1<<(attempt-1))
	}
	return p.BaseDelay
}

// Policies returns the static policy table for every queue in the system.
//
// CfdiStamping and XmlProcessing are fiscally critical: low retry counts,
// mandatory timeouts, and a rate limit that respects the signing
// authority's quota. ReportGeneration runs strictly one report at a time.
// Notification is best effort.
func Policies() map[string]Policy {
	return map[string]Policy{
		jobs.QueueCfdiStamping: {
			MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: 5 * time.Second,
			Concurrency: 5, RatePerSec: 10, Burst: 10,
			KeepCompleted: 100, KeepFailed: 500, Timeout: 30 * time.Second,
		},
		jobs.QueueXmlProcessing: {
			MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 2 * time.Second,
			Concurrency: 8, RatePerSec: 100, Burst: 100,
			KeepCompleted: 100, KeepFailed: 500, Timeout: 60 * time.Second,
		},
		jobs.QueueEmail: {
			MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: 30 * time.Second,
			Concurrency: 10, KeepCompleted: 100, KeepFailed: 200,
			Timeout: 2 * time.Minute,
		},
		jobs.QueuePdfGeneration: {
			// PDF rendering is CPU and memory heavy; keep concurrency low.
			MaxAttempts: 4, Backoff: BackoffExponential, BaseDelay: 10 * time.Second,
			Concurrency: 3, KeepCompleted: 100, KeepFailed: 200,
			Timeout: 90 * time.Second,
		},
		jobs.QueueReportGeneration: {
			// Reports must never run concurrently with each other.
			MaxAttempts: 2, Backoff: BackoffFixed, BaseDelay: time.Minute,
			Concurrency: 1, KeepCompleted: 50, KeepFailed: 100,
			Timeout: 10 * time.Minute,
		},
		jobs.QueueInventoryUpdate: {
			MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 5 * time.Second,
			Concurrency: 6, KeepCompleted: 100, KeepFailed: 200,
			Timeout: 30 * time.Second,
		},
		jobs.QueueAccounting: {
			MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 5 * time.Second,
			Concurrency: 6, KeepCompleted: 100, KeepFailed: 200,
			Timeout: 30 * time.Second,
		},
		jobs.QueueNotification: {
			MaxAttempts: 1, Backoff: BackoffFixed, BaseDelay: 5 * time.Second,
			Concurrency: 20, KeepCompleted: 100, KeepFailed: 100,
		},
	}
}
