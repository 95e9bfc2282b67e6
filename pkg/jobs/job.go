// Package jobs defines the core data structures for job representation in
// the facturaq orchestration core. Jobs are units of work enqueued into a
// named queue, executed by a named handler, and retried on transient failure.
package jobs

import (
	"encoding/json"
	"time"
)

// Queue names. Every queue is declared once at process start; see the
// policy table in pkg/queue.
const (
	QueueEmail            = "Email"
	QueuePdfGeneration    = "PdfGeneration"
	QueueXmlProcessing    = "XmlProcessing"
	QueueCfdiStamping     = "CfdiStamping"
	QueueNotification     = "Notification"
	QueueReportGeneration = "ReportGeneration"
	QueueInventoryUpdate  = "InventoryUpdate"
	QueueAccounting       = "Accounting"
)

// Job represents a unit of work tracked through the queue store.
//
// The Handler field selects which function within the queue's processor
// runs, while Payload carries the job-type-specific data. Attempts is owned
// by the queue store: it is incremented on every retry and compared against
// the queue policy's maximum.
type Job struct {
	// ID is a unique identifier for the job (UUID, assigned on enqueue).
	ID string `json:"id"`

	// Queue is the name of the queue this job belongs to.
	Queue string `json:"queue"`

	// Handler names the processor function that runs this job.
	Handler string `json:"handler"`

	// Payload contains the job-specific data, decoded by the handler.
	Payload json.RawMessage `json:"payload"`

	// Priority determines dispatch order within the queue.
	// Lower numeric value = higher priority. 0 = High, 1 = Default, 2 = Low.
	Priority int `json:"priority"`

	// CreatedAt is the timestamp when the job was first enqueued.
	CreatedAt time.Time `json:"created_at"`

	// Attempts tracks how many times this job has been retried after
	// failures. The first execution is attempt 1.
	Attempts int `json:"attempts"`
}

const (
	PriorityHigh    = 0
	PriorityDefault = 1
	PriorityLow     = 2
)

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}
