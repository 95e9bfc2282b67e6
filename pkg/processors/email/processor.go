// Package email implements the Email processor: single-message dispatch
// with attachment resolution, provider-throttled batch dispatch, and the
// specialized invoice/reminder handlers that wait for artifacts produced by
// the PDF stage.
package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hvilchis/facturaq/pkg/artifact"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Message is one outbound email handed to the mail transport.
type Message struct {
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Template    string            `json:"template"`
	Context     map[string]string `json:"context,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
}

// Transport is the outbound mail collaborator. A rejection by the provider
// is a business error carrying the provider's detail.
type Transport interface {
	Send(ctx context.Context, msg Message) (providerID string, err error)
}

// Enqueuer is the slice of the queue registry used for job chaining.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// BatchResult aggregates a send-email-batch run.
type BatchResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Processor bundles the email handlers with their collaborators.
type Processor struct {
	transport Transport
	artifacts *artifact.Store
	logbook   *DeliveryLog
	store     *queue.Store
	enq       Enqueuer
	log       zerolog.Logger

	// chunkSize and chunkPause shape batch dispatch to stay under the
	// provider's limits.
	chunkSize  int
	chunkPause time.Duration

	// waitBudget and waitInterval bound the artifact-readiness polling of
	// the specialized handlers.
	waitBudget   time.Duration
	waitInterval time.Duration
}

func New(transport Transport, artifacts *artifact.Store, logbook *DeliveryLog, store *queue.Store, enq Enqueuer) *Processor {
	return &Processor{
		transport:    transport,
		artifacts:    artifacts,
		logbook:      logbook,
		store:        store,
		enq:          enq,
		log:          logger.Log.With().Str("processor", "email").Logger(),
		chunkSize:    50,
		chunkPause:   time.Second,
		waitBudget:   30 * time.Second,
		waitInterval: 500 * time.Millisecond,
	}
}

// Mount registers the handlers on the Email queue.
func (p *Processor) Mount(q *queue.Queue) error {
	for name, fn := range map[string]queue.HandlerFunc{
		"send-email":       p.SendEmail,
		"send-email-batch": p.SendEmailBatch,
		"send-invoice":     p.SendInvoice,
		"send-reminder":    p.SendReminder,
	} {
		if err := q.Handle(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// SendEmail dispatches one message. A referenced attachment that does not
// exist yet is a retryable dependency-not-ready failure: the artifact may
// still be in flight from the PDF queue.
func (p *Processor) SendEmail(ctx context.Context, job *jobs.Job) error {
	var pl jobs.EmailPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("send-email payload: %v", err)
	}
	return p.sendOne(ctx, pl)
}

func (p *Processor) sendOne(ctx context.Context, pl jobs.EmailPayload) error {
	if pl.To == "" {
		return jobs.Validationf("send-email payload missing recipient")
	}
	for _, path := range pl.Attachments {
		if !p.artifacts.Exists(path) {
			return jobs.NotReadyf("attachment %s not available yet", path)
		}
	}

	providerID, err := p.transport.Send(ctx, Message{
		To:          pl.To,
		Subject:     pl.Subject,
		Template:    pl.Template,
		Context:     pl.Context,
		Attachments: pl.Attachments,
	})

	entry := DeliveryEntry{
		To:                pl.To,
		Subject:           pl.Subject,
		RelatedEntityType: pl.RelatedEntityType,
		RelatedEntityID:   pl.RelatedEntityID,
		ProviderID:        providerID,
		Status:            "sent",
		SentAt:            time.Now(),
	}
	if err != nil {
		entry.Status = "failed"
		entry.Detail = err.Error()
	}
	if lerr := p.logbook.Record(ctx, entry); lerr != nil {
		p.log.Error().Err(lerr).Str("to", pl.To).Msg("Delivery log write failed")
	}
	return err
}

// SendEmailBatch dispatches a batch in fixed-size chunks, each chunk's
// messages concurrently, with a fixed pause between chunks to respect
// provider limits. One failing message never aborts its siblings; the
// aggregate counts are stored as the job result, where the result endpoint
// serves them.
func (p *Processor) SendEmailBatch(ctx context.Context, job *jobs.Job) error {
	var pl jobs.EmailBatchPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("send-email-batch payload: %v", err)
	}

	res := p.DispatchBatch(ctx, pl.Emails)
	if err := p.store.SetResult(ctx, job.ID, res); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("Batch result write failed")
	}
	p.log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("Email batch dispatched")
	return nil
}

// DispatchBatch runs the chunked concurrent dispatch and returns the
// aggregate counts.
func (p *Processor) DispatchBatch(ctx context.Context, emails []jobs.EmailPayload) BatchResult {
	var mu sync.Mutex
	var res BatchResult

	for start := 0; start < len(emails); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(emails) {
			end = len(emails)
		}

		var g errgroup.Group
		for _, pl := range emails[start:end] {
			pl := pl
			g.Go(func() error {
				// Isolated per message: a single failure must not abort
				// sibling sends, so errors are counted, never returned.
				if err := p.sendOne(ctx, pl); err != nil {
					p.log.Warn().Err(err).Str("to", pl.To).Msg("Batch message failed")
					mu.Lock()
					res.Failed++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				res.Sent++
				mu.Unlock()
				return nil
			})
		}
		g.Wait()

		if end < len(emails) {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(p.chunkPause):
			}
		}
	}
	return res
}

// SendInvoice waits for the invoice PDF produced by the rendering stage,
// then composes and dispatches the invoice email. An artifact that never
// becomes ready within the wait budget fails with the dependency-not-ready
// condition, distinct from a provider-side send failure.
func (p *Processor) SendInvoice(ctx context.Context, job *jobs.Job) error {
	var pl jobs.EmailPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("send-invoice payload: %v", err)
	}
	if pl.RelatedEntityID == "" {
		return jobs.Validationf("send-invoice payload missing relatedEntityId")
	}

	pdf := p.artifacts.PathFor("invoice", pl.RelatedEntityID, "pdf")
	if err := p.artifacts.WaitReady(ctx, pdf, p.waitBudget, p.waitInterval); err != nil {
		return err
	}

	pl.Template = withDefault(pl.Template, "invoice-email")
	pl.Subject = withDefault(pl.Subject, fmt.Sprintf("Factura %s", pl.RelatedEntityID))
	pl.Attachments = append(pl.Attachments, pdf)
	return p.sendOne(ctx, pl)
}

// SendReminder waits for the rendered statement and dispatches a payment
// reminder.
func (p *Processor) SendReminder(ctx context.Context, job *jobs.Job) error {
	var pl jobs.EmailPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("send-reminder payload: %v", err)
	}
	if pl.RelatedEntityID == "" {
		return jobs.Validationf("send-reminder payload missing relatedEntityId")
	}

	pdf := p.artifacts.PathFor(withDefault(pl.RelatedEntityType, "invoice"), pl.RelatedEntityID, "pdf")
	if err := p.artifacts.WaitReady(ctx, pdf, p.waitBudget, p.waitInterval); err != nil {
		return err
	}

	pl.Template = withDefault(pl.Template, "payment-reminder")
	pl.Subject = withDefault(pl.Subject, "Recordatorio de pago")
	pl.Attachments = append(pl.Attachments, pdf)
	return p.sendOne(ctx, pl)
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
