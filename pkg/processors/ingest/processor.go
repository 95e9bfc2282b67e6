// Package ingest implements the XmlProcessing processor: extracting fiscal
// XML documents from uploads (inline or zip archives), validating their
// structure, persisting the extracted record, and chaining ledger-entry and
// PDF jobs. Many ingest jobs share a batch id; the processor's queue hooks
// drive the exactly-once batch-summary notification.
package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Record is the extracted financial record persisted through the records
// service.
type Record struct {
	FiscalID       string  `json:"fiscalId"`
	Version        string  `json:"version"`
	Type           string  `json:"type"`
	Serie          string  `json:"serie,omitempty"`
	Folio          string  `json:"folio,omitempty"`
	IssuerRFC      string  `json:"issuerRfc"`
	ReceiverRFC    string  `json:"receiverRfc"`
	Total          float64 `json:"total"`
	OrganizationID string  `json:"organizationId"`
	XML            string  `json:"xml"`
}

// RecordsService is the external owner of extracted CFDI records.
type RecordsService interface {
	Persist(ctx context.Context, rec Record) (recordID string, err error)
}

// Enqueuer is the slice of the queue registry used for job chaining.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// Processor bundles the ingest handler, its collaborators and the batch
// progress state held in the queue store.
type Processor struct {
	records RecordsService
	store   *queue.Store
	enq     Enqueuer
	log     zerolog.Logger
}

func New(records RecordsService, store *queue.Store, enq Enqueuer) *Processor {
	return &Processor{
		records: records,
		store:   store,
		enq:     enq,
		log:     logger.Log.With().Str("processor", "ingest").Logger(),
	}
}

// Mount registers the handler and the batch hooks on the XmlProcessing
// queue. Both terminal outcomes step the batch counter so a batch always
// completes even when some of its jobs dead-letter.
func (p *Processor) Mount(q *queue.Queue) error {
	if err := q.Handle("process-document", p.ProcessDocument); err != nil {
		return err
	}
	q.OnCompleted(p.batchStep(false))
	q.OnFailed(p.batchStep(true))
	return nil
}

// ProcessDocument extracts, validates and persists one fiscal document.
//
// A document that fails structural validation is a business failure, not a
// transient fault: the error is recorded against the batch for the summary
// report and the handler returns success so the retry machinery is not
// applied to input that will never become valid.
func (p *Processor) ProcessDocument(ctx context.Context, job *jobs.Job) error {
	var pl jobs.IngestPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("process-document payload: %v", err)
	}

	content, err := p.resolveContent(pl)
	if err != nil {
		return p.recordRejection(ctx, pl, err)
	}

	doc, err := Parse(content)
	if err != nil {
		return p.recordRejection(ctx, pl, err)
	}
	if err := doc.Validate(); err != nil {
		return p.recordRejection(ctx, pl, err)
	}

	recordID, err := p.records.Persist(ctx, Record{
		FiscalID:       doc.Complemento.TFD.UUID,
		Version:        doc.Version,
		Type:           doc.Tipo,
		Serie:          doc.Serie,
		Folio:          doc.Folio,
		IssuerRFC:      doc.Emisor.RFC,
		ReceiverRFC:    doc.Receptor.RFC,
		Total:          doc.Total,
		OrganizationID: pl.OrganizationID,
		XML:            string(content),
	})
	if err != nil {
		return err
	}

	prio := tierPriority(pl.ServiceTier)
	switch doc.Tipo {
	case "I", "E":
		// Received income/credit documents create a payable entry and a
		// rendered copy for the owner.
		if _, err := p.enq.Enqueue(ctx, jobs.QueueAccounting, "crear-cxp", jobs.AccountingPayload{
			DocumentID:     recordID,
			UserID:         pl.UserID,
			OrganizationID: pl.OrganizationID,
			Amount:         doc.Total,
		}, queue.WithPriority(prio)); err != nil {
			return err
		}
		if _, err := p.enq.Enqueue(ctx, jobs.QueuePdfGeneration, "generate-pdf", jobs.PdfPayload{
			EntityType:     "cfdi-record",
			EntityID:       recordID,
			Template:       "cfdi",
			UserID:         pl.UserID,
			OrganizationID: pl.OrganizationID,
		}, queue.WithPriority(prio)); err != nil {
			return err
		}
	case "P":
		if _, err := p.enq.Enqueue(ctx, jobs.QueueAccounting, "aplicar-pago", jobs.AccountingPayload{
			DocumentID:     recordID,
			UserID:         pl.UserID,
			OrganizationID: pl.OrganizationID,
			Amount:         doc.Total,
		}, queue.WithPriority(prio)); err != nil {
			return err
		}
	}

	p.log.Info().
		Str("record_id", recordID).
		Str("fiscal_id", doc.Complemento.TFD.UUID).
		Str("batch_id", pl.BatchID).
		Msg("Document ingested")
	return nil
}

// recordRejection logs a validation failure against the batch and returns
// success so the worker pool does not retry malformed input.
func (p *Processor) recordRejection(ctx context.Context, pl jobs.IngestPayload, cause error) error {
	name := pl.EntryName
	if name == "" {
		name = "inline"
	}
	p.log.Warn().Err(cause).
		Str("batch_id", pl.BatchID).
		Str("entry", name).
		Msg("Document rejected by validation")
	if pl.BatchID != "" {
		if err := p.store.BatchError(ctx, pl.BatchID, fmt.Sprintf("%s: %v", name, cause)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) resolveContent(pl jobs.IngestPayload) ([]byte, error) {
	if pl.InlineContent != "" {
		return []byte(pl.InlineContent), nil
	}
	if pl.ArchivePath == "" || pl.EntryName == "" {
		return nil, jobs.Validationf("payload carries neither inline content nor an archive entry")
	}

	zr, err := zip.OpenReader(pl.ArchivePath)
	if err != nil {
		// The archive was uploaded before the batch was enqueued; a
		// missing or unreadable archive is bad input, not a race.
		return nil, jobs.Validationf("abrir archivo %s: %v", pl.ArchivePath, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != pl.EntryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, jobs.Validationf("abrir entrada %s: %v", pl.EntryName, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, jobs.Validationf("entrada %s no encontrada en %s", pl.EntryName, pl.ArchivePath)
}

// tierPriority maps the caller's service tier to a dispatch priority:
// higher tier, lower numeric priority, served first.
func tierPriority(tier int) int {
	switch {
	case tier >= 3:
		return jobs.PriorityHigh
	case tier == 2:
		return jobs.PriorityDefault
	default:
		return jobs.PriorityLow
	}
}

// batchStep returns the queue hook that advances the batch progress
// counter. The store's increment-and-compare is atomic with respect to
// concurrent sibling jobs, so exactly one job observes the counter reach
// the batch total and enqueues the single summary notification.
func (p *Processor) batchStep(failed bool) queue.Hook {
	return func(ctx context.Context, job *jobs.Job, jobErr error) {
		var pl jobs.IngestPayload
		if err := job.Decode(&pl); err != nil || pl.BatchID == "" {
			return
		}

		if failed {
			detail := "job failed"
			if jobErr != nil {
				detail = jobErr.Error()
			}
			if err := p.store.BatchError(ctx, pl.BatchID, detail); err != nil {
				p.log.Error().Err(err).Str("batch_id", pl.BatchID).Msg("Failed to record batch error")
			}
		}

		last, err := p.store.BatchStep(ctx, pl.BatchID)
		if err != nil {
			p.log.Error().Err(err).Str("batch_id", pl.BatchID).Msg("Batch step failed")
			return
		}
		if !last {
			return
		}
		p.summarize(ctx, pl)
	}
}

func (p *Processor) summarize(ctx context.Context, pl jobs.IngestPayload) {
	done, total, err := p.store.BatchCounts(ctx, pl.BatchID)
	if err != nil {
		p.log.Error().Err(err).Str("batch_id", pl.BatchID).Msg("Batch counts unavailable")
	}
	errs, err := p.store.BatchErrors(ctx, pl.BatchID)
	if err != nil {
		p.log.Error().Err(err).Str("batch_id", pl.BatchID).Msg("Batch errors unavailable")
	}

	kind := "success"
	msg := fmt.Sprintf("Se procesaron %d documentos", done)
	if len(errs) > 0 {
		kind = "warning"
		msg = fmt.Sprintf("Se procesaron %d documentos, %d con errores", done, len(errs))
	}

	data := map[string]string{
		"batchId": pl.BatchID,
		"total":   fmt.Sprintf("%d", total),
		"errors":  fmt.Sprintf("%d", len(errs)),
	}
	for i, e := range errs {
		if i >= 10 {
			break
		}
		data[fmt.Sprintf("error_%d", i)] = e
	}

	if _, err := p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
		Type:           kind,
		Title:          "Carga de documentos completada",
		Message:        msg,
		Data:           data,
		Priority:       jobs.PriorityDefault,
		Channels:       []string{"websocket", "push"},
	}); err != nil {
		p.log.Error().Err(err).Str("batch_id", pl.BatchID).Msg("Failed to enqueue batch summary")
	}
}
