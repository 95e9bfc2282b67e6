// Package pdfgen implements the PdfGeneration and ReportGeneration
// processors: rendering a template against supplied or externally-fetched
// data and writing the artifact at the conventional path keyed by entity
// type and id.
package pdfgen

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hvilchis/facturaq/pkg/artifact"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Renderer is the external HTML/PDF rendering engine.
type Renderer interface {
	Render(ctx context.Context, template string, data map[string]string) ([]byte, error)
	// RenderReport renders an unbounded dataset; callers run it only on
	// the single-concurrency report queue with its stricter timeout.
	RenderReport(ctx context.Context, reportType, from, to, organizationID string) ([]byte, error)
}

// Enqueuer is the slice of the queue registry used for job chaining.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// Processor renders PDFs and reports.
type Processor struct {
	renderer  Renderer
	artifacts *artifact.Store
	enq       Enqueuer
	log       zerolog.Logger

	// emailDelay is the short artificial delay before the chained invoice
	// email, letting the written artifact become visible to the email
	// stage's poller.
	emailDelay time.Duration
}

func New(renderer Renderer, artifacts *artifact.Store, enq Enqueuer) *Processor {
	return &Processor{
		renderer:   renderer,
		artifacts:  artifacts,
		enq:        enq,
		log:        logger.Log.With().Str("processor", "pdfgen").Logger(),
		emailDelay: 2 * time.Second,
	}
}

// Mount registers generate-pdf on the PdfGeneration queue.
func (p *Processor) Mount(q *queue.Queue) error {
	return q.Handle("generate-pdf", p.GeneratePdf)
}

// MountReports registers generate-report on the ReportGeneration queue.
func (p *Processor) MountReports(q *queue.Queue) error {
	return q.Handle("generate-report", p.GenerateReport)
}

// GeneratePdf renders the entity's template and writes the artifact. When
// the payload names a recipient, a send-invoice email is chained with a
// short delay.
func (p *Processor) GeneratePdf(ctx context.Context, job *jobs.Job) error {
	var pl jobs.PdfPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("generate-pdf payload: %v", err)
	}
	if pl.EntityType == "" || pl.EntityID == "" {
		return jobs.Validationf("generate-pdf payload missing entity reference")
	}

	data := pl.Data
	if data == nil {
		data = map[string]string{}
	}
	data["entityId"] = pl.EntityID

	pdf, err := p.renderer.Render(ctx, pl.Template, data)
	if err != nil {
		return err
	}

	path := p.artifacts.PathFor(pl.EntityType, pl.EntityID, "pdf")
	if err := p.artifacts.Write(path, pdf); err != nil {
		return jobs.Transient(err)
	}
	p.log.Info().Str("entity_id", pl.EntityID).Str("path", path).Msg("PDF rendered")

	if recipient := data["notifyEmail"]; recipient != "" && pl.EntityType == "invoice" {
		if _, err := p.enq.Enqueue(ctx, jobs.QueueEmail, "send-invoice", jobs.EmailPayload{
			To:                recipient,
			UserID:            pl.UserID,
			OrganizationID:    pl.OrganizationID,
			RelatedEntityType: pl.EntityType,
			RelatedEntityID:   pl.EntityID,
		}, queue.WithDelay(p.emailDelay)); err != nil {
			return err
		}
	}
	return nil
}

// GenerateReport renders a report dataset and notifies the requesting user
// when the artifact is ready.
func (p *Processor) GenerateReport(ctx context.Context, job *jobs.Job) error {
	var pl jobs.ReportPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("generate-report payload: %v", err)
	}
	if pl.ReportType == "" {
		return jobs.Validationf("generate-report payload missing reportType")
	}

	pdf, err := p.renderer.RenderReport(ctx, pl.ReportType, pl.From, pl.To, pl.OrganizationID)
	if err != nil {
		return err
	}

	path := p.artifacts.PathFor("report", pl.ReportType+"-"+job.ID, "pdf")
	if err := p.artifacts.Write(path, pdf); err != nil {
		return jobs.Transient(err)
	}
	p.log.Info().Str("report_type", pl.ReportType).Str("path", path).Msg("Report rendered")

	_, err = p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
		Type:           "success",
		Title:          "Reporte disponible",
		Message:        "El reporte solicitado está listo para descargar",
		Data:           map[string]string{"reportType": pl.ReportType, "path": path},
		Priority:       jobs.PriorityDefault,
		Channels:       []string{"websocket", "push"},
	})
	return err
}
