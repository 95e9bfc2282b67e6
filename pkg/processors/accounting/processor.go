// Package accounting implements the Accounting processor: creating
// receivable/payable ledger entries and applying payments by delegating to
// the ledger service.
package accounting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hvilchis/facturaq/pkg/httpclient"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Ledger is the external accounting service.
type Ledger interface {
	CreateReceivable(ctx context.Context, entry jobs.AccountingPayload) error
	CreatePayable(ctx context.Context, entry jobs.AccountingPayload) error
	ApplyPayment(ctx context.Context, entry jobs.AccountingPayload) error
}

// Enqueuer is the slice of the queue registry used for job chaining.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// Processor bundles the ledger handlers.
type Processor struct {
	ledger Ledger
	enq    Enqueuer
	log    zerolog.Logger
}

func New(ledger Ledger, enq Enqueuer) *Processor {
	return &Processor{
		ledger: ledger,
		enq:    enq,
		log:    logger.Log.With().Str("processor", "accounting").Logger(),
	}
}

// Mount registers the handlers on the Accounting queue.
func (p *Processor) Mount(q *queue.Queue) error {
	for name, fn := range map[string]queue.HandlerFunc{
		"crear-cxc":    p.CrearCxc,
		"crear-cxp":    p.CrearCxp,
		"aplicar-pago": p.AplicarPago,
	} {
		if err := q.Handle(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) decode(job *jobs.Job) (jobs.AccountingPayload, error) {
	var pl jobs.AccountingPayload
	if err := job.Decode(&pl); err != nil {
		return pl, jobs.Validationf("%s payload: %v", job.Handler, err)
	}
	if pl.DocumentID == "" {
		return pl, jobs.Validationf("%s payload missing documentId", job.Handler)
	}
	return pl, nil
}

// CrearCxc creates an account-receivable entry for a stamped invoice.
func (p *Processor) CrearCxc(ctx context.Context, job *jobs.Job) error {
	pl, err := p.decode(job)
	if err != nil {
		return err
	}
	if err := p.ledger.CreateReceivable(ctx, pl); err != nil {
		return err
	}
	p.log.Info().Str("document_id", pl.DocumentID).Float64("amount", pl.Amount).Msg("CxC created")
	return nil
}

// CrearCxp creates an account-payable entry for a received document.
func (p *Processor) CrearCxp(ctx context.Context, job *jobs.Job) error {
	pl, err := p.decode(job)
	if err != nil {
		return err
	}
	if err := p.ledger.CreatePayable(ctx, pl); err != nil {
		return err
	}
	p.log.Info().Str("document_id", pl.DocumentID).Float64("amount", pl.Amount).Msg("CxP created")
	return nil
}

// AplicarPago applies a payment against an open entry and notifies the
// owner.
func (p *Processor) AplicarPago(ctx context.Context, job *jobs.Job) error {
	pl, err := p.decode(job)
	if err != nil {
		return err
	}
	if err := p.ledger.ApplyPayment(ctx, pl); err != nil {
		return err
	}
	p.log.Info().Str("document_id", pl.DocumentID).Float64("amount", pl.Amount).Msg("Payment applied")

	_, err = p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
		Type:           "success",
		Title:          "Pago aplicado",
		Message:        fmt.Sprintf("Se aplicó un pago por %.2f", pl.Amount),
		Data:           map[string]string{"documentId": pl.DocumentID},
		Priority:       jobs.PriorityDefault,
		Channels:       []string{"websocket", "push"},
	})
	return err
}

type httpLedger struct{ c *httpclient.Client }

// NewHTTPLedger builds the ledger-service client.
func NewHTTPLedger(c *httpclient.Client) Ledger { return &httpLedger{c} }

func (l *httpLedger) CreateReceivable(ctx context.Context, entry jobs.AccountingPayload) error {
	return l.c.Post(ctx, "/api/ledger/cxc", entry, nil)
}

func (l *httpLedger) CreatePayable(ctx context.Context, entry jobs.AccountingPayload) error {
	return l.c.Post(ctx, "/api/ledger/cxp", entry, nil)
}

func (l *httpLedger) ApplyPayment(ctx context.Context, entry jobs.AccountingPayload) error {
	return l.c.Post(ctx, "/api/ledger/payments", entry, nil)
}
