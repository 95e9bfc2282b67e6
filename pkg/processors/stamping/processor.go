// Package stamping implements the CfdiStamping processor: submitting
// locally-signed fiscal documents to the stamping authority (PAC),
// persisting the stamped result, and fanning out the follow-up PDF,
// accounting and notification jobs.
//
// Document state machine:
//
//	received -> signed-locally -> sent-to-authority -> stamped
//	any step -> error
//	stamped -> cancellation-requested -> cancelled
package stamping

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Document states persisted through the documents service.
const (
	StatusReceived        = "received"
	StatusSignedLocally   = "signed-locally"
	StatusSentToAuthority = "sent-to-authority"
	StatusStamped         = "stamped"
	StatusError           = "error"
	StatusCancelRequested = "cancellation-requested"
	StatusCancelled       = "cancelled"
)

// Document is the slice of the invoice entity this processor reads and
// writes. The entity itself is owned by the documents service.
type Document struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organizationId"`
	Status         string  `json:"status"`
	FiscalID       string  `json:"fiscalId,omitempty"` // UUID assigned by the authority
	Total          float64 `json:"total"`
	IssuerRFC      string  `json:"issuerRfc"`
	CustomerEmail  string  `json:"customerEmail,omitempty"`
}

// DocumentUpdate is a partial status write.
type DocumentUpdate struct {
	Status         string `json:"status"`
	FiscalID       string `json:"fiscalId,omitempty"`
	SignatureBlock string `json:"signatureBlock,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	SubstituteID   string `json:"substituteId,omitempty"`
}

// DocumentsService is the external owner of invoice entities.
type DocumentsService interface {
	Get(ctx context.Context, id string) (*Document, error)
	Update(ctx context.Context, id string, update DocumentUpdate) error
}

// Credential is the signing credential referenced by a stamp job.
type Credential struct {
	ID          string `json:"id"`
	Certificate string `json:"certificate"`
	SerialNo    string `json:"serialNo"`
}

// CredentialsService hands out signing credentials.
type CredentialsService interface {
	Get(ctx context.Context, id string) (*Credential, error)
}

// StampResult is the authority's successful response.
type StampResult struct {
	FiscalID       string `json:"fiscalId"`
	SignatureBlock string `json:"signatureBlock"`
	StampedAt      string `json:"stampedAt"`
}

// Authority is the third-party stamping authority (PAC). Rejections are
// business errors carrying the authority's message.
type Authority interface {
	Stamp(ctx context.Context, signedXML string, cred *Credential) (*StampResult, error)
	Cancel(ctx context.Context, fiscalID, issuerRFC, reason, substituteFiscalID string) error
}

// Enqueuer is the slice of the queue registry processors use to chain
// follow-up jobs. Satisfied by *queue.Registry.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// Processor bundles the stamping handlers with their collaborators.
type Processor struct {
	docs        DocumentsService
	credentials CredentialsService
	authority   Authority
	enq         Enqueuer
	log         zerolog.Logger
}

func New(docs DocumentsService, credentials CredentialsService, authority Authority, enq Enqueuer) *Processor {
	return &Processor{
		docs:        docs,
		credentials: credentials,
		authority:   authority,
		enq:         enq,
		log:         logger.Log.With().Str("processor", "stamping").Logger(),
	}
}

// Mount registers the handlers on the CfdiStamping queue.
func (p *Processor) Mount(q *queue.Queue) error {
	if err := q.Handle("stamp-document", p.StampDocument); err != nil {
		return err
	}
	return q.Handle("cancel-document", p.CancelDocument)
}

// StampDocument submits a locally-signed document to the authority and, on
// success, persists the stamped record before enqueueing the follow-up
// PDF, ledger-entry and notification jobs. Re-delivery of an
// already-stamped document is a no-op: the existing fiscal identifier is
// kept and no second stamp is requested.
func (p *Processor) StampDocument(ctx context.Context, job *jobs.Job) error {
	var pl jobs.StampPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("stamp-document payload: %v", err)
	}
	if pl.DocumentID == "" || pl.SignedXML == "" {
		return jobs.Validationf("stamp-document payload missing documentId or signedXml")
	}

	doc, err := p.docs.Get(ctx, pl.DocumentID)
	if err != nil {
		return err
	}

	// At-least-once redelivery guard: a stamped document keeps its fiscal
	// identifier and is never submitted twice.
	if doc.Status == StatusStamped && doc.FiscalID != "" {
		p.log.Info().Str("document_id", doc.ID).Str("fiscal_id", doc.FiscalID).
			Msg("Document already stamped, skipping")
		return nil
	}
	if doc.Status == StatusCancelled {
		return jobs.Businessf("document %s is cancelled and cannot be stamped", doc.ID)
	}

	cred, err := p.credentials.Get(ctx, pl.CredentialID)
	if err != nil {
		return err
	}

	if err := p.docs.Update(ctx, doc.ID, DocumentUpdate{Status: StatusSentToAuthority}); err != nil {
		return err
	}

	result, err := p.authority.Stamp(ctx, pl.SignedXML, cred)
	if err != nil {
		if jobs.KindOf(err) == jobs.KindBusiness {
			// Authority rejections are usually not transient: persist the
			// message, tell the owner, and fail without retry.
			p.persistError(ctx, doc.ID, err)
			p.notifyError(ctx, pl.UserID, pl.OrganizationID, doc.ID, err)
		}
		return err
	}

	// The stamped record must be durably persisted before any follow-up
	// job is enqueued, otherwise downstream stages race ahead of the data
	// they depend on.
	if err := p.docs.Update(ctx, doc.ID, DocumentUpdate{
		Status:         StatusStamped,
		FiscalID:       result.FiscalID,
		SignatureBlock: result.SignatureBlock,
	}); err != nil {
		return err
	}

	p.log.Info().Str("document_id", doc.ID).Str("fiscal_id", result.FiscalID).Msg("Document stamped")

	// Carrying the customer's address lets the PDF stage chain the
	// invoice email once the artifact is written.
	var pdfData map[string]string
	if doc.CustomerEmail != "" {
		pdfData = map[string]string{"notifyEmail": doc.CustomerEmail}
	}
	if _, err := p.enq.Enqueue(ctx, jobs.QueuePdfGeneration, "generate-pdf", jobs.PdfPayload{
		EntityType:     "invoice",
		EntityID:       doc.ID,
		Template:       "invoice",
		Data:           pdfData,
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
	}, queue.WithPriority(jobs.PriorityHigh)); err != nil {
		return err
	}
	if _, err := p.enq.Enqueue(ctx, jobs.QueueAccounting, "crear-cxc", jobs.AccountingPayload{
		DocumentID:     doc.ID,
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
		Amount:         doc.Total,
	}); err != nil {
		return err
	}
	_, err = p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
		Type:           "success",
		Title:          "Factura timbrada",
		Message:        "La factura fue timbrada correctamente",
		Data:           map[string]string{"documentId": doc.ID, "fiscalId": result.FiscalID},
		Priority:       jobs.PriorityDefault,
		Channels:       []string{"websocket", "push"},
	})
	return err
}

// CancelDocument submits a cancellation (voiding) to the authority. Only a
// stamped, not-yet-cancelled document is cancellable; anything else is a
// non-retryable validation failure.
func (p *Processor) CancelDocument(ctx context.Context, job *jobs.Job) error {
	var pl jobs.CancelPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("cancel-document payload: %v", err)
	}

	doc, err := p.docs.Get(ctx, pl.DocumentID)
	if err != nil {
		return err
	}
	switch doc.Status {
	case StatusCancelled:
		return jobs.Validationf("document %s is already cancelled", doc.ID)
	case StatusStamped:
		// cancellable
	default:
		return jobs.Validationf("document %s is not stamped (status %s) and cannot be cancelled", doc.ID, doc.Status)
	}

	if err := p.docs.Update(ctx, doc.ID, DocumentUpdate{Status: StatusCancelRequested}); err != nil {
		return err
	}

	var substituteFiscalID string
	if pl.SubstituteID != "" {
		sub, err := p.docs.Get(ctx, pl.SubstituteID)
		if err != nil {
			return err
		}
		substituteFiscalID = sub.FiscalID
	}

	if err := p.authority.Cancel(ctx, doc.FiscalID, doc.IssuerRFC, pl.Reason, substituteFiscalID); err != nil {
		if jobs.KindOf(err) == jobs.KindBusiness {
			p.persistError(ctx, doc.ID, err)
			p.notifyError(ctx, pl.UserID, pl.OrganizationID, doc.ID, err)
		}
		return err
	}

	if err := p.docs.Update(ctx, doc.ID, DocumentUpdate{
		Status:       StatusCancelled,
		SubstituteID: pl.SubstituteID,
	}); err != nil {
		return err
	}

	p.log.Info().Str("document_id", doc.ID).Msg("Document cancelled")

	_, err = p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		UserID:         pl.UserID,
		OrganizationID: pl.OrganizationID,
		Type:           "info",
		Title:          "Factura cancelada",
		Message:        "La cancelación fue aceptada por la autoridad",
		Data:           map[string]string{"documentId": doc.ID},
		Priority:       jobs.PriorityDefault,
		Channels:       []string{"websocket", "push"},
	})
	return err
}

func (p *Processor) persistError(ctx context.Context, docID string, cause error) {
	if err := p.docs.Update(ctx, docID, DocumentUpdate{
		Status:       StatusError,
		ErrorMessage: cause.Error(),
	}); err != nil {
		p.log.Error().Err(err).Str("document_id", docID).Msg("Failed to persist error status")
	}
}

func (p *Processor) notifyError(ctx context.Context, userID, orgID, docID string, cause error) {
	if _, err := p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		UserID:         userID,
		OrganizationID: orgID,
		Type:           "error",
		Title:          "Error de timbrado",
		Message:        cause.Error(),
		Data:           map[string]string{"documentId": docID},
		Priority:       jobs.PriorityHigh,
		Channels:       []string{"websocket", "push", "email"},
	}); err != nil {
		p.log.Error().Err(err).Str("document_id", docID).Msg("Failed to enqueue error notification")
	}
}
