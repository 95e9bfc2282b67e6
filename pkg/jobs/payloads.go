package jobs

// Payload shapes per job type. These mirror the enqueue contracts consumed
// by upstream services and by processors chaining follow-up work.

// StampPayload is the CfdiStamping/stamp-document payload.
type StampPayload struct {
	DocumentID     string `json:"documentId"`
	SignedXML      string `json:"signedXml"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	CredentialID   string `json:"credentialId"`
}

// CancelPayload is the CfdiStamping/cancel-document payload.
type CancelPayload struct {
	DocumentID     string `json:"documentId"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	Reason         string `json:"reason"`
	// SubstituteID links the replacement document when the cancellation
	// names one (motivo 01).
	SubstituteID string `json:"substituteId,omitempty"`
}

// IngestPayload is the XmlProcessing/process-document payload. Exactly one
// of InlineContent or ArchivePath+EntryName must be set.
type IngestPayload struct {
	ArchivePath    string `json:"archivePath,omitempty"`
	EntryName      string `json:"entryName,omitempty"`
	InlineContent  string `json:"inlineContent,omitempty"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
	BatchID        string `json:"batchId"`
	ServiceTier    int    `json:"serviceTier"`
}

// EmailPayload is the Email/send-email payload.
type EmailPayload struct {
	To                string            `json:"to"`
	Subject           string            `json:"subject"`
	Template          string            `json:"template"`
	Context           map[string]string `json:"context,omitempty"`
	Attachments       []string          `json:"attachments,omitempty"`
	UserID            string            `json:"userId"`
	OrganizationID    string            `json:"organizationId"`
	RelatedEntityType string            `json:"relatedEntityType,omitempty"`
	RelatedEntityID   string            `json:"relatedEntityId,omitempty"`
}

// EmailBatchPayload is the Email/send-email-batch payload.
type EmailBatchPayload struct {
	Emails []EmailPayload `json:"emails"`
}

// AccountingPayload covers crear-cxc, crear-cxp and aplicar-pago.
type AccountingPayload struct {
	DocumentID     string  `json:"documentId"`
	UserID         string  `json:"userId"`
	OrganizationID string  `json:"organizationId"`
	Amount         float64 `json:"amount"`
	PartnerID      string  `json:"partnerId,omitempty"`
}

// InventoryItem is one line of an inventory mutation.
type InventoryItem struct {
	ProductID string  `json:"productId"`
	Quantity  float64 `json:"quantity"`
	Lot       string  `json:"lot,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
}

// InventoryPayload is the InventoryUpdate/actualizar-inventario payload.
type InventoryPayload struct {
	Type          string          `json:"type"` // deduct|add|adjust|reserve|release
	WarehouseID   string          `json:"warehouseId"`
	Items         []InventoryItem `json:"items"`
	ReferenceType string          `json:"referenceType"`
	ReferenceID   string          `json:"referenceId"`
}

// NotificationPayload is the Notification/enviar-notificacion payload.
type NotificationPayload struct {
	UserID         string            `json:"userId"`
	OrganizationID string            `json:"organizationId"`
	Type           string            `json:"type"` // info|success|warning|error
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Data           map[string]string `json:"data,omitempty"`
	Priority       int               `json:"priority"`
	Channels       []string          `json:"channels"` // websocket|push|sms|email
}

// PdfPayload is the PdfGeneration/generate-pdf payload.
type PdfPayload struct {
	EntityType     string            `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Template       string            `json:"template"`
	Data           map[string]string `json:"data,omitempty"`
	UserID         string            `json:"userId"`
	OrganizationID string            `json:"organizationId"`
}

// ReportPayload is the ReportGeneration/generate-report payload.
type ReportPayload struct {
	ReportType     string `json:"reportType"`
	From           string `json:"from"`
	To             string `json:"to"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId"`
}
