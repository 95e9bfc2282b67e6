package stamping

import (
	"context"

	"github.com/hvilchis/facturaq/pkg/httpclient"
)

// HTTP implementations of the collaborator interfaces. The servers behind
// them are out of scope; only the wire contract lives here.

type httpDocuments struct{ c *httpclient.Client }

// NewHTTPDocuments builds the documents-service client.
func NewHTTPDocuments(c *httpclient.Client) DocumentsService { return &httpDocuments{c} }

func (d *httpDocuments) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := d.c.Get(ctx, "/api/documents/"+id, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *httpDocuments) Update(ctx context.Context, id string, update DocumentUpdate) error {
	return d.c.Put(ctx, "/api/documents/"+id+"/status", update, nil)
}

type httpCredentials struct{ c *httpclient.Client }

// NewHTTPCredentials builds the credentials-service client.
func NewHTTPCredentials(c *httpclient.Client) CredentialsService { return &httpCredentials{c} }

func (s *httpCredentials) Get(ctx context.Context, id string) (*Credential, error) {
	var cred Credential
	if err := s.c.Get(ctx, "/api/credentials/"+id, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

type httpAuthority struct{ c *httpclient.Client }

// NewHTTPAuthority builds the stamping-authority (PAC) client.
func NewHTTPAuthority(c *httpclient.Client) Authority { return &httpAuthority{c} }

func (a *httpAuthority) Stamp(ctx context.Context, signedXML string, cred *Credential) (*StampResult, error) {
	var out StampResult
	req := map[string]string{
		"xml":          signedXML,
		"certificate":  cred.Certificate,
		"serialNumber": cred.SerialNo,
	}
	if err := a.c.Post(ctx, "/api/stamp", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *httpAuthority) Cancel(ctx context.Context, fiscalID, issuerRFC, reason, substituteFiscalID string) error {
	req := map[string]string{
		"uuid":           fiscalID,
		"issuerRfc":      issuerRFC,
		"reason":         reason,
		"substituteUuid": substituteFiscalID,
	}
	return a.c.Post(ctx, "/api/cancel", req, nil)
}
