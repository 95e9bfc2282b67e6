package email

import (
	"context"

	"github.com/hvilchis/facturaq/pkg/httpclient"
)

type httpTransport struct{ c *httpclient.Client }

// NewHTTPTransport builds the mail-service transport.
func NewHTTPTransport(c *httpclient.Client) Transport { return &httpTransport{c} }

func (t *httpTransport) Send(ctx context.Context, msg Message) (string, error) {
	var out struct {
		ProviderID string `json:"providerId"`
	}
	if err := t.c.Post(ctx, "/api/mail/send", msg, &out); err != nil {
		return "", err
	}
	return out.ProviderID, nil
}
