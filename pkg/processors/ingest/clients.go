package ingest

import (
	"context"

	"github.com/hvilchis/facturaq/pkg/httpclient"
)

type httpRecords struct{ c *httpclient.Client }

// NewHTTPRecords builds the records-service client.
func NewHTTPRecords(c *httpclient.Client) RecordsService { return &httpRecords{c} }

func (r *httpRecords) Persist(ctx context.Context, rec Record) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := r.c.Post(ctx, "/api/cfdi-records", rec, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
