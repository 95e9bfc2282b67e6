package pdfgen

import (
	"context"
	"encoding/base64"

	"github.com/hvilchis/facturaq/pkg/httpclient"
	"github.com/hvilchis/facturaq/pkg/jobs"
)

type httpRenderer struct{ c *httpclient.Client }

// NewHTTPRenderer builds the rendering-engine client. The engine returns
// the rendered document base64-encoded.
func NewHTTPRenderer(c *httpclient.Client) Renderer { return &httpRenderer{c} }

type renderResponse struct {
	Content string `json:"content"`
}

func (r *httpRenderer) Render(ctx context.Context, template string, data map[string]string) ([]byte, error) {
	var out renderResponse
	req := map[string]any{"template": template, "data": data}
	if err := r.c.Post(ctx, "/api/render", req, &out); err != nil {
		return nil, err
	}
	return decode(out.Content)
}

func (r *httpRenderer) RenderReport(ctx context.Context, reportType, from, to, organizationID string) ([]byte, error) {
	var out renderResponse
	req := map[string]string{
		"reportType":     reportType,
		"from":           from,
		"to":             to,
		"organizationId": organizationID,
	}
	if err := r.c.Post(ctx, "/api/render/report", req, &out); err != nil {
		return nil, err
	}
	return decode(out.Content)
}

func decode(content string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, jobs.Transient(err)
	}
	return raw, nil
}
