// Package inventory implements the InventoryUpdate processor: applying
// stock mutations line by line against the inventory service, with per-line
// failure isolation and reorder-point notifications.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hvilchis/facturaq/pkg/httpclient"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// Stock is the current state of one product in one warehouse.
type Stock struct {
	OnHand       float64 `json:"onHand"`
	ReorderPoint float64 `json:"reorderPoint"`
}

// Service is the external owner of inventory state.
type Service interface {
	GetStock(ctx context.Context, warehouseID, productID string) (*Stock, error)
	// Apply performs one mutation and returns the new on-hand quantity.
	Apply(ctx context.Context, warehouseID, mutationType string, item jobs.InventoryItem, referenceType, referenceID string) (newQty float64, err error)
}

// Enqueuer is the slice of the queue registry used for job chaining.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error)
}

// LineResult is the outcome of one line item.
type LineResult struct {
	ProductID   string  `json:"productId"`
	OK          bool    `json:"ok"`
	NewQuantity float64 `json:"newQuantity,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Processor applies inventory mutations.
type Processor struct {
	svc Service
	enq Enqueuer
	log zerolog.Logger
}

func New(svc Service, enq Enqueuer) *Processor {
	return &Processor{
		svc: svc,
		enq: enq,
		log: logger.Log.With().Str("processor", "inventory").Logger(),
	}
}

// Mount registers the handler on the InventoryUpdate queue.
func (p *Processor) Mount(q *queue.Queue) error {
	return q.Handle("actualizar-inventario", p.ActualizarInventario)
}

var validTypes = map[string]bool{
	"deduct": true, "add": true, "adjust": true, "reserve": true, "release": true,
}

// ActualizarInventario applies the mutation line by line. An insufficient
// balance fails only the specific line, never its siblings; the per-line
// results are collected and surfaced to the owner. Crossing a product's
// reorder point raises an informational notification, never a job failure.
func (p *Processor) ActualizarInventario(ctx context.Context, job *jobs.Job) error {
	var pl jobs.InventoryPayload
	if err := job.Decode(&pl); err != nil {
		return jobs.Validationf("actualizar-inventario payload: %v", err)
	}
	if !validTypes[pl.Type] {
		return jobs.Validationf("unknown inventory mutation type %q", pl.Type)
	}
	if len(pl.Items) == 0 {
		return jobs.Validationf("actualizar-inventario payload has no items")
	}

	results, err := p.Apply(ctx, pl)
	if err != nil {
		return err
	}

	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, fmt.Sprintf("%s: %s", r.ProductID, r.Error))
		}
	}
	if len(failed) > 0 {
		p.notify(ctx, pl, "warning", "Movimiento de inventario con errores",
			strings.Join(failed, "; "))
	}
	return nil
}

// Apply runs the per-line mutations and returns every line's outcome.
// Deductions re-check the quantity on hand immediately before mutating.
func (p *Processor) Apply(ctx context.Context, pl jobs.InventoryPayload) ([]LineResult, error) {
	results := make([]LineResult, 0, len(pl.Items))

	for _, item := range pl.Items {
		stock, err := p.svc.GetStock(ctx, pl.WarehouseID, item.ProductID)
		if err != nil {
			if jobs.Retryable(err) {
				// Infrastructure fault: abort so the whole job retries
				// rather than mis-reporting lines as failed.
				return nil, err
			}
			results = append(results, LineResult{ProductID: item.ProductID, Error: err.Error()})
			continue
		}

		if pl.Type == "deduct" && stock.OnHand < item.Quantity {
			results = append(results, LineResult{
				ProductID: item.ProductID,
				Error:     "Stock insuficiente",
			})
			continue
		}

		newQty, err := p.svc.Apply(ctx, pl.WarehouseID, pl.Type, item, pl.ReferenceType, pl.ReferenceID)
		if err != nil {
			if jobs.Retryable(err) {
				return nil, err
			}
			results = append(results, LineResult{ProductID: item.ProductID, Error: err.Error()})
			continue
		}

		results = append(results, LineResult{ProductID: item.ProductID, OK: true, NewQuantity: newQty})

		// Reorder evaluation: informational, raised only on the crossing.
		if pl.Type == "deduct" && stock.ReorderPoint > 0 &&
			stock.OnHand > stock.ReorderPoint && newQty <= stock.ReorderPoint {
			p.notify(ctx, pl, "warning", "Punto de reorden alcanzado",
				fmt.Sprintf("El producto %s quedó en %.2f unidades", item.ProductID, newQty))
		}
	}
	return results, nil
}

func (p *Processor) notify(ctx context.Context, pl jobs.InventoryPayload, kind, title, msg string) {
	// Inventory jobs carry no user; the notification service resolves the
	// warehouse's watchers from the data fields.
	if _, err := p.enq.Enqueue(ctx, jobs.QueueNotification, "enviar-notificacion", jobs.NotificationPayload{
		Type:    kind,
		Title:   title,
		Message: msg,
		Data: map[string]string{
			"warehouseId":   pl.WarehouseID,
			"referenceType": pl.ReferenceType,
			"referenceId":   pl.ReferenceID,
		},
		Priority: jobs.PriorityDefault,
		Channels: []string{"websocket"},
	}); err != nil {
		p.log.Error().Err(err).Str("warehouse_id", pl.WarehouseID).Msg("Inventory notification failed")
	}
}

type httpService struct{ c *httpclient.Client }

// NewHTTPService builds the inventory-service client.
func NewHTTPService(c *httpclient.Client) Service { return &httpService{c} }

func (s *httpService) GetStock(ctx context.Context, warehouseID, productID string) (*Stock, error) {
	var st Stock
	path := fmt.Sprintf("/api/warehouses/%s/stock/%s", warehouseID, productID)
	if err := s.c.Get(ctx, path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *httpService) Apply(ctx context.Context, warehouseID, mutationType string, item jobs.InventoryItem, referenceType, referenceID string) (float64, error) {
	var out struct {
		NewQuantity float64 `json:"newQuantity"`
	}
	req := map[string]any{
		"type":          mutationType,
		"item":          item,
		"referenceType": referenceType,
		"referenceId":   referenceID,
	}
	if err := s.c.Post(ctx, "/api/warehouses/"+warehouseID+"/movements", req, &out); err != nil {
		return 0, err
	}
	return out.NewQuantity, nil
}
