package queue

import "github.com/hvilchis/facturaq/pkg/jobs"

// KnownHandlers is the static map of handler names per queue. The worker
// binds functions to these names when it mounts the processors; the API
// server declares them so enqueue validation works without the processor
// wiring.
func KnownHandlers() map[string][]string {
	return map[string][]string{
		jobs.QueueCfdiStamping:     {"stamp-document", "cancel-document"},
		jobs.QueueXmlProcessing:    {"process-document"},
		jobs.QueueEmail:            {"send-email", "send-email-batch", "send-invoice", "send-reminder"},
		jobs.QueuePdfGeneration:    {"generate-pdf"},
		jobs.QueueReportGeneration: {"generate-report"},
		jobs.QueueAccounting:       {"crear-cxc", "crear-cxp", "aplicar-pago"},
		jobs.QueueInventoryUpdate:  {"actualizar-inventario"},
		jobs.QueueNotification:     {"enviar-notificacion"},
	}
}

// Declare registers a handler name without a function, for processes that
// enqueue but never execute (the API server).
func (q *Queue) Declare(name string) error {
	if _, dup := q.handlers[name]; dup {
		return jobs.Configf("handler %q already registered on queue %s", name, q.Name)
	}
	q.handlers[name] = nil
	return nil
}

// DeclareDefaults registers every queue with its static policy and
// declares the known handler names.
func (r *Registry) DeclareDefaults() error {
	for name, policy := range Policies() {
		q, err := r.Register(name, policy)
		if err != nil {
			return err
		}
		for _, h := range KnownHandlers()[name] {
			if err := q.Declare(h); err != nil {
				return err
			}
		}
	}
	return nil
}
