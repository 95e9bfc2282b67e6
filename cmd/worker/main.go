// Package main implements the facturaq worker process. The worker hosts
// one bounded pool of concurrently executing job handlers per queue,
// pulling jobs from Redis and chaining follow-up work on success.
//
// Features:
//   - Independent per-queue worker pools with graceful shutdown
//   - Prometheus metrics exposed on /metrics
//   - Automatic retry with per-policy fixed/exponential backoff
//   - Dead letter lists for permanently failed jobs
//   - Background promoter for delayed jobs and a cron reclaimer for
//     stale leases
//
// Usage:
//
//	go run cmd/worker/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/hvilchis/facturaq/pkg/artifact"
	"github.com/hvilchis/facturaq/pkg/config"
	"github.com/hvilchis/facturaq/pkg/httpclient"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/processors/accounting"
	"github.com/hvilchis/facturaq/pkg/processors/email"
	"github.com/hvilchis/facturaq/pkg/processors/ingest"
	"github.com/hvilchis/facturaq/pkg/processors/inventory"
	"github.com/hvilchis/facturaq/pkg/processors/notify"
	"github.com/hvilchis/facturaq/pkg/processors/pdfgen"
	"github.com/hvilchis/facturaq/pkg/processors/stamping"
	"github.com/hvilchis/facturaq/pkg/queue"
	"github.com/hvilchis/facturaq/pkg/worker"
)

func main() {
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	store := queue.NewStore(rdb)
	registry := queue.NewRegistry(store)

	queues := make(map[string]*queue.Queue)
	for name, policy := range queue.Policies() {
		queues[name] = registry.MustRegister(name, policy)
	}

	mount(cfg, rdb, store, registry, queues)

	ctx, cancel := context.WithCancel(context.Background())

	// Prometheus metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		http.ListenAndServe(cfg.MetricsAddr, nil)
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	names := registry.Names()
	go store.RunPromoter(ctx, names, 500*time.Millisecond)
	go worker.CollectDepths(ctx, store, names, 5*time.Second)

	// Periodic maintenance: hand expired leases back to their queues so a
	// crashed worker's jobs are redelivered.
	c := cron.New()
	c.AddFunc("@every 1m", func() {
		for _, q := range names {
			if n, err := store.ReclaimStale(context.Background(), q); err != nil {
				logger.Log.Error().Err(err).Str("queue", q).Msg("Stale reclaim failed")
			} else if n > 0 {
				logger.Log.Warn().Int("jobs", n).Str("queue", q).Msg("Reclaimed stale leases")
			}
		}
	})
	c.Start()
	defer c.Stop()

	logger.Log.Info().Int("queues", len(queues)).Msg("Worker started. Waiting for jobs...")

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *queue.Queue) {
			defer wg.Done()
			worker.NewPool(store, q).Run(ctx)
		}(q)
	}
	wg.Wait()
	logger.Log.Info().Msg("All pools stopped")
}

// mount wires every processor's handlers and hooks onto its queue.
func mount(cfg config.Config, rdb *redis.Client, store *queue.Store, registry *queue.Registry, queues map[string]*queue.Queue) {
	artifacts := artifact.NewStore(cfg.ArtifactDir)

	client := func(base string, timeout time.Duration) *httpclient.Client {
		return httpclient.New(base, cfg.ServiceToken, timeout)
	}

	stamper := stamping.New(
		stamping.NewHTTPDocuments(client(cfg.DocumentsURL, 10*time.Second)),
		stamping.NewHTTPCredentials(client(cfg.CredentialsURL, 10*time.Second)),
		stamping.NewHTTPAuthority(client(cfg.PacURL, 25*time.Second)),
		registry,
	)
	ingester := ingest.New(ingest.NewHTTPRecords(client(cfg.DocumentsURL, 10*time.Second)), store, registry)
	mailer := email.New(
		email.NewHTTPTransport(client(cfg.MailURL, 30*time.Second)),
		artifacts,
		email.NewDeliveryLog(rdb),
		store,
		registry,
	)
	renderer := pdfgen.New(pdfgen.NewHTTPRenderer(client(cfg.RendererURL, 60*time.Second)), artifacts, registry)
	ledger := accounting.New(accounting.NewHTTPLedger(client(cfg.LedgerURL, 10*time.Second)), registry)
	stock := inventory.New(inventory.NewHTTPService(client(cfg.InventoryURL, 10*time.Second)), registry)
	notifier := notify.New(rdb, notify.NewHTTPGateway(client(cfg.MailURL, 10*time.Second)), registry)

	type mounter struct {
		queue string
		fn    func(*queue.Queue) error
	}
	for _, m := range []mounter{
		{jobs.QueueCfdiStamping, stamper.Mount},
		{jobs.QueueXmlProcessing, ingester.Mount},
		{jobs.QueueEmail, mailer.Mount},
		{jobs.QueuePdfGeneration, renderer.Mount},
		{jobs.QueueReportGeneration, renderer.MountReports},
		{jobs.QueueAccounting, ledger.Mount},
		{jobs.QueueInventoryUpdate, stock.Mount},
		{jobs.QueueNotification, notifier.Mount},
	} {
		if err := m.fn(queues[m.queue]); err != nil {
			logger.Log.Fatal().Err(err).Str("queue", m.queue).Msg("Processor mount failed")
		}
	}
}
