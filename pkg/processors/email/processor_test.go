package email

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hvilchis/facturaq/pkg/artifact"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/queue"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []Message
	reject map[string]error // recipient -> forced failure
}

func (f *fakeTransport) Send(ctx context.Context, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[msg.To]; ok {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("prov-%d", len(f.sent)), nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type noEnqueuer struct{}

func (noEnqueuer) Enqueue(ctx context.Context, queueName, handler string, payload any, opts ...queue.Option) (string, error) {
	return "", nil
}

func setupEmail(t *testing.T) (*Processor, *fakeTransport, *artifact.Store, *DeliveryLog) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	transport := &fakeTransport{reject: map[string]error{}}
	artifacts := artifact.NewStore(t.TempDir())
	logbook := NewDeliveryLog(rdb)

	p := New(transport, artifacts, logbook, queue.NewStore(rdb), noEnqueuer{})
	p.chunkSize = 3
	p.chunkPause = 10 * time.Millisecond
	p.waitBudget = 200 * time.Millisecond
	p.waitInterval = 10 * time.Millisecond
	return p, transport, artifacts, logbook
}

func emailJob(t *testing.T, payload any) *jobs.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &jobs.Job{ID: "j1", Queue: jobs.QueueEmail, Payload: data}
}

func TestSendEmail(t *testing.T) {
	p, transport, _, logbook := setupEmail(t)

	err := p.SendEmail(context.Background(), emailJob(t, jobs.EmailPayload{
		To: "cliente@example.mx", Subject: "Su factura", Template: "invoice-email",
	}))
	if err != nil {
		t.Fatalf("SendEmail failed: %v", err)
	}
	if transport.sentCount() != 1 {
		t.Fatalf("Expected 1 send, got %d", transport.sentCount())
	}

	entries, err := logbook.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != "sent" || entries[0].ProviderID == "" {
		t.Errorf("Unexpected delivery log: %+v", entries)
	}
}

func TestSendEmailMissingRecipient(t *testing.T) {
	p, _, _, _ := setupEmail(t)
	err := p.SendEmail(context.Background(), emailJob(t, jobs.EmailPayload{Subject: "x"}))
	if jobs.KindOf(err) != jobs.KindValidation {
		t.Errorf("Expected validation failure, got %v", err)
	}
}

func TestSendEmailMissingAttachment(t *testing.T) {
	p, transport, artifacts, _ := setupEmail(t)

	err := p.SendEmail(context.Background(), emailJob(t, jobs.EmailPayload{
		To:          "cliente@example.mx",
		Attachments: []string{artifacts.PathFor("invoice", "inv-9", "pdf")},
	}))
	if jobs.KindOf(err) != jobs.KindDependencyNotReady {
		t.Fatalf("Expected dependency-not-ready, got %v", err)
	}
	if transport.sentCount() != 0 {
		t.Error("Message must not reach the provider without its attachment")
	}
}

func TestSendEmailProviderFailureLogged(t *testing.T) {
	p, transport, _, logbook := setupEmail(t)
	transport.reject["rebotado@example.mx"] = jobs.Businessf("mailbox does not exist")

	err := p.SendEmail(context.Background(), emailJob(t, jobs.EmailPayload{To: "rebotado@example.mx"}))
	if jobs.KindOf(err) != jobs.KindBusiness {
		t.Fatalf("Expected provider rejection to propagate, got %v", err)
	}

	entries, _ := logbook.Recent(context.Background(), 10)
	if len(entries) != 1 || entries[0].Status != "failed" || entries[0].Detail == "" {
		t.Errorf("Expected failed entry with detail, got %+v", entries)
	}
}

func TestDispatchBatchIsolatesFailures(t *testing.T) {
	p, transport, _, _ := setupEmail(t)
	transport.reject["5@example.mx"] = jobs.Transient(fmt.Errorf("connection reset"))

	emails := make([]jobs.EmailPayload, 10)
	for i := range emails {
		emails[i] = jobs.EmailPayload{To: fmt.Sprintf("%d@example.mx", i)}
	}

	res := p.DispatchBatch(context.Background(), emails)
	if res.Sent != 9 || res.Failed != 1 {
		t.Errorf("Expected 9 sent / 1 failed, got %d / %d", res.Sent, res.Failed)
	}
	// Every other message was still attempted despite the failure.
	if transport.sentCount() != 9 {
		t.Errorf("Expected 9 provider sends, got %d", transport.sentCount())
	}
}

func TestSendEmailBatchAlwaysSucceeds(t *testing.T) {
	p, _, _, _ := setupEmail(t)

	// Even an all-failing batch completes: per-message failures are
	// results, not job failures.
	err := p.SendEmailBatch(context.Background(), emailJob(t, jobs.EmailBatchPayload{
		Emails: []jobs.EmailPayload{{To: ""}, {To: ""}},
	}))
	if err != nil {
		t.Errorf("Expected batch job to succeed, got %v", err)
	}
}

func TestSendEmailBatchStoresCounts(t *testing.T) {
	p, transport, _, _ := setupEmail(t)
	transport.reject["3@example.mx"] = jobs.Transient(fmt.Errorf("connection reset"))

	emails := make([]jobs.EmailPayload, 5)
	for i := range emails {
		emails[i] = jobs.EmailPayload{To: fmt.Sprintf("%d@example.mx", i)}
	}

	job := emailJob(t, jobs.EmailBatchPayload{Emails: emails})
	if err := p.SendEmailBatch(context.Background(), job); err != nil {
		t.Fatalf("SendEmailBatch failed: %v", err)
	}

	raw, err := p.store.GetResult(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	var res BatchResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if res.Sent != 4 || res.Failed != 1 {
		t.Errorf("Expected stored counts 4/1, got %d/%d", res.Sent, res.Failed)
	}
}

func TestSendInvoiceWaitsForArtifact(t *testing.T) {
	p, transport, artifacts, _ := setupEmail(t)

	pdf := artifacts.PathFor("invoice", "inv-1", "pdf")
	go func() {
		time.Sleep(50 * time.Millisecond)
		artifacts.Write(pdf, []byte("%PDF-1.7"))
	}()

	err := p.SendInvoice(context.Background(), emailJob(t, jobs.EmailPayload{
		To: "cliente@example.mx", RelatedEntityType: "invoice", RelatedEntityID: "inv-1",
	}))
	if err != nil {
		t.Fatalf("SendInvoice failed: %v", err)
	}

	if transport.sentCount() != 1 {
		t.Fatalf("Expected 1 send, got %d", transport.sentCount())
	}
	msg := transport.sent[0]
	if msg.Template != "invoice-email" {
		t.Errorf("Expected default template, got %s", msg.Template)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0] != pdf {
		t.Errorf("Expected pdf attachment, got %v", msg.Attachments)
	}
}

func TestSendInvoiceArtifactNeverReady(t *testing.T) {
	p, transport, _, _ := setupEmail(t)

	err := p.SendInvoice(context.Background(), emailJob(t, jobs.EmailPayload{
		To: "cliente@example.mx", RelatedEntityID: "inv-missing",
	}))
	if jobs.KindOf(err) != jobs.KindDependencyNotReady {
		t.Fatalf("Expected dependency-not-ready after wait budget, got %v", err)
	}
	if transport.sentCount() != 0 {
		t.Error("Nothing must be sent without the artifact")
	}
}

func TestSendReminderDefaults(t *testing.T) {
	p, transport, artifacts, _ := setupEmail(t)
	artifacts.Write(artifacts.PathFor("invoice", "inv-2", "pdf"), []byte("%PDF-1.7"))

	err := p.SendReminder(context.Background(), emailJob(t, jobs.EmailPayload{
		To: "cliente@example.mx", RelatedEntityID: "inv-2",
	}))
	if err != nil {
		t.Fatalf("SendReminder failed: %v", err)
	}
	if transport.sent[0].Subject != "Recordatorio de pago" {
		t.Errorf("Expected default subject, got %s", transport.sent[0].Subject)
	}
}

func TestDeliveryLogTrims(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	l := NewDeliveryLog(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	l.keep = 5
	for i := 0; i < 8; i++ {
		l.Record(context.Background(), DeliveryEntry{To: fmt.Sprintf("%d@example.mx", i), Status: "sent"})
	}

	entries, err := l.Recent(context.Background(), 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Expected trimmed log of 5, got %d", len(entries))
	}
	if entries[len(entries)-1].To != "7@example.mx" {
		t.Errorf("Expected newest entry kept, got %s", entries[len(entries)-1].To)
	}
}
