package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/queue"
)

func setupServer(t *testing.T, apiKey string) (http.Handler, *queue.Registry) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	registry := queue.NewRegistry(queue.NewStore(redis.NewClient(&redis.Options{Addr: s.Addr()})))
	if err := registry.DeclareDefaults(); err != nil {
		t.Fatalf("DeclareDefaults failed: %v", err)
	}
	return setupRouter(registry, apiKey), registry
}

func TestAuthMiddleware(t *testing.T) {
	router, _ := setupServer(t, "secret-key")

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with valid key, got %d", w.Code)
	}
}

func TestAuthDisabledInDevMode(t *testing.T) {
	router, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected open access without configured key, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _ := setupServer(t, "secret-key")

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Preflight must bypass auth, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on preflight response")
	}
}

func TestEnqueueJob(t *testing.T) {
	router, registry := setupServer(t, "")

	body, _ := json.Marshal(map[string]any{
		"queue":   jobs.QueueEmail,
		"handler": "send-email",
		"payload": map[string]string{"to": "cliente@example.mx"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["id"] == "" {
		t.Fatal("Expected job id in response")
	}

	depths := registry.Store().Depths(context.Background(), jobs.QueueEmail)
	if depths["default"] != 1 {
		t.Errorf("Expected job in default band, got %+v", depths)
	}
}

func TestEnqueueJobWithPriorityAndDelay(t *testing.T) {
	router, registry := setupServer(t, "")

	body, _ := json.Marshal(map[string]any{
		"queue":    jobs.QueueEmail,
		"handler":  "send-email",
		"payload":  map[string]string{"to": "x@y.mx"},
		"priority": 0,
		"delayMs":  60000,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	depths := registry.Store().Depths(context.Background(), jobs.QueueEmail)
	if depths["delayed"] != 1 {
		t.Errorf("Expected delayed job, got %+v", depths)
	}
}

func TestEnqueueUnknownQueueRejected(t *testing.T) {
	router, _ := setupServer(t, "")

	body, _ := json.Marshal(map[string]any{"queue": "Nope", "handler": "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown queue, got %d", w.Code)
	}
}

func TestDeclareBatch(t *testing.T) {
	router, registry := setupServer(t, "")

	body, _ := json.Marshal(map[string]any{"total": 25})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["batchId"] == "" {
		t.Fatal("Expected generated batch id")
	}

	done, total, err := registry.Store().BatchCounts(context.Background(), resp["batchId"])
	if err != nil {
		t.Fatalf("BatchCounts failed: %v", err)
	}
	if done != 0 || total != 25 {
		t.Errorf("Expected batch 0/25, got %d/%d", done, total)
	}
}

func TestDeclareBatchRejectsNonPositiveTotal(t *testing.T) {
	router, _ := setupServer(t, "")

	body, _ := json.Marshal(map[string]any{"total": 0})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero total, got %d", w.Code)
	}
}

func TestJobResult(t *testing.T) {
	router, registry := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope/result", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing result, got %d", w.Code)
	}

	registry.Store().SetResult(context.Background(), "job-1", map[string]string{"status": "completed"})
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/result", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var result map[string]string
	json.Unmarshal(w.Body.Bytes(), &result)
	if result["status"] != "completed" {
		t.Errorf("Unexpected result body %s", w.Body.String())
	}
}

func TestInspectQueue(t *testing.T) {
	router, registry := setupServer(t, "")

	registry.Enqueue(context.Background(), jobs.QueueEmail, "send-email",
		map[string]string{"to": "a@b.mx"})

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/Email/jobs?list=default", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var found []jobs.Job
	if err := json.Unmarshal(w.Body.Bytes(), &found); err != nil {
		t.Fatalf("Decode response: %v", err)
	}
	if len(found) != 1 || found[0].Handler != "send-email" {
		t.Errorf("Unexpected inspection result %+v", found)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queues/Nope/jobs", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown queue, got %d", w.Code)
	}
}
