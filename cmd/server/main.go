// Package main implements the facturaq HTTP API for job enqueuing and
// queue inspection.
//
// API Endpoints:
//
//	POST /v1/jobs                 - Enqueue a job
//	POST /v1/batches              - Declare a batch total before enqueueing its jobs
//	GET  /v1/jobs/{id}/result     - Fetch a job's stored result
//	GET  /v1/queues/stats         - Current depths for every queue
//	GET  /v1/queues/{queue}/jobs  - Inspect a queue list without consuming
//
// Authentication uses the X-API-Key header when API_KEY is configured.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hvilchis/facturaq/pkg/config"
	"github.com/hvilchis/facturaq/pkg/jobs"
	"github.com/hvilchis/facturaq/pkg/logger"
	"github.com/hvilchis/facturaq/pkg/queue"
)

// authMiddleware enforces API key authentication when a key is configured.
func authMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// If no key is configured, allow all (dev mode)
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// enableCORS adds CORS headers and answers preflight requests before auth
// runs.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	Queue    string          `json:"queue"`
	Handler  string          `json:"handler"`
	Payload  json.RawMessage `json:"payload"`
	Priority *int            `json:"priority,omitempty"`
	DelayMs  int64           `json:"delayMs,omitempty"`
}

type batchRequest struct {
	BatchID string `json:"batchId,omitempty"`
	Total   int    `json:"total"`
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setupRouter configures the HTTP routes.
func setupRouter(registry *queue.Registry, apiKey string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(enableCORS, authMiddleware(apiKey))

	r.Post("/v1/jobs", func(w http.ResponseWriter, req *http.Request) {
		var body enqueueRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		opts := []queue.Option{}
		if body.Priority != nil {
			opts = append(opts, queue.WithPriority(*body.Priority))
		}
		if body.DelayMs > 0 {
			opts = append(opts, queue.WithDelay(millis(body.DelayMs)))
		}

		id, err := registry.Enqueue(req.Context(), body.Queue, body.Handler, body.Payload, opts...)
		if err != nil {
			status := http.StatusInternalServerError
			if jobs.KindOf(err) == jobs.KindConfig || jobs.KindOf(err) == jobs.KindValidation {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	r.Post("/v1/batches", func(w http.ResponseWriter, req *http.Request) {
		var body batchRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.Total <= 0 {
			http.Error(w, "total must be positive", http.StatusBadRequest)
			return
		}
		if body.BatchID == "" {
			body.BatchID = uuid.New().String()
		}
		if err := registry.Store().InitBatch(req.Context(), body.BatchID, body.Total); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"batchId": body.BatchID})
	})

	r.Get("/v1/jobs/{id}/result", func(w http.ResponseWriter, req *http.Request) {
		result, err := registry.Store().GetResult(req.Context(), chi.URLParam(req, "id"))
		if err == redis.Nil {
			http.Error(w, "Result not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(result))
	})

	r.Get("/v1/queues/stats", func(w http.ResponseWriter, req *http.Request) {
		stats := make(map[string]map[string]int64)
		for _, name := range registry.Names() {
			stats[name] = registry.Store().Depths(req.Context(), name)
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/v1/queues/{queue}/jobs", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "queue")
		if _, ok := registry.Lookup(name); !ok {
			http.Error(w, "Unknown queue", http.StatusNotFound)
			return
		}
		list := req.URL.Query().Get("list")
		if list == "" {
			list = "dead"
		}
		found, err := registry.Store().Inspect(req.Context(), name, list, 50)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, found)
	})

	return r
}

func main() {
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	registry := queue.NewRegistry(queue.NewStore(rdb))
	if err := registry.DeclareDefaults(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Queue declaration failed")
	}

	if os.Getenv("API_KEY") == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	}

	router := setupRouter(registry, cfg.APIKey)
	logger.Log.Info().Str("addr", cfg.APIAddr).Msg("API server listening")
	if err := http.ListenAndServe(cfg.APIAddr, router); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
