// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bridge implements the invocation router behind the gateway.
// It trusts only the signed tenant context token minted per request by
// the gateway, dispatches invocations by the mode declared in the agent
// registry, and owns the region pointer plus the operator-gated failover
// path.
package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentgate/platform/audit"
	"agentgate/platform/config"
	"agentgate/platform/exchange"
	"agentgate/platform/gateway"
	"agentgate/platform/lock"
	"agentgate/platform/registry"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
	"agentgate/platform/storage"
)

// Service is the bridge HTTP service.
type Service struct {
	cfg      *config.Config
	router   *Router
	jobs     *JobStore
	exchange *exchange.Exchange
	tools    registry.ToolRegistry
	failover *FailoverController
	regions  *RegionStore
	auditLog *audit.Logger
	log      *logger.Logger
}

// NewService wires the bridge from pre-built dependencies. Used directly
// by tests; Run builds the production wiring.
func NewService(cfg *config.Config, router *Router, jobs *JobStore, ex *exchange.Exchange,
	tools registry.ToolRegistry, failover *FailoverController, regions *RegionStore, auditLog *audit.Logger) *Service {
	return &Service{
		cfg:      cfg,
		router:   router,
		jobs:     jobs,
		exchange: ex,
		tools:    tools,
		failover: failover,
		regions:  regions,
		auditLog: auditLog,
		log:      logger.New("bridge"),
	}
}

// Router builds the bridge route table.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.contextMiddleware)
	api.HandleFunc("/agents/{name}/invoke", s.handleInvoke).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods("GET")
	api.HandleFunc("/jobs/{id}/result", s.handleJobResult).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleJobCancel).Methods("POST")
	api.HandleFunc("/tools", s.handleToolCatalog).Methods("GET")
	api.HandleFunc("/tools/{id}/token", s.handleToolToken).Methods("POST")

	// Runtime-facing: completion callbacks are signed with the shared
	// runtime key, not a tenant context token.
	r.HandleFunc("/internal/jobs/complete", s.handleJobCallback).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.contextMiddleware)
	admin.HandleFunc("/failover", s.handleFailover).Methods("POST")
	admin.HandleFunc("/region", s.handleRegion).Methods("GET")

	return r
}

// Run starts the bridge service.
func Run() {
	cfg, err := config.Load("bridge")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()

	// Redis backs the failover lock and exchange idempotency regardless
	// of which KV backend holds tenant data.
	var redisClient *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("Redis unavailable: %v", err)
		}
	} else {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}

	kv, err := openKVStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to open %s storage backend: %v", cfg.StorageBackend, err)
	}

	auditLog := audit.NewLogger(cfg.DatabaseURL)
	if len(cfg.CassandraHosts) > 0 {
		sink, err := audit.NewCassandraSink(audit.CassandraSinkOptions{
			Hosts:    cfg.CassandraHosts,
			Keyspace: cfg.CassandraKeyspace,
		})
		if err != nil {
			log.Fatalf("Failed to open Cassandra audit sink: %v", err)
		}
		auditLog.AddSink(sink)
	}

	var reg interface {
		registry.AgentRegistry
		registry.ToolRegistry
	}
	if cfg.DatabaseURL != "" {
		pg, err := registry.NewPostgresRegistry(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open registry: %v", err)
		}
		reg = pg
	} else {
		log.Printf("DATABASE_URL not set, using empty in-memory registry")
		reg = registry.NewMemoryRegistry()
	}

	guard := storage.NewGuard(kv, auditLog)
	jobs := NewJobStore(guard)
	if objects, err := openObjectStore(ctx, cfg); err != nil {
		log.Fatalf("Failed to open %s object store: %v", cfg.ObjectStoreBackend, err)
	} else if objects != nil {
		jobs = jobs.WithResultObjects(storage.NewObjectGuard(objects, auditLog))
	}
	regions := NewRegionStore(kv, cfg.RegionConfigKey, cfg.DefaultRegion, cfg.RegionRefreshEvery)
	locks := lock.NewRedisLock(redisClient)
	failover := NewFailoverController(locks, regions)

	var backend Backend
	switch cfg.RuntimeBackend {
	case "bedrock":
		b, err := NewBedrockBackend(ctx, regions.Current(ctx).Primary)
		if err != nil {
			log.Fatalf("Failed to initialize Bedrock backend: %v", err)
		}
		backend = b
	default:
		backend = NewHTTPBackend(cfg.RuntimeURL, cfg.RegionRuntimeURLs, cfg.Retry, cfg.MaxSyncDuration)
	}

	notifier := NewWebhookNotifier([]byte(cfg.ContextSigningKey))
	router := NewRouter(reg, regions, backend, jobs, auditLog, notifier, cfg.MaxSyncDuration)
	ex := exchange.New([]byte(cfg.ToolTokenSigningKey), reg, redisClient, auditLog)

	s := NewService(cfg, router, jobs, ex, reg, failover, regions, auditLog)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.Router())

	log.Printf("AgentGate bridge listening on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// openKVStore builds the tenant KV store named by STORAGE_BACKEND. All
// backends sit behind the same guard; the partition layout is identical
// everywhere.
func openKVStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (storage.KVStore, error) {
	switch cfg.StorageBackend {
	case "", "redis":
		return storage.NewRedisStoreFromClient(redisClient), nil
	case "postgres":
		return storage.NewPostgresStore(cfg.DatabaseURL)
	case "mysql":
		return storage.NewMySQLStore(cfg.MySQLDSN)
	case "mongodb":
		return storage.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// openObjectStore builds the job-result object store, or returns nil
// when results stay inline in the KV store.
func openObjectStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.ObjectStoreBackend {
	case "":
		return nil, nil
	case "s3":
		return storage.NewS3Store(ctx, storage.S3StoreOptions{
			Region:   cfg.DefaultRegion,
			Bucket:   cfg.ObjectStoreBucket,
			Endpoint: cfg.ObjectStoreEndpoint,
		})
	case "gcs":
		return storage.NewGCSStore(ctx, storage.GCSStoreOptions{Bucket: cfg.ObjectStoreBucket})
	case "azure":
		return storage.NewAzureBlobStore(storage.AzureBlobStoreOptions{
			AccountURL: cfg.AzureAccountURL,
			Container:  cfg.ObjectStoreBucket,
		})
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectStoreBackend)
	}
}

// contextMiddleware verifies the gateway's signed tenant context token.
// Requests without a valid context never reach a handler.
func (s *Service) contextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Tenant-Context")
		if token == "" {
			writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthenticated, "unauthorized")
			return
		}
		tc, err := gateway.VerifyContextToken(token, []byte(s.cfg.ContextSigningKey), nil)
		if err != nil {
			s.log.Warn("-", r.Header.Get("X-Request-Id"), "context token rejected", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthenticated, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(gateway.WithTenantContext(r.Context(), tc)))
	})
}

func (s *Service) handleInvoke(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())

	var in InvokeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidRequest, "malformed request body")
		return
	}
	in.AgentName = mux.Vars(r)["name"]
	in.RequestID = r.Header.Get("X-Request-Id")

	result, err := s.router.Invoke(r.Context(), tc, &in)
	if err != nil {
		s.writeInvokeError(w, tc, err)
		return
	}

	switch result.Mode {
	case types.ModeSync:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(result.Payload)
	case types.ModeStreaming:
		writeSSE(w, r, result.Stream)
	case types.ModeAsync:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"job_id":   result.Job.JobID,
			"status":   string(result.Job.Status),
			"poll_url": "/v1/jobs/" + result.Job.JobID,
		})
	}
}

func (s *Service) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())
	job, err := s.jobs.Get(r.Context(), tc, mux.Vars(r)["id"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (s *Service) handleJobResult(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())
	jobID := mux.Vars(r)["id"]

	job, err := s.jobs.Get(r.Context(), tc, jobID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if job.Status != types.JobComplete {
		writeError(w, http.StatusConflict, types.ErrCodeInvalidRequest, "job is "+string(job.Status))
		return
	}
	result, err := s.jobs.Result(r.Context(), tc, jobID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

func (s *Service) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())
	job, err := s.jobs.Cancel(r.Context(), tc, mux.Vars(r)["id"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

func (s *Service) handleToolCatalog(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())
	tools, err := exchange.VisibleTools(r.Context(), s.tools, tc.Tier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"tools": tools})
}

func (s *Service) handleToolToken(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())
	outcome, err := s.exchange.Mint(r.Context(), tc, mux.Vars(r)["id"], r.Header.Get("X-Request-Id"))
	if err != nil {
		switch {
		case types.IsTierInsufficient(err):
			writeError(w, http.StatusForbidden, types.ErrCodeForbidden, err.Error())
		case errors.Is(err, types.ErrNotFound):
			writeError(w, http.StatusNotFound, types.ErrCodeNotFound, "unknown tool")
		case types.IsAuthenticationRejected(err):
			writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthenticated, "unauthorized")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}
	if outcome.Denied {
		// Idempotent replay of a denied exchange.
		writeError(w, http.StatusForbidden, types.ErrCodeForbidden, "tier insufficient for tool "+outcome.DeniedFor)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcome)
}

// jobCallback is the body a runtime posts when a deferred invocation it
// accepted earlier finishes.
type jobCallback struct {
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Service) handleJobCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidRequest, "unreadable body")
		return
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.ContextSigningKey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := r.Header.Get("X-Runtime-Signature")
	if got == "" || !hmac.Equal([]byte(want), []byte(got)) {
		s.log.SecurityEvent("-", r.Header.Get("X-Request-Id"), "unsigned_job_callback", map[string]interface{}{
			"remote": r.RemoteAddr,
		})
		writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthenticated, "unauthorized")
		return
	}

	var cb jobCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.JobID == "" || cb.TenantID == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidRequest, "job_id and tenant_id are required")
		return
	}

	tc := types.TenantContext{TenantID: cb.TenantID}
	job, err := s.jobs.Get(r.Context(), tc, cb.JobID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if err := s.router.CompleteJob(r.Context(), tc, job, cb.Result, cb.Error); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleFailover(w http.ResponseWriter, r *http.Request) {
	tc, _ := gateway.TenantContextFrom(r.Context())
	if !tc.HasRole(types.RoleOperator) {
		writeError(w, http.StatusForbidden, types.ErrCodeForbidden, "operator role required")
		return
	}

	var body struct {
		TargetRegion string `json:"target_region"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetRegion == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidRequest, "target_region is required")
		return
	}

	pointer, err := s.failover.Failover(r.Context(), tc.Subject, body.TargetRegion)
	if err != nil {
		if errors.Is(err, types.ErrLockAlreadyHeld) {
			writeError(w, http.StatusConflict, types.ErrCodeLockHeld, "failover already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pointer)
}

func (s *Service) handleRegion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.regions.Current(r.Context()))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "healthy"
	if s.auditLog != nil && !s.auditLog.IsHealthy() {
		status = "degraded"
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   "agentgate-bridge",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Service) writeInvokeError(w http.ResponseWriter, tc types.TenantContext, err error) {
	switch {
	case types.IsTierInsufficient(err):
		writeError(w, http.StatusForbidden, types.ErrCodeForbidden, err.Error())
	case types.IsRegionUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, types.ErrCodeRegion, "execution region unavailable")
	case types.IsTenantAccessViolation(err):
		writeError(w, http.StatusForbidden, types.ErrCodeIsolation, "access denied")
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, types.ErrCodeNotFound, "agent not found")
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "exceeded sync duration"):
		writeError(w, http.StatusGatewayTimeout, types.ErrCodeTimeout, err.Error())
	default:
		s.log.Error(tc.TenantID, "-", "invocation failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "agent invocation failed")
	}
}

func (s *Service) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case types.IsTenantAccessViolation(err):
		// The caller learns nothing about the other tenant's data, not
		// even that it exists.
		writeError(w, http.StatusForbidden, types.ErrCodeIsolation, "access denied")
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, types.ErrCodeNotFound, "job not found")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
