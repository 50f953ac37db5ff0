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

// Package gateway implements the authenticating edge of the platform.
// It is the single component that sees original caller credentials:
// interactive bearer tokens verified against the identity provider's
// JWKS, or machine request signatures verified against per-caller
// signing secrets. Authenticated traffic is forwarded to the bridge with
// a short-lived signed tenant context token; the original credential
// never crosses that boundary.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentgate/platform/config"
	"agentgate/platform/registry"
	"agentgate/platform/shared/logger"
	"agentgate/platform/shared/types"
)

var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_gateway_requests_total",
			Help: "Total requests processed by the gateway",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgate_gateway_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"path"},
	)
	promAuthRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_gateway_auth_rejections_total",
			Help: "Total authentication rejections by credential path",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promAuthRejections)
}

// Service is the gateway HTTP service.
type Service struct {
	cfg     *config.Config
	auth    *Authenticator
	limiter *RateLimiter
	proxy   *httputil.ReverseProxy
	log     *logger.Logger
	ready   atomic.Bool
}

// NewService wires the gateway from its dependencies. bridgeURL must be
// parseable; redisClient may be nil (rate limiting degrades to local).
func NewService(cfg *config.Config, auth *Authenticator, redisClient *redis.Client) (*Service, error) {
	target, err := url.Parse(cfg.BridgeURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	// Negative FlushInterval streams SSE responses through unbuffered.
	proxy.FlushInterval = -1

	s := &Service{
		cfg:     cfg,
		auth:    auth,
		limiter: NewRateLimiter(redisClient),
		proxy:   proxy,
		log:     logger.New("gateway"),
	}

	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		// The bridge must never see the original credential.
		r.Header.Del("Authorization")
		r.Header.Del("X-Signature")
		r.Header.Del("X-Signature-Date")
		r.Header.Del("X-Caller-Id")
		if tc, ok := TenantContextFrom(r.Context()); ok {
			token, err := s.auth.MintContextToken(tc)
			if err == nil {
				r.Header.Set("X-Tenant-Context", token)
			}
		}
	}
	return s, nil
}

// Router builds the gateway route table.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.PathPrefix("/").HandlerFunc(s.handleProxy)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware)
	admin.PathPrefix("/").HandlerFunc(s.handleAdminProxy)

	return r
}

// Run starts the gateway. The server comes up with /health first so load
// balancer checks pass while slower dependencies initialize.
func Run() {
	cfg, err := config.Load("gateway")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()

	var redisClient *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err == nil {
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable, rate limiting degrades to per-process: %v", err)
			redisClient = nil
		}
		cancel()
	}

	var tenants registry.TenantRegistry
	if cfg.DatabaseURL != "" {
		pg, err := registry.NewPostgresRegistry(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open tenant registry: %v", err)
		}
		tenants = pg
	} else {
		log.Printf("DATABASE_URL not set, using empty in-memory registry")
		tenants = registry.NewMemoryRegistry()
	}

	jwks := NewJWKSCache(cfg.JWKSURL, cfg.JWKSCacheTTL)
	if err := jwks.Start(ctx); err != nil {
		// Fail closed on the bearer path, but keep the signed path alive.
		log.Printf("Initial JWKS fetch failed, bearer auth unavailable until refresh: %v", err)
	}

	secrets := config.NewSecretsManager(ctx)
	auth := NewAuthenticator(cfg, jwks, tenants, secrets)

	s, err := NewService(cfg, auth, redisClient)
	if err != nil {
		log.Fatalf("Failed to initialize gateway: %v", err)
	}
	s.ready.Store(true)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.Router())

	log.Printf("AgentGate gateway listening on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// authMiddleware establishes the TenantContext and applies the usage
// plan budget. Every downstream handler can assume a context is present.
func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-Id", requestID)
		}

		tc, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeAuthError(w, r, err)
			return
		}

		if err := s.limiter.Allow(r.Context(), tc.TenantID, tc.UsagePlanID); err != nil {
			if errors.Is(err, ErrRateLimited) {
				promRequestsTotal.WithLabelValues("429").Inc()
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			s.log.Warn(tc.TenantID, requestID, "rate limiter error", map[string]interface{}{"error": err.Error()})
		}

		next.ServeHTTP(w, r.WithContext(WithTenantContext(r.Context(), tc)))
		// Duration covers the full round trip through the proxied handler.
		promRequestDuration.WithLabelValues(r.URL.Path).Observe(float64(time.Since(start).Milliseconds()))
	})
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	promRequestsTotal.WithLabelValues("proxied").Inc()
	s.proxy.ServeHTTP(w, r)
}

// handleAdminProxy forwards operator and admin routes. Failover control
// requires the Operator role; everything else under /admin requires
// Admin.
func (s *Service) handleAdminProxy(w http.ResponseWriter, r *http.Request) {
	tc, ok := TenantContextFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthenticated, "unauthorized")
		return
	}

	required := types.RoleAdmin
	if strings.HasPrefix(r.URL.Path, "/admin/failover") {
		required = types.RoleOperator
	}
	if !tc.HasRole(required) {
		promRequestsTotal.WithLabelValues("403").Inc()
		s.log.SecurityEvent(tc.TenantID, r.Header.Get("X-Request-Id"), "admin route denied", map[string]interface{}{
			"path":          r.URL.Path,
			"required_role": string(required),
		})
		writeError(w, http.StatusForbidden, types.ErrCodeForbidden, "insufficient role")
		return
	}

	promRequestsTotal.WithLabelValues("proxied").Inc()
	s.proxy.ServeHTTP(w, r)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	if s.ready.Load() {
		status = "healthy"
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   "agentgate-gateway",
		"timestamp": time.Now().UTC(),
	})
}

// writeAuthError maps credential failures to responses without leaking
// which check failed.
func (s *Service) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case types.IsTenantSuspended(err):
		promRequestsTotal.WithLabelValues("403").Inc()
		writeError(w, http.StatusForbidden, types.ErrCodeAccountInactive, "account inactive")
	case types.IsAuthenticationRejected(err):
		promRequestsTotal.WithLabelValues("401").Inc()
		promAuthRejections.WithLabelValues(r.URL.Path).Inc()
		writeError(w, http.StatusUnauthorized, types.ErrCodeUnauthenticated, "unauthorized")
	default:
		promRequestsTotal.WithLabelValues("500").Inc()
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
