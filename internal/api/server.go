package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/metrics"
	"github.com/JakeFAU/adintel/internal/orchestrator"
	"github.com/JakeFAU/adintel/internal/quota"
	"github.com/JakeFAU/adintel/internal/webhook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Identity headers supplied by the auth layer.
const (
	HeaderTenantID    = "X-Tenant-ID"
	HeaderRequesterID = "X-Requester-ID"
	HeaderAPIKey      = "X-API-Key"
)

const (
	requestTimeout     = 60 * time.Second
	defaultMaxBody     = 10 << 20
	defaultSignatureHd = "X-Signature"
)

// Admitter creates jobs.
type Admitter interface {
	Admit(ctx context.Context, req orchestrator.AdmitRequest) (orchestrator.Admission, error)
}

// JobReader loads jobs for the status endpoint.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (jobs.Job, error)
}

// QuotaService reads and reconfigures tenant allowances.
type QuotaService interface {
	Status(ctx context.Context, tenantID string) (quota.Status, error)
	ApplyPlan(ctx context.Context, tenantID string, plan jobs.Plan, resetUsage bool) (quota.Status, error)
}

// WebhookReceiver authenticates and applies provider callbacks.
type WebhookReceiver interface {
	Receive(ctx context.Context, raw []byte, signature string) (webhook.Result, error)
}

// AdmissionLimiter throttles admissions per tenant.
type AdmissionLimiter interface {
	Allow(tenantID string) (bool, time.Duration)
}

// Deps are the collaborators the handlers call. Limiter and Ready are optional.
type Deps struct {
	Admitter Admitter
	Jobs     JobReader
	Quota    QuotaService
	Webhooks WebhookReceiver
	Limiter  AdmissionLimiter
	Ready    jobs.Pinger
}

// Config controls HTTP behavior.
type Config struct {
	AuthEnabled     bool
	APIKey          string
	SignatureHeader string
	MaxBodyBytes    int64
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaultSignatureHd
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/v1/webhooks/scrape", s.receiveWebhook)

	r.Group(func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/jobs", s.createJob)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Get("/quota", s.getQuota)
			r.Post("/billing/plan", s.applyPlan)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
