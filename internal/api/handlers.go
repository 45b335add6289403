package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/id/uuid"
	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/logging"
	"github.com/JakeFAU/adintel/internal/orchestrator"
	"github.com/JakeFAU/adintel/internal/quota"
	"github.com/JakeFAU/adintel/internal/webhook"
)

// busyRetryAfter is the Retry-After, in seconds, sent when workers are saturated.
const busyRetryAfter = 5

type createJobRequest struct {
	Keyword string `json:"keyword"`
	Limit   int    `json:"limit"`
}

type applyPlanRequest struct {
	TenantID   string    `json:"tenantId"`
	Plan       jobs.Plan `json:"plan"`
	ResetUsage bool      `json:"resetUsage"`
}

type quotaExceededResponse struct {
	Error string `json:"error"`
	*quota.ExceededError
}

func tenantOf(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderTenantID))
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if s.deps.Limiter != nil {
		if ok, wait := s.deps.Limiter.Allow(tenantID); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}

	admission, err := s.deps.Admitter.Admit(r.Context(), orchestrator.AdmitRequest{
		TenantID:    tenantID,
		RequesterID: strings.TrimSpace(r.Header.Get(HeaderRequesterID)),
		Keyword:     req.Keyword,
		Limit:       req.Limit,
	})
	if err != nil {
		var exceeded *quota.ExceededError
		switch {
		case errors.As(err, &exceeded):
			writeJSON(w, http.StatusPaymentRequired, quotaExceededResponse{
				Error:         "quota exceeded",
				ExceededError: exceeded,
			})
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
			s.logger.Warn("admit job deferred",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			w.Header().Set("Retry-After", strconv.Itoa(busyRetryAfter))
			writeError(w, http.StatusServiceUnavailable, "job queue is full, retry later")
		default:
			s.logger.Error("admit job failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "failed to create job")
		}
		return
	}
	logging.Job(s.logger, admission.JobID, tenantID).Debug("job accepted",
		zap.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, admission)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	// Another tenant's job is indistinguishable from a missing one.
	if job.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantOf(r)
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
		return
	}
	st, err := s.deps.Quota.Status(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("quota status failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load quota")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) applyPlan(w http.ResponseWriter, r *http.Request) {
	var req applyPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId required")
		return
	}
	if !req.Plan.Valid() {
		writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}
	st, err := s.deps.Quota.ApplyPlan(r.Context(), req.TenantID, req.Plan, req.ResetUsage)
	if err != nil {
		s.logger.Error("apply plan failed", zap.String("tenant_id", req.TenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to apply plan")
		return
	}
	s.logger.Info("plan applied",
		zap.String("tenant_id", req.TenantID),
		zap.String("plan", string(req.Plan)),
		zap.Bool("reset_usage", req.ResetUsage),
	)
	writeJSON(w, http.StatusOK, st)
}

// receiveWebhook answers 2xx only once an event is durably handled, so the
// provider keeps retrying on storage failures.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	res, err := s.deps.Webhooks.Receive(r.Context(), raw, r.Header.Get(s.cfg.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, webhook.ErrMalformed), errors.Is(err, jobs.ErrNotFound):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("webhook handling failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}
