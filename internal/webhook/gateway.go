// Package webhook authenticates provider callbacks and turns them into
// job events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/jobs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Errors returned by Receive. Callers map them to 401 and 400.
var (
	ErrUnauthorized = errors.New("webhook signature invalid")
	ErrMalformed    = errors.New("webhook payload malformed")
)

// Provider event types.
const (
	TypeSucceeded = "ACTOR.RUN.SUCCEEDED"
	TypeFailed    = "ACTOR.RUN.FAILED"
	TypeAborted   = "ACTOR.RUN.ABORTED"
	TypeTimedOut  = "ACTOR.RUN.TIMED_OUT"
)

// Outcome describes what happened to an authenticated event.
type Outcome string

// Outcomes.
const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is returned for every accepted event.
type Result struct {
	Outcome Outcome `json:"outcome"`
	EventID string  `json:"eventId"`
	JobID   string  `json:"jobId"`
}

// EventHandler applies a validated event. It returns jobs.ErrDuplicateEvent
// for a replay and jobs.ErrNotFound for an unknown job.
type EventHandler interface {
	HandleEvent(ctx context.Context, event jobs.WebhookEvent) (jobs.EventResult, error)
}

// Gateway verifies and forwards callbacks.
type Gateway struct {
	secret  []byte
	handler EventHandler
	clock   jobs.Clock
	logger  *zap.Logger
}

// New builds a Gateway. An empty secret is refused so an unconfigured
// deployment cannot accept unsigned callbacks.
func New(secret string, handler EventHandler, clock jobs.Clock, logger *zap.Logger) (*Gateway, error) {
	if secret == "" {
		return nil, errors.New("webhook: secret is required")
	}
	if handler == nil {
		return nil, errors.New("webhook: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{secret: []byte(secret), handler: handler, clock: clock, logger: logger}, nil
}

type payload struct {
	EventID   string              `json:"eventId"`
	JobID     string              `json:"jobId"`
	EventType string              `json:"eventType"`
	CreatedAt string              `json:"createdAt"`
	Resource  resource            `json:"resource"`
	EventData eventData           `json:"eventData"`
	Items     jsoniter.RawMessage `json:"items"`
}

type resource struct {
	ID               string `json:"id"`
	DefaultDatasetID string `json:"defaultDatasetId"`
	Status           string `json:"status"`
	StatusMessage    string `json:"statusMessage"`
}

type eventData struct {
	ActorRunID string `json:"actorRunId"`
}

// Receive authenticates raw against signature, then hands the event to the
// handler. Nothing is parsed or stored before the signature checks out.
func (g *Gateway) Receive(ctx context.Context, raw []byte, signature string) (Result, error) {
	if !g.Verify(raw, signature) {
		g.logger.Warn("webhook signature rejected", zap.Int("bytes", len(raw)))
		return Result{}, ErrUnauthorized
	}

	event, err := g.parse(raw)
	if err != nil {
		return Result{}, err
	}
	res := Result{EventID: event.ID, JobID: event.JobID}

	applied, err := g.handler.HandleEvent(ctx, event)
	switch {
	case errors.Is(err, jobs.ErrDuplicateEvent):
		res.Outcome = OutcomeDuplicate
		return res, nil
	case errors.Is(err, jobs.ErrNotFound):
		return res, fmt.Errorf("%w: unknown job %q", ErrMalformed, event.JobID)
	case err != nil:
		return res, err
	}
	if applied.Applied {
		res.Outcome = OutcomeProcessed
	} else {
		res.Outcome = OutcomeIgnored
	}
	g.logger.Info("webhook accepted",
		zap.String("event_id", event.ID),
		zap.String("job_id", event.JobID),
		zap.String("type", event.Type),
		zap.String("outcome", string(res.Outcome)),
	)
	return res, nil
}

// Verify checks signature against HMAC-SHA256(secret, raw). The header may
// be "sha256=<hex>" or bare hex.
func (g *Gateway) Verify(raw []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	if algo, digest, ok := strings.Cut(signature, "="); ok {
		if !strings.EqualFold(algo, "sha256") {
			return false
		}
		signature = digest
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(g.secret, raw))
}

// Sign computes the raw HMAC-SHA256 digest.
func Sign(secret, raw []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return mac.Sum(nil)
}

// SignatureHeader formats a header value for raw.
func SignatureHeader(secret string, raw []byte) string {
	return "sha256=" + hex.EncodeToString(Sign([]byte(secret), raw))
}

func (g *Gateway) parse(raw []byte) (jobs.WebhookEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return jobs.WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(p.JobID) == "" {
		return jobs.WebhookEvent{}, fmt.Errorf("%w: missing jobId", ErrMalformed)
	}
	if p.EventType == "" {
		return jobs.WebhookEvent{}, fmt.Errorf("%w: missing eventType", ErrMalformed)
	}
	items := []byte(p.Items)
	if isNull(items) {
		items = nil
	} else if len(items) > 0 && !isArray(items) {
		return jobs.WebhookEvent{}, fmt.Errorf("%w: items must be an array", ErrMalformed)
	}

	runID := firstNonEmpty(p.Resource.ID, p.EventData.ActorRunID)
	id := p.EventID
	if id == "" {
		if runID == "" {
			return jobs.WebhookEvent{}, fmt.Errorf("%w: missing eventId and run id", ErrMalformed)
		}
		id = runID + ":" + p.EventType
	}

	return jobs.WebhookEvent{
		ID:         id,
		JobID:      p.JobID,
		Type:       p.EventType,
		Kind:       kindOf(p.EventType),
		RunID:      runID,
		DatasetID:  p.Resource.DefaultDatasetID,
		Message:    p.Resource.StatusMessage,
		Items:      items,
		ReceivedAt: g.now(),
	}, nil
}

func (g *Gateway) now() time.Time {
	if g.clock == nil {
		return time.Now().UTC()
	}
	return g.clock.Now()
}

func kindOf(eventType string) jobs.EventKind {
	switch eventType {
	case TypeSucceeded:
		return jobs.EventSucceeded
	case TypeFailed:
		return jobs.EventFailed
	case TypeAborted:
		return jobs.EventAborted
	case TypeTimedOut:
		return jobs.EventTimedOut
	default:
		return jobs.EventOther
	}
}

func isNull(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func isArray(raw []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
