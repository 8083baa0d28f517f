package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/service"
)

// FactorService is the application surface the handlers expose.
type FactorService interface {
	CreateFactor(ctx context.Context, in service.FactorInput) (string, error)
	UpdateFactor(ctx context.Context, factorID string, in service.FactorInput) error
	DeleteFactor(ctx context.Context, factorID string) error
	GetFactor(ctx context.Context, factorID string) (*persistence.Factor, error)
	FactorStatus(ctx context.Context, factorID string) (*service.StatusInfo, error)
	RunFactor(ctx context.Context, factorID string) (string, error)
	ListFactors(ctx context.Context, q service.ListQuery) (*service.FactorList, error)
	GetTaskStatus(ctx context.Context, taskID string) (*service.TaskStatus, error)
	GetTaskLogs(ctx context.Context, taskID, lastLogID string) (*service.TaskLogPage, error)
	GetBundleField(ctx context.Context, taskID, field string) (json.RawMessage, error)
}

// Handlers serves the API endpoints.
type Handlers struct {
	svc      FactorService
	health   persistence.RepositoryHealth
	metrics  *MetricsRegistry
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandlers builds the endpoint handlers. health may be nil when no
// durable store is wired (the eval CLI path).
func NewHandlers(svc FactorService, health persistence.RepositoryHealth, metrics *MetricsRegistry, log zerolog.Logger) *Handlers {
	return &Handlers{
		svc:     svc,
		health:  health,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "handlers").Logger(),
	}
}

// Envelope is the uniform response body. Code mirrors the HTTP status as
// a string; failure messages come from the typed error kinds.
type Envelope struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestIDFrom returns the request id set by the middleware.
func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return "unknown"
}

// writeJSON writes the response body, with a fallback when encoding fails.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"code":"500","message":"response encoding failed"}`, http.StatusInternalServerError)
	}
}

// writeData writes a success envelope around data.
func (h *Handlers) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, Envelope{Code: "200", Message: "success", Data: data})
}

// writeError maps the error taxonomy onto an HTTP status and envelope.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	h.writeJSON(w, status, Envelope{Code: strconv.Itoa(status), Message: publicMessage(err)})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindDataAvailability:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage strips wrapped causes so store internals never reach the
// client. Errors outside the platform taxonomy collapse to a generic
// message.
func publicMessage(err error) string {
	var e *errs.Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Pos != nil {
		return fmt.Sprintf("%s (%s)", e.Msg, e.Pos)
	}
	return e.Msg
}

// decodeInput parses a factor create/update body.
func decodeInput(r *http.Request) (service.FactorInput, error) {
	var in service.FactorInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		return in, errs.Validationf("invalid request body: %v", err)
	}
	return in, nil
}

// NotFound answers requests outside the route table.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusNotFound, Envelope{Code: "404", Message: "no such endpoint"})
}

// Metrics exposes the Prometheus collectors.
func (h *Handlers) Metrics() http.Handler {
	if h.metrics == nil {
		return http.NotFoundHandler()
	}
	return h.metrics.MetricsHandler()
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Store     *persistence.HealthCheck `json:"store,omitempty"`
}

// Health reports process liveness and store reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC()}
	if h.health != nil {
		check := h.health.Health(r.Context())
		resp.Store = &check
		if !check.Healthy {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}
