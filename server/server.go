// Package server exposes engine operations over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/fanout"
	"github.com/goliatone/go-humanfn/store"
)

// ActorHeader names the caller recorded on audit events.
const ActorHeader = "X-Actor"

const maxBodyBytes = 1 << 20

// Service is the engine surface the server drives.
type Service interface {
	ExecuteByName(ctx context.Context, name string, input any, opts humanfn.ExecuteOptions) (string, error)
	Start(ctx context.Context, id, startedBy string) (bool, error)
	Respond(ctx context.Context, id string, output any, respondedBy string) (bool, error)
	Escalate(ctx context.Context, id, reason, escalateTo string) (bool, error)
	Retry(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id, reason string) (bool, error)
	GetStatus(ctx context.Context, id string) (*humanfn.ExecutionStatus, error)
	GetHistory(ctx context.Context, id string) ([]humanfn.AuditEvent, error)
	List(ctx context.Context, filter store.ListFilter) ([]*humanfn.ExecutionStatus, error)
	Connect(ctx context.Context, id string, sub fanout.Subscriber) error
	Disconnect(id, subscriberID string) bool
}

// Metrics records request outcomes and serves the scrape endpoint.
type Metrics interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
	Handler() http.Handler
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc         Service
	logger      humanfn.Logger
	metrics     Metrics
	metricsPath string
	rateLimit   float64
	rateBurst   int
	wsOrigins   []string
	now         func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger humanfn.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records requests and mounts the scrape handler at path.
func WithMetrics(m Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path = strings.TrimSpace(path); path != "" {
			s.metricsPath = path
		}
	}
}

// WithRateLimit limits each client address to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = rps
		s.rateBurst = burst
	}
}

// WithOriginPatterns allows cross-origin websocket subscriptions.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.wsOrigins = append(s.wsOrigins, patterns...)
	}
}

// New builds a server over svc.
func New(svc Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: service required")
	}
	s := &Server{
		svc:         svc,
		logger:      humanfn.NewFmtLogger(nil),
		metricsPath: "/metrics",
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = humanfn.WithLoggerFields(s.logger, map[string]any{"component": "server"})
	return s, nil
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/functions/{name}/executions", s.handleExecute)
	mux.HandleFunc("GET /v1/executions", s.handleList)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/executions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/executions/{id}/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /v1/executions/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/executions/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /v1/executions/{id}/escalate", s.handleEscalate)
	mux.HandleFunc("POST /v1/executions/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}

	middlewares := []Middleware{Recovery(s.logger), RequestLogger(s.logger, s.metrics)}
	if s.rateLimit > 0 {
		middlewares = append(middlewares, RateLimiter(s.rateLimit, s.rateBurst, s.now))
	}
	return Chain(mux, middlewares...)
}

type executeRequest struct {
	Input         any            `json:"input"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	Timeout       string         `json:"timeout,omitempty"`
	Channel       string         `json:"channel,omitempty"`
	AssignTo      string         `json:"assign_to,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty"`
	RetryBackoff  string         `json:"retry_backoff,omitempty"`
	RetryDelay    string         `json:"retry_delay,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

func (r executeRequest) options(actor string) (humanfn.ExecuteOptions, error) {
	opts := humanfn.ExecuteOptions{
		ExecutionID:   r.ExecutionID,
		Channel:       r.Channel,
		AssignTo:      r.AssignTo,
		MaxRetries:    r.MaxRetries,
		Metadata:      r.Metadata,
		CorrelationID: r.CorrelationID,
		Actor:         actor,
	}
	var err error
	if opts.Timeout, err = parseDuration("timeout", r.Timeout); err != nil {
		return opts, err
	}
	if opts.RetryDelay, err = parseDuration("retry_delay", r.RetryDelay); err != nil {
		return opts, err
	}
	if r.RetryBackoff != "" {
		if !humanfn.IsValidBackoffStrategy(r.RetryBackoff) {
			return opts, humanfn.NewError(humanfn.ErrValidation, "unknown retry_backoff "+r.RetryBackoff, nil, nil)
		}
		opts.RetryBackoff = humanfn.ParseBackoffStrategy(r.RetryBackoff)
	}
	return opts, nil
}

type respondRequest struct {
	Output      any    `json:"output"`
	RespondedBy string `json:"responded_by,omitempty"`
}

type startRequest struct {
	StartedBy string `json:"started_by,omitempty"`
}

type escalateRequest struct {
	Reason     string `json:"reason,omitempty"`
	EscalateTo string `json:"escalate_to,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type operationResponse struct {
	Applied bool                     `json:"applied"`
	Status  *humanfn.ExecutionStatus `json:"status,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := s.context(r)
	opts, err := req.options(humanfn.ActorFromContext(ctx, ""))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.svc.ExecuteByName(ctx, r.PathValue("name"), req.Input, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.svc.GetStatus(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/executions/"+id)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Status:   humanfn.Status(q.Get("status")),
		Function: q.Get("function"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, humanfn.NewError(humanfn.ErrValidation, "limit must be a non-negative integer", err, nil))
			return
		}
		filter.Limit = n
	}
	list, err := s.svc.List(s.context(r), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStatus(s.context(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.GetHistory(s.context(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": history})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.operation(w, r, func(ctx context.Context, id string) (bool, error) {
		return s.svc.Start(ctx, id, req.StartedBy)
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.operation(w, r, func(ctx context.Context, id string) (bool, error) {
		return s.svc.Respond(ctx, id, req.Output, req.RespondedBy)
	})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.operation(w, r, func(ctx context.Context, id string) (bool, error) {
		return s.svc.Escalate(ctx, id, req.Reason, req.EscalateTo)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.operation(w, r, s.svc.Retry)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.operation(w, r, func(ctx context.Context, id string) (bool, error) {
		return s.svc.Cancel(ctx, id, req.Reason)
	})
}

func (s *Server) operation(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (bool, error)) {
	ctx := s.context(r)
	id := r.PathValue("id")
	applied, err := op(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.svc.GetStatus(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, operationResponse{Applied: applied, Status: st})
}

// handleSubscribe upgrades to a websocket and streams updates until the
// client goes away. The first frame is the current status.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.svc.GetStatus(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.wsOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed for %s: %v", id, err)
		return
	}
	sub := fanout.NewWebSocketSubscriber(conn)
	ctx := conn.CloseRead(r.Context())
	if err := s.svc.Connect(ctx, id, sub); err != nil {
		s.logger.Warn("subscription rejected for %s: %v", id, err)
		conn.Close(websocket.StatusPolicyViolation, humanfn.ErrorCode(err))
		return
	}
	<-ctx.Done()
	s.svc.Disconnect(id, sub.ID())
	_ = sub.Close("bye")
}

func (s *Server) context(r *http.Request) context.Context {
	ctx := r.Context()
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		ctx = humanfn.WithActor(ctx, actor)
	}
	return ctx
}

// decode reads an optional JSON body into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: CodeBadRequest})
		return false
	}
	return true
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, humanfn.NewError(humanfn.ErrValidation, "invalid "+field+" "+strconv.Quote(raw), err, nil)
	}
	return d, nil
}
