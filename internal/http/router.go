package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/logs"
	"github.com/splax/shipyard/internal/service/project"
	"github.com/splax/shipyard/internal/validation"
	"github.com/splax/shipyard/internal/ws"
)

// ProjectService is the project surface the router needs.
type ProjectService interface {
	Create(ctx context.Context, input project.CreateInput) (*domain.Project, error)
	Get(ctx context.Context, projectID string) (*domain.Project, error)
}

// DeployService is the deployment surface the router needs.
type DeployService interface {
	Deploy(ctx context.Context, projectID string) (*domain.Deployment, error)
	Get(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	UpdateStatus(ctx context.Context, deploymentID, status, reason string) (*domain.Deployment, error)
}

// LogService serves stored build output.
type LogService interface {
	List(ctx context.Context, deploymentID string, limit int) ([]domain.LogEvent, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(context.Context) error

// Options carries the router's non-service settings.
type Options struct {
	BuilderToken string
	SSEKeepAlive time.Duration
	Health       map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	handler      http.Handler
	logger       *slog.Logger
	project      ProjectService
	deploy       DeployService
	logs         LogService
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	builderToken string
	keepAlive    time.Duration
	health       map[string]HealthCheck

	// ctx ends long-lived streams when the router is closed.
	ctx    context.Context
	cancel context.CancelFunc

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	sseStreams         prometheus.Gauge
}

const (
	rateWindowDefault        = time.Minute
	rateWindowRealtime       = 30 * time.Second
	rateLimitProjectCreate   = 20
	rateLimitDeploy          = 30
	rateLimitRead            = 240
	rateLimitStream          = 30
	rateLimitBuilderCallback = 120
	healthCheckTimeout       = 2 * time.Second
	defaultSSEKeepAlive      = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projectSvc ProjectService, deploySvc DeployService, logSvc LogService, hub *ws.Hub, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := opts.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultSSEKeepAlive
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "http"),
		project:      projectSvc,
		deploy:       deploySvc,
		logs:         logSvc,
		hub:          hub,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		limiter:      limiter,
		builderToken: strings.TrimSpace(opts.BuilderToken),
		keepAlive:    keepAlive,
		health:       opts.Health,
		ctx:          ctx,
		cancel:       cancel,
	}
	r.initMetrics()
	r.register()
	r.handler = withCORS(r.mux)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close ends open live streams and releases the limiter.
func (r *Router) Close() {
	r.cancel()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/project", r.audit("/project", r.withRateLimit("/project", rateLimitProjectCreate, rateWindowDefault, rateLimitKeyIP, r.handleCreateProject)))
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.withRateLimit("/deploy", rateLimitDeploy, rateWindowDefault, rateLimitKeyIP, r.handleDeploy)))
	r.mux.HandleFunc("/projects/", r.audit("/projects", r.withRateLimit("/projects", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments", r.withRateLimit("/deployments", rateLimitBuilderCallback, rateWindowDefault, rateLimitKeyBuilder, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/logs/", r.audit("/logs", r.withRateLimit("/logs", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleLogs)))
	r.mux.HandleFunc("/ws", r.audit("/ws", r.withRateLimit("/ws", rateLimitStream, rateWindowRealtime, rateLimitKeyIP, r.handleSocket)))
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload project.CreateInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := r.project.Create(req.Context(), payload)
	if err != nil {
		r.writeServiceError(w, err, "Project not found")
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Status: "success", Data: map[string]any{"project": created}})
}

type deployRequest struct {
	ProjectID string `json:"projectId" validate:"required"`
}

// statusRequest is the builder status callback body. Status names are checked
// by the deploy service.
type statusRequest struct {
	Status string `json:"status" validate:"required,max=32"`
	Reason string `json:"reason" validate:"max=1024"`
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.V.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, validation.Describe(err))
		return
	}
	deployment, err := r.deploy.Deploy(req.Context(), payload.ProjectID)
	if err != nil {
		r.writeServiceError(w, err, "Project not found")
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Status: "queued", Data: map[string]string{"deploymentId": deployment.ID}})
}

// handleProjectSubroutes serves /projects/{id} and /projects/{id}/deployments.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/projects/"))
	switch {
	case len(parts) == 1:
		found, err := r.project.Get(req.Context(), parts[0])
		if err != nil {
			r.writeServiceError(w, err, "Project not found")
			return
		}
		writeJSON(w, http.StatusOK, found)
	case len(parts) == 2 && parts[1] == "deployments":
		list, err := r.deploy.ListByProject(req.Context(), parts[0], queryInt(req, "limit"))
		if err != nil {
			r.writeServiceError(w, err, "Project not found")
			return
		}
		if list == nil {
			list = []domain.Deployment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"deployments": list})
	default:
		r.notFound(w)
	}
}

// handleDeploymentSubroutes serves /deployments/{id} and the builder status
// callback /deployments/{id}/status.
func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/deployments/"))
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		found, err := r.deploy.Get(req.Context(), parts[0])
		if err != nil {
			r.writeServiceError(w, err, "Deployment not found")
			return
		}
		writeJSON(w, http.StatusOK, found)
	case len(parts) == 2 && parts[1] == "status":
		if req.Method != http.MethodPut && req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleStatusCallback(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleStatusCallback(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var payload statusRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validation.V.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, validation.Describe(err))
		return
	}
	updated, err := r.deploy.UpdateStatus(req.Context(), deploymentID, payload.Status, payload.Reason)
	if err != nil {
		r.writeServiceError(w, err, "Deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleLogs serves /logs/{id} history and the /logs/{id}/stream live feed.
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	parts := splitPath(strings.TrimPrefix(req.URL.Path, "/logs/"))
	switch {
	case len(parts) == 1:
		events, err := r.logs.List(req.Context(), parts[0], queryInt(req, "limit"))
		if err != nil {
			r.writeServiceError(w, err, "Deployment not found")
			return
		}
		if events == nil {
			events = []domain.LogEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": events})
	case len(parts) == 2 && parts[1] == "stream":
		r.handleLogStream(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if _, err := r.deploy.Get(req.Context(), deploymentID); err != nil {
		r.writeServiceError(w, err, "Deployment not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	// Closing takes the write lock, so no hub write outlives the handler.
	defer client.Close()
	unsubscribe := r.hub.Subscribe(ws.ChannelName(deploymentID), client)
	defer unsubscribe()
	r.sseStreams.Inc()
	defer r.sseStreams.Dec()

	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-r.ctx.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleSocket(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()
	ws.NewClient(conn, r.hub, r.logger).Serve(ctx)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.health))
	status := "ok"
	for name, check := range r.health {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps service and repository errors onto status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, project.ErrInvalidInput),
		errors.Is(err, deploy.ErrInvalidInput),
		errors.Is(err, logs.ErrInvalidDeploymentID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deploy.ErrInvalidTransition),
		errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deploy.ErrLaunchFailed):
		writeError(w, http.StatusInternalServerError, "failed to launch build")
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := max(limit-decision.count, 0)
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyBuilderToken ensures builder callbacks include configured secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.builderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func splitPath(trimmed string) []string {
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(req *http.Request, key string) int {
	n, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
