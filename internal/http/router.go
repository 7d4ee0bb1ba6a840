package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/pipectl/internal/service/correlate"
	"github.com/splax/pipectl/internal/service/engine"
	"github.com/splax/pipectl/internal/service/identity"
	"github.com/splax/pipectl/internal/service/instance"
	"github.com/splax/pipectl/internal/service/preview"
	"github.com/splax/pipectl/internal/ws"
)

// HealthCheck probes one backing dependency for /healthz.
type HealthCheck func(context.Context) error

// Dependencies bundles the services the router exposes.
type Dependencies struct {
	Identity  identity.Service
	Instances instance.Service
	Engine    *engine.Client
	Preview   preview.Service
	Correlate correlate.Service
	Hub       *ws.Hub
	Limiter   RateLimiter
	// InternalToken, when set, must accompany collection channel posts.
	InternalToken string
	Health        map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	identity      identity.Service
	instances     instance.Service
	engine        *engine.Client
	preview       preview.Service
	correlate     correlate.Service
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	internalToken string
	health        map[string]HealthCheck

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	previewEvents      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserWrite = 60
	rateLimitUserRead  = 240
	rateLimitWebsocket = 30
	rateLimitIngest    = 6000
	rateLimitCollect   = 6000
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 8 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		identity:  deps.Identity,
		instances: deps.Instances,
		engine:    deps.Engine,
		preview:   deps.Preview,
		correlate: deps.Correlate,
		hub:       deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       deps.Limiter,
		internalToken: strings.TrimSpace(deps.InternalToken),
		health:        deps.Health,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/pipeline", r.audit("/pipeline", r.handlerAuthRate("/pipeline", rateLimitUserWrite, rateWindowDefault, r.handlePipeline)))
	r.mux.HandleFunc("/pipeline/preview", r.audit("/pipeline/preview", r.handlerAuthRate("/pipeline/preview", rateLimitUserRead, rateWindowDefault, r.handlePipelinePreview)))
	r.mux.HandleFunc("/pipeline/validate", r.audit("/pipeline/validate", r.handlerAuthRate("/pipeline/validate", rateLimitUserRead, rateWindowDefault, r.handlePipelineValidate)))
	r.mux.HandleFunc("/engine/health", r.audit("/engine/health", r.handlerAuthRate("/engine/health", rateLimitUserRead, rateWindowDefault, r.handleEngineHealth)))
	r.mux.HandleFunc("/engine/metrics", r.audit("/engine/metrics", r.handlerAuthRate("/engine/metrics", rateLimitUserRead, rateWindowDefault, r.handleEngineMetrics)))

	r.mux.HandleFunc("/preview/ingest", r.audit("/preview/ingest", r.withRateLimit("/preview/ingest", rateLimitIngest, rateWindowDefault, rateLimitKeyIP, r.handlePreviewIngest)))
	r.mux.HandleFunc("/preview/events", r.audit("/preview/events", r.handlerAuthRate("/preview/events", rateLimitUserRead, rateWindowDefault, r.handlePreviewEvents)))
	r.mux.HandleFunc("/preview/stream", r.audit("/preview/stream", r.handlerAuthRate("/preview/stream", rateLimitWebsocket, rateWindowRealtime, r.handlePreviewSSE)))
	r.mux.HandleFunc("/ws/preview", r.audit("/ws/preview", r.handlerAuthRate("/ws/preview", rateLimitWebsocket, rateWindowRealtime, r.handlePreviewWS)))

	r.mux.HandleFunc("/collect/", r.audit("/collect/", r.handleCollect))
	r.mux.HandleFunc("/logs/correlate", r.audit("/logs/correlate", r.handlerAuthRate("/logs/correlate", rateLimitUserRead, rateWindowDefault, r.handleCorrelate)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
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

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Via
			if info.UserID != "" {
				fields = append(fields, "user_id", info.UserID)
			}
			if info.OrgID != "" {
				fields = append(fields, "org_id", info.OrgID)
			}
		} else if strings.HasPrefix(req.URL.Path, "/collect/") && req.Method == http.MethodPost {
			actor = "engine"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyInternalToken guards engine-facing collection posts when a token is configured.
func (r *Router) verifyInternalToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.internalToken
	if expected == "" {
		return true
	}
	token := strings.TrimSpace(req.Header.Get("X-Internal-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("internal token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid internal token")
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
