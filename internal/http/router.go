package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenboard/asyncevents/internal/domain"
	"github.com/lumenboard/asyncevents/internal/service/auth"
	"github.com/lumenboard/asyncevents/internal/service/events"
	"github.com/lumenboard/asyncevents/internal/ws"
	"github.com/lumenboard/asyncevents/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	auth        auth.Service
	events      events.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	workerToken string
	cfg         config.APIConfig
	build       BuildInfo
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	metricsInitialized bool
}

// BuildInfo carries the ldflags-injected build identity for /version.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

const (
	routeHealthz   = "/healthz"
	routeMetrics   = "/metrics"
	routeVersion   = "/version"
	routeToken     = "/api/v1/async_token/"
	routeEvents    = "/api/v1/async_event/"
	routeEventsWS  = "/api/v1/async_event/ws"
	routeEventsSSE = "/api/v1/async_event/stream"
)

const (
	rateWindowDefault    = time.Minute
	rateWindowRealtime   = 30 * time.Second
	rateLimitToken       = 60
	rateLimitPoll        = 240
	rateLimitRealtime    = 30
	rateLimitWorkerWrite = 600
	healthCheckTimeout   = 2 * time.Second
	sseHeartbeatInterval = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, eventsSvc events.Service, hub *ws.Hub, limiter RateLimiter, cfg config.APIConfig, build BuildInfo, dbHealth func(context.Context) error) *Router {
	if build.Version == "" {
		build.Version = "dev"
	}
	if build.Commit == "" {
		build.Commit = "none"
	}
	if build.BuildDate == "" {
		build.BuildDate = "unknown"
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		auth:   authSvc,
		events: eventsSvc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		workerToken: strings.TrimSpace(cfg.WorkerAuthToken),
		cfg:         cfg,
		build:       build,
		dbHealth:    dbHealth,
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
	r.mux.HandleFunc(routeHealthz, r.audit(routeHealthz, r.handleHealthz))
	r.mux.Handle(routeMetrics, promhttp.Handler())
	r.mux.HandleFunc(routeVersion, r.audit(routeVersion, r.handleVersion))
	r.mux.HandleFunc(routeToken, r.audit(routeToken, r.handlerAuthRate(routeToken, rateLimitToken, rateWindowDefault, r.handleToken)))
	r.mux.HandleFunc(routeEvents, r.audit(routeEvents, r.handleEvents))
	r.mux.HandleFunc(routeEventsWS, r.audit(routeEventsWS, r.handlerAuthRate(routeEventsWS, rateLimitRealtime, rateWindowRealtime, r.handleEventsWS)))
	r.mux.HandleFunc(routeEventsSSE, r.audit(routeEventsSSE, r.handlerAuthRate(routeEventsSSE, rateLimitRealtime, rateWindowRealtime, r.handleEventsStream)))
}

// handleToken issues (or re-issues) the signed channel cookie for the
// authenticated session and describes the configured transport to the client.
func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != routeToken {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for token issuance", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	existing := ""
	if cookie, err := req.Cookie(r.cfg.ChannelCookieName); err == nil {
		existing = cookie.Value
	}
	channel, token, issued, err := r.auth.EnsureChannelToken(existing, info.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if issued {
		http.SetCookie(w, r.channelCookie(token))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":          channel,
		"transport":        r.cfg.Transport,
		"polling_delay_ms": r.cfg.PollingDelay.Milliseconds(),
	})
}

// channelCookie builds the session-scoped channel cookie. No Expires/MaxAge:
// the browser drops it when the session ends, matching the token's missing
// exp claim.
func (r *Router) channelCookie(token string) *http.Cookie {
	cookie := &http.Cookie{
		Name:     r.cfg.ChannelCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.cfg.ChannelCookieSecure,
		SameSite: cookieSameSite(r.cfg.ChannelCookieSameSite),
	}
	if r.cfg.ChannelCookieDomain != "" {
		cookie.Domain = r.cfg.ChannelCookieDomain
	}
	return cookie
}

func cookieSameSite(mode string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// handleEvents serves the polling read path for browsers (GET) and the
// status ingestion path for workers (POST). The two methods authenticate
// differently, so the guards live here instead of in route middleware.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != routeEvents {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		req = req.WithContext(ctx)
		key := r.rateLimitKeyUser(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(key, rateLimitPoll, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitPoll, decision)
		if !decision.allowed {
			r.rejectRateLimited(w, routeEvents, key, decision)
			return
		}
		channel, err := r.channelFromRequest(req)
		if err != nil {
			r.logger.Warn("channel cookie rejected", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid channel token")
			return
		}
		records, err := r.events.ReadEvents(req.Context(), channel, req.URL.Query().Get("last_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": records})
	case http.MethodPost:
		if !r.verifyWorkerToken(w, req) {
			return
		}
		workerKey := rateLimitKeyWorker(req)
		decision := r.limiter.Allow(workerKey, rateLimitWorkerWrite, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitWorkerWrite, decision)
		if !decision.allowed {
			r.rejectRateLimited(w, routeEvents, workerKey, decision)
			return
		}
		var payload domain.JobMetadata
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		entryID, err := r.events.UpdateJob(req.Context(), payload)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, events.ErrMissingChannel) || errors.Is(err, events.ErrMissingJob) || errors.Is(err, events.ErrInvalidStatus) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": entryID})
	default:
		r.methodNotAllowed(w)
	}
}

// handleEventsWS upgrades the poll contract to a push stream: replay the
// backlog after last_id, then subscribe the socket to the channel.
func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for events websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}
	channel, err := r.channelFromRequest(req)
	if err != nil {
		r.logger.Warn("channel cookie rejected", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid channel token")
		return
	}
	backlog, err := r.events.ReadEvents(req.Context(), channel, req.URL.Query().Get("last_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	for _, record := range backlog {
		payload, err := json.Marshal(record)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return
		}
	}
	r.hub.Register(channel, client)
	go func() {
		defer func() {
			r.hub.Unregister(channel, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleEventsStream serves the channel over Server-Sent Events for clients
// that cannot hold a websocket. Same contract as the ws route: backlog
// replay, then live subscription, with comment heartbeats while quiet.
func (r *Router) handleEventsStream(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for event stream", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusInternalServerError, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	channel, err := r.channelFromRequest(req)
	if err != nil {
		r.logger.Warn("channel cookie rejected", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid channel token")
		return
	}
	backlog, err := r.events.ReadEvents(req.Context(), channel, req.URL.Query().Get("last_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	// Opening comment confirms the stream through buffering proxies.
	if err := client.Heartbeat(); err != nil {
		return
	}
	for _, record := range backlog {
		payload, err := json.Marshal(record)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			return
		}
	}
	r.hub.Register(channel, client)
	defer r.hub.Unregister(channel, client)

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if time.Since(client.LastActivity()) < sseHeartbeatInterval {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    r.build.Version,
		"commit":     r.build.Commit,
		"build_date": r.build.BuildDate,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if err := r.events.Ping(ctx); err != nil {
		status = "degraded"
		components["stream"] = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	} else {
		components["stream"] = map[string]any{"status": "up"}
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
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.TrimSpace(req.Header.Get("X-Worker-Token")) != "" {
			actor = "worker"
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
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
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

// verifyWorkerToken ensures status writes carry the shared worker secret.
func (r *Router) verifyWorkerToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.workerToken
	if expected == "" {
		r.logger.Error("worker token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "worker authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Worker-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("worker token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid worker token")
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
