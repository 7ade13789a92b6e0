package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// maxBodyBytes caps send and info request bodies.
const maxBodyBytes = 1 << 20

// DispatcherConfig wires the dispatcher to the rest of the gateway.
type DispatcherConfig struct {
	Config     *Config
	Registry   *Registry
	Supervisor *Supervisor
	Queue      *AdmissionQueue
	Sidecars   *SidecarProber
	Store      *ExitStore
	Metrics    *Metrics
	Allowlist  *HostAllowlist
	Logger     *slog.Logger
	Version    string
}

// Dispatcher routes HTTP requests to health, admin, documentation and
// per-worker handlers.
type Dispatcher struct {
	cfg       *Config
	reg       *Registry
	sup       *Supervisor
	queue     *AdmissionQueue
	sidecars  *SidecarProber
	store     *ExitStore
	metrics   *Metrics
	allow     *HostAllowlist
	logger    *slog.Logger
	version   string
	heartbeat time.Duration

	// streams ends every open stream when shutdown begins.
	streams      context.Context
	stopStreams  context.CancelFunc
	shuttingDown atomic.Bool
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Config == nil {
		cfg.Config = &Config{}
		applyConfigDefaults(cfg.Config)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Sidecars == nil {
		cfg.Sidecars = NewSidecarProber(cfg.Config.Sidecars, cfg.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:         cfg.Config,
		reg:         cfg.Registry,
		sup:         cfg.Supervisor,
		queue:       cfg.Queue,
		sidecars:    cfg.Sidecars,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		allow:       cfg.Allowlist,
		logger:      cfg.Logger.With("component", "dispatcher"),
		version:     cfg.Version,
		heartbeat:   time.Duration(cfg.Config.Heartbeat),
		streams:     ctx,
		stopStreams: cancel,
	}
}

// Handler returns the dispatcher behind the host allowlist.
func (d *Dispatcher) Handler() http.Handler {
	return d.allow.Middleware(d)
}

// BeginShutdown flips readiness to 503 and closes every open stream so the
// HTTP server can drain.
func (d *Dispatcher) BeginShutdown() {
	d.shuttingDown.Store(true)
	d.stopStreams()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	switch path {
	case "/healthz":
		d.getOnly(w, r, d.handleHealth)
	case "/readyz":
		d.getOnly(w, r, d.handleReady)
	case "/admin/queue":
		d.getOnly(w, r, d.handleQueue)
	case "/admin/rate":
		d.getOnly(w, r, d.handleRate)
	case "/admin/retry":
		d.getOnly(w, r, d.handleRetry)
	case "/admin/sidecars":
		d.getOnly(w, r, d.handleSidecars)
	case "/admin/metrics":
		d.getOnly(w, r, d.handleMetrics)
	case "/admin/exits":
		d.getOnly(w, r, d.handleExits)
	case "/schema":
		d.getOnly(w, r, d.handleSchema)
	case "/examples":
		d.getOnly(w, r, d.handleExamples)
	case "/servers":
		d.getOnly(w, r, d.handleServers)
	case "/.well-known/mcp-servers.json":
		d.getOnly(w, r, d.handleManifest)
	default:
		if rest, ok := strings.CutPrefix(path, "/servers/"); ok {
			d.routeWorker(w, r, rest)
			return
		}
		writeJSON(w, http.StatusNotFound, ErrorBody{OK: false, Error: "not_found", Detail: r.URL.Path})
	}
}

// routeWorker handles /servers/:name/:action.
func (d *Dispatcher) routeWorker(w http.ResponseWriter, r *http.Request, rest string) {
	name, action, ok := strings.Cut(rest, "/")
	if !ok || name == "" || action == "" || strings.Contains(action, "/") {
		writeJSON(w, http.StatusNotFound, ErrorBody{OK: false, Error: "not_found", Detail: r.URL.Path})
		return
	}
	switch action {
	case "info", "sse", "ws", "send":
	default:
		writeJSON(w, http.StatusNotFound, ErrorBody{OK: false, Error: "not_found", Detail: r.URL.Path})
		return
	}

	spec, ok := d.reg.Lookup(name)
	if !ok || !spec.Enabled {
		writeError(w, ErrWorkerNotFound, name)
		return
	}

	switch action {
	case "info":
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			d.handleInfo(w, r, spec)
		case http.MethodPost:
			d.handleDirect(w, r, spec)
		default:
			writeError(w, ErrMethodNotAllowed, "info accepts GET or POST")
		}
	case "sse":
		if !d.streamable(w, r, spec) {
			return
		}
		d.handleSSE(w, r, spec)
	case "ws":
		if !d.streamable(w, r, spec) {
			return
		}
		d.handleWS(w, r, spec)
	case "send":
		if r.Method != http.MethodPost {
			writeError(w, ErrMethodNotAllowed, "send accepts POST")
			return
		}
		if spec.Direct != "" {
			writeError(w, ErrMethodNotAllowed, name+" has no process to send to")
			return
		}
		d.handleSend(w, r, spec)
	}
}

func (d *Dispatcher) streamable(w http.ResponseWriter, r *http.Request, spec WorkerSpec) bool {
	if r.Method != http.MethodGet {
		writeError(w, ErrMethodNotAllowed, "streams accept GET")
		return false
	}
	if spec.Direct != "" {
		writeError(w, ErrMethodNotAllowed, spec.Name+" has no process to stream")
		return false
	}
	return true
}

// InfoResponse is the GET /servers/:name/info body.
type InfoResponse struct {
	ProcessState
	Subscribers int    `json:"subscribers"`
	Direct      string `json:"direct,omitempty"`
}

func (d *Dispatcher) handleInfo(w http.ResponseWriter, r *http.Request, spec WorkerSpec) {
	writeJSON(w, http.StatusOK, InfoResponse{
		ProcessState: d.sup.State(spec.Name),
		Subscribers:  d.sup.Subscriptions().Count(spec.Name),
		Direct:       spec.Direct,
	})
}

// handleDirect runs a direct handler through the admission queue. Logical
// failures are answered with 200 and {ok:false}; only unreadable bodies are
// rejected at the HTTP level.
func (d *Dispatcher) handleDirect(w http.ResponseWriter, r *http.Request, spec WorkerSpec) {
	h, ok := d.reg.Direct(spec.Name)
	if !ok {
		writeError(w, ErrMethodNotAllowed, spec.Name+" has no direct handler")
		return
	}
	body, err := readJSONBody(r)
	if err != nil {
		writeError(w, err, err.Error())
		return
	}

	res := d.queue.Offer(r.Context(), func(ctx context.Context) (any, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer context.AfterFunc(r.Context(), cancel)()
		defer cancel()
		return h.Execute(ctx, body)
	})
	if res.Err != nil {
		code, _ := errorCode(res.Err)
		d.logger.Info("direct execution failed", "name", spec.Name, "error", res.Err)
		writeJSON(w, http.StatusOK, ErrorBody{OK: false, Error: code, Detail: res.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res.Value)
}

// handleSend spawns the worker if needed and writes the body to its stdin,
// both inside one admitted task.
func (d *Dispatcher) handleSend(w http.ResponseWriter, r *http.Request, spec WorkerSpec) {
	body, err := readJSONBody(r)
	if err != nil {
		writeError(w, err, err.Error())
		return
	}
	res := d.queue.Offer(r.Context(), func(ctx context.Context) (any, error) {
		if _, err := d.sup.Spawn(spec); err != nil {
			return nil, err
		}
		return nil, d.sup.Send(spec.Name, body)
	})
	if res.Err != nil {
		d.logger.Warn("send failed", "name", spec.Name, "error", res.Err)
		writeError(w, res.Err, res.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, OKBody{OK: true})
}

// streamContext ends when the client goes away or shutdown begins.
func (d *Dispatcher) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(d.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (d *Dispatcher) handleSSE(w http.ResponseWriter, r *http.Request, spec WorkerSpec) {
	sink, err := newSSESink(w)
	if err != nil {
		writeError(w, err, err.Error())
		return
	}
	ctx, cancel := d.streamContext(r)
	defer cancel()
	d.serveStream(ctx, spec, sink, "sse", func() { sink.Serve(ctx, d.heartbeat) })
}

func (d *Dispatcher) handleWS(w http.ResponseWriter, r *http.Request, spec WorkerSpec) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", "name", spec.Name, "error", err)
		return
	}
	sink := newWSSink(conn)
	ctx, cancel := d.streamContext(r)
	defer cancel()
	d.serveStream(ctx, spec, sink, "ws", func() { sink.Serve(ctx, d.heartbeat) })
}

// serveStream subscribes sink, makes sure the worker runs, and blocks in
// serve until the stream ends. Spawn errors do not end the stream.
func (d *Dispatcher) serveStream(ctx context.Context, spec WorkerSpec, sink Sink, kind string, serve func()) {
	d.sup.Subscribe(spec.Name, sink)
	defer d.sup.Unsubscribe(spec.Name, sink)
	d.logger.Debug("stream opened", "name", spec.Name, "transport", kind)

	if _, err := d.sup.Spawn(spec); err != nil {
		d.logger.Warn("spawn for stream failed", "name", spec.Name, "error", err)
	}
	serve()
	d.logger.Debug("stream closed", "name", spec.Name, "transport", kind)
}

// readJSONBody reads at most maxBodyBytes and checks the body is valid JSON.
func readJSONBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestBody, err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidRequestBody, maxBodyBytes)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRequestBody)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequestBody)
	}
	return json.RawMessage(data), nil
}

func (d *Dispatcher) getOnly(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, ErrMethodNotAllowed, r.Method+" "+r.URL.Path)
		return
	}
	h(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {ok:false,error,detail} with its mapped status.
func writeError(w http.ResponseWriter, err error, detail string) {
	code, status := errorCode(err)
	if errors.Is(err, context.Canceled) {
		code, status = "client_closed", 499
	}
	writeJSON(w, status, ErrorBody{OK: false, Error: code, Detail: detail})
}
