package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/vango-dev/remote/internal/config"
	"github.com/vango-dev/remote/pkg/channel"
	"github.com/vango-dev/remote/pkg/metrics"
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/receiver"
	"github.com/vango-dev/remote/pkg/render"
	"github.com/vango-dev/remote/pkg/rpc"
)

const tracerName = "github.com/vango-dev/remote/cmd/remoteui"

// renderTimeout bounds the worker's first mount.
const renderTimeout = 30 * time.Second

// session is one connected worker and the mirror of its tree.
type session struct {
	id      string
	remote  string
	started time.Time
	ep      *rpc.Endpoint
	recv    *receiver.Receiver
}

// hub owns the host's sessions.
type hub struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// ctx ends every session when the host stops.
	ctx context.Context

	mu       sync.RWMutex
	sessions map[string]*session
}

func newHub(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *hub {
	h := &hub{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		ctx:      ctx,
		sessions: make(map[string]*session),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin accepts websocket requests without an Origin header, from
// the host's own origin, or from an origin in host.allowedOrigins.
func (h *hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Host.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return true
		}
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "remote", r.RemoteAddr)
	return false
}

func (h *hub) routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.handleWebSocket)
	r.Get("/tree", h.handleTree)
	r.Get("/sessions", h.handleSessions)
	r.Post("/sessions/{session}/nodes/{node}/{prop}", h.handleInvoke)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

func (h *hub) endpointOptions() []rpc.Option {
	opts := []rpc.Option{
		rpc.WithLogger(h.logger),
		rpc.WithMetrics(h.metrics),
		rpc.WithTracer(otel.Tracer(tracerName)),
		rpc.WithReleaseDelay(h.cfg.RPC.ReleaseDelay),
	}
	if h.cfg.RPC.CallRate > 0 {
		opts = append(opts, rpc.WithCallRateLimit(rate.Limit(h.cfg.RPC.CallRate), h.cfg.RPC.CallBurst))
	}
	return opts
}

// serve runs one session over ch: it hands the worker a receiver through
// render, then waits until done closes or the host stops.
func (h *hub) serve(ch channel.Channel, done <-chan struct{}, remote string) error {
	ep := rpc.NewEndpoint(ch, h.endpointOptions()...)
	defer ep.Terminate()

	s := &session{id: ep.ID(), remote: remote, started: time.Now(), ep: ep}
	logger := h.logger.With("session", s.id)
	s.recv = receiver.New(
		receiver.WithLogger(logger),
		receiver.WithMetrics(h.metrics),
		receiver.WithOnChange(func(c receiver.Change) {
			logger.Info("tree changed", "seq", c.Seq, "changed", len(c.IDs), "nodes", s.recv.Len())
			if logger.Enabled(h.ctx, slog.LevelDebug) {
				out, _ := json.Marshal(jsonValue(s.recv.Snapshot().ToValue()))
				logger.Debug("mirror", "tree", string(out))
			}
		}),
		receiver.WithOnError(func(err error) {
			logger.Warn("batch rejected", "error", err)
		}),
	)

	h.add(s)
	defer h.remove(s)
	logger.Info("session started", "remote", remote)

	ctx, cancel := context.WithTimeout(h.ctx, renderTimeout)
	_, err := ep.Proxy().Call(ctx, "render", s.recv.Func())
	cancel()
	if err != nil {
		return fmt.Errorf("session %s: render: %w", s.id, err)
	}

	select {
	case <-done:
	case <-ep.Done():
	case <-h.ctx.Done():
	}
	st := ep.Stats()
	logger.Info("session ended", "exported", st.Exported, "imported", st.Imported, "pending", st.Pending)
	return nil
}

func (h *hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
}

func (h *hub) get(id string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// list returns the sessions oldest first.
func (h *hub) list() []*session {
	h.mu.RLock()
	out := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].started.Before(out[j].started) })
	return out
}

// closeAll terminates every session.
func (h *hub) closeAll() {
	for _, s := range h.list() {
		s.ep.Terminate()
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	wsConfig := channel.DefaultWebSocketConfig()
	wsConfig.CompressThreshold = h.cfg.Host.CompressThreshold
	wsConfig.Logger = h.logger
	ws := channel.NewWebSocket(conn, wsConfig)
	if err := h.serve(ws, ws.Done(), r.RemoteAddr); err != nil {
		h.logger.Warn("session failed", "remote", r.RemoteAddr, "error", err)
	}
}

type sessionView struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
	Nodes   int       `json:"nodes"`
	Tree    any       `json:"tree,omitempty"`
}

func (s *session) view(withTree bool) sessionView {
	v := sessionView{ID: s.id, Remote: s.remote, Started: s.started, Nodes: s.recv.Len()}
	if withTree {
		v.Tree = jsonValue(s.recv.Snapshot().ToValue())
	}
	return v
}

func (h *hub) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.list()
	views := make([]sessionView, len(sessions))
	for i, s := range sessions {
		views[i] = s.view(false)
	}
	writeJSON(w, http.StatusOK, views)
}

// handleTree returns the mirror of every session, as JSON or, with
// ?format=html, as markup rendered with the configured tags.
func (h *hub) handleTree(w http.ResponseWriter, r *http.Request) {
	sessions := h.list()
	if r.URL.Query().Get("format") != "html" {
		views := make([]sessionView, len(sessions))
		for i, s := range sessions {
			views[i] = s.view(true)
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	ctl := render.NewHTMLController(h.cfg.Host.Tags)
	var b strings.Builder
	for _, s := range sessions {
		out, err := ctl.Render(s.recv.Root())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody(err))
			return
		}
		fmt.Fprintf(&b, "<section data-session=%q>%s</section>\n", s.id, out)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(b.String()))
}

// handleInvoke calls a function prop of a mirrored node. The optional
// request body is a JSON array of arguments.
func (h *hub) handleInvoke(w http.ResponseWriter, r *http.Request) {
	s, ok := h.get(chi.URLParam(r, "session"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("unknown session")))
		return
	}
	node, ok := s.recv.Get(chi.URLParam(r, "node"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody(fmt.Errorf("unknown node")))
		return
	}

	var args []any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err))
			return
		}
	}

	result, err := render.NewController().Invoke(r.Context(), node, chi.URLParam(r, "prop"), args...)
	if err != nil {
		status := http.StatusBadGateway
		if stderrors.Is(err, render.ErrNotCallable) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorBody(err))
		return
	}
	defer rpc.Release(result)
	writeJSON(w, http.StatusOK, map[string]any{"result": jsonValue(result)})
}

// jsonValue replaces function values with their wire references so v
// can be marshaled.
func jsonValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonValue(item)
		}
		return out
	case *rpc.RemoteFunc:
		return protocol.FunctionRef{ID: val.ID()}
	case rpc.Caller:
		return protocol.FunctionRef{}
	}
	return v
}

func errorBody(err error) map[string]any {
	body := map[string]any{"error": err.Error()}
	var re *rpc.RemoteError
	if stderrors.As(err, &re) {
		body["code"] = re.Code.String()
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
