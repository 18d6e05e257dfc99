// Package controller serves the management API.
package controller

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wgfleet/internal/api"
	"wgfleet/internal/clients"
	"wgfleet/internal/fault"
	"wgfleet/internal/model"
	"wgfleet/internal/provision"
)

const (
	maxSpecBytes     = 1 << 20
	defaultLogLines  = 100
	defaultHistory   = 50
	shutdownDeadline = 5 * time.Second
)

// StatusSource builds fleet snapshots.
type StatusSource interface {
	Snapshot(ctx context.Context) model.SystemStatus
}

// PeerSource exposes the telemetry loop's latest view.
type PeerSource interface {
	Peers() ([]model.PeerRecord, time.Time)
	Tunnels() []string
}

// ClientService manages tunnel clients.
type ClientService interface {
	Create(ctx context.Context, req clients.CreateRequest) (model.Client, error)
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]model.Client, error)
	Config(ctx context.Context, name string) (string, error)
}

// Deployer runs deployment specs.
type Deployer interface {
	DeployBytes(ctx context.Context, data []byte) model.DeploymentResult
}

// History lists past deployments.
type History interface {
	List(ctx context.Context, limit int) ([]model.DeploymentResult, error)
	Get(ctx context.Context, id string) (model.DeploymentResult, error)
}

type Options struct {
	Listen   string
	APIKey   string
	Status   StatusSource
	Peers    PeerSource
	Clients  ClientService
	Deployer Deployer
	History  History
	Registry *provision.Registry
	Logger   *slog.Logger
}

type Server struct {
	opts Options
	log  *slog.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = provision.NewRegistry()
	}
	return &Server{opts: opts, log: log.With("component", "api")}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.Envelope{Status: model.StatusSuccess})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/status", s.handleStatus)
		r.Get("/peers", s.handlePeers)
		r.Get("/tunnels", s.handleTunnels)

		r.Route("/clients", func(r chi.Router) {
			r.Get("/", s.handleListClients)
			r.Post("/", s.handleCreateClient)
			r.Delete("/{name}", s.handleRemoveClient)
			r.Get("/{name}/config", s.handleClientConfig)
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.handleListDeployments)
			r.Post("/", s.handleDeploy)
			r.Get("/{id}", s.handleGetDeployment)
		})

		r.Route("/units/{backend}", func(r chi.Router) {
			r.Get("/", s.handleListUnits)
			r.Get("/logs/*", s.handleUnitLogs)
			r.Delete("/*", s.handleTerminate)
		})
	})
	return r
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Listen binds the configured address without serving it, so bind errors
// surface before any task starts.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("api listen %s: %w", s.opts.Listen, err)
	}
	return ln, nil
}

// Serve answers on ln until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.APIKey == "" {
		s.log.Warn("no api key configured; every /api request will be rejected")
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithValue(ctx, serverCtxKey{}, ctx)
		},
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type serverCtxKey struct{}

// detach returns a context that outlives the client connection of r but is
// still cancelled when the server itself shuts down.
func detach(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	base, ok := r.Context().Value(serverCtxKey{}).(context.Context)
	if !ok {
		return ctx, cancel
	}
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(api.APIKeyHeader)
		if s.opts.APIKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "status aggregation is not available")
		return
	}
	writeData(w, s.opts.Status.Snapshot(r.Context()))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	data := api.PeersResponse{Peers: []model.PeerRecord{}}
	if s.opts.Peers != nil {
		data.Peers, data.CollectedAt = s.opts.Peers.Peers()
	}
	writeData(w, data)
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels := []string{}
	if s.opts.Peers != nil {
		tunnels = s.opts.Peers.Tunnels()
	}
	writeData(w, tunnels)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if !s.clientsEnabled(w) {
		return
	}
	list, err := s.opts.Clients.List(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeData(w, list)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	if !s.clientsEnabled(w) {
		return
	}
	var req clients.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	c, err := s.opts.Clients.Create(r.Context(), req)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.Envelope{Status: model.StatusSuccess, Data: c})
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	if !s.clientsEnabled(w) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.opts.Clients.Remove(r.Context(), name); err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.Envelope{Status: model.StatusSuccess, Message: "client " + name + " removed"})
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	if !s.clientsEnabled(w) {
		return
	}
	name := chi.URLParam(r, "name")
	text, err := s.opts.Clients.Config(r.Context(), name)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeData(w, api.ConfigResponse{Name: name, Config: text})
}

func (s *Server) clientsEnabled(w http.ResponseWriter) bool {
	if s.opts.Clients == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "client management is not available")
		return false
	}
	return true
}

// handleDeploy answers 200 whenever the spec was accepted, even if some
// requests failed; per-request failures live in the result.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if s.opts.Deployer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "deployments are not available")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "read body: "+err.Error())
		return
	}
	// Accepted deploys run to completion if the client disconnects. Server
	// shutdown still cancels them.
	ctx, cancel := detach(r)
	defer cancel()
	res := s.opts.Deployer.DeployBytes(ctx, body)
	status := http.StatusOK
	if res.Status == model.StatusError {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, api.Envelope{Status: res.Status, Message: res.Message, Data: res})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeData(w, []model.DeploymentResult{})
		return
	}
	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.opts.History.List(r.Context(), limit)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeData(w, list)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSONError(w, http.StatusNotFound, "deployment history is not enabled")
		return
	}
	res, err := s.opts.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Registry.Lookup(model.BackendKind(chi.URLParam(r, "backend")))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	filter := provision.Filter{
		Name:  r.URL.Query().Get("name"),
		State: model.UnitState(r.URL.Query().Get("state")),
	}
	var listErr error
	units := []model.ManagedUnit{}
	for u := range provision.Units(r.Context(), p, filter, func(err error) { listErr = err }) {
		units = append(units, u)
	}
	if listErr != nil {
		s.writeFault(w, listErr)
		return
	}
	writeData(w, units)
}

// handleTerminate takes the unit id from the wildcard so that ids with a
// slash, such as namespace/name, survive routing.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Registry.Lookup(model.BackendKind(chi.URLParam(r, "backend")))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	id := chi.URLParam(r, "*")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "unit id is required")
		return
	}
	res, err := p.Terminate(r.Context(), id)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.log.Info("unit terminated", "backend", p.Kind(), "id", id, "warnings", len(res.Warnings))
	writeData(w, res)
}

func (s *Server) handleUnitLogs(w http.ResponseWriter, r *http.Request) {
	kind := model.BackendKind(chi.URLParam(r, "backend"))
	p, err := s.opts.Registry.Lookup(kind)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	reader, ok := p.(provision.LogReader)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "backend "+string(kind)+" does not expose logs")
		return
	}
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}
	id := chi.URLParam(r, "*")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "unit id is required")
		return
	}
	text, err := reader.Logs(r.Context(), id, lines)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeData(w, api.LogsResponse{ID: id, Logs: text})
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	writeJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, api.Envelope{Status: model.StatusSuccess, Data: v})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.Envelope{Status: model.StatusError, Message: message})
}
