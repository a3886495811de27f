package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"OpenCGM-Host/internal/auth"
	xerrors "OpenCGM-Host/internal/errors"
	"OpenCGM-Host/internal/observability/metrics"
	"OpenCGM-Host/pkg/logger"
	"OpenCGM-Host/pkg/plugin"
)

// Rescanner reloads sideloaded packages from disk.
type Rescanner interface {
	LoadAll(ctx context.Context) (int, error)
}

// Server exposes the registry over REST.
type Server struct {
	addr      string
	registry  *plugin.Registry
	installer Rescanner
	gatherer  prometheus.Gatherer
	httpStats *metrics.HTTP
	auth      *auth.Service
	log       *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithInstaller enables POST /api/v1/plugins/rescan.
func WithInstaller(r Rescanner) Option {
	return func(s *Server) { s.installer = r }
}

// WithMetrics serves g on /metrics and records request metrics on h.
func WithMetrics(g prometheus.Gatherer, h *metrics.HTTP) Option {
	return func(s *Server) {
		s.gatherer = g
		s.httpStats = h
	}
}

// WithAuth requires bearer tokens on every API route. /metrics stays open.
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithLogger overrides the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer constructs an API server for reg.
func NewServer(addr string, reg *plugin.Registry, opts ...Option) *Server {
	s := &Server{addr: addr, registry: reg, log: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /api/v1/plugins", "plugins", auth.PermissionRead, s.handleListPlugins)
	s.handle(mux, "GET /api/v1/plugins/skipped", "plugins_skipped", auth.PermissionRead, s.handleSkipped)
	s.handle(mux, "POST /api/v1/plugins/rescan", "plugins_rescan", auth.PermissionManage, s.handleRescan)
	s.handle(mux, "GET /api/v1/plugins/{id}", "plugin", auth.PermissionRead, s.handlePluginDetail)
	s.handle(mux, "DELETE /api/v1/plugins/{id}", "plugin_retire", auth.PermissionManage, s.handleRetire)
	s.handle(mux, "GET /api/v1/plugins/{id}/settings-form", "settings_form", auth.PermissionRead, s.handleSettingsForm)
	s.handle(mux, "GET /api/v1/plugins/{id}/dashboard", "dashboard", auth.PermissionRead, s.handleDashboard)
	s.handle(mux, "GET /api/v1/capabilities", "capabilities", auth.PermissionRead, s.handleCapabilities)
	s.handle(mux, "POST /api/v1/capabilities/{capability}/activate", "activate", auth.PermissionManage, s.handleActivate)
	s.handle(mux, "POST /api/v1/capabilities/{capability}/deactivate", "deactivate", auth.PermissionManage, s.handleDeactivate)
	s.handle(mux, "GET /api/v1/safety-limits", "safety_limits", auth.PermissionRead, s.handleSafetyLimits)
	s.handle(mux, "POST /api/v1/calibrations", "calibrations", auth.PermissionCalibrate, s.handleCalibrate)
	s.handle(mux, "GET /api/v1/pump/status", "pump_status", auth.PermissionRead, s.handlePumpStatus)
	s.handle(mux, "GET /api/v1/insulin/iob", "insulin_iob", auth.PermissionRead, s.handleIoB)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name, permission string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.auth != nil {
		h = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          name,
		})(h)
	}
	mux.Handle(pattern, s.httpStats.Instrument(name, h))
}

// Start serves HTTP until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Plugins())
}

type skippedView struct {
	PluginID string `json:"pluginId"`
	Origin   string `json:"origin"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleSkipped(w http.ResponseWriter, _ *http.Request) {
	records := s.registry.Skipped()
	out := make([]skippedView, 0, len(records))
	for _, rec := range records {
		v := skippedView{PluginID: rec.PluginID, Origin: rec.Origin, Reason: rec.Reason}
		if rec.Err != nil {
			v.Error = rec.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if s.installer == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "sideloading is disabled"))
		return
	}
	n, err := s.installer.LoadAll(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"installed": n})
}

func (s *Server) handlePluginDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.registry.Plugin(id)
	if !ok {
		s.writeFailure(w, fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Retire(r.Context(), r.PathValue("id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettingsForm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	form, ok, err := s.registry.SettingsForm(id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %s has no settings form", id)))
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// handleDashboard streams dashboard cards as server-sent events until the
// client goes away.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "streaming unsupported"))
		return
	}
	cards, err := s.registry.DashboardCards(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for batch := range cards {
		payload, err := json.Marshal(batch)
		if err != nil {
			s.log.Warn("encode dashboard cards", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: cards\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

type capabilityView struct {
	Capability  plugin.Capability `json:"capability"`
	Cardinality string            `json:"cardinality"`
	Active      []string          `json:"active"`
	Providers   []string          `json:"providers"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	active := s.registry.ActiveProviders()
	out := make([]capabilityView, 0, len(plugin.Capabilities()))
	for _, c := range plugin.Capabilities() {
		v := capabilityView{
			Capability:  c,
			Cardinality: c.Cardinality().String(),
			Active:      active[c],
			Providers:   s.registry.ProvidersOf(c),
		}
		if v.Active == nil {
			v.Active = []string{}
		}
		if v.Providers == nil {
			v.Providers = []string{}
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type routingRequest struct {
	PluginID string `json:"pluginId"`
}

func (s *Server) decodeRouting(w http.ResponseWriter, r *http.Request) (plugin.Capability, string, bool) {
	c, err := plugin.ParseCapability(r.PathValue("capability"))
	if err != nil {
		s.writeFailure(w, err)
		return "", "", false
	}
	var req routingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PluginID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "request body must name pluginId"))
		return "", "", false
	}
	return c, req.PluginID, true
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	c, id, ok := s.decodeRouting(w, r)
	if !ok {
		return
	}
	if err := s.registry.Activate(r.Context(), id, c); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"active": s.registry.ActiveProviders()[c]})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	c, id, ok := s.decodeRouting(w, r)
	if !ok {
		return
	}
	if err := s.registry.Deactivate(r.Context(), id, c); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSafetyLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.SafetyLimits().Current().Snapshot())
}

type calibrationRequest struct {
	ValueMgDl *int `json:"valueMgDl"`
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req calibrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ValueMgDl == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "request body must carry valueMgDl"))
		return
	}
	if err := s.registry.Calibrate(r.Context(), *req.ValueMgDl); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.log.Info("calibration sent", "value_mg_dl", *req.ValueMgDl, "caller", auth.CallerName(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]int{"valueMgDl": *req.ValueMgDl})
}

type pumpStatusView struct {
	Battery             plugin.BatteryStatus `json:"battery"`
	ReservoirMilliunits int                  `json:"reservoirMilliunits"`
}

func (s *Server) handlePumpStatus(w http.ResponseWriter, r *http.Request) {
	pump, ok := s.registry.PumpStatus()
	if !ok {
		s.writeFailure(w, fmt.Errorf("%w: %s", plugin.ErrNoProvider, plugin.CapabilityPumpStatus))
		return
	}
	battery, err := pump.GetBatteryStatus(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	reservoir, err := pump.GetReservoirMilliunits(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pumpStatusView{Battery: battery, ReservoirMilliunits: reservoir})
}

func (s *Server) handleIoB(w http.ResponseWriter, r *http.Request) {
	src, ok := s.registry.InsulinSource()
	if !ok {
		s.writeFailure(w, fmt.Errorf("%w: %s", plugin.ErrNoProvider, plugin.CapabilityInsulinSource))
		return
	}
	iob, err := src.GetIoB(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iob)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	classified := classify(err)
	if classified.Severity() == xerrors.SeverityCritical {
		s.log.Error("request failed", "code", classified.Code(), "error", err)
	}
	writeError(w, classified)
}

// classify maps registry errors onto error codes.
func classify(err error) *xerrors.Error {
	if e, ok := xerrors.From(err); ok {
		return e
	}
	var capErr *plugin.CapabilityError
	var lifeErr *plugin.LifecycleError
	switch {
	case errors.Is(err, plugin.ErrPluginNotFound), errors.Is(err, plugin.ErrNoProvider):
		return xerrors.Wrap(xerrors.CodeNotFound, err, "")
	case errors.Is(err, plugin.ErrUnknownCapability),
		errors.Is(err, plugin.ErrCapabilityNotProvided),
		errors.Is(err, plugin.ErrInvalidID):
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	case errors.Is(err, plugin.ErrAccessDenied):
		return xerrors.Wrap(xerrors.CodeAccessDenied, err, "")
	case errors.Is(err, plugin.ErrShutDown), errors.Is(err, plugin.ErrUnsupported):
		return xerrors.Wrap(xerrors.CodeConflict, err, "")
	case errors.As(err, &capErr):
		switch capErr.Kind {
		case plugin.FailureOutOfRange:
			return xerrors.Wrap(xerrors.CodeOutOfRange, err, "")
		case plugin.FailureDeviceNotReady:
			return xerrors.Wrap(xerrors.CodeTimeout, err, "")
		case plugin.FailurePanic:
			return xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "", xerrors.WithSeverity(xerrors.SeverityCritical))
		default:
			return xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "")
		}
	case errors.As(err, &lifeErr):
		return xerrors.Wrap(xerrors.CodeLifecycleFailure, err, "")
	default:
		return xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodeAccessDenied:          http.StatusForbidden,
	xerrors.CodePluginConfig:          http.StatusBadRequest,
	xerrors.CodeLifecycleFailure:      http.StatusBadGateway,
	xerrors.CodeCapabilityFailure:     http.StatusBadGateway,
	xerrors.CodeOutOfRange:            http.StatusUnprocessableEntity,
	xerrors.CodeRetriesExhausted:      http.StatusBadGateway,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeStorageFailure:        http.StatusInternalServerError,
	xerrors.CodeSyncFailure:           http.StatusInternalServerError,
	xerrors.CodeTimeout:               http.StatusServiceUnavailable,
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, err *xerrors.Error) {
	status, ok := statusByCode[err.Code()]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Code: err.Code(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
