// Package controlapi serves the local HTTP API the operator commands use to
// inspect and steer a running watchdog.
package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blackwell-systems/iowatchdog/internal/daemonlink"
	"github.com/blackwell-systems/iowatchdog/internal/overuse"
	"github.com/blackwell-systems/iowatchdog/internal/perf"
)

// DefaultPeriodDays is the history window of the stats routes.
const DefaultPeriodDays = 30

// Usage is the part of the usage handler exposed over the API.
type Usage interface {
	AllUsageStats(ctx context.Context, periodDays int) ([]perf.UsageStats, error)
	UsageStats(ctx context.Context, userID int, pkg string, periodDays int) (*perf.UsageStats, error)
	KillableStates(ctx context.Context, userID int) ([]perf.PackageKillableState, error)
	SetKillable(ctx context.Context, pkg string, userID int, killable bool) error
	ResetStats(ctx context.Context, names []string) error
	HandleNotificationAction(ctx context.Context, action perf.NotificationAction, userID int, pkg string) error
	DisabledPackages(ctx context.Context) (map[int][]string, error)
	SetDisplayEnabled(ctx context.Context, enabled bool) error
	SetIdleMaintenance(ctx context.Context, enabled bool) error
	SetDistractionOptimizationRequired(ctx context.Context, required bool) error
}

// Link is the part of the daemon link exposed over the API.
type Link interface {
	State() daemonlink.State
	GetConfigurations(ctx context.Context) ([]overuse.ResourceOveruseConfiguration, error)
	RequestLivenessCheck(ctx context.Context) error
	ControlProcessHealthCheck(ctx context.Context, enable bool) error
}

// Clients lists the clients registered for liveness checks.
type Clients interface {
	Names() []string
}

// Recent returns the latest telemetry records.
type Recent interface {
	Recent() ([]perf.OveruseRecord, []perf.KillRecord)
}

// Status is the body of GET /status.
type Status struct {
	DaemonState      string           `json:"daemon_state"`
	Clients          []string         `json:"clients"`
	DisabledPackages map[int][]string `json:"disabled_packages"`
}

// KillableRequest is the body of PUT /killable/{user}/{package}.
type KillableRequest struct {
	Killable bool `json:"killable"`
}

// ResetRequest is the body of POST /reset.
type ResetRequest struct {
	Packages []string `json:"packages"`
}

// NotificationRequest is the body of POST /notifications/{action}.
type NotificationRequest struct {
	UserID  int    `json:"user_id"`
	Package string `json:"package"`
}

// ToggleRequest is the body of PUT /system/{mode} and
// PUT /daemon/health-check.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// System modes accepted by PUT /system/{mode}.
const (
	ModeDisplay                 = "display"
	ModeIdleMaintenance         = "idle-maintenance"
	ModeDistractionOptimization = "distraction-optimization"
)

// RecentRecords is the body of GET /telemetry/recent.
type RecentRecords struct {
	Overuses []perf.OveruseRecord `json:"overuses"`
	Kills    []perf.KillRecord    `json:"kills"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the control API.
type Handler struct {
	logger   slog.Logger
	usage    Usage
	link     Link
	clients  Clients
	recent   Recent
	gatherer prometheus.Gatherer
}

// Options configures a Handler. Recent and Gatherer are optional.
type Options struct {
	Logger   slog.Logger
	Usage    Usage
	Link     Link
	Clients  Clients
	Recent   Recent
	Gatherer prometheus.Gatherer
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		logger:   opts.Logger.Named("controlapi"),
		usage:    opts.Usage,
		link:     opts.Link,
		clients:  opts.Clients,
		recent:   opts.Recent,
		gatherer: opts.Gatherer,
	}
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")

	r.HandleFunc("/stats", h.ListStats).Methods("GET")
	r.HandleFunc("/stats/{user}/{package}", h.GetStats).Methods("GET")

	r.HandleFunc("/killable", h.ListKillable).Methods("GET")
	r.HandleFunc("/killable/{user}/{package}", h.SetKillable).Methods("PUT")

	r.HandleFunc("/reset", h.Reset).Methods("POST")
	r.HandleFunc("/notifications/{action}", h.NotificationAction).Methods("POST")
	r.HandleFunc("/system/{mode}", h.SetSystemMode).Methods("PUT")

	r.HandleFunc("/configurations", h.Configurations).Methods("GET")
	r.HandleFunc("/daemon/liveness", h.DaemonLiveness).Methods("POST")
	r.HandleFunc("/daemon/health-check", h.DaemonHealthCheck).Methods("PUT")
	r.HandleFunc("/telemetry/recent", h.Recent).Methods("GET")

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	disabled, err := h.usage.DisabledPackages(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Status{
		DaemonState:      h.link.State().String(),
		Clients:          h.clients.Names(),
		DisabledPackages: disabled,
	})
}

func (h *Handler) ListStats(w http.ResponseWriter, r *http.Request) {
	days, err := periodDays(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := h.usage.AllUsageStats(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []perf.UsageStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.Atoi(vars["user"])
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	days, err := periodDays(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stats, err := h.usage.UsageStats(r.Context(), userID, vars["package"], days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ListKillable(w http.ResponseWriter, r *http.Request) {
	userID := perf.AllUsers
	if v := r.URL.Query().Get("user"); v != "" {
		var err error
		if userID, err = strconv.Atoi(v); err != nil {
			http.Error(w, "Invalid user id", http.StatusBadRequest)
			return
		}
	}
	states, err := h.usage.KillableStates(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if states == nil {
		states = []perf.PackageKillableState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *Handler) SetKillable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.Atoi(vars["user"])
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}
	var req KillableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.usage.SetKillable(r.Context(), vars["package"], userID, req.Killable); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Packages) == 0 {
		http.Error(w, "packages is required", http.StatusBadRequest)
		return
	}
	if err := h.usage.ResetStats(r.Context(), req.Packages); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) NotificationAction(w http.ResponseWriter, r *http.Request) {
	action := perf.NotificationAction(mux.Vars(r)["action"])
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	switch action {
	case perf.NotificationActionDismiss, perf.NotificationActionDisable:
	default:
		http.Error(w, "Unknown notification action", http.StatusBadRequest)
		return
	}
	if err := h.usage.HandleNotificationAction(r.Context(), action, req.UserID, req.Package); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetSystemMode forwards display, idle-maintenance and
// distraction-optimization changes to the usage handler.
func (h *Handler) SetSystemMode(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var err error
	switch mux.Vars(r)["mode"] {
	case ModeDisplay:
		err = h.usage.SetDisplayEnabled(r.Context(), req.Enabled)
	case ModeIdleMaintenance:
		err = h.usage.SetIdleMaintenance(r.Context(), req.Enabled)
	case ModeDistractionOptimization:
		err = h.usage.SetDistractionOptimizationRequired(r.Context(), req.Enabled)
	default:
		http.Error(w, "Unknown system mode", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DaemonLiveness(w http.ResponseWriter, r *http.Request) {
	if err := h.link.RequestLivenessCheck(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DaemonHealthCheck(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.link.ControlProcessHealthCheck(r.Context(), req.Enabled); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Configurations(w http.ResponseWriter, r *http.Request) {
	configs, err := h.link.GetConfigurations(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	out := RecentRecords{Overuses: []perf.OveruseRecord{}, Kills: []perf.KillRecord{}}
	if h.recent != nil {
		overuses, kills := h.recent.Recent()
		if overuses != nil {
			out.Overuses = overuses
		}
		if kills != nil {
			out.Kills = kills
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func periodDays(r *http.Request) (int, error) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return DefaultPeriodDays, nil
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 1 {
		return 0, errors.New("days must be a positive integer")
	}
	return days, nil
}

// statusFor maps handler errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, perf.ErrUnknownPackage):
		return http.StatusNotFound
	case errors.Is(err, perf.ErrNotKillable), errors.Is(err, overuse.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, daemonlink.ErrRequestPending):
		return http.StatusConflict
	case errors.Is(err, daemonlink.ErrLivenessMissed), errors.Is(err, daemonlink.ErrRemoteFailed):
		return http.StatusBadGateway
	case errors.Is(err, perf.ErrClosed), errors.Is(err, daemonlink.ErrClosed),
		errors.Is(err, daemonlink.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn(r.Context(), "control request failed",
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
