package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/manager"
	"github.com/shawn/session-gateway/internal/session"
)

// Manager is the part of manager.Manager the API drives.
type Manager interface {
	CreateSession(ctx context.Context, req manager.CreateRequest) (session.Info, error)
	List() []session.Info
	Status(tenantID string) (session.Info, error)
	UpdateSettings(ctx context.Context, tenantID string, upd manager.SettingsUpdate) (session.Info, error)
	Delete(ctx context.Context, tenantID string) error
	Logout(ctx context.Context, tenantID string) error
	Reconnect(ctx context.Context, tenantID string) (session.Info, error)
	RequestQR(ctx context.Context, tenantID string, opts manager.QROptions) (manager.QRResult, error)
	Backup(ctx context.Context, tenantID string) (*backup.Snapshot, error)
	Restore(ctx context.Context, tenantID string) (*backup.Snapshot, error)
	SendText(ctx context.Context, tenantID, to, text string) (string, error)
}

var _ Manager = (*manager.Manager)(nil)

// Handler is the gateway's HTTP surface
type Handler struct {
	mgr     Manager
	metrics http.Handler
	ready   func() error
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithReadiness makes /readyz report 503 while fn returns an error. Replicas
// that do not own the sessions use it to drop out of the Service.
func WithReadiness(fn func() error) Option {
	return func(h *Handler) { h.ready = fn }
}

// New creates a Handler. metrics may be nil to leave /metrics unrouted.
func New(mgr Manager, metrics http.Handler, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{mgr: mgr, metrics: metrics, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router returns the chi router with all routes registered
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{tenantID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Patch("/", h.UpdateSession)
			r.Delete("/", h.DeleteSession)
			r.Get("/qr", h.GetQR)
			r.Post("/logout", h.Logout)
			r.Post("/reconnect", h.Reconnect)
			r.Post("/backup", h.Backup)
			r.Post("/restore", h.Restore)
			r.Post("/messages", h.SendMessage)
		})
	})

	return r
}

// Healthz returns 200 OK
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Readyz returns 200 once this replica serves sessions
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// CreateSession registers a tenant and starts its session
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request"})
		return
	}
	if req.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant_id required"})
		return
	}
	info, err := h.mgr.CreateSession(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// ListSessions returns the status of every session
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.List())
}

// GetSession returns one session's status
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Status(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// UpdateSession changes display name, auto-read and webhook settings
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var upd manager.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request"})
		return
	}
	info, err := h.mgr.UpdateSettings(r.Context(), chi.URLParam(r, "tenantID"), upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteSession logs out and removes the tenant entirely
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Delete(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetQR returns a pairing code, or what the caller should do instead
func (h *Handler) GetQR(w http.ResponseWriter, r *http.Request) {
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	res, err := h.mgr.RequestQR(r.Context(), chi.URLParam(r, "tenantID"), manager.QROptions{Fresh: fresh})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code := http.StatusOK
	switch res.Status {
	case manager.QRAuthenticating:
		code = http.StatusAccepted
	case manager.QRExpired:
		code = http.StatusGone
	case manager.QRSocketError:
		w.Header().Set("Retry-After", "5")
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// Logout unlinks the device and erases its credentials
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := h.mgr.Logout(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	info, err := h.mgr.Status(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Reconnect triggers recovery of a disconnected session
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Reconnect(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

// Backup snapshots the live credentials
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	snap, err := h.mgr.Backup(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// Restore installs the newest valid snapshot
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	snap, err := h.mgr.Restore(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SendMessageRequest is the body of POST /sessions/{tenantID}/messages.
type SendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendMessageResponse carries the provider's message id.
type SendMessageResponse struct {
	ID string `json:"id"`
}

// SendMessage sends a text message through the tenant's session
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request"})
		return
	}
	if req.To == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "to and text required"})
		return
	}
	id, err := h.mgr.SendText(r.Context(), chi.URLParam(r, "tenantID"), req.To, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendMessageResponse{ID: id})
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, manager.ErrTenantNotFound), errors.Is(err, session.ErrDestroyed):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrInvalidTenantID), errors.Is(err, manager.ErrInvalidWebhookURL):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrConcurrencyLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, manager.ErrRecoveryInProgress), errors.Is(err, session.ErrAuthenticationInProgress):
		return http.StatusAccepted
	case errors.Is(err, session.ErrCredentialsInvalidated), errors.Is(err, session.ErrPairingRequired),
		errors.Is(err, backup.ErrBackupUnavailable):
		return http.StatusGone
	case errors.Is(err, session.ErrTransientConnection), errors.Is(err, manager.ErrQRTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrTenantExists), errors.Is(err, session.ErrStreamConflictCooldown),
		errors.Is(err, session.ErrNotConnected), errors.Is(err, backup.ErrGateRefused):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, code, errorBody{Error: "internal error"})
		return
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
