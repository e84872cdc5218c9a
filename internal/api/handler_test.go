package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shawn/session-gateway/internal/api"
	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/lock"
	"github.com/shawn/session-gateway/internal/manager"
	"github.com/shawn/session-gateway/internal/metrics"
	"github.com/shawn/session-gateway/internal/protocol/sim"
	"github.com/shawn/session-gateway/internal/registry"
	"github.com/shawn/session-gateway/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const me = "15550001111@s.whatsapp.net"

type fixture struct {
	t      *testing.T
	driver *sim.Driver
	reg    *registry.MemoryClient
	mgr    *manager.Manager
	router http.Handler
}

// sessionBody is the subset of session.Info the tests read back.
type sessionBody struct {
	TenantID       string `json:"tenant_id"`
	State          string `json:"state"`
	AutoRead       bool   `json:"auto_read"`
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookURL     string `json:"webhook_url"`
}

func newFixture(t *testing.T, mutate ...func(*manager.Config)) *fixture {
	t.Helper()
	f := &fixture{t: t, driver: sim.New(), reg: registry.NewMemory()}
	cfg := manager.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.QRWait = 300 * time.Millisecond
	cfg.RecoveryStagger = 0
	for _, fn := range mutate {
		fn(&cfg)
	}
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.mgr = manager.New(cfg, manager.Deps{
		Registry: f.reg,
		Locker:   lock.NewLocal(),
		Factory:  f.driver,
		Clock:    clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Metrics:  m,
		Logger:   logger,
	})
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	f.router = api.New(f.mgr, m.Handler(), logger).Router()
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(id string) {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/sessions", manager.CreateRequest{TenantID: id})
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (f *fixture) get(id string) sessionBody {
	f.t.Helper()
	rec := f.do(http.MethodGet, "/sessions/"+id, nil)
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	var out sessionBody
	require.NoError(f.t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

// pair drives a pairing round over HTTP and waits for the connection.
func (f *fixture) pair(id string) {
	f.t.Helper()
	rec := f.do(http.MethodGet, "/sessions/"+id+"/qr", nil)
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(f.t, f.driver.Client(id).Pair(me))
	require.Eventually(f.t, func() bool { return f.get(id).State == "connected" },
		2*time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	leader := false
	h := api.New(f.mgr, nil, nil, api.WithReadiness(func() error {
		if !leader {
			return errors.New("not the leader")
		}
		return nil
	}))
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not the leader")

	leader = true
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	f.create("acme")
	rec := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gateway_sessions{state="initialized"} 1`)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/sessions", manager.CreateRequest{
		TenantID:       "acme",
		DisplayName:    "Acme",
		AutoRead:       true,
		WebhookEnabled: true,
		WebhookURL:     "https://hooks.example.com/acme",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out sessionBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "acme", out.TenantID)
	assert.Equal(t, "initialized", out.State)
	assert.True(t, out.AutoRead)
	assert.Equal(t, "https://hooks.example.com/acme", out.WebhookURL)

	stored, err := f.reg.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Acme", stored.DisplayName)
}

func TestCreateSession_Errors(t *testing.T) {
	f := newFixture(t, func(c *manager.Config) { c.MaxSessions = 1 })
	f.create("acme")

	cases := []struct {
		name string
		body any
		want int
	}{
		{"duplicate", manager.CreateRequest{TenantID: "acme"}, http.StatusConflict},
		{"missing id", manager.CreateRequest{}, http.StatusBadRequest},
		{"invalid id", manager.CreateRequest{TenantID: "../x"}, http.StatusBadRequest},
		{"limit", manager.CreateRequest{TenantID: "globex"}, http.StatusTooManyRequests},
		{"not json", "{", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/sessions", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	f.create("globex")
	f.create("acme")

	rec := f.do(http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []sessionBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.Equal(t, "acme", out[0].TenantID)
	assert.Equal(t, "globex", out[1].TenantID)
}

func TestGetSession_NotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/sessions/ghost", "/sessions/ghost/qr"} {
		rec := f.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := f.do(http.MethodPost, "/sessions/ghost/reconnect", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQRAndPairing(t *testing.T) {
	f := newFixture(t)
	f.create("acme")

	rec := f.do(http.MethodGet, "/sessions/acme/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var qr manager.QRResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&qr))
	assert.Equal(t, manager.QRReady, qr.Status)
	assert.NotEmpty(t, qr.QR)
	assert.False(t, qr.ExpiresAt.IsZero())

	f.driver.Client("acme").Scan()
	require.Eventually(t, func() bool { return f.get("acme").State == "authenticating" },
		2*time.Second, 5*time.Millisecond)
	rec = f.do(http.MethodGet, "/sessions/acme/qr", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.NoError(t, f.driver.Client("acme").Pair(me))
	require.Eventually(t, func() bool { return f.get("acme").State == "connected" },
		2*time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodGet, "/sessions/acme/qr?fresh=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&qr))
	assert.Equal(t, manager.QRConnected, qr.Status)
	assert.Equal(t, 1, f.driver.Created("acme"))
}

func TestQR_SocketError(t *testing.T) {
	f := newFixture(t)
	f.create("acme")
	f.driver.FailDial("acme", errors.New("connection refused"))

	rec := f.do(http.MethodGet, "/sessions/acme/qr", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"socket_error"`)
}

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	f.create("acme")

	rec := f.do(http.MethodPatch, "/sessions/acme", map[string]any{
		"auto_read":       true,
		"webhook_enabled": true,
		"webhook_url":     "https://hooks.example.com/new",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := f.get("acme")
	assert.True(t, out.AutoRead)
	assert.True(t, out.WebhookEnabled)
	assert.Equal(t, "https://hooks.example.com/new", out.WebhookURL)

	rec = f.do(http.MethodPatch, "/sessions/acme", map[string]any{"webhook_url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.create("acme")

	rec := f.do(http.MethodPost, "/sessions/acme/messages", api.SendMessageRequest{To: "15550002222", Text: "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code, "not connected yet")

	f.pair("acme")
	rec = f.do(http.MethodPost, "/sessions/acme/messages", api.SendMessageRequest{To: "15550002222", Text: "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out api.SendMessageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.NotEmpty(t, out.ID)

	sent := f.driver.Client("acme").Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", sent[0].Text)

	rec = f.do(http.MethodPost, "/sessions/acme/messages", api.SendMessageRequest{To: "15550002222"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.create("acme")
	f.pair("acme")

	rec := f.do(http.MethodPost, "/sessions/acme/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out sessionBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "logged_out", out.State)
	assert.True(t, f.driver.Client("acme").LoggedOut())
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	f.create("acme")

	rec := f.do(http.MethodDelete, "/sessions/acme", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/sessions/acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	stored, err := f.reg.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Nil(t, stored)

	rec = f.do(http.MethodDelete, "/sessions/acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.create("acme")

	rec := f.do(http.MethodPost, "/sessions/acme/backup", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/sessions/acme/restore", nil)
	assert.Equal(t, http.StatusGone, rec.Code, rec.Body.String())
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{manager.ErrTenantNotFound, http.StatusNotFound},
		{session.ErrDestroyed, http.StatusNotFound},
		{manager.ErrInvalidTenantID, http.StatusBadRequest},
		{manager.ErrInvalidWebhookURL, http.StatusBadRequest},
		{manager.ErrConcurrencyLimitExceeded, http.StatusTooManyRequests},
		{manager.ErrRecoveryInProgress, http.StatusAccepted},
		{session.ErrAuthenticationInProgress, http.StatusAccepted},
		{session.ErrCredentialsInvalidated, http.StatusGone},
		{session.ErrPairingRequired, http.StatusGone},
		{backup.ErrBackupUnavailable, http.StatusGone},
		{session.ErrTransientConnection, http.StatusServiceUnavailable},
		{manager.ErrQRTimeout, http.StatusServiceUnavailable},
		{manager.ErrTenantExists, http.StatusConflict},
		{session.ErrStreamConflictCooldown, http.StatusConflict},
		{session.ErrNotConnected, http.StatusConflict},
		{backup.ErrGateRefused, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("op: %w", tc.err)
		assert.Equal(t, tc.want, api.StatusCode(wrapped), tc.err.Error())
	}
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	h := api.New(failingManager{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/acme", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "dynamo"))

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no metrics handler configured")
}

// failingManager fails every call with an unclassified error.
type failingManager struct{ api.Manager }

func (failingManager) Status(string) (session.Info, error) {
	return session.Info{}, errors.New("dynamo: throttled")
}
