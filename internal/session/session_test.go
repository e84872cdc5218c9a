package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shawn/session-gateway/internal/backup"
	"github.com/shawn/session-gateway/internal/creds"
	"github.com/shawn/session-gateway/internal/protocol"
	"github.com/shawn/session-gateway/internal/protocol/sim"
	"github.com/shawn/session-gateway/internal/registry"
	"github.com/shawn/session-gateway/internal/session"
	"github.com/shawn/session-gateway/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

const (
	tenantID = "tenant-1"
	me       = "15550001111@s.whatsapp.net"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

type harness struct {
	t      *testing.T
	clock  *clocktesting.FakeClock
	driver *sim.Driver
	reg    *registry.MemoryClient
	dir    string
	opts   session.Options
	s      *session.Session
}

func newHarness(t *testing.T, mutate ...func(*session.Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		driver: sim.New(),
		reg:    registry.NewMemory(),
		dir:    filepath.Join(t.TempDir(), tenantID),
	}
	require.NoError(t, h.reg.CreateTenant(context.Background(), &registry.TenantRecord{
		TenantID: tenantID,
		Status:   registry.StatusPending,
	}))
	h.opts = session.Options{
		TenantID: tenantID,
		Dir:      h.dir,
		Factory:  h.driver,
		Status:   h.reg,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&h.opts)
	}
	h.s = session.New(h.opts)
	t.Cleanup(h.s.Destroy)
	return h
}

func (h *harness) authDir() string { return filepath.Join(h.dir, "auth") }

func (h *harness) client() *sim.Client {
	h.t.Helper()
	c := h.driver.Client(tenantID)
	require.NotNil(h.t, c, "no client created")
	return c
}

func (h *harness) waitState(want session.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.s.State() == want }, waitFor, tick,
		"want state %s, have %s", want, h.s.State())
}

func (h *harness) waitCreated(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.driver.Created(tenantID) == n }, waitFor, tick,
		"want %d clients, have %d", n, h.driver.Created(tenantID))
}

// waitRetry waits for a reconnect to be scheduled in the future and returns
// how far away it is.
func (h *harness) waitRetry() time.Duration {
	h.t.Helper()
	var next time.Time
	require.Eventually(h.t, func() bool {
		next = h.s.Info().NextRetryAt
		return next.After(h.clock.Now())
	}, waitFor, tick, "no reconnect scheduled")
	return next.Sub(h.clock.Now())
}

func (h *harness) awaitQR() string {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	code, err := h.s.AwaitQR(ctx)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, code)
	return code
}

// pair runs a full pairing round and waits for the session to connect.
func (h *harness) pair() {
	h.t.Helper()
	require.NoError(h.t, h.s.Connect(context.Background()))
	h.awaitQR()
	require.NoError(h.t, h.client().Pair(me))
	h.waitState(session.Connected)
}

func (h *harness) status() registry.TenantStatus {
	rec, err := h.reg.GetTenant(context.Background(), tenantID)
	require.NoError(h.t, err)
	return rec.Status
}

func writeBundle(t *testing.T, dir string) []byte {
	t.Helper()
	b, err := creds.NewBundle(me)
	require.NoError(t, err)
	raw, err := b.Marshal()
	require.NoError(t, err)
	require.NoError(t, creds.Save(dir, raw))
	return raw
}

func TestConnect_QRThenPair(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Connect(context.Background()))

	code := h.awaitQR()
	assert.Equal(t, session.QRPending, h.s.State())
	assert.Equal(t, code, h.s.Info().QR)
	assert.Eventually(t, func() bool { return h.status() == registry.StatusQRPending }, waitFor, tick)

	require.NoError(t, h.client().Pair(me))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.s.AwaitConnected(ctx))

	info := h.s.Info()
	assert.Empty(t, info.QR, "qr cleared on open")
	assert.Equal(t, h.clock.Now(), info.ConnectedSince)
	assert.Eventually(t, func() bool { return h.s.ValidateCredentials().Valid() }, waitFor, tick,
		"credential update persisted")
	assert.Eventually(t, func() bool { return h.status() == registry.StatusConnected }, waitFor, tick)
}

func TestConnect_SingleFlight(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.s.Connect(context.Background()))
		}()
	}
	wg.Wait()
	h.awaitQR()
	assert.Equal(t, 1, h.driver.Created(tenantID), "concurrent connects share one client")

	// Idempotent once a client is live.
	require.NoError(t, h.s.Connect(context.Background()))
	assert.Equal(t, 1, h.driver.Created(tenantID))
}

func TestInitialize_AutoConnectWithCredentials(t *testing.T) {
	h := newHarness(t)
	writeBundle(t, h.authDir())

	require.NoError(t, h.s.Initialize(context.Background(), true))
	h.waitState(session.Connected)
	assert.Equal(t, 1, h.driver.Created(tenantID))
}

func TestInitialize_WithoutCredentialsStaysLazy(t *testing.T) {
	h := newHarness(t)

	err := h.s.Initialize(context.Background(), true)
	assert.ErrorIs(t, err, session.ErrPairingRequired)
	assert.Equal(t, session.Initialized, h.s.State())
	assert.Equal(t, 0, h.driver.Created(tenantID))

	require.NoError(t, h.s.Initialize(context.Background(), false))
	assert.Equal(t, 0, h.driver.Created(tenantID))
}

func TestInitialize_RestoresCorruptBundle(t *testing.T) {
	h := newHarness(t)
	h.pair()
	h.clock.Step(35 * time.Second)
	require.Eventually(t, h.s.HasBackups, waitFor, tick, "scheduled snapshot taken")
	h.s.Destroy()

	want, err := os.ReadFile(creds.Path(h.authDir()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(creds.Path(h.authDir()), []byte("{broken"), 0o600))

	s2 := session.New(h.opts)
	defer s2.Destroy()
	require.NoError(t, s2.Initialize(context.Background(), false))

	got, err := os.ReadFile(creds.Path(h.authDir()))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, s2.ValidateCredentials().Valid())
}

func TestAuthentication_RestartInScanWindowPreservesAuth(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Connect(context.Background()))
	code := h.awaitQR()

	h.clock.Step(9 * time.Second)
	h.client().Drop(protocol.ReasonRestartRequired)
	h.waitState(session.Authenticating)
	assert.Equal(t, h.clock.Now(), h.s.Info().AuthStartedAt)

	_, err := h.s.AwaitQR(context.Background())
	assert.ErrorIs(t, err, session.ErrAuthenticationInProgress)
	assert.ErrorIs(t, h.s.RefreshQR(context.Background()), session.ErrAuthenticationInProgress)

	// Reconnect after the short auth delay; the new client's QR is suppressed.
	assert.Equal(t, 2*time.Second, h.waitRetry())
	h.clock.Step(2 * time.Second)
	h.waitCreated(2)
	require.Eventually(t, func() bool { return h.client().QRRounds() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.Authenticating, h.s.State())
	assert.Equal(t, code, h.s.Info().QR, "no new qr while authenticating")

	// Still authenticating just before the timeout (auth began at +9s).
	h.clock.Step(57 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.Authenticating, h.s.State())

	h.clock.Step(time.Second)
	h.waitState(session.Initialized)
	info := h.s.Info()
	assert.True(t, info.Abandoned)
	assert.Empty(t, info.QR)

	// A fresh round is allowed again.
	require.NoError(t, h.s.RefreshQR(context.Background()))
	assert.NotEqual(t, code, h.awaitQR())
	assert.False(t, h.s.Info().Abandoned)
}

func TestAuthentication_ScanObservedThenPaired(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Connect(context.Background()))
	h.awaitQR()

	h.client().Scan()
	h.waitState(session.Authenticating)
	require.NoError(t, h.client().Pair(me))
	h.waitState(session.Connected)
	assert.True(t, h.s.Info().AuthStartedAt.IsZero())
}

func TestAuthentication_RestartOutsideScanWindowIssuesNewQR(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Connect(context.Background()))
	first := h.awaitQR()

	h.clock.Step(2 * time.Second)
	h.client().Drop(protocol.ReasonRestartRequired)
	h.waitState(session.Disconnected)

	h.clock.Step(h.waitRetry())
	h.waitCreated(2)
	assert.NotEqual(t, first, h.awaitQR())
}

func TestLoggedOut_ThresholdErasesCredentials(t *testing.T) {
	h := newHarness(t)
	h.pair()
	require.True(t, h.s.ValidateCredentials().Valid())

	// The server keeps rejecting this device.
	h.driver.Reject(tenantID, protocol.ReasonLoggedOut)
	h.client().Drop(protocol.ReasonLoggedOut)

	for i := 2; i <= 3; i++ {
		assert.Equal(t, 5*time.Second, h.waitRetry())
		h.clock.Step(5 * time.Second)
		h.waitCreated(i)
	}

	h.waitState(session.LoggedOut)
	assert.False(t, creds.Exists(h.authDir()), "bundle erased")
	assert.Equal(t, 3, h.driver.Created(tenantID))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := h.s.AwaitConnected(ctx)
	assert.ErrorIs(t, err, session.ErrPairingRequired)
	assert.ErrorIs(t, err, session.ErrCredentialsInvalidated)

	// Nothing further is scheduled.
	h.clock.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.driver.Created(tenantID))
	assert.Eventually(t, func() bool { return h.status() == registry.StatusLoggedOut }, waitFor, tick)
}

func TestLoggedOut_RestoresInvalidBundleAndReconnects(t *testing.T) {
	h := newHarness(t)
	h.pair()
	h.clock.Step(35 * time.Second)
	require.Eventually(t, h.s.HasBackups, waitFor, tick)

	require.NoError(t, os.WriteFile(creds.Path(h.authDir()), []byte(`{"noiseKey":null}`), 0o600))
	h.client().Drop(protocol.ReasonLoggedOut)

	assert.Equal(t, 5*time.Second, h.waitRetry())
	assert.True(t, h.s.ValidateCredentials().Valid(), "restored before retrying")
	h.clock.Step(5 * time.Second)
	h.waitState(session.Connected)
}

func TestLoggedOut_NoBackupInvalidates(t *testing.T) {
	h := newHarness(t)
	h.pair()

	require.NoError(t, os.WriteFile(creds.Path(h.authDir()), []byte(`{}`), 0o600))
	h.client().Drop(protocol.ReasonLoggedOut)
	h.waitState(session.LoggedOut)

	err := h.s.Err()
	assert.ErrorIs(t, err, session.ErrCredentialsInvalidated)
	assert.ErrorIs(t, err, backup.ErrBackupUnavailable)
	assert.ErrorIs(t, err, session.ErrPairingRequired)
}

func TestStreamConflict_CooldownThenReset(t *testing.T) {
	h := newHarness(t)
	h.pair()

	h.driver.Reject(tenantID, protocol.ReasonStreamConflict)
	h.client().Drop(protocol.ReasonStreamConflict)

	assert.Equal(t, 5*time.Second, h.waitRetry())
	h.clock.Step(5 * time.Second)
	h.waitCreated(2)

	assert.Equal(t, 10*time.Second, h.waitRetry())
	h.clock.Step(10 * time.Second)
	h.waitCreated(3)

	// Third conflict: cooldown, no reconnect attempts.
	require.Eventually(t, func() bool { return !h.s.Info().CooldownUntil.IsZero() }, waitFor, tick)
	assert.Equal(t, 3, h.s.Info().StreamConflicts)
	assert.ErrorIs(t, h.s.Connect(context.Background()), session.ErrStreamConflictCooldown)

	h.clock.Step(29 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, h.driver.Created(tenantID))

	h.driver.Accept(tenantID)
	h.clock.Step(time.Second)
	h.waitCreated(4)
	h.waitState(session.Connected)
	info := h.s.Info()
	assert.Zero(t, info.StreamConflicts)
	assert.True(t, info.CooldownUntil.IsZero())
}

func TestNetworkErrors_BackoffThenFailed(t *testing.T) {
	h := newHarness(t)
	writeBundle(t, h.authDir())
	h.driver.FailDial(tenantID, errors.New("connection refused"))

	require.NoError(t, h.s.Connect(context.Background()), "first failure is retried internally")
	for _, want := range []time.Duration{1, 2, 4, 8, 16} {
		assert.Equal(t, want*time.Second, h.waitRetry())
		h.clock.Step(want * time.Second)
	}

	h.waitState(session.Failed)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.ErrorIs(t, h.s.AwaitConnected(ctx), session.ErrTransientConnection)
	assert.Equal(t, 6, h.driver.Created(tenantID))

	// A manual connect starts over with a fresh budget.
	h.driver.Accept(tenantID)
	require.NoError(t, h.s.Connect(context.Background()))
	h.waitState(session.Connected)
}

func TestRetryableErrors_FixedDelay(t *testing.T) {
	h := newHarness(t)
	h.pair()

	h.client().Drop(protocol.ReasonBadSession)
	assert.Equal(t, 5*time.Second, h.waitRetry())
	h.clock.Step(5 * time.Second)
	h.waitState(session.Connected)
	assert.Zero(t, h.s.Info().RetryCount, "reset on open")
}

func TestStaleClientEventsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Connect(context.Background()))
	h.awaitQR()
	stale := h.client()

	require.NoError(t, h.s.RefreshQR(context.Background()))
	h.waitCreated(2)
	fresh := h.awaitQR()

	require.NoError(t, stale.Pair(me))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.QRPending, h.s.State())
	assert.Equal(t, fresh, h.s.Info().QR)
	assert.False(t, creds.Exists(h.authDir()), "stale credentials not persisted")
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []webhook.Event
	urls   []string
}

func (d *recordingDispatcher) Dispatch(url string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	d.events = append(d.events, payload.(webhook.Event))
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func TestInboundMessage_WebhookAndAutoRead(t *testing.T) {
	disp := &recordingDispatcher{}
	h := newHarness(t, func(o *session.Options) {
		o.Dispatcher = disp
		o.Settings = session.Settings{AutoRead: true, WebhookEnabled: true, WebhookURL: "https://hooks.example.com"}
	})
	h.pair()

	h.client().Deliver(protocol.MessageEvent{ID: "own", Chat: "peer@s.whatsapp.net", FromMe: true})
	h.client().Deliver(protocol.MessageEvent{ID: "M1", Chat: "peer@s.whatsapp.net", Sender: "peer@s.whatsapp.net", Text: "hi"})

	require.Eventually(t, func() bool { return disp.count() == 1 }, waitFor, tick)
	assert.Equal(t, "https://hooks.example.com", disp.urls[0])
	assert.Equal(t, tenantID, disp.events[0].TenantID)
	assert.Equal(t, "hi", disp.events[0].Message.Text)
	assert.Eventually(t, func() bool { return len(h.client().Read()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"M1"}, h.client().Read())

	h.s.UpdateSettings(session.Settings{})
	h.client().Deliver(protocol.MessageEvent{ID: "M2", Chat: "peer@s.whatsapp.net", Text: "quiet"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, disp.count())
}

func TestSendText(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.SendText(context.Background(), "peer@s.whatsapp.net", "hi")
	assert.ErrorIs(t, err, session.ErrNotConnected)

	h.pair()
	id, err := h.s.SendText(context.Background(), "peer@s.whatsapp.net", "hi")
	require.NoError(t, err)
	require.Len(t, h.client().Sent(), 1)
	assert.Equal(t, id, h.client().Sent()[0].ID)
}

func TestCreateSnapshot_Gate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Connect(context.Background()))
	h.awaitQR()
	h.client().Scan()
	h.waitState(session.Authenticating)

	_, err := h.s.CreateSnapshot(context.Background())
	assert.ErrorIs(t, err, backup.ErrGateRefused)
	assert.False(t, h.s.HasBackups())

	require.NoError(t, h.client().Pair(me))
	h.waitState(session.Connected)
	_, err = h.s.CreateSnapshot(context.Background())
	assert.ErrorIs(t, err, backup.ErrGateRefused, "not yet stable")

	h.clock.Step(31 * time.Second)
	snap, err := h.s.CreateSnapshot(context.Background())
	require.NoError(t, err)
	list, err := h.s.Backups().List()
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, snap.ID, list[0].ID)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.pair()
	c := h.client()

	require.NoError(t, h.s.Logout(context.Background()))
	assert.Equal(t, session.LoggedOut, h.s.State())
	assert.True(t, c.LoggedOut())
	assert.False(t, creds.Exists(h.authDir()))
	assert.Eventually(t, func() bool { return h.status() == registry.StatusLoggedOut }, waitFor, tick)

	// A fresh pairing round is possible afterwards.
	require.NoError(t, h.s.Connect(context.Background()))
	h.awaitQR()
}

// fakeClient records teardown calls for Destroy tests.
type fakeClient struct {
	mu        sync.Mutex
	state     protocol.TransportState
	calls     []string
	disconErr error
	panicOn   string
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	panicOn := f.panicOn
	f.mu.Unlock()
	if call == panicOn {
		panic("boom: " + call)
	}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == protocol.TransportNone {
		f.state = protocol.TransportConnecting
	}
	return nil
}
func (f *fakeClient) Disconnect() error {
	f.record("disconnect")
	return f.disconErr
}

func (f *fakeClient) Logout(context.Context) error {
	f.record("logout")
	return nil
}

func (f *fakeClient) SendText(context.Context, string, string) (string, error) { return "", nil }

func (f *fakeClient) MarkRead(context.Context, string, ...string) error { return nil }

func (f *fakeClient) AddEventHandler(func(protocol.Event)) protocol.HandlerID { return 1 }

func (f *fakeClient) RemoveEventHandlers() { f.record("remove_handlers") }

func (f *fakeClient) TransportState() protocol.TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) setState(s protocol.TransportState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeClient) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newFakeHarness(t *testing.T, fc *fakeClient) *harness {
	return newHarness(t, func(o *session.Options) {
		o.Factory = protocol.FactoryFunc(func(protocol.Options) (protocol.Client, error) { return fc, nil })
	})
}

func TestDestroy_UnregistersBeforeClosing(t *testing.T) {
	fc := &fakeClient{}
	h := newFakeHarness(t, fc)
	require.NoError(t, h.s.Connect(context.Background()))
	fc.setState(protocol.TransportOpen)

	h.s.Destroy()
	assert.Equal(t, []string{"remove_handlers", "disconnect"}, fc.recorded())
	assert.Equal(t, session.Destroyed, h.s.State())
	assert.ErrorIs(t, h.s.Connect(context.Background()), session.ErrDestroyed)
}

func TestDestroy_SkipsTransportWithoutState(t *testing.T) {
	for _, st := range []protocol.TransportState{protocol.TransportNone, protocol.TransportClosing, protocol.TransportClosed} {
		t.Run(st.String(), func(t *testing.T) {
			fc := &fakeClient{}
			h := newFakeHarness(t, fc)
			require.NoError(t, h.s.Connect(context.Background()))
			fc.setState(st)

			h.s.Destroy()
			assert.Equal(t, []string{"remove_handlers"}, fc.recorded())
		})
	}
}

func TestDestroy_SwallowsCleanupFailures(t *testing.T) {
	fc := &fakeClient{disconErr: errors.New("socket gone"), panicOn: "remove_handlers"}
	h := newFakeHarness(t, fc)
	require.NoError(t, h.s.Connect(context.Background()))
	fc.setState(protocol.TransportConnecting)

	assert.NotPanics(t, h.s.Destroy)
	assert.Equal(t, []string{"remove_handlers", "disconnect"}, fc.recorded())
	assert.Equal(t, session.Destroyed, h.s.State())

	// Idempotent.
	assert.NotPanics(t, h.s.Destroy)
}

func TestDestroy_StopsTimers(t *testing.T) {
	h := newHarness(t)
	h.pair()
	h.client().Drop(protocol.ReasonConnectionLost)
	h.waitRetry()

	h.s.Destroy()
	h.clock.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.driver.Created(tenantID))
	assert.Equal(t, session.Destroyed, h.s.State())
}
