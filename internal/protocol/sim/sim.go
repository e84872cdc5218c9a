// Package sim is an in-memory protocol driver. It behaves like a real client
// from the gateway's point of view (QR rounds, credential updates, server
// closes) without any network, and exposes hooks so tests and local mode can
// play the part of the phone and the server.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shawn/session-gateway/internal/creds"
	"github.com/shawn/session-gateway/internal/protocol"
)

// DriverName is the name the default driver is registered under.
const DriverName = "sim"

// ErrNotConnected is returned by sends on a client whose transport is not open.
var ErrNotConnected = errors.New("sim: not connected")

// Default is the driver registered as "sim".
var Default = New()

func init() {
	protocol.Register(DriverName, Default)
}

// Driver creates simulated clients and plays the server side for them.
type Driver struct {
	mu      sync.Mutex
	clients map[string]*Client
	created map[string]int
	reject  map[string]protocol.DisconnectReason
	dialErr map[string]error
}

var _ protocol.Factory = (*Driver)(nil)

// New returns a driver with no tenants. Tests use their own driver instead of
// Default so counts do not leak between them.
func New() *Driver {
	return &Driver{
		clients: make(map[string]*Client),
		created: make(map[string]int),
		reject:  make(map[string]protocol.DisconnectReason),
		dialErr: make(map[string]error),
	}
}

// NewClient implements protocol.Factory.
func (d *Driver) NewClient(opts protocol.Options) (protocol.Client, error) {
	if opts.TenantID == "" {
		return nil, errors.New("sim: tenant id required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		driver:   d,
		tenantID: opts.TenantID,
		authDir:  opts.AuthDir,
		logger:   logger.With("driver", DriverName),
		handlers: make(map[protocol.HandlerID]func(protocol.Event)),
	}
	d.mu.Lock()
	d.clients[opts.TenantID] = c
	d.created[opts.TenantID]++
	d.mu.Unlock()
	return c, nil
}

// Created returns how many clients were created for tenantID.
func (d *Driver) Created(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[tenantID]
}

// Client returns the most recently created client for tenantID.
func (d *Driver) Client(tenantID string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[tenantID]
}

// Reject makes the server close every subsequent connection for tenantID with
// reason right after the handshake starts.
func (d *Driver) Reject(tenantID string, reason protocol.DisconnectReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject[tenantID] = reason
}

// FailDial makes Connect return err for tenantID. A nil err clears it.
func (d *Driver) FailDial(tenantID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.dialErr, tenantID)
		return
	}
	d.dialErr[tenantID] = err
}

// Accept clears Reject and FailDial for tenantID.
func (d *Driver) Accept(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.reject, tenantID)
	delete(d.dialErr, tenantID)
}

func (d *Driver) serverView(tenantID string) (protocol.DisconnectReason, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, rejected := d.reject[tenantID]
	return r, rejected, d.dialErr[tenantID]
}

// Sent is an outbound message recorded by a client.
type Sent struct {
	ID   string
	To   string
	Text string
}

// Client is a simulated protocol client.
type Client struct {
	driver   *Driver
	tenantID string
	authDir  string
	logger   *slog.Logger

	mu          sync.Mutex
	state       protocol.TransportState
	handlers    map[protocol.HandlerID]func(protocol.Event)
	nextID      protocol.HandlerID
	qrRounds    int
	disconnects int
	loggedOut   bool
	sent        []Sent
	read        []string

	// queue keeps delivery ordered; one drain goroutine runs while it is non-empty.
	queue    []protocol.Event
	draining bool
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reason, rejected, dialErr := c.driver.serverView(c.tenantID)
	if dialErr != nil {
		return fmt.Errorf("sim dial: %w", dialErr)
	}

	c.mu.Lock()
	if c.state == protocol.TransportOpen || c.state == protocol.TransportConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = protocol.TransportConnecting
	c.mu.Unlock()

	c.emit(protocol.ConnectionEvent{State: protocol.ConnConnecting})

	switch {
	case rejected:
		c.close(reason)
	case c.hasCreds():
		c.setState(protocol.TransportOpen)
		c.emit(protocol.ConnectionEvent{State: protocol.ConnOpen})
	default:
		c.EmitQR()
	}
	return nil
}

func (c *Client) hasCreds() bool {
	if c.authDir == "" {
		return false
	}
	_, rep, err := creds.Load(c.authDir)
	return err == nil && rep.Valid()
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == protocol.TransportNone {
		// Real clients dereference their socket here.
		panic("sim: Disconnect on client without transport")
	}
	c.disconnects++
	c.state = protocol.TransportClosed
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	open := c.state == protocol.TransportOpen
	c.loggedOut = open
	c.state = protocol.TransportClosed
	c.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != protocol.TransportOpen {
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	c.sent = append(c.sent, Sent{ID: id, To: to, Text: text})
	return id, nil
}

func (c *Client) MarkRead(_ context.Context, _ string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read = append(c.read, ids...)
	return nil
}

func (c *Client) AddEventHandler(fn func(protocol.Event)) protocol.HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[c.nextID] = fn
	return c.nextID
}

func (c *Client) RemoveEventHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[protocol.HandlerID]func(protocol.Event))
}

func (c *Client) TransportState() protocol.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s protocol.TransportState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetTransportState forces the transport sub-state, e.g. to TransportNone to
// model a client whose internals were already torn down.
func (c *Client) SetTransportState(s protocol.TransportState) { c.setState(s) }

// EmitQR starts a new pairing round by emitting a fresh code.
func (c *Client) EmitQR() string {
	c.mu.Lock()
	c.qrRounds++
	code := fmt.Sprintf("2@%s,%d", uuid.NewString(), c.qrRounds)
	c.mu.Unlock()
	c.emit(protocol.QREvent{Code: code})
	return code
}

// Scan plays the phone scanning the code: the handshake restarts before the
// credentials arrive.
func (c *Client) Scan() {
	c.setState(protocol.TransportConnecting)
	c.emit(protocol.ConnectionEvent{State: protocol.ConnConnecting})
}

// Pair plays the phone scanning the current QR: a full bundle for me is
// issued, then the connection opens.
func (c *Client) Pair(me string) error {
	b, err := creds.NewBundle(me)
	if err != nil {
		return err
	}
	raw, err := b.Marshal()
	if err != nil {
		return err
	}
	c.emit(protocol.CredentialsEvent{
		Bundle: raw,
		Keys:   map[string][]byte{"app-state-sync-version-regular.json": []byte(`{"version":1}`)},
	})
	c.setState(protocol.TransportOpen)
	c.emit(protocol.ConnectionEvent{State: protocol.ConnOpen})
	return nil
}

// Drop plays the server closing the connection with reason.
func (c *Client) Drop(reason protocol.DisconnectReason) { c.close(reason) }

func (c *Client) close(reason protocol.DisconnectReason) {
	c.setState(protocol.TransportClosed)
	c.emit(protocol.ConnectionEvent{
		State:  protocol.ConnClose,
		Reason: reason,
		Err:    fmt.Errorf("sim: %s", reason),
	})
}

// Deliver plays an inbound message arriving.
func (c *Client) Deliver(msg protocol.MessageEvent) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.emit(msg)
}

// Sent returns the messages sent through this client.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Read returns the message ids marked read.
func (c *Client) Read() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.read...)
}

// Disconnects returns how many times Disconnect was called.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// LoggedOut reports whether Logout reached an open transport.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// QRRounds returns how many QR codes were emitted.
func (c *Client) QRRounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qrRounds
}

// emit queues ev and delivers it asynchronously, in order, to every handler.
// Handlers never run on the caller's goroutine so they may call back into the
// client.
func (c *Client) emit(ev protocol.Event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	go c.drain()
}

func (c *Client) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		handlers := make([]func(protocol.Event), 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}
