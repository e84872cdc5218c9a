// Package protocol defines the contract between the gateway and the wire-protocol
// client that actually talks to the messaging network. The client is treated as
// untrusted: the gateway only drives it through this interface and reacts to the
// events it emits.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TransportState is the client's own view of its socket.
type TransportState int

const (
	// TransportNone means the client has no internal transport at all. Such a
	// client must never be torn down: teardown on it is undefined.
	TransportNone TransportState = iota
	// TransportConnecting is the half-open state while the handshake runs.
	TransportConnecting
	TransportOpen
	TransportClosing
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNone:
		return "none"
	case TransportConnecting:
		return "connecting"
	case TransportOpen:
		return "open"
	case TransportClosing:
		return "closing"
	case TransportClosed:
		return "closed"
	default:
		return fmt.Sprintf("transport(%d)", int(s))
	}
}

// HandlerID identifies a registered event handler.
type HandlerID uint32

// Client is one protocol session for one account identity.
type Client interface {
	// Connect starts the transport. It returns once the socket has been created;
	// authentication progress is reported through events.
	Connect(ctx context.Context) error
	// Disconnect closes the transport without invalidating credentials.
	Disconnect() error
	// Logout unlinks the device on the server side.
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, error)
	MarkRead(ctx context.Context, chat string, ids ...string) error
	AddEventHandler(fn func(Event)) HandlerID
	RemoveEventHandlers()
	TransportState() TransportState
}

// Options configures a new client.
type Options struct {
	TenantID string
	// AuthDir holds the live credential bundle for the tenant.
	AuthDir string
	Logger  *slog.Logger
}

// Factory creates protocol clients.
type Factory interface {
	NewClient(opts Options) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(opts Options) (Client, error)

func (f FactoryFunc) NewClient(opts Options) (Client, error) { return f(opts) }

// Event is anything a client emits.
type Event interface {
	isEvent()
}

// QREvent carries one pairing code for the current pairing round.
type QREvent struct {
	Code string
}

// ConnState is the connection state reported by ConnectionEvent.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnOpen
	ConnClose
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClose:
		return "close"
	default:
		return fmt.Sprintf("conn(%d)", int(s))
	}
}

// ConnectionEvent reports a connection state change. Reason and StatusCode are
// only meaningful when State is ConnClose.
type ConnectionEvent struct {
	State      ConnState
	Reason     DisconnectReason
	StatusCode int
	Err        error
}

// CredentialsEvent carries an updated credential bundle. Bundle is the core
// credentials file; Keys holds per-peer key material keyed by file name.
type CredentialsEvent struct {
	Bundle []byte
	Keys   map[string][]byte
}

// MessageEvent is an inbound (or own outbound echo) chat message.
type MessageEvent struct {
	ID        string
	Chat      string
	Sender    string
	PushName  string
	Text      string
	FromMe    bool
	Timestamp time.Time
}

func (QREvent) isEvent()          {}
func (ConnectionEvent) isEvent()  {}
func (CredentialsEvent) isEvent() {}
func (MessageEvent) isEvent()     {}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register makes a driver available by name. It panics if Register is called
// twice with the same name or if factory is nil.
func Register(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("protocol: Register factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("protocol: Register called twice for driver " + name)
	}
	drivers[name] = factory
}

// Open returns the factory registered under name.
func Open(name string) (Factory, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	f, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown driver %q (forgotten import?)", name)
	}
	return f, nil
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
