package session

import (
	"fmt"

	"github.com/shawn/session-gateway/internal/registry"
)

// State is the connection state of a Session. All session behaviour is keyed
// off this one value; there are no side flags for "connecting" or
// "authenticating".
type State int

const (
	Uninitialized State = iota
	// Initialized means credentials were looked at but no client exists yet.
	Initialized
	Connecting
	// QRPending means a pairing code is held and waiting to be scanned.
	QRPending
	// Authenticating means a scan is in progress (observed or inferred). No new
	// QR may be issued while in this state.
	Authenticating
	Connected
	Disconnected
	LoggedOut
	Failed
	Destroyed
)

var stateNames = [...]string{
	Uninitialized:  "uninitialized",
	Initialized:    "initialized",
	Connecting:     "connecting",
	QRPending:      "qr_pending",
	Authenticating: "authenticating",
	Connected:      "connected",
	Disconnected:   "disconnected",
	LoggedOut:      "logged_out",
	Failed:         "failed",
	Destroyed:      "destroyed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// validTransitions is the only place that decides which state changes are legal.
var validTransitions = map[State][]State{
	Uninitialized:  {Initialized, Destroyed},
	Initialized:    {Connecting, LoggedOut, Destroyed},
	Connecting:     {QRPending, Authenticating, Connected, Disconnected, Failed, LoggedOut, Initialized, Destroyed},
	QRPending:      {Authenticating, Connected, Disconnected, Connecting, Initialized, LoggedOut, Failed, Destroyed},
	Authenticating: {Connected, Disconnected, Connecting, QRPending, Initialized, LoggedOut, Failed, Destroyed},
	Connected:      {Disconnected, Connecting, LoggedOut, Destroyed},
	Disconnected:   {Connecting, LoggedOut, Failed, Initialized, Destroyed},
	LoggedOut:      {Initialized, Connecting, Destroyed},
	Failed:         {Connecting, Initialized, LoggedOut, Destroyed},
	Destroyed:      nil,
}

// CanTransitionTo reports whether from -> to is a legal state change.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Busy reports whether the session is in the middle of bringing a client up.
// The health monitor leaves busy sessions alone.
func (s State) Busy() bool {
	switch s {
	case Connecting, QRPending, Authenticating:
		return true
	}
	return false
}

// Terminal reports whether the session stopped trying on its own.
func (s State) Terminal() bool {
	switch s {
	case LoggedOut, Failed, Destroyed:
		return true
	}
	return false
}

// Status maps the state onto the persisted tenant status.
func (s State) Status() registry.TenantStatus {
	switch s {
	case Connecting:
		return registry.StatusConnecting
	case QRPending:
		return registry.StatusQRPending
	case Authenticating:
		return registry.StatusAuthenticating
	case Connected:
		return registry.StatusConnected
	case Disconnected, Destroyed:
		return registry.StatusDisconnected
	case LoggedOut:
		return registry.StatusLoggedOut
	case Failed:
		return registry.StatusFailed
	default:
		return registry.StatusPending
	}
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown session state %q", name)
}
