package session

import "errors"

var (
	// ErrPairingRequired means there are no usable credentials; a fresh QR must
	// be obtained and scanned.
	ErrPairingRequired = errors.New("pairing required")
	// ErrAuthenticationInProgress means a scan is being processed. Callers
	// should stop polling for QR codes and wait.
	ErrAuthenticationInProgress = errors.New("authentication in progress")
	// ErrTransientConnection is surfaced only once the internal retry budget
	// is exhausted.
	ErrTransientConnection = errors.New("transient connection error")
	// ErrCredentialsInvalidated means the server confirmed the logout after
	// recovery was exhausted. The local bundle has been erased.
	ErrCredentialsInvalidated = errors.New("credentials invalidated")
	// ErrStreamConflictCooldown is returned by Connect while reconnection is
	// suspended after repeated stream conflicts.
	ErrStreamConflictCooldown = errors.New("stream conflict cooldown")
	ErrDestroyed              = errors.New("session destroyed")
	ErrNotConnected           = errors.New("session not connected")
	errInvalidTransition      = errors.New("invalid state transition")
)
