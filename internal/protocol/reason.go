package protocol

import "fmt"

// DisconnectReason classifies why the server or transport closed a session.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonLoggedOut
	ReasonRestartRequired
	// ReasonStreamConflict means another client took over the same session.
	ReasonStreamConflict
	ReasonConnectionLost
	ReasonConnectionClosed
	ReasonTimedOut
	ReasonBadSession
	ReasonMultideviceMismatch
	ReasonForbidden
	ReasonUnavailable
)

// Class groups reasons by how the gateway reacts to them.
type Class int

const (
	ClassRetryable Class = iota
	ClassLoggedOut
	ClassRestart
	ClassConflict
	ClassNetwork
)

func (c Class) String() string {
	switch c {
	case ClassLoggedOut:
		return "logged_out"
	case ClassRestart:
		return "restart_required"
	case ClassConflict:
		return "stream_conflict"
	case ClassNetwork:
		return "network"
	default:
		return "retryable"
	}
}

var reasonNames = map[DisconnectReason]string{
	ReasonUnknown:             "unknown",
	ReasonLoggedOut:           "logged_out",
	ReasonRestartRequired:     "restart_required",
	ReasonStreamConflict:      "stream_conflict",
	ReasonConnectionLost:      "connection_lost",
	ReasonConnectionClosed:    "connection_closed",
	ReasonTimedOut:            "timed_out",
	ReasonBadSession:          "bad_session",
	ReasonMultideviceMismatch: "multidevice_mismatch",
	ReasonForbidden:           "forbidden",
	ReasonUnavailable:         "unavailable",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Class returns the reaction group for r.
func (r DisconnectReason) Class() Class {
	switch r {
	case ReasonLoggedOut:
		return ClassLoggedOut
	case ReasonRestartRequired:
		return ClassRestart
	case ReasonStreamConflict:
		return ClassConflict
	case ReasonConnectionLost, ReasonConnectionClosed, ReasonTimedOut:
		return ClassNetwork
	default:
		return ClassRetryable
	}
}

// ReasonFromStatusCode maps the provider's close status codes.
// 408 is used by the provider for both a lost connection and a timed out one;
// both are transient so the distinction does not matter here.
func ReasonFromStatusCode(code int) DisconnectReason {
	switch code {
	case 401:
		return ReasonLoggedOut
	case 515:
		return ReasonRestartRequired
	case 440:
		return ReasonStreamConflict
	case 408:
		return ReasonConnectionLost
	case 428:
		return ReasonConnectionClosed
	case 500:
		return ReasonBadSession
	case 411:
		return ReasonMultideviceMismatch
	case 403:
		return ReasonForbidden
	case 503:
		return ReasonUnavailable
	default:
		return ReasonUnknown
	}
}
