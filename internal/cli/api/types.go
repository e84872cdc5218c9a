package api

import (
	"time"
)

type Session struct {
	TenantID        string    `json:"tenant_id"`
	State           string    `json:"state"`
	QR              string    `json:"qr,omitempty"`
	QRIssuedAt      time.Time `json:"qr_issued_at,omitempty"`
	ConnectedSince  time.Time `json:"connected_since,omitempty"`
	LastActivity    time.Time `json:"last_activity,omitempty"`
	RetryCount      int       `json:"retry_count"`
	StreamConflicts int       `json:"stream_conflicts"`
	CooldownUntil   time.Time `json:"cooldown_until,omitempty"`
	NextRetryAt     time.Time `json:"next_retry_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	AutoRead        bool      `json:"auto_read"`
	WebhookEnabled  bool      `json:"webhook_enabled"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
}

type CreateSessionRequest struct {
	TenantID       string `json:"tenant_id"`
	DisplayName    string `json:"display_name,omitempty"`
	OwnerUserID    string `json:"owner_user_id,omitempty"`
	AutoRead       bool   `json:"auto_read"`
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

type UpdateSessionRequest struct {
	DisplayName    *string `json:"display_name,omitempty"`
	AutoRead       *bool   `json:"auto_read,omitempty"`
	WebhookEnabled *bool   `json:"webhook_enabled,omitempty"`
	WebhookURL     *string `json:"webhook_url,omitempty"`
}

// QR is the answer to a pairing code request. Status is one of connected,
// ready, authenticating, expired or socket_error.
type QR struct {
	Status    string    `json:"status"`
	QR        string    `json:"qr,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  uint32    `json:"checksum"`
	Size      int       `json:"size"`
	Score     float64   `json:"score"`
}

type SendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type SendMessageResponse struct {
	ID string `json:"id"`
}
