package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Client is the interface for interacting with the gateway API
type Client interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, req *UpdateSessionRequest) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	Logout(ctx context.Context, id string) (*Session, error)
	Reconnect(ctx context.Context, id string) (*Session, error)
	GetQR(ctx context.Context, id string, fresh bool) (*QR, error)
	Backup(ctx context.Context, id string) (*Snapshot, error)
	Restore(ctx context.Context, id string) (*Snapshot, error)
	SendMessage(ctx context.Context, id string, req *SendMessageRequest) (*SendMessageResponse, error)
}

// Transport performs one API call and returns the response body.
type Transport interface {
	Call(ctx context.Context, method, path string, body []byte) ([]byte, error)
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("gateway returned %d", e.Status)
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: body}
	var msg struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &msg) == nil {
		e.Message = msg.Error
	}
	return e
}

// Gateway implements Client on top of a Transport.
type Gateway struct {
	t Transport
}

func NewGateway(t Transport) *Gateway {
	return &Gateway{t: t}
}

func sessionPath(id string, suffix ...string) string {
	p := "/sessions/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (g *Gateway) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	resp, err := g.t.Call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (g *Gateway) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	var s Session
	if err := g.call(ctx, http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *Gateway) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := g.call(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := g.call(ctx, http.MethodGet, sessionPath(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *Gateway) UpdateSession(ctx context.Context, id string, req *UpdateSessionRequest) (*Session, error) {
	var s Session
	if err := g.call(ctx, http.MethodPatch, sessionPath(id), req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *Gateway) DeleteSession(ctx context.Context, id string) error {
	return g.call(ctx, http.MethodDelete, sessionPath(id), nil, nil)
}

func (g *Gateway) Logout(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := g.call(ctx, http.MethodPost, sessionPath(id, "logout"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *Gateway) Reconnect(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := g.call(ctx, http.MethodPost, sessionPath(id, "reconnect"), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetQR returns the QR answer even when the gateway reports it with a
// non-2xx status (expired, socket_error).
func (g *Gateway) GetQR(ctx context.Context, id string, fresh bool) (*QR, error) {
	path := sessionPath(id, "qr")
	if fresh {
		path += "?fresh=true"
	}
	var qr QR
	err := g.call(ctx, http.MethodGet, path, nil, &qr)
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Body) > 0 {
		if json.Unmarshal(apiErr.Body, &qr) == nil && qr.Status != "" {
			return &qr, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &qr, nil
}

func (g *Gateway) Backup(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	if err := g.call(ctx, http.MethodPost, sessionPath(id, "backup"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (g *Gateway) Restore(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	if err := g.call(ctx, http.MethodPost, sessionPath(id, "restore"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (g *Gateway) SendMessage(ctx context.Context, id string, req *SendMessageRequest) (*SendMessageResponse, error) {
	var out SendMessageResponse
	if err := g.call(ctx, http.MethodPost, sessionPath(id, "messages"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
