package api

import (
	"context"
)

// MockClient for testing
type MockClient struct {
	CreateSessionFunc func(ctx context.Context, req *CreateSessionRequest) (*Session, error)
	ListSessionsFunc  func(ctx context.Context) ([]Session, error)
	GetSessionFunc    func(ctx context.Context, id string) (*Session, error)
	UpdateSessionFunc func(ctx context.Context, id string, req *UpdateSessionRequest) (*Session, error)
	DeleteSessionFunc func(ctx context.Context, id string) error
	LogoutFunc        func(ctx context.Context, id string) (*Session, error)
	ReconnectFunc     func(ctx context.Context, id string) (*Session, error)
	GetQRFunc         func(ctx context.Context, id string, fresh bool) (*QR, error)
	BackupFunc        func(ctx context.Context, id string) (*Snapshot, error)
	RestoreFunc       func(ctx context.Context, id string) (*Snapshot, error)
	SendMessageFunc   func(ctx context.Context, id string, req *SendMessageRequest) (*SendMessageResponse, error)
}

func (m *MockClient) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, req)
	}
	return &Session{TenantID: req.TenantID}, nil
}

func (m *MockClient) ListSessions(ctx context.Context) ([]Session, error) {
	if m.ListSessionsFunc != nil {
		return m.ListSessionsFunc(ctx)
	}
	return nil, nil
}

func (m *MockClient) GetSession(ctx context.Context, id string) (*Session, error) {
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx, id)
	}
	return &Session{TenantID: id}, nil
}

func (m *MockClient) UpdateSession(ctx context.Context, id string, req *UpdateSessionRequest) (*Session, error) {
	if m.UpdateSessionFunc != nil {
		return m.UpdateSessionFunc(ctx, id, req)
	}
	return &Session{TenantID: id}, nil
}

func (m *MockClient) DeleteSession(ctx context.Context, id string) error {
	if m.DeleteSessionFunc != nil {
		return m.DeleteSessionFunc(ctx, id)
	}
	return nil
}

func (m *MockClient) Logout(ctx context.Context, id string) (*Session, error) {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, id)
	}
	return &Session{TenantID: id}, nil
}

func (m *MockClient) Reconnect(ctx context.Context, id string) (*Session, error) {
	if m.ReconnectFunc != nil {
		return m.ReconnectFunc(ctx, id)
	}
	return &Session{TenantID: id}, nil
}

func (m *MockClient) GetQR(ctx context.Context, id string, fresh bool) (*QR, error) {
	if m.GetQRFunc != nil {
		return m.GetQRFunc(ctx, id, fresh)
	}
	return &QR{}, nil
}

func (m *MockClient) Backup(ctx context.Context, id string) (*Snapshot, error) {
	if m.BackupFunc != nil {
		return m.BackupFunc(ctx, id)
	}
	return &Snapshot{}, nil
}

func (m *MockClient) Restore(ctx context.Context, id string) (*Snapshot, error) {
	if m.RestoreFunc != nil {
		return m.RestoreFunc(ctx, id)
	}
	return &Snapshot{}, nil
}

func (m *MockClient) SendMessage(ctx context.Context, id string, req *SendMessageRequest) (*SendMessageResponse, error) {
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, id, req)
	}
	return &SendMessageResponse{}, nil
}
