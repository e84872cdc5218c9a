package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryClient keeps tenant records in process memory. It backs the
// "memory" store and stands in for DynamoDB in tests. Records are copied on
// the way in and out so callers never share state with the store.
type MemoryClient struct {
	mu      sync.RWMutex
	records map[string]TenantRecord
}

var _ Client = (*MemoryClient)(nil)

// NewMemory returns an empty in-memory registry.
func NewMemory() *MemoryClient {
	return &MemoryClient{records: make(map[string]TenantRecord)}
}

func (m *MemoryClient) GetTenant(_ context.Context, tenantID string) (*TenantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryClient) CreateTenant(_ context.Context, record *TenantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.TenantID]; ok {
		return &ConditionalCheckFailed{TenantID: record.TenantID}
	}
	m.records[record.TenantID] = *record
	return nil
}

func (m *MemoryClient) UpdateStatus(_ context.Context, tenantID string, status TenantStatus) error {
	return m.update(tenantID, func(r *TenantRecord) { r.Status = status })
}

func (m *MemoryClient) UpdateWebhook(_ context.Context, tenantID string, enabled bool, url string) error {
	return m.update(tenantID, func(r *TenantRecord) {
		r.WebhookEnabled, r.WebhookURL = enabled, url
	})
}

func (m *MemoryClient) UpdateAutoRead(_ context.Context, tenantID string, enabled bool) error {
	return m.update(tenantID, func(r *TenantRecord) { r.AutoReadEnabled = enabled })
}

func (m *MemoryClient) UpdateDisplayName(_ context.Context, tenantID, name string) error {
	return m.update(tenantID, func(r *TenantRecord) { r.DisplayName = name })
}

// update applies fn to a stored record under the write lock.
func (m *MemoryClient) update(tenantID string, fn func(*TenantRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return fmt.Errorf("%s: %w", tenantID, ErrNotFound)
	}
	fn(&rec)
	rec.UpdatedAt = time.Now().UTC()
	m.records[tenantID] = rec
	return nil
}

func (m *MemoryClient) ListAll(_ context.Context) ([]*TenantRecord, error) {
	return m.filter(nil), nil
}

func (m *MemoryClient) ListByStatus(_ context.Context, status TenantStatus) ([]*TenantRecord, error) {
	return m.filter(func(r TenantRecord) bool { return r.Status == status }), nil
}

// filter returns matching records ordered by tenant id, like a bolt cursor.
func (m *MemoryClient) filter(keep func(TenantRecord) bool) []*TenantRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*TenantRecord
	for _, rec := range m.records {
		if keep == nil || keep(rec) {
			rec := rec
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (m *MemoryClient) DeleteTenant(_ context.Context, tenantID string) error {
	m.mu.Lock()
	delete(m.records, tenantID)
	m.mu.Unlock()
	return nil
}
