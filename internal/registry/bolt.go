package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var tenantsBucket = []byte("tenants")

// BoltClient implements Client on a local BBolt file, for single-node
// deployments without DynamoDB.
type BoltClient struct {
	db *bbolt.DB
}

var _ Client = (*BoltClient)(nil)

// NewBolt returns a Client backed by the given BBolt database.
func NewBolt(db *bbolt.DB) (*BoltClient, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tenantsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating tenants bucket: %w", err)
	}
	return &BoltClient{db: db}, nil
}

// NewBoltFromFile opens a BBolt database at path.
func NewBoltFromFile(path string, options *bbolt.Options) (*BoltClient, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	c, err := NewBolt(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying BBolt database.
func (c *BoltClient) Close() error {
	return c.db.Close()
}

func (c *BoltClient) GetTenant(_ context.Context, tenantID string) (*TenantRecord, error) {
	var rec *TenantRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(tenantsBucket).Get([]byte(tenantID))
		if data == nil {
			return nil
		}
		rec = &TenantRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("bbolt get %s: %w", tenantID, err)
	}
	return rec, nil
}

func (c *BoltClient) CreateTenant(_ context.Context, record *TenantRecord) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantsBucket)
		if b.Get([]byte(record.TenantID)) != nil {
			return &ConditionalCheckFailed{TenantID: record.TenantID}
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(record.TenantID), data)
	})
}

// mutate is a read-modify-write of one record inside a single transaction
func (c *BoltClient) mutate(tenantID string, fn func(r *TenantRecord)) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tenantsBucket)
		data := b.Get([]byte(tenantID))
		if data == nil {
			return fmt.Errorf("%s: %w", tenantID, ErrNotFound)
		}
		var rec TenantRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		fn(&rec)
		rec.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(tenantID), out)
	})
}

func (c *BoltClient) UpdateStatus(_ context.Context, tenantID string, status TenantStatus) error {
	return c.mutate(tenantID, func(r *TenantRecord) { r.Status = status })
}

func (c *BoltClient) UpdateWebhook(_ context.Context, tenantID string, enabled bool, url string) error {
	return c.mutate(tenantID, func(r *TenantRecord) {
		r.WebhookEnabled = enabled
		r.WebhookURL = url
	})
}

func (c *BoltClient) UpdateAutoRead(_ context.Context, tenantID string, enabled bool) error {
	return c.mutate(tenantID, func(r *TenantRecord) { r.AutoReadEnabled = enabled })
}

func (c *BoltClient) UpdateDisplayName(_ context.Context, tenantID, name string) error {
	return c.mutate(tenantID, func(r *TenantRecord) { r.DisplayName = name })
}

func (c *BoltClient) ListAll(_ context.Context) ([]*TenantRecord, error) {
	return c.list(func(*TenantRecord) bool { return true })
}

func (c *BoltClient) ListByStatus(_ context.Context, status TenantStatus) ([]*TenantRecord, error) {
	return c.list(func(r *TenantRecord) bool { return r.Status == status })
}

func (c *BoltClient) list(keep func(*TenantRecord) bool) ([]*TenantRecord, error) {
	var records []*TenantRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tenantsBucket).ForEach(func(_, v []byte) error {
			var rec TenantRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if keep(&rec) {
				records = append(records, &rec)
			}
			return nil
		})
	})
	return records, err
}

func (c *BoltClient) DeleteTenant(_ context.Context, tenantID string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tenantsBucket).Delete([]byte(tenantID))
	})
}
