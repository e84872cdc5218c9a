package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/shawn/session-gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string) *registry.TenantRecord {
	return &registry.TenantRecord{
		TenantID:    id,
		DisplayName: "Tenant " + id,
		Status:      registry.StatusPending,
		OwnerUserID: "owner-1",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
}

// backends runs fn against every Client that works without external services.
func backends(t *testing.T, fn func(t *testing.T, c registry.Client)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, registry.NewMemory())
	})
	t.Run("bolt", func(t *testing.T) {
		c, err := registry.NewBoltFromFile(filepath.Join(t.TempDir(), "tenants.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		fn(t, c)
	})
}

func TestCreateAndGet(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		ctx := context.Background()
		require.NoError(t, c.CreateTenant(ctx, newRecord("tenant-a")))

		got, err := c.GetTenant(ctx, "tenant-a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "tenant-a", got.TenantID)
		assert.Equal(t, registry.StatusPending, got.Status)
		assert.Equal(t, "owner-1", got.OwnerUserID)
	})
}

func TestCreateDuplicate(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		ctx := context.Background()
		require.NoError(t, c.CreateTenant(ctx, newRecord("dup")))
		err := c.CreateTenant(ctx, newRecord("dup"))

		var ccf *registry.ConditionalCheckFailed
		require.True(t, errors.As(err, &ccf), "second create should fail with ConditionalCheckFailed")
		assert.Equal(t, "dup", ccf.TenantID)
	})
}

func TestGetNonExistent(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		got, err := c.GetTenant(context.Background(), "ghost")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestUpdates(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		ctx := context.Background()
		rec := newRecord("tenant-b")
		rec.UpdatedAt = time.Now().Add(-time.Hour)
		require.NoError(t, c.CreateTenant(ctx, rec))

		require.NoError(t, c.UpdateStatus(ctx, "tenant-b", registry.StatusConnected))
		require.NoError(t, c.UpdateWebhook(ctx, "tenant-b", true, "https://hooks.example.com/in"))
		require.NoError(t, c.UpdateAutoRead(ctx, "tenant-b", true))
		require.NoError(t, c.UpdateDisplayName(ctx, "tenant-b", "Renamed"))

		got, err := c.GetTenant(ctx, "tenant-b")
		require.NoError(t, err)
		assert.Equal(t, registry.StatusConnected, got.Status)
		assert.True(t, got.WebhookEnabled)
		assert.Equal(t, "https://hooks.example.com/in", got.WebhookURL)
		assert.True(t, got.AutoReadEnabled)
		assert.Equal(t, "Renamed", got.DisplayName)
		assert.True(t, got.UpdatedAt.After(rec.UpdatedAt), "updated_at should be bumped")
	})
}

func TestUpdateMissing(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		err := c.UpdateStatus(context.Background(), "ghost", registry.StatusFailed)
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})
}

func TestListByStatus(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, c.CreateTenant(ctx, newRecord(id)))
		}
		require.NoError(t, c.UpdateStatus(ctx, "b", registry.StatusConnected))
		require.NoError(t, c.UpdateStatus(ctx, "c", registry.StatusConnected))

		connected, err := c.ListByStatus(ctx, registry.StatusConnected)
		require.NoError(t, err)
		var ids []string
		for _, r := range connected {
			ids = append(ids, r.TenantID)
		}
		sort.Strings(ids)
		assert.Equal(t, []string{"b", "c"}, ids)

		all, err := c.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestDeleteTenant(t *testing.T) {
	backends(t, func(t *testing.T, c registry.Client) {
		ctx := context.Background()
		require.NoError(t, c.CreateTenant(ctx, newRecord("to-delete")))
		require.NoError(t, c.DeleteTenant(ctx, "to-delete"))

		got, err := c.GetTenant(ctx, "to-delete")
		require.NoError(t, err)
		assert.Nil(t, got)

		// Should not error
		assert.NoError(t, c.DeleteTenant(ctx, "ghost"))
	})
}

func TestParseStatus(t *testing.T) {
	st, err := registry.ParseStatus("qr_pending")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusQRPending, st)

	_, err = registry.ParseStatus("running")
	assert.Error(t, err)
}
