package accounting

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/ledger-agent/internal/database/dbtest"
)

func TestRefStore_UpsertSupersedes(t *testing.T) {
	s, err := NewRefStore(dbtest.Open(t))
	require.NoError(t, err)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, Entry{Kind: EntityVendor, ExternalID: "5", DisplayName: "Staples", LastSyncedAt: t0}))
	require.NoError(t, s.Upsert(ctx, Entry{
		Kind: EntityVendor, ExternalID: "5", DisplayName: "Staples Inc",
		Attributes: json.RawMessage(`{"Id":"5"}`), LastSyncedAt: t0.Add(time.Hour),
	}))

	e, err := s.Get(ctx, EntityVendor, "5")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Staples Inc", e.DisplayName)
	assert.JSONEq(t, `{"Id":"5"}`, string(e.Attributes))
	assert.True(t, e.LastSyncedAt.Equal(t0.Add(time.Hour)))

	byName, err := s.FindByName(ctx, EntityVendor, "STAPLES INC")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "5", byName.ExternalID)

	other, err := s.Get(ctx, EntityCustomer, "5")
	require.NoError(t, err)
	assert.Nil(t, other, "external ids are unique per entity class only")
}

func TestEntryFresh(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{LastSyncedAt: now.Add(-30 * time.Minute)}
	assert.True(t, e.Fresh(now, time.Hour))
	assert.False(t, e.Fresh(now, 30*time.Minute))

	var missing *Entry
	assert.False(t, missing.Fresh(now, time.Hour))
}

func TestRefStore_RejectsEmptyID(t *testing.T) {
	s, err := NewRefStore(dbtest.Open(t))
	require.NoError(t, err)
	assert.Error(t, s.Upsert(context.Background(), Entry{Kind: EntityCustomer}))
}
