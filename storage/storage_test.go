package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvedash/cve-pipeline/storage"
	"github.com/cvedash/cve-pipeline/types"
)

func openStore(t *testing.T, opts ...storage.Option) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cve.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord() types.Record {
	return types.Record{
		ID:            "CVE-2024-10088",
		Published:     time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		LastModified:  time.Date(2024, 2, 20, 8, 30, 0, 0, time.UTC),
		Score:         lo.ToPtr(9.8),
		Vector:        "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
		VectorVersion: "3.x",
		CWEs:          []string{"CWE-89"},
		Description:   "SQL injection in the reporting module.",
		Products:      []string{"orion platform"},
		References:    []string{"https://example.com/advisory"},
		Provenance:    types.ProvenanceMerged,
	}
}

func TestUpsertGet(t *testing.T) {
	store := openStore(t)

	got, err := store.Get("CVE-2024-10088")
	require.NoError(t, err)
	assert.Nil(t, got, "absent record must be nil, not an error")

	rec := testRecord()
	require.NoError(t, store.Upsert(rec, "SolarWinds"))

	got, err = store.Get("CVE-2024-10088")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	// replay must not change anything
	require.NoError(t, store.Upsert(rec, "SolarWinds"))
	again, err := store.Get("CVE-2024-10088")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	n, err := store.CountRecords("solarwinds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertNilScore(t *testing.T) {
	store := openStore(t)

	rec := testRecord()
	rec.Score = nil
	rec.Vector = ""
	rec.VectorVersion = ""
	require.NoError(t, store.Upsert(rec, "solarwinds"))

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Score, "an absent score must stay distinct from 0.0")
}

func TestProductRowsAreUnionOnly(t *testing.T) {
	store := openStore(t)

	rec := testRecord()
	require.NoError(t, store.Upsert(rec, "solarwinds"))

	rec.Products = []string{"network performance monitor"}
	require.NoError(t, store.Upsert(rec, "solarwinds"))

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"network performance monitor", "orion platform"}, got.Products)
}

func TestWeaknessesAndReferencesAreReplaced(t *testing.T) {
	store := openStore(t)

	rec := testRecord()
	require.NoError(t, store.Upsert(rec, "solarwinds"))

	rec.CWEs = []string{"CWE-79"}
	rec.References = []string{"https://example.com/patch"}
	require.NoError(t, store.Upsert(rec, "solarwinds"))

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"CWE-79"}, got.CWEs)
	assert.Equal(t, []string{"https://example.com/patch"}, got.References)
}

func TestRecordWithoutProductsKeepsVendorAssociation(t *testing.T) {
	store := openStore(t)

	rec := testRecord()
	rec.Products = nil
	require.NoError(t, store.Upsert(rec, "solarwinds"))

	n, err := store.CountRecords("solarwinds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Products)
}

func TestScopeLifecycle(t *testing.T) {
	store := openStore(t)

	scope, err := store.Scope("SolarWinds")
	require.NoError(t, err)
	assert.Equal(t, types.StatusNeverBuilt, scope.Status)
	assert.Equal(t, "solarwinds", scope.Name)
	assert.True(t, scope.HighWaterMark.IsZero())

	hwm := time.Date(2024, 2, 20, 8, 30, 0, 0, time.UTC)
	require.NoError(t, store.SaveScope(types.VendorScope{
		Name:          "solarwinds",
		Status:        types.StatusBuilt,
		HighWaterMark: hwm,
		CVECount:      42,
	}))

	scope, err = store.Scope("solarwinds")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBuilt, scope.Status)
	assert.True(t, scope.HighWaterMark.Equal(hwm))
	assert.Equal(t, 42, scope.CVECount)
	assert.False(t, scope.UpdatedAt.IsZero())

	// SetStatus must not disturb the high-water mark or counters
	require.NoError(t, store.SetStatus("solarwinds", types.StatusUpdating))
	scope, err = store.Scope("solarwinds")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUpdating, scope.Status)
	assert.True(t, scope.HighWaterMark.Equal(hwm))
	assert.Equal(t, 42, scope.CVECount)
}

func TestListScopesStalePresentation(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &now
	store := openStore(t,
		storage.WithStaleWindow(7*24*time.Hour),
		storage.WithNow(func() time.Time { return *clock }),
	)

	require.NoError(t, store.SaveScope(types.VendorScope{Name: "fresh", Status: types.StatusBuilt}))

	past := now.Add(-30 * 24 * time.Hour)
	clock = &past
	require.NoError(t, store.SaveScope(types.VendorScope{Name: "old", Status: types.StatusBuilt}))
	clock = &now

	scopes, err := store.ListScopes()
	require.NoError(t, err)
	require.Len(t, scopes, 2)

	byName := map[string]types.Status{}
	for _, s := range scopes {
		byName[s.Name] = s.Status
	}
	assert.Equal(t, types.StatusBuilt, byName["fresh"])
	assert.Equal(t, types.StatusStale, byName["old"])

	// staleness is a view, the stored status must still be built
	scope, err := store.Scope("old")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBuilt, scope.Status)
}
