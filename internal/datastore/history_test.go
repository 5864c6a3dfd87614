package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListHistory(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	first, _ := seedScan(t, ds, "P-10001")
	require.NoError(t, ds.DB.Model(&Scan{}).Where("scan_id = ?", first.ID).Update("scan_date", "2024-03-01").Error)
	_, err := ds.StoreReport(ctx, first.ID, brainReport(), StoreReportOptions{})
	require.NoError(t, err)

	_, _, err = ds.CreateOrGetPatient(ctx, PatientLookup{ID: "P-20002", Name: "Zoe Quinn"})
	require.NoError(t, err)
	second := &Scan{PatientID: "P-20002", ScanDate: "2024-05-01", GestationalAge: 30}
	require.NoError(t, ds.CreateScan(ctx, second))

	entries, total, err := ds.ListHistory(ctx, HistoryQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, entries, 2)

	// newest scan date first; scans without a report have nil report columns
	assert.Equal(t, second.ID, entries[0].ScanID)
	assert.Nil(t, entries[0].ReportID)
	assert.Nil(t, entries[0].ImagePath)
	require.NotNil(t, entries[0].PatientName)
	assert.Equal(t, "Zoe Quinn", *entries[0].PatientName)

	assert.Equal(t, first.ID, entries[1].ScanID)
	require.NotNil(t, entries[1].ReportID)
	require.NotNil(t, entries[1].NumAbnormalities)
	assert.Equal(t, 1, *entries[1].NumAbnormalities)
	require.NotNil(t, entries[1].IsNormal)
	assert.False(t, *entries[1].IsNormal)
	require.NotNil(t, entries[1].ImagePath)
	assert.Equal(t, "/storage/scans/P-10001/scan.jpg", *entries[1].ImagePath)

	entries, total, err = ds.ListHistory(ctx, HistoryQuery{Search: "zoe"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, "P-20002", entries[0].PatientID)

	entries, total, err = ds.ListHistory(ctx, HistoryQuery{Search: "p-1000"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, first.ID, entries[0].ScanID)

	entries, total, err = ds.ListHistory(ctx, HistoryQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "total ignores paging")
	require.Len(t, entries, 1)
	assert.Equal(t, first.ID, entries[0].ScanID)
}

func TestListHistoryUsesLatestReport(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	scan, _ := seedScan(t, ds, "P-10001")

	_, err := ds.StoreReport(ctx, scan.ID, brainReport(), StoreReportOptions{})
	require.NoError(t, err)

	// a later report written directly, as an older deployment could have left behind
	later := Report{ScanID: scan.ID, PrimaryFindings: "normal", IsNormal: true, ConfidenceScore: 90}
	require.NoError(t, ds.DB.Create(&later).Error)

	entries, _, err := ds.ListHistory(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ReportID)
	assert.Equal(t, later.ID, *entries[0].ReportID)
}
