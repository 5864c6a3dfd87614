package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetalscan/fetalscan/internal/errors"
)

func TestCreateOrGetPatient(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, ds.CreatePatient(ctx, &Patient{ID: "P-10001", Name: "Jane Doe"}))

	t.Run("known id is returned", func(t *testing.T) {
		p, created, err := ds.CreateOrGetPatient(ctx, PatientLookup{ID: "P-10001", Name: "Ignored"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "Jane Doe", p.Name)
	})

	t.Run("unknown id with name is created", func(t *testing.T) {
		p, created, err := ds.CreateOrGetPatient(ctx, PatientLookup{ID: "P-20002", Name: "mary major"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "P-20002", p.ID)
		assert.Equal(t, "Mary Major", p.Name)
		assert.Equal(t, PatientActive, p.Status)
	})

	t.Run("unknown id without name is not found", func(t *testing.T) {
		_, _, err := ds.CreateOrGetPatient(ctx, PatientLookup{ID: "P-99999"})
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
		assert.Equal(t, "Patient not found", err.Error())
	})

	t.Run("name only generates an id", func(t *testing.T) {
		p, created, err := ds.CreateOrGetPatient(ctx, PatientLookup{Name: "  Ann   Smith "})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Regexp(t, `^P-\d{5}$`, p.ID)
		assert.Equal(t, "Ann Smith", p.Name)
	})

	t.Run("neither is a validation error", func(t *testing.T) {
		_, _, err := ds.CreateOrGetPatient(ctx, PatientLookup{})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		assert.Equal(t, "Either patientId or patientName is required", err.Error())
	})

	t.Run("malformed id is rejected", func(t *testing.T) {
		_, _, err := ds.CreateOrGetPatient(ctx, PatientLookup{ID: "../etc", Name: "x"})
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	})
}

func TestCreatePatientDuplicate(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, ds.CreatePatient(ctx, &Patient{ID: "12345", Name: "First"}))
	err := ds.CreatePatient(ctx, &Patient{ID: "12345", Name: "Second"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	err = ds.CreatePatient(ctx, &Patient{Name: "Bad Status", Status: "Deleted"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestListPatients(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	for _, p := range []*Patient{
		{ID: "P-00001", Name: "Alice Adams"},
		{ID: "P-00002", Name: "Bob Brown"},
		{ID: "P-00003", Name: "Alicia Keys", Status: PatientInactive},
	} {
		require.NoError(t, ds.CreatePatient(ctx, p))
	}

	patients, total, err := ds.ListPatients(ctx, PatientQuery{Search: "ALIC"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, patients, 2)

	patients, total, err = ds.ListPatients(ctx, PatientQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, patients, 1)

	patients, total, err = ds.ListPatients(ctx, PatientQuery{Search: "p-00002"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "Bob Brown", patients[0].Name)
}

func TestUpdatePatientStatus(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, ds.CreatePatient(ctx, &Patient{ID: "P-00010", Name: "Status Test"}))

	p, err := ds.UpdatePatientStatus(ctx, "P-00010", PatientInactive)
	require.NoError(t, err)
	assert.Equal(t, PatientInactive, p.Status)

	// unchanged value is not mistaken for a missing row
	_, err = ds.UpdatePatientStatus(ctx, "P-00010", PatientInactive)
	require.NoError(t, err)

	_, err = ds.UpdatePatientStatus(ctx, "P-00011", PatientActive)
	assert.True(t, errors.IsNotFound(err))

	_, err = ds.UpdatePatientStatus(ctx, "P-00010", "Archived")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestNormalizeDisplayName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"jane doe":        "Jane Doe",
		"JANE DOE":        "Jane Doe",
		"  Jane   McDoe ": "Jane McDoe",
		"":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDisplayName(in), in)
	}
}
