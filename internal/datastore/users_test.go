package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetalscan/fetalscan/internal/errors"
)

func TestCreateUserConflict(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, ds.CreateUser(ctx, &User{Username: "sonographer", Email: "Sono@Example.com", Password: "hash"}))

	err := ds.CreateUser(ctx, &User{Username: "other", Email: "sono@example.com", Password: "hash"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
	assert.Equal(t, "Username or email already exists", err.Error())

	u, err := ds.GetUserByLogin(ctx, "SONO@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sonographer", u.Username)

	_, err = ds.GetUserByLogin(ctx, "nobody")
	assert.True(t, errors.IsNotFound(err))

	err = ds.CreateUser(ctx, &User{Username: "x"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestResetPassword(t *testing.T) {
	t.Parallel()
	ds := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	user := &User{Username: "reset", Email: "reset@example.com", Password: "old"}
	require.NoError(t, ds.CreateUser(ctx, user))

	require.NoError(t, ds.CreatePasswordResetToken(ctx, &PasswordResetToken{
		UserID: user.ID, Token: "valid-token", ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, ds.CreatePasswordResetToken(ctx, &PasswordResetToken{
		UserID: user.ID, Token: "expired-token", ExpiresAt: now.Add(-time.Minute),
	}))

	require.NoError(t, ds.ResetPassword(ctx, "valid-token", "new-hash", now))

	got, err := ds.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.Password)

	// single use
	err = ds.ResetPassword(ctx, "valid-token", "again", now)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	err = ds.ResetPassword(ctx, "expired-token", "late", now)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
