package datastore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/fetalscan/fetalscan/internal/errors"
)

// CreateUser inserts an account; a taken username or email is a conflict
func (ds *DataStore) CreateUser(ctx context.Context, user *User) (err error) {
	defer ds.track("create_user")(&err)

	user.Username = strings.TrimSpace(user.Username)
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Username == "" || user.Email == "" || user.Password == "" {
		return validationError("All fields are required", "user", user.Username)
	}

	var count int64
	if err := ds.db(ctx).Model(&User{}).
		Where("username = ? OR email = ?", user.Username, user.Email).
		Count(&count).Error; err != nil {
		return dbError(err, "create_user", errors.PriorityMedium)
	}
	if count > 0 {
		return conflictError("Username or email already exists", "create_user")
	}

	if err := ds.db(ctx).Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return conflictError("Username or email already exists", "create_user")
		}
		return dbError(err, "create_user", errors.PriorityMedium)
	}
	return nil
}

// GetUserByID returns the account with id
func (ds *DataStore) GetUserByID(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := ds.db(ctx).First(&u, id).Error; err != nil {
		return nil, lookupError(err, "User", "get_user", id)
	}
	return &u, nil
}

// GetUserByLogin finds an account by username or email
func (ds *DataStore) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	login = strings.TrimSpace(login)
	var u User
	if err := ds.db(ctx).
		Where("username = ? OR email = ?", login, strings.ToLower(login)).
		First(&u).Error; err != nil {
		return nil, lookupError(err, "User", "get_user", login)
	}
	return &u, nil
}

// CreatePasswordResetToken stores a single-use reset token
func (ds *DataStore) CreatePasswordResetToken(ctx context.Context, token *PasswordResetToken) error {
	if token.UserID == 0 || token.Token == "" {
		return validationError("Reset token requires a user and a token", "token", "")
	}
	if err := ds.db(ctx).Omit("User").Create(token).Error; err != nil {
		return dbError(err, "create_reset_token", errors.PriorityMedium)
	}
	return nil
}

// ResetPassword consumes an unexpired, unused token and replaces the owner's
// password hash in one transaction.
func (ds *DataStore) ResetPassword(ctx context.Context, token, passwordHash string, now time.Time) (err error) {
	defer ds.track("reset_password")(&err)

	tx := ds.db(ctx).Begin()
	if tx.Error != nil {
		return dbError(tx.Error, "reset_password", errors.PriorityHigh)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var prt PasswordResetToken
	if err := tx.Where("token = ? AND used_at IS NULL AND expires_at > ?", token, now).
		First(&prt).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return validationError("Password reset token is invalid or has expired", "token", "")
		}
		return dbError(err, "reset_password", errors.PriorityMedium)
	}

	if err := tx.Model(&User{}).Where("id = ?", prt.UserID).Update("password", passwordHash).Error; err != nil {
		tx.Rollback()
		return dbError(err, "reset_password", errors.PriorityHigh)
	}
	if err := tx.Model(&prt).Update("used_at", now).Error; err != nil {
		tx.Rollback()
		return dbError(err, "reset_password", errors.PriorityHigh)
	}

	if err := tx.Commit().Error; err != nil {
		return dbError(err, "reset_password", errors.PriorityHigh)
	}
	return nil
}
