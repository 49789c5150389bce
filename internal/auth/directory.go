package auth

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/suPer8Hu/vidchat/internal/common"
	"github.com/suPer8Hu/vidchat/internal/models"
)

var (
	// ErrAuth is returned for unknown identifiers and wrong secrets alike.
	ErrAuth       = errors.New("invalid credentials")
	ErrUserExists = errors.New("email or username already registered")
	ErrWeakInput  = errors.New("email and password required")
)

// Directory is the identity provider backed by the users table.
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) VerifyUser(ctx context.Context, userID uint64) (bool, error) {
	var cnt int64
	if err := d.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// AuthenticateCredentials accepts an email or a username as identifier.
func (d *Directory) AuthenticateCredentials(ctx context.Context, identifier, secret string) (uint64, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return 0, ErrAuth
	}

	var u models.User
	err := d.db.WithContext(ctx).
		Where("email = ? OR username = ?", strings.ToLower(identifier), identifier).
		First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAuth
		}
		return 0, err
	}
	if !CheckPassword(u.PasswordHash, secret) {
		return 0, ErrAuth
	}
	return u.ID, nil
}

// Register creates a user. An empty username gets a generated one.
func (d *Directory) Register(ctx context.Context, email, username, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || password == "" {
		return nil, ErrWeakInput
	}
	if username == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		username = "u" + strings.ToLower(id[len(id)-10:])
	}

	var cnt int64
	if err := d.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR username = ?", email, username).
		Count(&cnt).Error; err != nil {
		return nil, err
	}
	if cnt > 0 {
		return nil, ErrUserExists
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
	}
	if err := d.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// Delete removes the user row. Deleting an unknown user is not an error.
func (d *Directory) Delete(ctx context.Context, userID uint64) error {
	return d.db.WithContext(ctx).Delete(&models.User{}, userID).Error
}
