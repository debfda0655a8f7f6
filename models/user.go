package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/utils"
	"gorm.io/gorm"
)

type User struct {
	ID       int     `gorm:"primary_key" json:"id"`
	ClientId string  `gorm:"size:64;index" json:"client_id"`
	Username string  `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name     string  `gorm:"size:100;not null" json:"name" binding:"required"`
	Email    *string `gorm:"size:100;unique" json:"email"`
	Phone    string  `gorm:"size:20" json:"phone"`
	Password string  `gorm:"size:255;not null" json:"-"`
	IsActive *bool   `gorm:"not null;default:true" json:"is_active"`
	IsAdmin  bool    `gorm:"not null;default:false" json:"is_admin"`

	Roles []Role `gorm:"many2many:user_roles" json:"roles"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	ClientId string `json:"client_id"`
	Username string `json:"username" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password" binding:"required"`
	RoleIds  []int  `json:"role_ids"`
}

func (u NewUser) Validate(ctx context.Context) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if u.Email != "" && !utils.IsValidEmail(u.Email) {
		return errors.New("invalid email")
	}
	if u.Phone != "" && !utils.ValidatePhoneNumber(u.Phone, "") {
		return errors.New("invalid phone number")
	}
	if err := utils.ValidateUnique[User](ctx, "", "username", u.Username, 0); err != nil {
		return err
	}
	return nil
}

// FetchUserWithRoles loads a user under the caller's tenant, roles preloaded.
func FetchUserWithRoles(ctx context.Context, clientId string, userId int) (*User, error) {
	db := config.GetDB()
	var user User
	err := db.WithContext(ctx).
		Where("client_id = ?", clientId).
		Preload("Roles").
		First(&user, userId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
