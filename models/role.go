package models

import "time"

type Role struct {
	ID       int    `gorm:"primary_key" json:"id"`
	ClientId string `gorm:"size:64;not null;index:uniq_role,unique" json:"client_id"`
	Name     string `gorm:"size:100;not null;index:uniq_role,unique" json:"name" binding:"required"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
