package models

import (
	"context"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
)

// PurposeCode rows are keyed by (country, currency). When the table has rows
// for a file's currency, instruction purpose codes must match one of them;
// an empty table means the corridor is unrestricted.
type PurposeCode struct {
	ID          int    `gorm:"primary_key" json:"id"`
	Country     string `gorm:"size:2;not null;index:uniq_purpose,unique" json:"country"`
	Currency    string `gorm:"size:3;not null;index:uniq_purpose,unique;index" json:"currency"`
	Code        string `gorm:"size:20;not null;index:uniq_purpose,unique" json:"code"`
	Description string `gorm:"size:255" json:"description"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListPurposeCodes(ctx context.Context, country, currency string) ([]PurposeCode, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	if country != "" {
		dbCtx = dbCtx.Where("country = ?", country)
	}
	if currency != "" {
		dbCtx = dbCtx.Where("currency = ?", currency)
	}
	var codes []PurposeCode
	err := dbCtx.Order("code").Find(&codes).Error
	return codes, err
}

// AllowedPurposeCodes returns the set of valid codes for a currency, or an
// empty set when the corridor is unrestricted.
func AllowedPurposeCodes(ctx context.Context, currency string) (map[string]bool, error) {
	db := config.GetDB()
	var codes []string
	err := db.WithContext(ctx).Model(&PurposeCode{}).
		Where("currency = ?", currency).
		Pluck("code", &codes).Error
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(codes))
	for _, code := range codes {
		allowed[code] = true
	}
	return allowed, nil
}
