package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
)

// CurrencyRule is one required-field rule for one currency. Validation is
// table-driven: adding a currency or tightening its rules is a data change,
// not a code change.
type CurrencyRule struct {
	ID        int    `gorm:"primary_key" json:"id"`
	Currency  string `gorm:"size:3;not null;index:uniq_ccy_field,unique" json:"currency"`
	FieldName string `gorm:"size:50;not null;index:uniq_ccy_field,unique" json:"field_name"`
	ErrorCode string `gorm:"size:50;not null" json:"error_code"`
	Message   string `gorm:"size:255;not null" json:"message"`
	IsActive  *bool  `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	CurrencyRules:$currency
*/

// RequiredFieldsForCurrency returns the active rule rows for a currency,
// redis or db.
func RequiredFieldsForCurrency(ctx context.Context, currency string) ([]CurrencyRule, error) {
	redisKey := "CurrencyRules:" + currency
	var rules []CurrencyRule
	exists, err := config.GetRedisObject(redisKey, &rules)
	if err != nil {
		return nil, err
	}
	if exists {
		return rules, nil
	}

	db := config.GetDB()
	err = db.WithContext(ctx).
		Where("currency = ? AND is_active = true", currency).
		Order("field_name").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(redisKey, &rules, time.Hour); err != nil {
		return nil, err
	}
	return rules, nil
}

// TemplateHeadersForCurrency derives the spreadsheet template header row:
// the universal columns plus the currency's required fields.
func TemplateHeadersForCurrency(ctx context.Context, currency string) ([]string, error) {
	headers := []string{"row_number", "beneficiary_name", "amount", "purpose_code"}
	rules, err := RequiredFieldsForCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		headers = append(headers, rule.FieldName)
	}
	return headers, nil
}

// DefaultCurrencyRules seeds the baseline rule table. Seeded only when the
// table is empty, so operators can edit rows without them being reinstated.
func DefaultCurrencyRules() []CurrencyRule {
	type seed struct {
		currency string
		field    string
	}
	seeds := []seed{
		{"EUR", "iban"},
		{"GBP", "sort_code"},
		{"GBP", "account_number"},
		{"USD", "swift_code"},
		{"USD", "account_number"},
		{"INR", "invoice_number"},
		{"INR", "account_number"},
	}
	rules := make([]CurrencyRule, 0, len(seeds))
	for _, s := range seeds {
		rules = append(rules, CurrencyRule{
			Currency:  s.currency,
			FieldName: s.field,
			ErrorCode: "missing_" + s.field,
			Message:   fmt.Sprintf("%s is required for %s payments", s.field, s.currency),
		})
	}
	return rules
}
