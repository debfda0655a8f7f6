package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/utils"
)

// Beneficiary holds payee identity and settlement details. Instructions
// reference beneficiaries, they never own them; which settlement fields are
// mandatory depends on the payment currency (see CurrencyRule).
type Beneficiary struct {
	ID       int    `gorm:"primary_key" json:"id"`
	ClientId string `gorm:"size:64;not null;index" json:"client_id"`
	Name     string `gorm:"size:150;not null;index" json:"name" binding:"required"`
	Currency string `gorm:"size:3;not null;index" json:"currency" binding:"required,len=3"`
	Country  string `gorm:"size:2" json:"country"`

	AccountNumber string `gorm:"size:50" json:"account_number"`
	Iban          string `gorm:"size:34" json:"iban"`
	SwiftCode     string `gorm:"size:11" json:"swift_code"`
	SortCode      string `gorm:"size:10" json:"sort_code"`

	Email string `gorm:"size:100" json:"email"`
	Phone string `gorm:"size:20" json:"phone"`

	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SettlementField returns the beneficiary's value for a rule-table field
// name; the second return is false for unknown fields.
func (b Beneficiary) SettlementField(fieldName string) (string, bool) {
	switch fieldName {
	case "account_number":
		return b.AccountNumber, true
	case "iban":
		return b.Iban, true
	case "swift_code":
		return b.SwiftCode, true
	case "sort_code":
		return b.SortCode, true
	}
	return "", false
}

type NewBeneficiary struct {
	Name          string `json:"name" binding:"required"`
	Currency      string `json:"currency" binding:"required,len=3"`
	Country       string `json:"country"`
	AccountNumber string `json:"account_number"`
	Iban          string `json:"iban"`
	SwiftCode     string `json:"swift_code"`
	SortCode      string `json:"sort_code"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
}

// validate input for create
func (input NewBeneficiary) Validate(ctx context.Context, clientId string) error {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.Phone != "" && !utils.ValidatePhoneNumber(input.Phone, input.Country) {
		return errors.New("invalid phone number")
	}

	rules, err := RequiredFieldsForCurrency(ctx, input.Currency)
	if err != nil {
		return err
	}
	b := Beneficiary{
		AccountNumber: input.AccountNumber,
		Iban:          input.Iban,
		SwiftCode:     input.SwiftCode,
		SortCode:      input.SortCode,
	}
	for _, rule := range rules {
		value, known := b.SettlementField(rule.FieldName)
		if known && value == "" {
			return errors.New(rule.Message)
		}
	}
	return nil
}

// ListBeneficiariesByCurrency returns a client's active beneficiaries for a
// currency, used by the recipients template download.
func ListBeneficiariesByCurrency(ctx context.Context, clientId, currency string) ([]Beneficiary, error) {
	db := config.GetDB()
	var beneficiaries []Beneficiary
	err := db.WithContext(ctx).
		Where("client_id = ? AND currency = ? AND is_active = true", clientId, currency).
		Order("name").
		Find(&beneficiaries).Error
	return beneficiaries, err
}

// ListFileBeneficiaries returns the beneficiaries referenced by a file's
// instructions.
func ListFileBeneficiaries(ctx context.Context, clientId string, fileId int) ([]Beneficiary, error) {
	db := config.GetDB()
	var beneficiaries []Beneficiary
	err := db.WithContext(ctx).
		Where("client_id = ? AND id IN (?)", clientId,
			db.Model(&PaymentInstruction{}).Select("beneficiary_id").
				Where("client_id = ? AND file_id = ?", clientId, fileId)).
		Find(&beneficiaries).Error
	return beneficiaries, err
}
