package models

import (
	"log"

	"bitbucket.org/volopa/masspay_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Client{}, &User{}, &Role{},
		&ApprovalLimit{}, &ApprovalDecision{},
		&CurrencyRule{}, &PurposeCode{},
		&Beneficiary{}, &FundingAccount{},
		&MassPaymentFile{}, &MassPaymentRow{}, &PaymentInstruction{},
		&PubSubMessageRecord{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}

	if err := seedCurrencyRules(db); err != nil {
		log.Fatal(err)
	}
}

// seedCurrencyRules installs the baseline required-field table on first
// boot. Only seeds when empty, so operator edits are never reinstated.
func seedCurrencyRules(db *gorm.DB) error {
	var count int64
	if err := db.Model(&CurrencyRule{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	rules := DefaultCurrencyRules()
	return db.Create(&rules).Error
}
