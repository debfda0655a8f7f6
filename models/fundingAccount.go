package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingAccount backs the file's payments. Balance fields are owned
// exclusively by the ledger operations in workflow; everything else reads
// them but never writes. Invariant: available_balance = balance - reserved_balance,
// available_balance >= 0.
type FundingAccount struct {
	ID       int    `gorm:"primary_key" json:"id"`
	ClientId string `gorm:"size:64;not null;index" json:"client_id"`
	Name     string `gorm:"size:100;not null" json:"name" binding:"required"`
	Currency string `gorm:"size:3;not null" json:"currency" binding:"required,len=3"`

	Balance          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"available_balance"`
	ReservedBalance  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"reserved_balance"`

	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BalancesConsistent checks the ledger invariant on a loaded row.
func (a FundingAccount) BalancesConsistent() bool {
	return a.AvailableBalance.Equal(a.Balance.Sub(a.ReservedBalance)) &&
		!a.AvailableBalance.IsNegative() &&
		!a.ReservedBalance.IsNegative()
}
