package workflow

import (
	"errors"

	"bitbucket.org/volopa/masspay_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Funding ledger operations. Each runs against the caller's transaction and
// takes a SELECT ... FOR UPDATE row lock on the account, so concurrent
// reservations against the same account serialize here, never at the file
// level. Balance fields are written nowhere else.

func lockFundingAccount(tx *gorm.DB, clientId string, accountId int) (*models.FundingAccount, error) {
	var account models.FundingAccount
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("client_id = ?", clientId).
		First(&account, accountId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("funding account not found")
		}
		return nil, err
	}
	return &account, nil
}

// ReserveFunds moves amount from available to reserved. Fails with
// InsufficientFundsError when the available balance cannot cover it.
func ReserveFunds(tx *gorm.DB, clientId string, accountId int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("reserve amount must be positive")
	}
	account, err := lockFundingAccount(tx, clientId, accountId)
	if err != nil {
		return err
	}
	if account.AvailableBalance.LessThan(amount) {
		return &InsufficientFundsError{
			AccountId: accountId,
			Requested: amount,
			Available: account.AvailableBalance,
		}
	}
	return tx.Model(&models.FundingAccount{}).
		Where("id = ?", accountId).
		Updates(map[string]interface{}{
			"available_balance": gorm.Expr("available_balance - ?", amount),
			"reserved_balance":  gorm.Expr("reserved_balance + ?", amount),
		}).Error
}

// ReleaseFunds moves amount back from reserved to available, used when
// instructions fail during execution or a reserved file is unwound.
func ReleaseFunds(tx *gorm.DB, clientId string, accountId int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("release amount must be positive")
	}
	account, err := lockFundingAccount(tx, clientId, accountId)
	if err != nil {
		return err
	}
	if account.ReservedBalance.LessThan(amount) {
		return &OverReleaseError{
			AccountId: accountId,
			Requested: amount,
			Reserved:  account.ReservedBalance,
		}
	}
	return tx.Model(&models.FundingAccount{}).
		Where("id = ?", accountId).
		Updates(map[string]interface{}{
			"available_balance": gorm.Expr("available_balance + ?", amount),
			"reserved_balance":  gorm.Expr("reserved_balance - ?", amount),
		}).Error
}

// SettleFunds finalizes a successful payment: debits both balance and
// reserved_balance. Available balance is untouched (the hold was already
// taken at reservation time).
func SettleFunds(tx *gorm.DB, clientId string, accountId int, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("settle amount must be positive")
	}
	account, err := lockFundingAccount(tx, clientId, accountId)
	if err != nil {
		return err
	}
	if account.ReservedBalance.LessThan(amount) {
		return &OverReleaseError{
			AccountId: accountId,
			Requested: amount,
			Reserved:  account.ReservedBalance,
		}
	}
	return tx.Model(&models.FundingAccount{}).
		Where("id = ?", accountId).
		Updates(map[string]interface{}{
			"balance":          gorm.Expr("balance - ?", amount),
			"reserved_balance": gorm.Expr("reserved_balance - ?", amount),
		}).Error
}
