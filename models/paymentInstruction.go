package models

import (
	"context"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"github.com/shopspring/decimal"
)

// PaymentInstruction is one beneficiary payment within a file. Amount and
// currency are immutable once the parent file leaves draft; status is owned
// by the execution orchestrator during the file's processing phase.
type PaymentInstruction struct {
	ID            int               `gorm:"primary_key" json:"id"`
	ClientId      string            `gorm:"size:64;not null;index" json:"client_id"`
	FileId        int               `gorm:"not null;index:uniq_instruction_row,unique;index:idx_instr_file_status,priority:1" json:"file_id"`
	RowNumber     int               `gorm:"not null;index:uniq_instruction_row,unique" json:"row_number"`
	BeneficiaryId int               `gorm:"not null;index" json:"beneficiary_id"`
	Amount        decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency      string            `gorm:"size:3;not null" json:"currency"`
	PurposeCode   string            `gorm:"size:20" json:"purpose_code"`
	InvoiceNumber string            `gorm:"size:50" json:"invoice_number"`
	Status        InstructionStatus `gorm:"size:20;not null;default:'pending';index;index:idx_instr_file_status,priority:2" json:"status"`

	ValidationErrors RowErrorList `gorm:"type:json" json:"validation_errors"`

	// Execution result, set once by the orchestrator.
	ExternalRef   *string `gorm:"size:100" json:"external_ref"`
	FailureReason *string `gorm:"size:255" json:"failure_reason"`
	Attempts      int     `gorm:"not null;default:0" json:"attempts"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ListFileInstructions returns a file's instructions in row order.
func ListFileInstructions(ctx context.Context, clientId string, fileId int) ([]PaymentInstruction, error) {
	db := config.GetDB()
	var instructions []PaymentInstruction
	err := db.WithContext(ctx).
		Where("client_id = ? AND file_id = ?", clientId, fileId).
		Order("row_number").
		Find(&instructions).Error
	return instructions, err
}

// InstructionStatusCounts aggregates a file's instruction statuses, used for
// the terminal-transition decision and the file detail response.
func InstructionStatusCounts(ctx context.Context, clientId string, fileId int) (map[InstructionStatus]int, error) {
	db := config.GetDB()
	type row struct {
		Status InstructionStatus
		N      int
	}
	var rows []row
	err := db.WithContext(ctx).Model(&PaymentInstruction{}).
		Select("status, COUNT(*) AS n").
		Where("client_id = ? AND file_id = ?", clientId, fileId).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[InstructionStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// SumInstructionAmounts totals the non-cancelled instruction amounts for a
// file, for the total-amount consistency guard.
func SumInstructionAmounts(ctx context.Context, clientId string, fileId int) (decimal.Decimal, error) {
	db := config.GetDB()
	var total decimal.NullDecimal
	err := db.WithContext(ctx).Model(&PaymentInstruction{}).
		Select("SUM(amount)").
		Where("client_id = ? AND file_id = ? AND status <> ?", clientId, fileId, InstructionStatusCancelled).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
