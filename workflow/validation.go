package workflow

import (
	"context"
	"strconv"
	"strings"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/models"
	"bitbucket.org/volopa/masspay_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// The validation engine is a pure function of the row set plus lookup
// tables; all I/O happens in the surrounding handler. Per-row failures are
// collected, never thrown — but the file only advances when every row
// passes (all-or-nothing policy).

// RowCandidate is a validated row ready to become a PaymentInstruction.
type RowCandidate struct {
	RowNumber     int
	BeneficiaryId int
	Amount        decimal.Decimal
	PurposeCode   string
	InvoiceNumber string
}

// ValidationResult is the engine's verdict over a whole row set.
type ValidationResult struct {
	Candidates   []RowCandidate
	RowErrors    models.RowErrorList
	TotalRecords int
	ValidRecords int
}

func (r ValidationResult) Failed() bool { return len(r.RowErrors) > 0 }

func rowError(rowNumber int, field, code, message string) models.RowError {
	return models.RowError{RowNumber: rowNumber, Field: field, Code: code, Message: message}
}

// ValidateRow checks one intake row against the currency rule table, the
// purpose-code corridor, and the referenced beneficiary. It returns either
// a candidate or the full error list for the row, never both.
func ValidateRow(rowNumber int, fields map[string]string, currency string,
	rules []models.CurrencyRule, allowedPurpose map[string]bool,
	beneficiaries map[int]*models.Beneficiary) (*RowCandidate, []models.RowError) {

	var errs []models.RowError

	var beneficiary *models.Beneficiary
	benField := strings.TrimSpace(fields["beneficiary_id"])
	if benField == "" {
		errs = append(errs, rowError(rowNumber, "beneficiary_id", "missing_beneficiary", "beneficiary_id is required"))
	} else {
		benId, err := strconv.Atoi(benField)
		if err != nil || benId <= 0 {
			errs = append(errs, rowError(rowNumber, "beneficiary_id", "invalid_beneficiary", "beneficiary_id must be a positive integer"))
		} else if beneficiary = beneficiaries[benId]; beneficiary == nil {
			errs = append(errs, rowError(rowNumber, "beneficiary_id", "unknown_beneficiary", "beneficiary not found for this client"))
		} else if beneficiary.Currency != currency {
			errs = append(errs, rowError(rowNumber, "beneficiary_id", "currency_mismatch", "beneficiary currency "+beneficiary.Currency+" does not match file currency "+currency))
			beneficiary = nil
		}
	}

	var amount decimal.Decimal
	amountField := strings.TrimSpace(fields["amount"])
	if amountField == "" {
		errs = append(errs, rowError(rowNumber, "amount", "missing_amount", "amount is required"))
	} else {
		parsed, err := decimal.NewFromString(amountField)
		if err != nil {
			errs = append(errs, rowError(rowNumber, "amount", "invalid_amount", "amount is not a valid decimal"))
		} else if !parsed.IsPositive() {
			errs = append(errs, rowError(rowNumber, "amount", "invalid_amount", "amount must be positive"))
		} else if _, err := utils.NormalizeAmount(parsed, 2); err != nil {
			errs = append(errs, rowError(rowNumber, "amount", "invalid_amount", err.Error()))
		} else {
			amount = parsed
		}
	}

	purposeCode := strings.TrimSpace(fields["purpose_code"])
	if len(allowedPurpose) > 0 {
		if purposeCode == "" {
			errs = append(errs, rowError(rowNumber, "purpose_code", "missing_purpose_code", "purpose_code is required for "+currency))
		} else if !allowedPurpose[purposeCode] {
			errs = append(errs, rowError(rowNumber, "purpose_code", "unknown_purpose_code", "purpose code "+purposeCode+" is not valid for "+currency))
		}
	}

	// Currency-specific required fields: satisfied by the row itself or by
	// the beneficiary's stored settlement details.
	for _, rule := range rules {
		if value := strings.TrimSpace(fields[rule.FieldName]); value != "" {
			continue
		}
		if beneficiary != nil {
			if value, known := beneficiary.SettlementField(rule.FieldName); known && value != "" {
				continue
			}
		}
		errs = append(errs, rowError(rowNumber, rule.FieldName, rule.ErrorCode, rule.Message))
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &RowCandidate{
		RowNumber:     rowNumber,
		BeneficiaryId: beneficiary.ID,
		Amount:        amount,
		PurposeCode:   purposeCode,
		InvoiceNumber: strings.TrimSpace(fields["invoice_number"]),
	}, nil
}

// ValidateRows runs the engine over an ordered row set.
func ValidateRows(rows []models.RawRow, currency string,
	rules []models.CurrencyRule, allowedPurpose map[string]bool,
	beneficiaries map[int]*models.Beneficiary) ValidationResult {

	result := ValidationResult{TotalRecords: len(rows)}
	for _, row := range rows {
		candidate, errs := ValidateRow(row.RowNumber, row.RawFields, currency, rules, allowedPurpose, beneficiaries)
		if len(errs) > 0 {
			result.RowErrors = append(result.RowErrors, errs...)
			continue
		}
		result.Candidates = append(result.Candidates, *candidate)
		result.ValidRecords++
	}
	return result
}

// HandleFileUploaded is the worker handler behind the file.uploaded event:
// it drives draft -> validating -> {awaiting_approval | validation_failed}.
func HandleFileUploaded(ctx context.Context, clientId string, fileId int) error {
	db := config.GetDB()

	file, err := models.FetchMassPaymentFile(ctx, clientId, fileId)
	if err != nil {
		return err
	}
	switch file.Status {
	case models.FileStatusDraft:
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return ApplyFileTransition(ctx, tx, file, EventBeginValidation, nil)
		})
		if err != nil {
			return err
		}
	case models.FileStatusValidating:
		// Crash between the begin-validation commit and the result commit:
		// the redelivered event re-runs validation from the stored rows.
		// Instructions are only created together with the result commit, so
		// a validating file never has any.
	default:
		// Redelivered event; validation already ran.
		return nil
	}

	rows, rules, allowedPurpose, beneficiaries, err := loadValidationInputs(ctx, clientId, file)
	if err != nil {
		return err
	}

	result := ValidateRows(rows, file.Currency, rules, allowedPurpose, beneficiaries)

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		summary := map[string]interface{}{
			"total_records":  result.TotalRecords,
			"valid_records":  result.ValidRecords,
			"failed_records": result.TotalRecords - result.ValidRecords,
		}

		if result.Failed() {
			summary["row_errors"] = result.RowErrors
			file.RowErrors = result.RowErrors
			file.FailedRecords = result.TotalRecords - result.ValidRecords
			return ApplyFileTransition(ctx, tx, file, EventValidationFailed, summary)
		}

		instructions := make([]models.PaymentInstruction, 0, len(result.Candidates))
		for _, c := range result.Candidates {
			instructions = append(instructions, models.PaymentInstruction{
				ClientId:      clientId,
				FileId:        file.ID,
				RowNumber:     c.RowNumber,
				BeneficiaryId: c.BeneficiaryId,
				Amount:        c.Amount,
				Currency:      file.Currency,
				PurposeCode:   c.PurposeCode,
				InvoiceNumber: c.InvoiceNumber,
				Status:        models.InstructionStatusPending,
			})
		}
		if err := tx.CreateInBatches(instructions, 500).Error; err != nil {
			return err
		}

		return ApplyFileTransition(ctx, tx, file, EventValidationPassed, summary)
	})
}

func loadValidationInputs(ctx context.Context, clientId string, file *models.MassPaymentFile) ([]models.RawRow, []models.CurrencyRule, map[string]bool, map[int]*models.Beneficiary, error) {
	db := config.GetDB()

	var storedRows []models.MassPaymentRow
	err := db.WithContext(ctx).
		Where("client_id = ? AND file_id = ?", clientId, file.ID).
		Order("row_number").
		Find(&storedRows).Error
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rows := make([]models.RawRow, 0, len(storedRows))
	benIds := make([]int, 0, len(storedRows))
	for _, stored := range storedRows {
		fields, err := stored.DecodeFields()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		rows = append(rows, models.RawRow{RowNumber: stored.RowNumber, RawFields: fields})
		if id, err := strconv.Atoi(strings.TrimSpace(fields["beneficiary_id"])); err == nil && id > 0 {
			benIds = append(benIds, id)
		}
	}

	rules, err := models.RequiredFieldsForCurrency(ctx, file.Currency)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	allowedPurpose, err := models.AllowedPurposeCodes(ctx, file.Currency)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	beneficiaries := make(map[int]*models.Beneficiary)
	if len(benIds) > 0 {
		var loaded []models.Beneficiary
		err = db.WithContext(ctx).
			Where("client_id = ? AND id IN ?", clientId, utils.UniqueSlice(benIds)).
			Find(&loaded).Error
		if err != nil {
			return nil, nil, nil, nil, err
		}
		for i := range loaded {
			beneficiaries[loaded[i].ID] = &loaded[i]
		}
	}
	return rows, rules, allowedPurpose, beneficiaries, nil
}
