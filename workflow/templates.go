package workflow

import (
	"bytes"
	"context"
	"fmt"

	"bitbucket.org/volopa/masspay_backend/models"
	"github.com/xuri/excelize/v2"
)

const templateSheet = "Sheet1"

// PaymentTemplate builds a blank spreadsheet for a currency: the header row
// comes from the currency rule table, so tightening a currency's rules
// changes the template without a deploy.
func PaymentTemplate(ctx context.Context, currency string) (*bytes.Buffer, error) {
	headers, err := models.TemplateHeadersForCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(templateSheet); err != nil {
		return nil, err
	}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(templateSheet, cell, header)
	}
	return f.WriteToBuffer()
}

// RecipientsTemplate lists a client's beneficiaries for a currency with
// their stored settlement details, ready to paste into a payment file.
func RecipientsTemplate(ctx context.Context, clientId, currency string) (*bytes.Buffer, error) {
	beneficiaries, err := models.ListBeneficiariesByCurrency(ctx, clientId, currency)
	if err != nil {
		return nil, err
	}
	rules, err := models.RequiredFieldsForCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}

	headers := []string{"beneficiary_id", "name", "currency"}
	for _, rule := range rules {
		headers = append(headers, rule.FieldName)
	}

	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(templateSheet); err != nil {
		return nil, err
	}
	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		f.SetCellValue(templateSheet, cell, header)
	}
	for rowIdx, b := range beneficiaries {
		values := []interface{}{b.ID, b.Name, b.Currency}
		for _, rule := range rules {
			value, _ := b.SettlementField(rule.FieldName)
			values = append(values, value)
		}
		for colIdx, value := range values {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return nil, err
			}
			f.SetCellValue(templateSheet, cell, value)
		}
	}
	return f.WriteToBuffer()
}

// ValidationErrorReport exports a failed file's per-row errors as a
// spreadsheet for correction and resubmission.
func ValidationErrorReport(file *models.MassPaymentFile) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(templateSheet); err != nil {
		return nil, err
	}

	f.SetCellValue(templateSheet, "A1", "row_number")
	f.SetCellValue(templateSheet, "B1", "field")
	f.SetCellValue(templateSheet, "C1", "code")
	f.SetCellValue(templateSheet, "D1", "message")

	for i, rowErr := range file.RowErrors {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(templateSheet, "A"+row, rowErr.RowNumber)
		f.SetCellValue(templateSheet, "B"+row, rowErr.Field)
		f.SetCellValue(templateSheet, "C"+row, rowErr.Code)
		f.SetCellValue(templateSheet, "D"+row, rowErr.Message)
	}
	return f.WriteToBuffer()
}
