package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RowError is one structured validation failure: which row, which field,
// and an enumerable code the client UI can map to a correction hint.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Field     string `json:"field"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type RowErrorList []RowError

func (l RowErrorList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *RowErrorList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("row errors must be bytes, got %T", value)
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, l)
}

// MassPaymentFile is one uploaded batch. Status is owned exclusively by the
// lifecycle transition functions in workflow; nothing else writes it.
type MassPaymentFile struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ClientId         string          `gorm:"size:64;not null;index;index:idx_file_client_status,priority:1" json:"client_id"`
	FundingAccountId int             `gorm:"not null;index" json:"funding_account_id"`
	Currency         string          `gorm:"size:3;not null" json:"currency"`
	TotalAmount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	Status           FileStatus      `gorm:"size:20;not null;default:'draft';index;index:idx_file_client_status,priority:2" json:"status"`

	// Validation summary, written once by the validation handler.
	TotalRecords  int          `gorm:"not null;default:0" json:"total_records"`
	ValidRecords  int          `gorm:"not null;default:0" json:"valid_records"`
	FailedRecords int          `gorm:"not null;default:0" json:"failed_records"`
	RowErrors     RowErrorList `gorm:"type:json" json:"row_errors"`

	CreatedBy        int        `gorm:"not null;index" json:"created_by"`
	ApprovedBy       *int       `gorm:"index" json:"approved_by"`
	ApprovedAt       *time.Time `json:"approved_at"`
	SecondApprovedBy *int       `json:"second_approved_by"`
	SecondApprovedAt *time.Time `json:"second_approved_at"`

	SourceObjectKey string  `gorm:"size:255" json:"source_object_key"`
	ErrorReportUrl  *string `gorm:"size:512" json:"error_report_url"`

	// Version backs the optimistic single-writer guarantee on status.
	Version int `gorm:"not null;default:0" json:"version"`

	ProcessingStartedAt *time.Time `gorm:"index" json:"processing_started_at"`
	CompletedAt         *time.Time `json:"completed_at"`

	Instructions []PaymentInstruction `gorm:"foreignKey:FileId" json:"instructions,omitempty"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (f MassPaymentFile) HasValidationErrors() bool {
	return f.FailedRecords > 0 || len(f.RowErrors) > 0
}

// RawRow is the intake contract from the upstream CSV-parsing collaborator.
type RawRow struct {
	RowNumber int               `json:"row_number" binding:"required,gt=0"`
	RawFields map[string]string `json:"raw_fields" binding:"required"`
}

// MassPaymentRow persists intake rows until validation turns them into
// instructions (or into row errors). Deleted with the parent file.
type MassPaymentRow struct {
	ID        int       `gorm:"primary_key" json:"id"`
	ClientId  string    `gorm:"size:64;not null;index" json:"client_id"`
	FileId    int       `gorm:"not null;index:uniq_file_row,unique" json:"file_id"`
	RowNumber int       `gorm:"not null;index:uniq_file_row,unique" json:"row_number"`
	RawFields []byte    `gorm:"type:blob;not null" json:"raw_fields"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (r MassPaymentRow) DecodeFields() (map[string]string, error) {
	fields := map[string]string{}
	if len(r.RawFields) == 0 {
		return fields, nil
	}
	err := json.Unmarshal(r.RawFields, &fields)
	return fields, err
}

type NewMassPaymentFile struct {
	FundingAccountId int             `json:"funding_account_id" binding:"required"`
	Currency         string          `json:"currency" binding:"required,len=3"`
	TotalAmount      decimal.Decimal `json:"total_amount" binding:"required"`
	SourceObjectKey  string          `json:"source_object_key"`
	Rows             []RawRow        `json:"rows" binding:"required,min=1,dive"`
}

func (input NewMassPaymentFile) Validate(ctx context.Context, clientId string) error {
	if !input.TotalAmount.IsPositive() {
		return errors.New("total_amount must be positive")
	}
	if len(input.Rows) > config.MaxInstructionsPerFile() {
		return fmt.Errorf("row count %d exceeds the per-file cap of %d", len(input.Rows), config.MaxInstructionsPerFile())
	}
	seen := make(map[int]bool, len(input.Rows))
	for _, row := range input.Rows {
		if seen[row.RowNumber] {
			return fmt.Errorf("duplicate row_number %d", row.RowNumber)
		}
		seen[row.RowNumber] = true
	}
	var account FundingAccount
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("client_id = ?", clientId).
		First(&account, input.FundingAccountId).Error
	if err != nil {
		return errors.New("funding account not found")
	}
	if account.Currency != input.Currency {
		return errors.New("file currency does not match funding account currency")
	}
	return nil
}

// FileSummary is the API shape for GET file detail/listing responses.
type FileSummary struct {
	ID            int             `json:"id"`
	Status        FileStatus      `json:"status"`
	Currency      string          `json:"currency"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalRecords  int             `json:"total_records"`
	ValidRecords  int             `json:"valid_records"`
	FailedRecords int             `json:"failed_records"`
	RowErrors     RowErrorList    `json:"row_errors,omitempty"`
	CreatedBy     int             `json:"created_by"`
	ApprovedBy    *int            `json:"approved_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (f MassPaymentFile) Summary() FileSummary {
	return FileSummary{
		ID:            f.ID,
		Status:        f.Status,
		Currency:      f.Currency,
		TotalAmount:   f.TotalAmount,
		TotalRecords:  f.TotalRecords,
		ValidRecords:  f.ValidRecords,
		FailedRecords: f.FailedRecords,
		RowErrors:     f.RowErrors,
		CreatedBy:     f.CreatedBy,
		ApprovedBy:    f.ApprovedBy,
		CreatedAt:     f.CreatedAt,
	}
}

// FetchMassPaymentFile loads a file under the caller's tenant.
func FetchMassPaymentFile(ctx context.Context, clientId string, fileId int, associations ...string) (*MassPaymentFile, error) {
	return utils.FetchModel[MassPaymentFile](ctx, clientId, fileId, associations...)
}

// ListMassPaymentFiles returns a client's files newest first, optionally
// filtered by status, paged by limit/offset.
func ListMassPaymentFiles(ctx context.Context, clientId string, status FileStatus, limit, offset int) ([]MassPaymentFile, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("client_id = ?", clientId)
	if status != "" {
		if !status.Valid() {
			return nil, errors.New("invalid status filter " + string(status))
		}
		dbCtx = dbCtx.Where("status = ?", status)
	}
	var files []MassPaymentFile
	err := dbCtx.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&files).Error
	return files, err
}
